package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/velometry/velometry/internal/config"
	"github.com/velometry/velometry/internal/perftrack"
)

// statusWriter captures the response status for the performance recorder.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	if sw.status == 0 {
		sw.status = code
	}

	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(buf []byte) (int, error) {
	if sw.status == 0 {
		sw.status = http.StatusOK
	}

	return sw.ResponseWriter.Write(buf)
}

// perfNote accumulates per-request facts handlers know and the recorder
// persists: whether the response came out of the cache, and the terse error
// code, if any.
type perfNote struct {
	mu       sync.Mutex
	cacheHit bool
	errorTag string
}

type noteKey struct{}

func noteFrom(ctx context.Context) *perfNote {
	note, _ := ctx.Value(noteKey{}).(*perfNote)

	return note
}

// markCacheHit flags the request as served from cache.
func markCacheHit(r *http.Request) {
	if note := noteFrom(r.Context()); note != nil {
		note.mu.Lock()
		note.cacheHit = true
		note.mu.Unlock()
	}
}

// tagError attaches the error code the response carried.
func tagError(r *http.Request, code string) {
	if note := noteFrom(r.Context()); note != nil {
		note.mu.Lock()
		note.errorTag = code
		note.mu.Unlock()
	}
}

// recoverer turns handler panics into terse 500s. The stack goes to the
// log, never to the client.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panic", "path", r.URL.Path, "panic", rec)
				tagError(r, "internal_error")
				respondJSON(w, http.StatusInternalServerError, errorBody{
					Error: "internal error", Code: "internal_error",
				})
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// securityHeaders sets the fixed response-hardening headers on every
// response.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	hsts := s.cfg.Dashboard.EnableHSTS

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "SAMEORIGIN")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Content-Security-Policy", "default-src 'self'")

		if hsts {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

// perfRecorder times every request and hands one sample to the tracker
// and one observation to the RED instruments. Recording is asynchronous
// inside the tracker, so the handler path never blocks on the store.
func (s *Server) perfRecorder(next http.Handler) http.Handler {
	if s.perf == nil && s.red == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		note := &perfNote{}
		r = r.WithContext(context.WithValue(r.Context(), noteKey{}, note))
		sw := &statusWriter{ResponseWriter: w}
		started := s.now()

		next.ServeHTTP(sw, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}

		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}

		elapsed := s.now().Sub(started)

		if s.red != nil {
			s.red.RecordRequest(r.Context(), r.Method+" "+route, strconv.Itoa(status), elapsed)
		}

		if s.perf == nil {
			return
		}

		note.mu.Lock()
		hit, tag := note.cacheHit, note.errorTag
		note.mu.Unlock()

		s.perf.Record(perftrack.Sample{
			Timestamp:  started,
			Route:      route,
			Method:     r.Method,
			DurationMs: float64(elapsed) / float64(time.Millisecond),
			StatusCode: status,
			CacheHit:   hit,
			ErrorTag:   tag,
		})
	})
}

// limiterPruneLen is the client-map size that triggers idle-entry pruning.
const limiterPruneLen = 1024

// limiterIdle is how long a client may be silent before its bucket is
// pruned.
const limiterIdle = 10 * time.Minute

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

// clientLimiter keeps one token bucket per client address.
type clientLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	clients map[string]*limiterEntry
}

func newClientLimiter(cfg config.RateLimitConfig, now func() time.Time) (*clientLimiter, error) {
	events, per, err := cfg.ParseLimit()
	if err != nil {
		return nil, err
	}

	return &clientLimiter{
		limit:   rate.Limit(float64(events) / per.Seconds()),
		burst:   events,
		now:     now,
		clients: make(map[string]*limiterEntry),
	}, nil
}

func (l *clientLimiter) allow(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.clients[client]
	if !ok {
		if len(l.clients) >= limiterPruneLen {
			l.prune()
		}

		entry = &limiterEntry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.clients[client] = entry
	}

	entry.seen = l.now()

	return entry.lim.Allow()
}

func (l *clientLimiter) prune() {
	cutoff := l.now().Add(-limiterIdle)

	for client, entry := range l.clients {
		if entry.seen.Before(cutoff) {
			delete(l.clients, client)
		}
	}
}

// rateLimit rejects clients that exhausted their bucket with 429.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(clientKey(r)) {
			tagError(r, "rate_limited")
			respondJSON(w, http.StatusTooManyRequests, errorBody{
				Error: "rate limit exceeded", Code: "rate_limited",
			})

			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientKey identifies the caller for rate limiting: the remote host,
// ignoring the ephemeral port.
func clientKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}

	return r.RemoteAddr
}

// basicAuth challenges with the velometry realm when credentials are
// missing or wrong. Verification is constant-time per user.
func (s *Server) basicAuth(next http.Handler) http.Handler {
	if s.users == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if ok {
			if hash, known := s.users[username]; known && hash.Verify(password) {
				next.ServeHTTP(w, r)

				return
			}
		}

		w.Header().Set("WWW-Authenticate", basicRealm)
		tagError(r, "unauthorized")
		respondJSON(w, http.StatusUnauthorized, errorBody{
			Error: "authentication required", Code: "unauthorized",
		})
	})
}
