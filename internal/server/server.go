// Package server exposes the dashboard HTTP API: metric reads out of the
// cache, collection triggers onto the event bus, cache administration,
// CSV/JSON exports, and the request-performance surface. Handlers never talk
// to the upstreams; reads come from C6 artifacts and writes are events.
package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"

	"github.com/velometry/velometry/internal/auth"
	"github.com/velometry/velometry/internal/cache"
	"github.com/velometry/velometry/internal/config"
	"github.com/velometry/velometry/internal/errdefs"
	"github.com/velometry/velometry/internal/events"
	"github.com/velometry/velometry/internal/metrics"
	"github.com/velometry/velometry/internal/observability"
	"github.com/velometry/velometry/internal/perftrack"
)

// Default HTTP server timeouts, used when the config leaves them unset.
const (
	defaultReadTimeout  = 15 * time.Second
	defaultWriteTimeout = 30 * time.Second
	defaultIdleTimeout  = 60 * time.Second
)

// basicRealm is the WWW-Authenticate realm for basic auth challenges.
const basicRealm = `Basic realm="velometry"`

// Options configures a Server.
type Options struct {
	Config *config.Config
	Store  *cache.Store
	Bus    *events.Bus
	Perf   *perftrack.Tracker
	Logger *slog.Logger

	// Metrics serves the Prometheus exposition at /metrics when non-nil.
	Metrics http.Handler

	// Tracer enables a span per request when non-nil.
	Tracer trace.Tracer

	// RED records request-rate/error/duration instruments when non-nil.
	RED *observability.REDMetrics

	// Ready checks back the /readyz endpoint.
	Ready []observability.ReadyCheck

	// Now overrides the clock. Nil selects time.Now.
	Now func() time.Time
}

// Server is the dashboard HTTP server.
type Server struct {
	cfg     *config.Config
	store   *cache.Store
	bus     *events.Bus
	perf    *perftrack.Tracker
	logger  *slog.Logger
	promh   http.Handler
	tracer  trace.Tracer
	red     *observability.REDMetrics
	ready   []observability.ReadyCheck
	now     func() time.Time
	checker *inputChecker
	users   map[string]auth.PasswordHash
	limiter *clientLimiter

	// scorer is swapped atomically when /api/settings/weights accepts a
	// new vector.
	scorerMu sync.RWMutex
	scorer   *metrics.Scorer

	teamSizes map[string]int

	httpServer *http.Server
}

// New builds a server from options.
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("%w: configuration is required", errdefs.ErrConfig)
	}

	if opts.Store == nil {
		return nil, fmt.Errorf("%w: cache store is required", errdefs.ErrConfig)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	checker, err := newInputChecker()
	if err != nil {
		return nil, err
	}

	dash := opts.Config.Dashboard

	var users map[string]auth.PasswordHash

	if dash.Auth.Enabled {
		if len(dash.Auth.Users) == 0 {
			return nil, fmt.Errorf("%w: auth enabled without users", errdefs.ErrConfig)
		}

		users = make(map[string]auth.PasswordHash, len(dash.Auth.Users))

		for _, u := range dash.Auth.Users {
			hash, perr := auth.ParseHash(u.PasswordHash)
			if perr != nil {
				return nil, fmt.Errorf("user %q: %w", u.Username, perr)
			}

			users[u.Username] = hash
		}
	}

	var limiter *clientLimiter

	if dash.RateLimiting.Enabled {
		limiter, err = newClientLimiter(dash.RateLimiting, now)
		if err != nil {
			return nil, err
		}
	}

	teamSizes := make(map[string]int, len(opts.Config.Teams))
	for _, team := range opts.Config.Teams {
		teamSizes[team.Name] = len(team.Members)
	}

	s := &Server{
		cfg:       opts.Config,
		store:     opts.Store,
		bus:       opts.Bus,
		perf:      opts.Perf,
		logger:    logger,
		promh:     opts.Metrics,
		tracer:    opts.Tracer,
		red:       opts.RED,
		ready:     opts.Ready,
		now:       now,
		checker:   checker,
		users:     users,
		limiter:   limiter,
		scorer:    metrics.NewScorer(opts.Config.Weights, opts.Config.Scoring.NormalizeByTeamSize),
		teamSizes: teamSizes,
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", dash.Port),
		Handler:      s.Handler(),
		ReadTimeout:  timeoutOr(dash.ReadTimeout, defaultReadTimeout),
		WriteTimeout: timeoutOr(dash.WriteTimeout, defaultWriteTimeout),
		IdleTimeout:  timeoutOr(dash.IdleTimeout, defaultIdleTimeout),
	}

	return s, nil
}

// Handler returns the routed handler. Middleware, outermost first:
// tracing, recover, security headers, performance recorder, rate limit,
// basic auth.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	if s.tracer != nil {
		r.Use(func(next http.Handler) http.Handler {
			return observability.HTTPMiddleware(s.tracer, next)
		})
	}

	r.Use(s.recoverer)
	r.Use(s.securityHeaders)
	r.Use(s.perfRecorder)
	r.Use(s.rateLimit)
	r.Use(s.basicAuth)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/metrics", s.handleMetrics)
	r.Get("/api/refresh", s.handleRefresh)
	r.Post("/api/reload-cache", s.handleReloadCache)

	r.Route("/api/cache", func(r chi.Router) {
		r.Get("/stats", s.handleCacheStats)
		r.Post("/clear", s.handleCacheClear)
		r.Post("/warm", s.handleCacheWarm)
	})

	r.Post("/api/settings/weights", s.handleWeights)

	r.Route("/api/export", func(r chi.Router) {
		r.Get("/team/{team}/{format}", s.handleExportTeam)
		r.Get("/person/{login}/{format}", s.handleExportPerson)
		r.Get("/comparison/{format}", s.handleExportComparison)
		r.Get("/team-members/{team}/{format}", s.handleExportTeamMembers)
	})

	r.Route("/metrics/api", func(r chi.Router) {
		r.Get("/overview", s.handlePerfOverview)
		r.Get("/slow-routes", s.handlePerfSlowRoutes)
		r.Get("/route-trend", s.handlePerfRouteTrend)
		r.Get("/cache-effectiveness", s.handlePerfCacheEffectiveness)
		r.Get("/health-score", s.handlePerfHealthScore)
		r.Get("/rotate", s.handlePerfRotate)
	})

	if s.promh != nil {
		r.Handle("/metrics", s.promh)
	}

	r.Handle("/healthz", observability.HealthHandler())
	r.Handle("/readyz", observability.ReadyHandler(s.ready...))

	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("dashboard listening", "addr", s.httpServer.Addr)

	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard server: %w", err)
	}

	return nil
}

// Shutdown drains in-flight connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("dashboard shutdown: %w", err)
	}

	return nil
}

// scoredPeople returns a copy of people with serve-time scores filled in
// from the current weight vector.
func (s *Server) scoredPeople(people []metrics.PersonMetrics) []metrics.PersonMetrics {
	s.scorerMu.RLock()
	scorer := s.scorer
	s.scorerMu.RUnlock()

	out := slices.Clone(people)
	for i := range out {
		out[i].Score = scorer.Score(out[i], people, s.teamSizes)
	}

	return out
}

// swapScorer installs a new weight vector for subsequent reads.
func (s *Server) swapScorer(weights config.WeightsConfig) {
	s.scorerMu.Lock()
	s.scorer = metrics.NewScorer(weights, s.cfg.Scoring.NormalizeByTeamSize)
	s.scorerMu.Unlock()
}

func timeoutOr(configured, fallback time.Duration) time.Duration {
	if configured > 0 {
		return configured
	}

	return fallback
}
