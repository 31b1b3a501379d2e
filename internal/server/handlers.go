package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/velometry/velometry/internal/cache"
	"github.com/velometry/velometry/internal/config"
	"github.com/velometry/velometry/internal/errdefs"
	"github.com/velometry/velometry/internal/events"
	"github.com/velometry/velometry/internal/metrics"
	"github.com/velometry/velometry/internal/window"
)

// defaultRange scopes requests that omit the range parameter.
const defaultRange = "90d"

// Artifact statuses carried in response metadata.
const (
	statusOK      = "ok"
	statusPartial = "partial"
)

// metadata is the envelope attached to metric and export responses.
type metadata struct {
	GeneratedAt time.Time `json:"generatedAt"`
	RangeSpec   string    `json:"rangeSpec"`
	Environment string    `json:"environment"`
	Status      string    `json:"status"`
}

// scope is a validated (range, environment) pair.
type scope struct {
	spec window.RangeSpec
	env  string
}

func (s *Server) scopeFrom(r *http.Request) (scope, error) {
	raw := r.URL.Query().Get("range")
	if raw == "" {
		raw = defaultRange
	}

	if err := s.checker.check("range", raw, "rangespec"); err != nil {
		return scope{}, err
	}

	env := r.URL.Query().Get("env")
	if err := s.checker.check("env", env, "envname"); err != nil {
		return scope{}, err
	}

	spec, err := window.Parse(raw)
	if err != nil {
		return scope{}, fmt.Errorf("%w: %v", errdefs.ErrValidation, err)
	}

	return scope{spec: spec, env: env}, nil
}

func (s *Server) metadataFor(sc scope, header cache.Header) metadata {
	status := statusOK
	if header.Partial {
		status = statusPartial
	}

	return metadata{
		GeneratedAt: s.now().UTC(),
		RangeSpec:   sc.spec.String(),
		Environment: sc.env,
		Status:      status,
	}
}

// loadBundle fetches the scoped artifact, writing the error response
// itself when the artifact is absent or refused. A partial artifact is
// served unless the config demands completeness.
func (s *Server) loadBundle(w http.ResponseWriter, r *http.Request, sc scope) (*cache.Bundle, cache.Header, bool) {
	key := cache.Key(sc.spec, sc.env)

	bundle, header, ok := s.store.Get(r.Context(), key)
	if !ok {
		s.respondError(w, r, fmt.Errorf("%w: no artifact for %s", errdefs.ErrNotFound, key))

		return nil, cache.Header{}, false
	}

	if header.Partial && s.cfg.Dashboard.RefusePartialData {
		tagError(r, "partial_data")
		respondJSON(w, http.StatusServiceUnavailable, errorBody{
			Error: "artifact holds partial data", Code: "partial_data",
		})

		return nil, cache.Header{}, false
	}

	markCacheHit(r)

	return bundle, header, true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// metricsResponse is the full dashboard payload for one scope.
type metricsResponse struct {
	Teams      []metrics.TeamMetrics   `json:"teams"`
	Persons    []metrics.PersonMetrics `json:"persons"`
	Comparison []metrics.ComparisonRow `json:"comparison"`
	Metadata   metadata                `json:"metadata"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	sc, err := s.scopeFrom(r)
	if err != nil {
		s.respondError(w, r, err)

		return
	}

	bundle, header, ok := s.loadBundle(w, r, sc)
	if !ok {
		return
	}

	respondJSON(w, http.StatusOK, metricsResponse{
		Teams:      bundle.Teams,
		Persons:    s.scoredPeople(bundle.People),
		Comparison: bundle.Comparison,
		Metadata:   s.metadataFor(sc, header),
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	sc, err := s.scopeFrom(r)
	if err != nil {
		s.respondError(w, r, err)

		return
	}

	jobID := uuid.NewString()

	if s.bus != nil {
		err := s.bus.Publish(r.Context(), events.Event{
			Type: events.ManualRefresh,
			Payload: map[string]any{
				"jobId":       jobID,
				"rangeSpec":   sc.spec.String(),
				"environment": sc.env,
			},
		})
		if err != nil {
			s.respondError(w, r, fmt.Errorf("%w: refresh publish: %v", errdefs.ErrInternal, err))

			return
		}
	}

	respondJSON(w, http.StatusAccepted, map[string]string{
		"jobId":       jobID,
		"status":      "accepted",
		"rangeSpec":   sc.spec.String(),
		"environment": sc.env,
	})
}

func (s *Server) handleReloadCache(w http.ResponseWriter, r *http.Request) {
	sc, err := s.scopeFrom(r)
	if err != nil {
		s.respondError(w, r, err)

		return
	}

	key := cache.Key(sc.spec, sc.env)

	if !s.store.Reload(r.Context(), key) {
		s.respondError(w, r, fmt.Errorf("%w: no artifact for %s", errdefs.ErrNotFound, key))

		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"reloaded": true, "key": key})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.store.Stats())
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	cleared := s.store.InvalidateAll(r.Context())

	respondJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

func (s *Server) handleCacheWarm(w http.ResponseWriter, r *http.Request) {
	loaded := s.store.Warm(r.Context())
	if loaded == nil {
		loaded = []string{}
	}

	respondJSON(w, http.StatusOK, map[string][]string{"warmed": loaded})
}

// handleWeights validates and installs a new performance-weight vector,
// effective for every subsequent read. Stored artifacts are untouched:
// scores are computed at serve time.
func (s *Server) handleWeights(w http.ResponseWriter, r *http.Request) {
	var weights config.WeightsConfig

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&weights); err != nil {
		s.respondError(w, r, fmt.Errorf("%w: malformed weight body: %v", errdefs.ErrValidation, err))

		return
	}

	if err := weights.Validate(); err != nil {
		s.respondError(w, r, fmt.Errorf("%w: %v", errdefs.ErrValidation, err))

		return
	}

	s.swapScorer(weights)

	if s.bus != nil {
		err := s.bus.Publish(r.Context(), events.Event{
			Type:    events.ConfigChanged,
			Payload: map[string]any{"scope": "weights"},
		})
		if err != nil {
			s.logger.Warn("config-changed publish failed", "error", err)
		}
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
