package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/velometry/velometry/internal/errdefs"
)

// Performance-surface query bounds.
const (
	defaultPerfDays  = 7
	maxPerfDays      = 365
	defaultSlowLimit = 10
	maxRouteLen      = 200
)

// perfEnabled writes the disabled response when no tracker is wired.
func (s *Server) perfEnabled(w http.ResponseWriter, r *http.Request) bool {
	if s.perf != nil {
		return true
	}

	tagError(r, "unavailable")
	respondJSON(w, http.StatusServiceUnavailable, errorBody{
		Error: "performance tracking disabled", Code: "unavailable",
	})

	return false
}

func queryInt(r *http.Request, name string, fallback, maxValue int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxValue {
		return 0, fmt.Errorf("%w: %s must be an integer in [1, %d]", errdefs.ErrValidation, name, maxValue)
	}

	return n, nil
}

func (s *Server) handlePerfOverview(w http.ResponseWriter, r *http.Request) {
	if !s.perfEnabled(w, r) {
		return
	}

	days, err := queryInt(r, "days", defaultPerfDays, maxPerfDays)
	if err != nil {
		s.respondError(w, r, err)

		return
	}

	health, err := s.perf.HealthScore(days)
	if err != nil {
		s.respondError(w, r, err)

		return
	}

	routes, err := s.perf.SlowestRoutes(0, days)
	if err != nil {
		s.respondError(w, r, err)

		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"health":      health,
		"routes":      routes,
		"daysBack":    days,
		"generatedAt": s.now().UTC(),
	})
}

func (s *Server) handlePerfSlowRoutes(w http.ResponseWriter, r *http.Request) {
	if !s.perfEnabled(w, r) {
		return
	}

	days, err := queryInt(r, "days", defaultPerfDays, maxPerfDays)
	if err != nil {
		s.respondError(w, r, err)

		return
	}

	limit, err := queryInt(r, "limit", defaultSlowLimit, 100)
	if err != nil {
		s.respondError(w, r, err)

		return
	}

	routes, err := s.perf.SlowestRoutes(limit, days)
	if err != nil {
		s.respondError(w, r, err)

		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"routes": routes, "daysBack": days})
}

func (s *Server) handlePerfRouteTrend(w http.ResponseWriter, r *http.Request) {
	if !s.perfEnabled(w, r) {
		return
	}

	route := r.URL.Query().Get("route")
	if len(route) > maxRouteLen {
		s.respondError(w, r, fmt.Errorf("%w: route name too long", errdefs.ErrValidation))

		return
	}

	days, err := queryInt(r, "days", defaultPerfDays, maxPerfDays)
	if err != nil {
		s.respondError(w, r, err)

		return
	}

	points, err := s.perf.HourlyMetrics(route, days)
	if err != nil {
		s.respondError(w, r, err)

		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"route": route, "points": points, "daysBack": days})
}

func (s *Server) handlePerfCacheEffectiveness(w http.ResponseWriter, r *http.Request) {
	if !s.perfEnabled(w, r) {
		return
	}

	days, err := queryInt(r, "days", defaultPerfDays, maxPerfDays)
	if err != nil {
		s.respondError(w, r, err)

		return
	}

	health, err := s.perf.HealthScore(days)
	if err != nil {
		s.respondError(w, r, err)

		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"store":               s.store.Stats(),
		"requestCacheHitRate": health.CacheHitRate,
		"daysBack":            days,
	})
}

func (s *Server) handlePerfHealthScore(w http.ResponseWriter, r *http.Request) {
	if !s.perfEnabled(w, r) {
		return
	}

	days, err := queryInt(r, "days", defaultPerfDays, maxPerfDays)
	if err != nil {
		s.respondError(w, r, err)

		return
	}

	report, err := s.perf.HealthScore(days)
	if err != nil {
		s.respondError(w, r, err)

		return
	}

	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handlePerfRotate(w http.ResponseWriter, r *http.Request) {
	if !s.perfEnabled(w, r) {
		return
	}

	retention := s.cfg.Performance.RetentionDays

	removed, err := s.perf.Rotate(retention)
	if err != nil {
		s.respondError(w, r, err)

		return
	}

	respondJSON(w, http.StatusOK, map[string]int{"removed": removed, "retentionDays": retention})
}
