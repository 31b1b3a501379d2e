package perftrack_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velometry/velometry/internal/config"
	"github.com/velometry/velometry/internal/errdefs"
	"github.com/velometry/velometry/internal/perftrack"
)

func day(d, hour int) time.Time {
	return time.Date(2025, time.March, d, hour, 0, 0, 0, time.UTC)
}

func newTracker(t *testing.T, path string, now time.Time) *perftrack.Tracker {
	t.Helper()

	tracker, err := perftrack.Open(perftrack.Options{
		Config: config.PerformanceConfig{DatabasePath: path, RetentionDays: 30},
		Now:    func() time.Time { return now },
	})
	require.NoError(t, err)

	return tracker
}

func sample(route string, at time.Time, durationMs float64, status int, hit bool) perftrack.Sample {
	return perftrack.Sample{
		Timestamp:  at,
		Route:      route,
		Method:     "GET",
		DurationMs: durationMs,
		StatusCode: status,
		CacheHit:   hit,
	}
}

func TestRouteStatsExactPercentiles(t *testing.T) {
	t.Parallel()

	now := day(31, 12)
	tracker := newTracker(t, filepath.Join(t.TempDir(), "perf.db"), now)

	t.Cleanup(func() { require.NoError(t, tracker.Close()) })

	for i, d := range []float64{100, 200, 300, 400} {
		tracker.Record(sample("/api/metrics", day(30, 8+i), d, 200, i%2 == 0))
	}

	tracker.Record(sample("/api/health", day(30, 9), 5, 200, false))
	tracker.Flush()

	got, err := tracker.RouteStats("/api/metrics", 7)
	require.NoError(t, err)

	assert.Equal(t, 4, got.Count)
	assert.InDelta(t, 250.0, got.MeanMs, 1e-9)
	assert.InDelta(t, 250.0, got.P50Ms, 1e-9)
	assert.InDelta(t, 385.0, got.P95Ms, 1e-9)
	assert.InDelta(t, 397.0, got.P99Ms, 1e-9)
	assert.InDelta(t, 0.5, got.CacheHitRate, 1e-9)
	assert.Zero(t, got.ErrorRate)
}

func TestRouteStatsHonorsDaysBack(t *testing.T) {
	t.Parallel()

	now := day(31, 12)
	tracker := newTracker(t, filepath.Join(t.TempDir(), "perf.db"), now)

	t.Cleanup(func() { require.NoError(t, tracker.Close()) })

	tracker.Record(sample("/api/metrics", day(10, 9), 50, 200, false))
	tracker.Record(sample("/api/metrics", day(30, 9), 150, 200, false))
	tracker.Flush()

	recent, err := tracker.RouteStats("/api/metrics", 7)
	require.NoError(t, err)
	assert.Equal(t, 1, recent.Count)
	assert.InDelta(t, 150.0, recent.MeanMs, 1e-9)

	all, err := tracker.RouteStats("/api/metrics", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, all.Count)
}

func TestSlowestRoutesOrdering(t *testing.T) {
	t.Parallel()

	now := day(31, 12)
	tracker := newTracker(t, filepath.Join(t.TempDir(), "perf.db"), now)

	t.Cleanup(func() { require.NoError(t, tracker.Close()) })

	tracker.Record(sample("/api/health", day(30, 9), 5, 200, false))
	tracker.Record(sample("/api/metrics", day(30, 10), 800, 200, false))
	tracker.Record(sample("/api/export", day(30, 11), 300, 200, false))
	tracker.Flush()

	routes, err := tracker.SlowestRoutes(2, 7)
	require.NoError(t, err)

	require.Len(t, routes, 2)
	assert.Equal(t, "/api/metrics", routes[0].Route)
	assert.Equal(t, "/api/export", routes[1].Route)
}

func TestHourlyMetricsBucketsByHour(t *testing.T) {
	t.Parallel()

	now := day(31, 12)
	tracker := newTracker(t, filepath.Join(t.TempDir(), "perf.db"), now)

	t.Cleanup(func() { require.NoError(t, tracker.Close()) })

	base := day(30, 10)
	tracker.Record(sample("/api/metrics", base.Add(5*time.Minute), 100, 200, false))
	tracker.Record(sample("/api/metrics", base.Add(50*time.Minute), 300, 500, false))
	tracker.Record(sample("/api/metrics", base.Add(70*time.Minute), 200, 200, false))
	tracker.Flush()

	points, err := tracker.HourlyMetrics("/api/metrics", 7)
	require.NoError(t, err)

	require.Len(t, points, 2)
	assert.Equal(t, day(30, 10), points[0].Hour)
	assert.Equal(t, 2, points[0].Count)
	assert.InDelta(t, 200.0, points[0].MeanMs, 1e-9)
	assert.InDelta(t, 0.5, points[0].ErrorRate, 1e-9)
	assert.Equal(t, day(30, 11), points[1].Hour)
	assert.Equal(t, 1, points[1].Count)
}

func TestRotateDeletesOldRows(t *testing.T) {
	t.Parallel()

	now := day(31, 12)
	tracker := newTracker(t, filepath.Join(t.TempDir(), "perf.db"), now)

	t.Cleanup(func() { require.NoError(t, tracker.Close()) })

	tracker.Record(sample("/api/metrics", day(10, 9), 100, 200, false))
	tracker.Record(sample("/api/metrics", day(20, 9), 100, 200, false))
	tracker.Record(sample("/api/metrics", day(31, 9), 100, 200, false))
	tracker.Flush()

	removed, err := tracker.Rotate(7)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	remaining, err := tracker.RouteStats("/api/metrics", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, remaining.Count)
}

func TestRotateRejectsNonPositiveRetention(t *testing.T) {
	t.Parallel()

	tracker := newTracker(t, filepath.Join(t.TempDir(), "perf.db"), day(31, 12))

	t.Cleanup(func() { require.NoError(t, tracker.Close()) })

	_, err := tracker.Rotate(0)
	require.ErrorIs(t, err, errdefs.ErrConfig)
}

func TestHealthScoreComposite(t *testing.T) {
	t.Parallel()

	now := day(31, 12)
	tracker := newTracker(t, filepath.Join(t.TempDir(), "perf.db"), now)

	t.Cleanup(func() { require.NoError(t, tracker.Close()) })

	// Fast, fully cached, error free: every component at its ceiling.
	for i := range 4 {
		tracker.Record(sample("/api/metrics", day(30, 8+i), 50, 200, true))
	}

	tracker.Flush()

	report, err := tracker.HealthScore(7)
	require.NoError(t, err)

	assert.Equal(t, 4, report.Requests)
	assert.InDelta(t, 100.0, report.Score, 1e-9)
	assert.Equal(t, "A", report.Grade)
	assert.InDelta(t, 1.0, report.CacheHitRate, 1e-9)
	assert.Zero(t, report.ErrorRate)
}

func TestHealthScoreDegrades(t *testing.T) {
	t.Parallel()

	now := day(31, 12)
	tracker := newTracker(t, filepath.Join(t.TempDir(), "perf.db"), now)

	t.Cleanup(func() { require.NoError(t, tracker.Close()) })

	// Slow, uncached, always failing: every component at its floor.
	tracker.Record(sample("/api/metrics", day(30, 9), 3000, 500, false))
	tracker.Record(sample("/api/metrics", day(30, 10), 2500, 502, false))
	tracker.Flush()

	report, err := tracker.HealthScore(7)
	require.NoError(t, err)

	assert.InDelta(t, 0.0, report.Score, 1e-9)
	assert.Equal(t, "F", report.Grade)
	assert.InDelta(t, 1.0, report.ErrorRate, 1e-9)
}

func TestHealthScoreEmptyWindow(t *testing.T) {
	t.Parallel()

	tracker := newTracker(t, filepath.Join(t.TempDir(), "perf.db"), day(31, 12))

	t.Cleanup(func() { require.NoError(t, tracker.Close()) })

	report, err := tracker.HealthScore(7)
	require.NoError(t, err)

	assert.InDelta(t, 100.0, report.Score, 1e-9)
	assert.Equal(t, "A", report.Grade)
	assert.Zero(t, report.Requests)
}

func TestRowsSurviveReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "perf.db")
	now := day(31, 12)

	tracker := newTracker(t, path, now)
	tracker.Record(sample("/api/metrics", day(30, 9), 120, 200, true))
	tracker.Flush()
	require.NoError(t, tracker.Close())

	reopened := newTracker(t, path, now)

	t.Cleanup(func() { require.NoError(t, reopened.Close()) })

	got, err := reopened.RouteStats("/api/metrics", 7)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Count)
	assert.InDelta(t, 120.0, got.MeanMs, 1e-9)
}

func TestErrorTagCountsAsError(t *testing.T) {
	t.Parallel()

	tracker := newTracker(t, filepath.Join(t.TempDir(), "perf.db"), day(31, 12))

	t.Cleanup(func() { require.NoError(t, tracker.Close()) })

	s := sample("/api/metrics", day(30, 9), 80, 200, false)
	s.ErrorTag = "upstream_transient"
	tracker.Record(s)
	tracker.Record(sample("/api/metrics", day(30, 10), 80, 200, false))
	tracker.Flush()

	got, err := tracker.RouteStats("/api/metrics", 7)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, got.ErrorRate, 1e-9)
}
