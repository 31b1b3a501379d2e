package observability_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/velometry/velometry/internal/observability"
)

func setupTestMeter(t *testing.T) (*observability.REDMetrics, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := mp.Meter("test")

	red, err := observability.NewREDMetrics(meter)
	require.NoError(t, err)

	return red, reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()

	var rm metricdata.ResourceMetrics

	err := reader.Collect(context.Background(), &rm)
	require.NoError(t, err)

	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for idx := range rm.ScopeMetrics {
		for midx := range rm.ScopeMetrics[idx].Metrics {
			if rm.ScopeMetrics[idx].Metrics[midx].Name == name {
				return &rm.ScopeMetrics[idx].Metrics[midx]
			}
		}
	}

	return nil
}

func TestREDMetrics_RecordRequest(t *testing.T) {
	t.Parallel()
	red, reader := setupTestMeter(t)
	ctx := context.Background()

	red.RecordRequest(ctx, "team_metrics", "ok", time.Millisecond*100)

	rm := collectMetrics(t, reader)

	reqTotal := findMetric(rm, "velometry.requests.total")
	require.NotNil(t, reqTotal, "velometry.requests.total metric not found")

	reqDuration := findMetric(rm, "velometry.request.duration.seconds")
	require.NotNil(t, reqDuration, "velometry.request.duration.seconds metric not found")
}

func TestREDMetrics_RecordRequestError(t *testing.T) {
	t.Parallel()
	red, reader := setupTestMeter(t)
	ctx := context.Background()

	red.RecordRequest(ctx, "refresh", "error", time.Second)

	rm := collectMetrics(t, reader)

	errTotal := findMetric(rm, "velometry.errors.total")
	require.NotNil(t, errTotal, "velometry.errors.total metric not found")
}

func TestREDMetrics_TrackInflight(t *testing.T) {
	t.Parallel()
	red, reader := setupTestMeter(t)
	ctx := context.Background()

	done := red.TrackInflight(ctx, "collect")

	rm := collectMetrics(t, reader)

	inflight := findMetric(rm, "velometry.inflight.requests")
	require.NotNil(t, inflight, "velometry.inflight.requests metric not found")

	done()

	rm = collectMetrics(t, reader)
	inflight = findMetric(rm, "velometry.inflight.requests")
	require.NotNil(t, inflight)
}

func TestCollectionMetrics_RecordRun(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	cm, err := observability.NewCollectionMetrics(mp.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	cm.RecordRun(ctx, observability.CollectionStats{
		PullRequests:  42,
		Issues:        17,
		Releases:      3,
		TeamDurations: []time.Duration{time.Second, 2 * time.Second},
		Artifacts:     1,
	})
	cm.RecordUpstreamRequest(ctx, observability.UpstreamSourceHost, "ok")
	cm.RecordUpstreamRetry(ctx, observability.UpstreamIssueTracker)

	rm := collectMetrics(t, reader)

	prTotal := findMetric(rm, "velometry.collect.pullrequests.total")
	require.NotNil(t, prTotal)

	sum, ok := prTotal.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(42), sum.DataPoints[0].Value)

	require.NotNil(t, findMetric(rm, "velometry.collect.upstream.requests.total"))
	require.NotNil(t, findMetric(rm, "velometry.collect.upstream.retries.total"))
	require.NotNil(t, findMetric(rm, "velometry.collect.team.duration.seconds"))
}

func TestCollectionMetrics_NilReceiver(t *testing.T) {
	t.Parallel()

	var cm *observability.CollectionMetrics

	// Must not panic.
	cm.RecordRun(context.Background(), observability.CollectionStats{PullRequests: 1})
	cm.RecordUpstreamRequest(context.Background(), observability.UpstreamSourceHost, "ok")
	cm.RecordUpstreamRetry(context.Background(), observability.UpstreamSourceHost)
}

func TestRegisterCacheMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	err := observability.RegisterCacheMetrics(mp.Meter("test"), func() observability.CacheSnapshot {
		return observability.CacheSnapshot{Hits: 10, Misses: 2, Entries: 4, Bytes: 1024}
	})
	require.NoError(t, err)

	rm := collectMetrics(t, reader)

	entries := findMetric(rm, "velometry.cache.entries")
	require.NotNil(t, entries)

	gauge, ok := entries.Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(4), gauge.DataPoints[0].Value)
}

func TestREDMetrics_HistogramBuckets(t *testing.T) {
	t.Parallel()

	red, reader := setupTestMeter(t)
	ctx := context.Background()

	red.RecordRequest(ctx, "collect.run", "ok", time.Second)

	rm := collectMetrics(t, reader)

	reqDuration := findMetric(rm, "velometry.request.duration.seconds")
	require.NotNil(t, reqDuration)

	hist, ok := reqDuration.Data.(metricdata.Histogram[float64])
	require.True(t, ok, "expected Histogram data type")
	require.NotEmpty(t, hist.DataPoints)

	bounds := hist.DataPoints[0].Bounds

	// Boundaries span dashboard requests through full collection runs.
	expectedBounds := []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}
	assert.Equal(t, expectedBounds, bounds, "histogram should use custom bucket boundaries")
}

func TestInit_NoEndpointIsNoop(t *testing.T) {
	t.Parallel()

	cfg := observability.DefaultConfig()

	providers, err := observability.Init(cfg)
	require.NoError(t, err)

	t.Cleanup(func() { require.NoError(t, providers.Shutdown(context.Background())) })

	red, err := observability.NewREDMetrics(providers.Meter)
	require.NoError(t, err)
	assert.NotNil(t, red)

	// Should not panic on recording.
	red.RecordRequest(context.Background(), "test", "ok", time.Millisecond)
}
