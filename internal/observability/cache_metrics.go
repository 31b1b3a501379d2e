package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

const (
	metricCacheHits    = "velometry.cache.hits.total"
	metricCacheMisses  = "velometry.cache.misses.total"
	metricCacheEntries = "velometry.cache.entries"
	metricCacheBytes   = "velometry.cache.bytes"
)

// CacheSnapshot is one point-in-time view of a cache tier, read by the
// observable callback on each collection cycle.
type CacheSnapshot struct {
	Hits    int64
	Misses  int64
	Entries int64
	Bytes   int64
}

// CacheSnapshotFunc supplies the current cache counters. It must be safe for
// concurrent use; the metrics reader calls it from its own goroutine.
type CacheSnapshotFunc func() CacheSnapshot

// RegisterCacheMetrics exposes cache counters as observable OTel instruments.
// The snapshot function is polled by the meter's reader; no manual reporting
// is needed.
func RegisterCacheMetrics(mt metric.Meter, snapshot CacheSnapshotFunc) error {
	b := newMetricBuilder(mt)

	hits := b.gauge(metricCacheHits, "Memory cache hits since start", "{hit}")
	misses := b.gauge(metricCacheMisses, "Memory cache misses since start", "{miss}")
	entries := b.gauge(metricCacheEntries, "Current memory cache entry count", "{entry}")
	bytes := b.gauge(metricCacheBytes, "Current memory cache cost in bytes", "By")

	if b.err != nil {
		return b.err
	}

	_, err := mt.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		snap := snapshot()

		obs.ObserveInt64(hits, snap.Hits)
		obs.ObserveInt64(misses, snap.Misses)
		obs.ObserveInt64(entries, snap.Entries)
		obs.ObserveInt64(bytes, snap.Bytes)

		return nil
	}, hits, misses, entries, bytes)
	if err != nil {
		return fmt.Errorf("register cache metrics callback: %w", err)
	}

	return nil
}
