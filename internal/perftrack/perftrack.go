// Package perftrack persists one row per served HTTP request into an
// embedded bbolt store and answers latency, cache-effectiveness, and
// health-score queries over the retained rows. Percentiles are exact:
// every retained sample participates, nothing is sketched.
package perftrack

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/velometry/velometry/internal/config"
	"github.com/velometry/velometry/internal/errdefs"
	"github.com/velometry/velometry/pkg/stats"
)

var bucketRequests = []byte("requests")

const (
	// openTimeout bounds the flock wait when another process holds the db.
	openTimeout = time.Second

	// queueSize is the async recording queue capacity. A full queue drops
	// samples rather than blocking request handlers.
	queueSize = 1024

	// batchLimit caps how many queued samples one write transaction absorbs.
	batchLimit = 64
)

// Sample is one served request.
type Sample struct {
	Timestamp  time.Time `json:"timestamp"`
	Route      string    `json:"route"`
	Method     string    `json:"method"`
	DurationMs float64   `json:"durationMs"`
	StatusCode int       `json:"statusCode"`
	CacheHit   bool      `json:"cacheHit"`
	ErrorTag   string    `json:"errorTag,omitempty"`
}

func (s Sample) isError() bool {
	return s.StatusCode >= http.StatusInternalServerError || s.ErrorTag != ""
}

// RouteStats aggregates the retained samples of one route.
type RouteStats struct {
	Route        string  `json:"route"`
	Count        int     `json:"count"`
	MeanMs       float64 `json:"meanMs"`
	P50Ms        float64 `json:"p50Ms"`
	P95Ms        float64 `json:"p95Ms"`
	P99Ms        float64 `json:"p99Ms"`
	CacheHitRate float64 `json:"cacheHitRate"`
	ErrorRate    float64 `json:"errorRate"`
}

// HourlyPoint is one hour of a route's request history.
type HourlyPoint struct {
	Hour      time.Time `json:"hour"`
	Count     int       `json:"count"`
	MeanMs    float64   `json:"meanMs"`
	ErrorRate float64   `json:"errorRate"`
}

// HealthReport is the weighted service-health composite.
type HealthReport struct {
	Score         float64 `json:"score"`
	Grade         string  `json:"grade"`
	Requests      int     `json:"requests"`
	MeanLatencyMs float64 `json:"meanLatencyMs"`
	CacheHitRate  float64 `json:"cacheHitRate"`
	ErrorRate     float64 `json:"errorRate"`
}

// Health score weighting and latency breakpoints.
const (
	weightLatency  = 0.4
	weightCacheHit = 0.3
	weightErrors   = 0.3

	// Latency maps linearly onto [0,100]: at or under latencyFloorMs the
	// component is perfect, at or over latencyCeilMs it is zero.
	latencyFloorMs = 100.0
	latencyCeilMs  = 2000.0
)

// op is one queued writer instruction: a sample to persist, or a flush
// marker when sample is nil.
type op struct {
	sample *Sample
	done   chan struct{}
}

// Tracker is the durable request tracker. Recording is asynchronous through
// a bounded queue and a single writer goroutine; queries read committed
// rows only.
type Tracker struct {
	db     *bolt.DB
	logger *slog.Logger
	now    func() time.Time

	queue   chan op
	writerD chan struct{}
	dropped atomic.Int64
}

// Options configures a Tracker.
type Options struct {
	Config config.PerformanceConfig
	Logger *slog.Logger

	// Now overrides the clock. Nil selects time.Now.
	Now func() time.Time
}

// Open opens (creating if needed) the tracker database and starts the
// writer.
func Open(opts Options) (*Tracker, error) {
	path := opts.Config.DatabasePath
	if path == "" {
		return nil, fmt.Errorf("%w: performance database path is required", errdefs.ErrConfig)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create performance directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("open performance database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, berr := tx.CreateBucketIfNotExists(bucketRequests)

		return berr
	})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("create requests bucket: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	t := &Tracker{
		db:      db,
		logger:  logger,
		now:     now,
		queue:   make(chan op, queueSize),
		writerD: make(chan struct{}),
	}

	go t.writer()

	return t, nil
}

// Close drains the queue and closes the database.
func (t *Tracker) Close() error {
	close(t.queue)
	<-t.writerD

	if n := t.dropped.Load(); n > 0 {
		t.logger.Warn("performance samples dropped", "count", n)
	}

	return t.db.Close()
}

// Record enqueues one sample. A zero timestamp is stamped with the current
// time. Record never blocks: with the queue full the sample is dropped and
// counted.
func (t *Tracker) Record(s Sample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = t.now()
	}

	select {
	case t.queue <- op{sample: &s}:
	default:
		t.dropped.Add(1)
	}
}

// Flush blocks until every sample enqueued before the call is committed.
func (t *Tracker) Flush() {
	done := make(chan struct{})
	t.queue <- op{done: done}
	<-done
}

// Dropped returns the number of samples discarded because the queue was
// full.
func (t *Tracker) Dropped() int64 { return t.dropped.Load() }

func (t *Tracker) writer() {
	defer close(t.writerD)

	for first := range t.queue {
		batch := []op{first}

	drain:
		for len(batch) < batchLimit {
			select {
			case next, ok := <-t.queue:
				if !ok {
					break drain
				}

				batch = append(batch, next)
			default:
				break drain
			}
		}

		t.commit(batch)
	}
}

func (t *Tracker) commit(batch []op) {
	samples := make([]*Sample, 0, len(batch))

	for _, o := range batch {
		if o.sample != nil {
			samples = append(samples, o.sample)
		}
	}

	if len(samples) > 0 {
		err := t.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucketRequests)

			for _, s := range samples {
				seq, err := b.NextSequence()
				if err != nil {
					return err
				}

				row, err := json.Marshal(s)
				if err != nil {
					return err
				}

				if err := b.Put(sampleKey(s.Timestamp, seq), row); err != nil {
					return err
				}
			}

			return nil
		})
		if err != nil {
			t.logger.Error("performance batch write failed", "samples", len(samples), "error", err)
		}
	}

	for _, o := range batch {
		if o.done != nil {
			close(o.done)
		}
	}
}

// sampleKey builds a time-ordered key: big-endian nanosecond timestamp
// followed by the bucket sequence to keep same-instant rows distinct.
func sampleKey(ts time.Time, seq uint64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(ts.UnixNano()))
	binary.BigEndian.PutUint64(key[8:], seq)

	return key
}

// cutoffKey maps an instant onto the key space. Instants at or before the
// epoch (the "no cutoff" case included) map to the zero key.
func cutoffKey(cutoff time.Time) []byte {
	key := make([]byte, 8)

	if cutoff.After(time.Unix(0, 0)) {
		binary.BigEndian.PutUint64(key, uint64(cutoff.UnixNano()))
	}

	return key
}

// scan visits every sample at or after the cutoff, oldest first.
func (t *Tracker) scan(daysBack int, visit func(Sample)) error {
	since := cutoffKey(t.since(daysBack))

	return t.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRequests).Cursor()

		for k, v := c.Seek(since); k != nil; k, v = c.Next() {
			var s Sample
			if err := json.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("%w: corrupt performance row: %v", errdefs.ErrInternal, err)
			}

			visit(s)
		}

		return nil
	})
}

func (t *Tracker) since(daysBack int) time.Time {
	if daysBack <= 0 {
		return time.Time{}
	}

	return t.now().AddDate(0, 0, -daysBack)
}

// RouteStats aggregates one route's samples over the trailing daysBack
// days. daysBack <= 0 means all retained rows.
func (t *Tracker) RouteStats(route string, daysBack int) (RouteStats, error) {
	var samples []Sample

	err := t.scan(daysBack, func(s Sample) {
		if s.Route == route {
			samples = append(samples, s)
		}
	})
	if err != nil {
		return RouteStats{}, err
	}

	return aggregate(route, samples), nil
}

// SlowestRoutes returns per-route aggregates ordered by mean latency,
// slowest first, capped at limit.
func (t *Tracker) SlowestRoutes(limit, daysBack int) ([]RouteStats, error) {
	byRoute := make(map[string][]Sample)

	err := t.scan(daysBack, func(s Sample) {
		byRoute[s.Route] = append(byRoute[s.Route], s)
	})
	if err != nil {
		return nil, err
	}

	out := make([]RouteStats, 0, len(byRoute))
	for route, samples := range byRoute {
		out = append(out, aggregate(route, samples))
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].MeanMs != out[j].MeanMs {
			return out[i].MeanMs > out[j].MeanMs
		}

		return out[i].Route < out[j].Route
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

// HourlyMetrics buckets one route's samples by hour, oldest hour first.
// An empty route aggregates every route.
func (t *Tracker) HourlyMetrics(route string, daysBack int) ([]HourlyPoint, error) {
	byHour := make(map[time.Time][]Sample)

	err := t.scan(daysBack, func(s Sample) {
		if route != "" && s.Route != route {
			return
		}

		hour := s.Timestamp.UTC().Truncate(time.Hour)
		byHour[hour] = append(byHour[hour], s)
	})
	if err != nil {
		return nil, err
	}

	out := make([]HourlyPoint, 0, len(byHour))

	for hour, samples := range byHour {
		durations := make([]float64, 0, len(samples))
		errors := 0

		for _, s := range samples {
			durations = append(durations, s.DurationMs)

			if s.isError() {
				errors++
			}
		}

		out = append(out, HourlyPoint{
			Hour:      hour,
			Count:     len(samples),
			MeanMs:    stats.Mean(durations),
			ErrorRate: float64(errors) / float64(len(samples)),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Hour.Before(out[j].Hour) })

	return out, nil
}

// Rotate deletes rows older than daysToKeep days and returns how many were
// removed.
func (t *Tracker) Rotate(daysToKeep int) (int, error) {
	if daysToKeep <= 0 {
		return 0, fmt.Errorf("%w: retention must be positive, got %d", errdefs.ErrConfig, daysToKeep)
	}

	cutoff := cutoffKey(t.now().AddDate(0, 0, -daysToKeep))
	removed := 0

	err := t.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRequests).Cursor()

		for k, _ := c.First(); k != nil && bytes.Compare(k[:8], cutoff) < 0; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}

			removed++
		}

		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("rotate performance rows: %w", err)
	}

	if removed > 0 {
		t.logger.Info("performance rows rotated", "removed", removed, "daysKept", daysToKeep)
	}

	return removed, nil
}

// HealthScore composes mean latency (40%), cache-hit rate (30%), and error
// rate (30%) into a [0,100] score with a letter grade. An empty window
// scores 100: a service nobody has hit is not unhealthy.
func (t *Tracker) HealthScore(daysBack int) (HealthReport, error) {
	var (
		durations []float64
		hits      int
		errors    int
	)

	err := t.scan(daysBack, func(s Sample) {
		durations = append(durations, s.DurationMs)

		if s.CacheHit {
			hits++
		}

		if s.isError() {
			errors++
		}
	})
	if err != nil {
		return HealthReport{}, err
	}

	count := len(durations)
	if count == 0 {
		return HealthReport{Score: 100, Grade: grade(100)}, nil
	}

	mean := stats.Mean(durations)
	hitRate := float64(hits) / float64(count)
	errorRate := float64(errors) / float64(count)

	latencyScore := stats.Clamp(100*(latencyCeilMs-mean)/(latencyCeilMs-latencyFloorMs), 0, 100)
	score := weightLatency*latencyScore + weightCacheHit*hitRate*100 + weightErrors*(1-errorRate)*100

	return HealthReport{
		Score:         score,
		Grade:         grade(score),
		Requests:      count,
		MeanLatencyMs: mean,
		CacheHitRate:  hitRate,
		ErrorRate:     errorRate,
	}, nil
}

func grade(score float64) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "F"
	}
}

func aggregate(route string, samples []Sample) RouteStats {
	out := RouteStats{Route: route, Count: len(samples)}
	if len(samples) == 0 {
		return out
	}

	durations := make([]float64, 0, len(samples))
	hits, errors := 0, 0

	for _, s := range samples {
		durations = append(durations, s.DurationMs)

		if s.CacheHit {
			hits++
		}

		if s.isError() {
			errors++
		}
	}

	out.MeanMs = stats.Mean(durations)
	out.P50Ms = stats.Percentile(durations, stats.PercentileMedian)
	out.P95Ms = stats.Percentile(durations, stats.PercentileP95)
	out.P99Ms = stats.Percentile(durations, stats.PercentileP99)
	out.CacheHitRate = float64(hits) / float64(len(samples))
	out.ErrorRate = float64(errors) / float64(len(samples))

	return out
}
