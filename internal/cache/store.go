package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/velometry/velometry/internal/config"
	"github.com/velometry/velometry/internal/errdefs"
	"github.com/velometry/velometry/internal/events"
	"github.com/velometry/velometry/internal/window"
)

// Event payload fields used by the cache subscriptions.
const (
	payloadRangeSpec   = "rangeSpec"
	payloadEnvironment = "environment"
	payloadKey         = "key"
	payloadScope       = "scope"
	payloadKeys        = "keys"
)

// scopeWeights is the config-change scope that needs no invalidation:
// scores are computed at serve time from the live weight vector, so no
// cached payload depends on it.
const scopeWeights = "weights"

// Stats is the running counter snapshot served by the cache-stats endpoint.
type Stats struct {
	MemoryHits   int64   `json:"memoryHits"`
	DiskHits     int64   `json:"diskHits"`
	Misses       int64   `json:"misses"`
	Evictions    int64   `json:"evictions"`
	Sets         int64   `json:"sets"`
	CurrentBytes int64   `json:"currentBytes"`
	EntryCount   int     `json:"entryCount"`
	HitRate      float64 `json:"hitRate"`
}

// Store is the two-tier cache: a memory tier over a directory of disk
// artifacts. Safe for concurrent use. Disk access is serialized per key so
// at most one goroutine reads or writes a given artifact at a time.
type Store struct {
	dir          string
	maxArtifacts int
	warmKeys     []string

	mem    *memoryTier
	logger *slog.Logger
	bus    *events.Bus

	diskMu    sync.Mutex
	diskLocks map[string]*sync.Mutex

	memoryHits atomic.Int64
	diskHits   atomic.Int64
	misses     atomic.Int64
	evictions  atomic.Int64
	sets       atomic.Int64
}

// New builds a store over cfg.Directory and subscribes it to the bus for
// event-driven invalidation. A nil bus disables both subscriptions and
// event publication.
func New(cfg config.CacheConfig, bus *events.Bus, logger *slog.Logger) (*Store, error) {
	if cfg.Directory == "" {
		return nil, fmt.Errorf("%w: cache.directory is required", errdefs.ErrConfig)
	}

	if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	policy, err := PolicyFor(cfg.EvictionPolicy, cfg.TTL())
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Store{
		dir:          cfg.Directory,
		maxArtifacts: cfg.MaxArtifacts,
		warmKeys:     cfg.WarmKeys,
		mem:          newMemoryTier(policy, cfg.MemoryMaxBytes),
		logger:       logger,
		bus:          bus,
		diskLocks:    make(map[string]*sync.Mutex),
	}

	if bus != nil {
		if err := s.subscribe(bus); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Get returns the bundle for key, consulting memory first and falling back
// to the disk artifact. A disk hit promotes the artifact into memory. The
// third return reports whether anything was found; a corrupt artifact is
// logged and treated as missing.
func (s *Store) Get(ctx context.Context, key string) (*Bundle, Header, bool) {
	if ent, state := s.mem.get(key); state == lookupHit {
		s.memoryHits.Add(1)

		return ent.bundle, ent.header, true
	}

	ent, ok := s.loadFromDisk(ctx, key)
	if !ok {
		s.misses.Add(1)

		return nil, Header{}, false
	}

	s.diskHits.Add(1)

	return ent.bundle, ent.header, true
}

// Put writes the artifact for key to disk (temp file, fsync, atomic
// rename), prunes artifacts beyond the retention cap, and promotes the new
// payload into memory.
func (s *Store) Put(ctx context.Context, key string, header Header, bundle *Bundle) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := filepath.Join(s.dir, fileName(key))

	lock := s.diskLock(key)
	lock.Lock()

	err := WriteArtifact(path, header, bundle)
	lock.Unlock()

	if err != nil {
		return err
	}

	s.sets.Add(1)

	if err := pruneArtifacts(s.dir, s.maxArtifacts); err != nil {
		s.logger.Warn("artifact pruning failed", "dir", s.dir, "error", err)
	}

	s.promote(key, header, bundle, artifactSize(path))

	return nil
}

// Reload evicts key from memory and re-promotes it from its disk artifact.
// Reports whether the artifact was found.
func (s *Store) Reload(ctx context.Context, key string) bool {
	s.mem.remove(key)

	if _, ok := s.loadFromDisk(ctx, key); !ok {
		return false
	}

	s.diskHits.Add(1)

	return true
}

// Invalidate evicts key from the memory tier and publishes
// CACHE_INVALIDATED when the key was resident. The disk artifact stays; it
// cannot be rebuilt without re-collection.
func (s *Store) Invalidate(ctx context.Context, key string) bool {
	if !s.mem.remove(key) {
		return false
	}

	s.evictions.Add(1)
	s.publish(ctx, events.CacheInvalidated, map[string]any{payloadKey: key})

	return true
}

// InvalidateAll evicts every memory entry.
func (s *Store) InvalidateAll(ctx context.Context) int {
	n := s.mem.clear()
	if n > 0 {
		s.evictions.Add(int64(n))
		s.publish(ctx, events.CacheInvalidated, map[string]any{payloadKey: "*"})
	}

	return n
}

// Warm pre-loads keys into the memory tier and publishes CACHE_WARMED with
// the keys that loaded. Empty keys selects the configured warm list.
func (s *Store) Warm(ctx context.Context, keys ...string) []string {
	if len(keys) == 0 {
		keys = s.warmKeys
	}

	var loaded []string

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			break
		}

		if _, _, ok := s.Get(ctx, key); ok {
			loaded = append(loaded, key)
		}
	}

	if len(loaded) > 0 {
		s.publish(ctx, events.CacheWarmed, map[string]any{payloadKeys: loaded})
	}

	return loaded
}

// Stats snapshots the running counters.
func (s *Store) Stats() Stats {
	entries, bytes := s.mem.usage()

	st := Stats{
		MemoryHits:   s.memoryHits.Load(),
		DiskHits:     s.diskHits.Load(),
		Misses:       s.misses.Load(),
		Evictions:    s.evictions.Load(),
		Sets:         s.sets.Load(),
		CurrentBytes: bytes,
		EntryCount:   entries,
	}

	if total := st.MemoryHits + st.DiskHits + st.Misses; total > 0 {
		st.HitRate = float64(st.MemoryHits+st.DiskHits) / float64(total)
	}

	return st
}

// loadFromDisk reads the artifact for key and promotes it. Corrupt
// artifacts are logged and treated as missing.
func (s *Store) loadFromDisk(ctx context.Context, key string) (*entry, bool) {
	if err := ctx.Err(); err != nil {
		return nil, false
	}

	path := filepath.Join(s.dir, fileName(key))

	lock := s.diskLock(key)
	lock.Lock()

	header, bundle, err := ReadArtifact(path)
	lock.Unlock()

	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, false
	case errors.Is(err, errdefs.ErrCacheCorrupt):
		s.logger.Warn("corrupt cache artifact treated as missing", "key", key, "error", err)

		return nil, false
	case err != nil:
		s.logger.Warn("cache artifact unreadable", "key", key, "error", err)

		return nil, false
	}

	return s.promote(key, header, bundle, artifactSize(path)), true
}

// promote admits a payload into the memory tier, charging evictions the
// size cap forces out.
func (s *Store) promote(key string, header Header, bundle *Bundle, size int64) *entry {
	ent := &entry{
		key:       key,
		header:    header,
		bundle:    bundle,
		createdAt: header.CreatedAt,
		sizeBytes: size,
	}

	evicted, admitted := s.mem.put(ent)
	if evicted > 0 {
		s.evictions.Add(int64(evicted))
	}

	if !admitted {
		s.logger.Warn("artifact exceeds memory cap, serving from disk only", "key", key, "sizeBytes", size)
	}

	return ent
}

// diskLock returns the per-key mutex serializing disk I/O for key.
func (s *Store) diskLock(key string) *sync.Mutex {
	s.diskMu.Lock()
	defer s.diskMu.Unlock()

	lock, ok := s.diskLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.diskLocks[key] = lock
	}

	return lock
}

// artifactSize stats the artifact; zero when unknown.
func artifactSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}

	return info.Size()
}

func (s *Store) publish(ctx context.Context, t events.EventType, payload map[string]any) {
	if s.bus == nil {
		return
	}

	if err := s.bus.Publish(ctx, events.Event{Type: t, Payload: payload}); err != nil {
		s.logger.Warn("cache event publish failed", "type", string(t), "error", err)
	}
}

// subscribe wires the event-driven invalidation model.
func (s *Store) subscribe(bus *events.Bus) error {
	if err := bus.SubscribeSync(events.DataCollected, "cache.reload", func(ctx context.Context, evt events.Event) {
		key, ok := keyFromPayload(evt.Payload)
		if !ok {
			s.logger.Warn("data-collected event without a usable key", "eventId", evt.ID)

			return
		}

		if !s.Reload(ctx, key) {
			s.logger.Warn("data-collected event for absent artifact", "key", key)
		}
	}); err != nil {
		return fmt.Errorf("subscribe cache reload: %w", err)
	}

	if err := bus.SubscribeSync(events.ConfigChanged, "cache.config", func(ctx context.Context, evt events.Event) {
		scope, _ := evt.Payload[payloadScope].(string)
		if scope == scopeWeights {
			return
		}

		s.InvalidateAll(ctx)
	}); err != nil {
		return fmt.Errorf("subscribe cache config: %w", err)
	}

	if err := bus.SubscribeSync(events.ManualRefresh, "cache.refresh", func(ctx context.Context, evt events.Event) {
		key, ok := keyFromPayload(evt.Payload)
		if !ok {
			s.logger.Warn("manual-refresh event without a usable key", "eventId", evt.ID)

			return
		}

		s.Invalidate(ctx, key)
	}); err != nil {
		return fmt.Errorf("subscribe cache refresh: %w", err)
	}

	return nil
}

// keyFromPayload derives the cache key named by an event payload: an
// explicit key wins, else the (rangeSpec, environment) pair.
func keyFromPayload(payload map[string]any) (string, bool) {
	if key, ok := payload[payloadKey].(string); ok && key != "" {
		return key, true
	}

	rangeSpec, ok := payload[payloadRangeSpec].(string)
	if !ok || rangeSpec == "" {
		return "", false
	}

	spec, err := window.Parse(rangeSpec)
	if err != nil {
		return "", false
	}

	env, _ := payload[payloadEnvironment].(string)

	return Key(spec, env), true
}
