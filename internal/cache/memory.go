package cache

import (
	"sync"
	"time"
)

// entry is one memory-tier resident.
type entry struct {
	key          string
	header       Header
	bundle       *Bundle
	createdAt    time.Time
	lastAccessed time.Time
	hits         int64
	sizeBytes    int64
}

// lookupState classifies the outcome of a memory-tier lookup.
type lookupState int

const (
	lookupMiss lookupState = iota
	lookupHit
	lookupDead
)

// memoryTier is the hot tier. One mutex guards all tier state; no lock is
// ever held across I/O.
type memoryTier struct {
	mu       sync.Mutex
	entries  map[string]*entry
	policy   Policy
	maxBytes int64
	curBytes int64

	now func() time.Time
}

func newMemoryTier(policy Policy, maxBytes int64) *memoryTier {
	return &memoryTier{
		entries:  make(map[string]*entry),
		policy:   policy,
		maxBytes: maxBytes,
		now:      time.Now,
	}
}

// get looks the key up and classifies the result. A dead entry is evicted
// here so the caller can fall through to disk.
func (m *memoryTier) get(key string) (*entry, lookupState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ent, ok := m.entries[key]
	if !ok {
		return nil, lookupMiss
	}

	if !m.policy.Alive(ent.createdAt, m.now()) {
		m.removeLocked(key)

		return nil, lookupDead
	}

	ent.lastAccessed = m.now()
	ent.hits++

	return ent, lookupHit
}

// put admits an entry, evicting oldest-accessed residents until the size cap
// holds. An entry larger than the whole cap is refused; the disk tier still
// serves it. Returns the number of evictions performed and whether the entry
// was admitted.
func (m *memoryTier) put(ent *entry) (evicted int, admitted bool) {
	if m.maxBytes > 0 && ent.sizeBytes > m.maxBytes {
		return 0, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.removeLocked(ent.key)

	for m.maxBytes > 0 && m.curBytes+ent.sizeBytes > m.maxBytes {
		victim := m.oldestLocked()
		if victim == "" {
			break
		}

		m.removeLocked(victim)
		evicted++
	}

	now := m.now()
	if ent.createdAt.IsZero() {
		ent.createdAt = now
	}

	ent.lastAccessed = now
	m.entries[ent.key] = ent
	m.curBytes += ent.sizeBytes

	return evicted, true
}

// remove evicts one key. Reports whether it was resident.
func (m *memoryTier) remove(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.entries[key]
	m.removeLocked(key)

	return ok
}

// clear evicts everything and reports how many entries went.
func (m *memoryTier) clear() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.entries)
	m.entries = make(map[string]*entry)
	m.curBytes = 0

	return n
}

// usage returns the resident entry count and byte total.
func (m *memoryTier) usage() (entries int, bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.entries), m.curBytes
}

func (m *memoryTier) removeLocked(key string) {
	if ent, ok := m.entries[key]; ok {
		m.curBytes -= ent.sizeBytes
		delete(m.entries, key)
	}
}

// oldestLocked finds the entry with the oldest lastAccessed.
func (m *memoryTier) oldestLocked() string {
	var (
		oldestKey string
		oldestAt  time.Time
	)

	for key, ent := range m.entries {
		if oldestKey == "" || ent.lastAccessed.Before(oldestAt) {
			oldestKey = key
			oldestAt = ent.lastAccessed
		}
	}

	return oldestKey
}
