package cache

import (
	"fmt"
	"time"

	"github.com/velometry/velometry/internal/errdefs"
)

// Policy names accepted in configuration.
const (
	PolicyLRU = "lru"
	PolicyTTL = "ttl"
)

// Policy decides whether a memory-tier entry is still alive. The size-cap
// LRU sweep runs in the memory tier regardless of policy; a policy only adds
// liveness on top of it.
type Policy interface {
	// Alive reports whether an entry created at createdAt may still be
	// served at now.
	Alive(createdAt, now time.Time) bool
}

// lruPolicy keeps entries alive forever; only the size cap evicts.
type lruPolicy struct{}

func (lruPolicy) Alive(time.Time, time.Time) bool { return true }

// ttlPolicy expires entries a fixed duration after creation.
type ttlPolicy struct {
	ttl time.Duration
}

func (p ttlPolicy) Alive(createdAt, now time.Time) bool {
	return now.Sub(createdAt) <= p.ttl
}

// PolicyFor builds the eviction policy named in configuration. A TTL policy
// with a non-positive lifetime is a configuration error.
func PolicyFor(name string, ttl time.Duration) (Policy, error) {
	switch name {
	case PolicyLRU, "":
		return lruPolicy{}, nil
	case PolicyTTL:
		if ttl <= 0 {
			return nil, fmt.Errorf("%w: ttl policy requires cache.ttlSeconds > 0", errdefs.ErrConfig)
		}

		return ttlPolicy{ttl: ttl}, nil
	default:
		return nil, fmt.Errorf("%w: unknown eviction policy %q", errdefs.ErrConfig, name)
	}
}
