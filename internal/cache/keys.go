// Package cache implements the two-tier metrics cache: a hot in-memory tier
// with pluggable eviction in front of durable disk artifacts. Keys derive
// from the (range-spec, environment) pair, which fully determines an
// artifact's content.
package cache

import (
	"fmt"

	"github.com/velometry/velometry/internal/window"
)

// keyPrefix starts every cache key.
const keyPrefix = "metrics"

// artifactExt is the disk artifact file extension.
const artifactExt = ".velo"

// defaultEnvironment is the environment that carries no key suffix.
const defaultEnvironment = "default"

// Key derives the cache key for a range spec and environment:
// metrics_90d, metrics_q1_2025, metrics_2025-01-01_2025-03-31, with the
// environment appended when it is not the default (metrics_90d_uat).
func Key(spec window.RangeSpec, env string) string {
	key := fmt.Sprintf("%s_%s", keyPrefix, spec.Slug())

	if env != "" && env != defaultEnvironment {
		key += "_" + env
	}

	return key
}

// fileName maps a cache key to its artifact file name.
func fileName(key string) string {
	return key + artifactExt
}
