// Package errdefs defines the closed set of error kinds used across velometry.
// Every error that crosses a package boundary wraps exactly one kind so that
// callers can classify failures with errors.Is without string matching.
package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. The set is closed: new failure modes map onto an existing kind.
var (
	// ErrConfig marks invalid or missing configuration detected at load time.
	ErrConfig = errors.New("config error")

	// ErrAuth marks failed authentication or authorization.
	ErrAuth = errors.New("auth error")

	// ErrValidation marks rejected user input (query params, path params, bodies).
	ErrValidation = errors.New("validation error")

	// ErrUpstreamTransient marks upstream failures that are safe to retry:
	// timeouts, HTTP 5xx, rate-limit pauses.
	ErrUpstreamTransient = errors.New("upstream transient error")

	// ErrUpstreamPermanent marks upstream failures that retry cannot fix:
	// bad credentials, malformed queries, 4xx rejections.
	ErrUpstreamPermanent = errors.New("upstream permanent error")

	// ErrNotFound marks a missing entity: unknown team, person, or cache key.
	ErrNotFound = errors.New("not found")

	// ErrCacheCorrupt marks an unreadable cache artifact. Callers treat the
	// entry as missing; the artifact is never served.
	ErrCacheCorrupt = errors.New("cache corrupt")

	// ErrInternal marks invariant violations and unclassified failures.
	ErrInternal = errors.New("internal error")
)

// PartialError reports that an operation produced usable but incomplete data,
// for example a paginated collection that exhausted its retries midway.
// The partial data travels back alongside this error.
type PartialError struct {
	// Op names the operation that came up short.
	Op string
	// Err is the failure that interrupted the operation.
	Err error
}

// Error implements the error interface.
func (e *PartialError) Error() string {
	return fmt.Sprintf("%s returned partial data: %v", e.Op, e.Err)
}

// Unwrap exposes the interrupting failure for errors.Is / errors.As.
func (e *PartialError) Unwrap() error { return e.Err }

// Partial wraps err as a PartialError for operation op.
// Returns nil when err is nil.
func Partial(op string, err error) error {
	if err == nil {
		return nil
	}

	return &PartialError{Op: op, Err: err}
}

// IsPartial reports whether err carries partial-data semantics.
func IsPartial(err error) bool {
	var pe *PartialError

	return errors.As(err, &pe)
}

// HTTPStatus maps an error kind to its HTTP status code.
// Corrupt cache artifacts are treated as missing data.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrCacheCorrupt):
		return http.StatusNotFound
	case errors.Is(err, ErrUpstreamTransient):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrUpstreamPermanent):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Code maps an error kind to the terse machine-readable code carried in
// JSON error bodies.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "invalid_request"
	case errors.Is(err, ErrAuth):
		return "unauthorized"
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrCacheCorrupt):
		return "not_found"
	case errors.Is(err, ErrUpstreamTransient):
		return "upstream_unavailable"
	case errors.Is(err, ErrUpstreamPermanent):
		return "upstream_rejected"
	case errors.Is(err, ErrConfig):
		return "config_error"
	default:
		return "internal_error"
	}
}
