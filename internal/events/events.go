// Package events implements the in-process event bus that links collection,
// caching, and the dashboard. The event vocabulary is closed: publishing or
// subscribing with an unknown type is an error, never a silent no-op.
package events

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors.
var (
	ErrUnknownEvent = errors.New("unknown event type")
	ErrBusClosed    = errors.New("event bus is closed")
)

// EventType identifies one kind of system event.
type EventType string

// The closed set of event types.
const (
	DataCollected    EventType = "DATA_COLLECTED"
	ConfigChanged    EventType = "CONFIG_CHANGED"
	ManualRefresh    EventType = "MANUAL_REFRESH"
	CacheInvalidated EventType = "CACHE_INVALIDATED"
	CacheWarmed      EventType = "CACHE_WARMED"
)

// AllEventTypes lists every valid event type in declaration order.
var AllEventTypes = []EventType{
	DataCollected,
	ConfigChanged,
	ManualRefresh,
	CacheInvalidated,
	CacheWarmed,
}

// Valid reports whether t is one of the declared event types.
func (t EventType) Valid() bool {
	switch t {
	case DataCollected, ConfigChanged, ManualRefresh, CacheInvalidated, CacheWarmed:
		return true
	default:
		return false
	}
}

// ParseEventType converts a wire string into an EventType.
func ParseEventType(s string) (EventType, error) {
	t := EventType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownEvent, s)
	}

	return t, nil
}

// Event is one occurrence delivered through the bus. ID and At are stamped
// by Publish when left empty.
type Event struct {
	ID      string         `json:"id"`
	Type    EventType      `json:"type"`
	At      time.Time      `json:"at"`
	Payload map[string]any `json:"payload,omitempty"`
}
