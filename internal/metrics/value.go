// Package metrics implements the computation kernel that turns collected
// record sets into team and person delivery metrics, including the four DORA
// indicators and the peer-normalized performance score. Every computation is
// a pure function of its input; missing data yields sentinel values, never a
// silent zero.
package metrics

import (
	"encoding/json"
	"fmt"
	"math"
)

// ValueStatus qualifies a metric value.
type ValueStatus string

// Metric value statuses.
const (
	// StatusOK marks a finite computed value.
	StatusOK ValueStatus = "ok"

	// StatusInsufficientData marks an axis the kernel could not compute
	// because its inputs were absent.
	StatusInsufficientData ValueStatus = "insufficient-data"

	// StatusNotApplicable marks an axis outside the measurement period.
	StatusNotApplicable ValueStatus = "not-applicable"
)

// Value is one metric measurement. It is either a finite number or one of
// the two sentinels; a sentinel marshals to JSON null so dashboards render
// an empty state instead of a fake zero.
type Value struct {
	Float  float64     `json:"-"`
	Status ValueStatus `json:"-"`
}

// Ok wraps a finite number as a computed value. Non-finite input is an
// invariant violation and reports insufficient data instead.
func Ok(f float64) Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return InsufficientData()
	}

	return Value{Float: f, Status: StatusOK}
}

// InsufficientData returns the missing-input sentinel.
func InsufficientData() Value { return Value{Status: StatusInsufficientData} }

// NotApplicable returns the out-of-period sentinel.
func NotApplicable() Value { return Value{Status: StatusNotApplicable} }

// IsOK reports whether the value carries a finite number.
func (v Value) IsOK() bool { return v.Status == StatusOK }

// MarshalJSON emits the number for computed values and null for sentinels.
func (v Value) MarshalJSON() ([]byte, error) {
	if !v.IsOK() {
		return []byte("null"), nil
	}

	out, err := json.Marshal(v.Float)
	if err != nil {
		return nil, fmt.Errorf("marshal metric value: %w", err)
	}

	return out, nil
}

// UnmarshalJSON accepts a number or null. Null restores the
// insufficient-data sentinel; the two sentinels are indistinguishable on the
// wire by design.
func (v *Value) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = InsufficientData()

		return nil
	}

	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("unmarshal metric value: %w", err)
	}

	*v = Ok(f)

	return nil
}
