// Package window implements the dashboard range-spec grammar and the
// half-open time windows derived from it. All computations are in UTC.
package window

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/velometry/velometry/internal/errdefs"
)

// Kind discriminates the four range-spec productions.
type Kind int

// Range-spec kinds.
const (
	// KindDays is a rolling window of the last N days ("90d").
	KindDays Kind = iota
	// KindQuarter is a calendar quarter ("Q1-2025").
	KindQuarter
	// KindYear is a calendar year ("2025").
	KindYear
	// KindCustom is an explicit date range, inclusive of both end dates
	// ("2025-01-01:2025-03-31").
	KindCustom
)

// allowedDays is the closed set of rolling-window lengths.
var allowedDays = map[int]bool{30: true, 60: true, 90: true, 180: true, 365: true}

// hoursPerDay converts day offsets to durations.
const hoursPerDay = 24

var (
	daysPattern    = regexp.MustCompile(`^(\d+)d$`)
	quarterPattern = regexp.MustCompile(`^Q([1-4])-(\d{4})$`)
	yearPattern    = regexp.MustCompile(`^(\d{4})$`)
	customPattern  = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}):(\d{4}-\d{2}-\d{2})$`)
)

// RangeSpec is a parsed range specification. The zero value is not valid;
// use Parse.
type RangeSpec struct {
	Kind    Kind
	Days    int       // KindDays only.
	Quarter int       // KindQuarter only, 1-4.
	Year    int       // KindQuarter and KindYear.
	Start   time.Time // KindCustom only, UTC midnight.
	End     time.Time // KindCustom only, UTC midnight of the inclusive end date.
}

// Parse parses a range-spec string. Unrecognized input and rolling-window
// lengths outside {30, 60, 90, 180, 365} are validation errors.
func Parse(s string) (RangeSpec, error) {
	if m := daysPattern.FindStringSubmatch(s); m != nil {
		days, _ := strconv.Atoi(m[1])
		if !allowedDays[days] {
			return RangeSpec{}, fmt.Errorf("%w: unsupported rolling window %q", errdefs.ErrValidation, s)
		}

		return RangeSpec{Kind: KindDays, Days: days}, nil
	}

	if m := quarterPattern.FindStringSubmatch(s); m != nil {
		quarter, _ := strconv.Atoi(m[1])
		year, _ := strconv.Atoi(m[2])

		return RangeSpec{Kind: KindQuarter, Quarter: quarter, Year: year}, nil
	}

	if m := yearPattern.FindStringSubmatch(s); m != nil {
		year, _ := strconv.Atoi(m[1])

		return RangeSpec{Kind: KindYear, Year: year}, nil
	}

	if m := customPattern.FindStringSubmatch(s); m != nil {
		start, startErr := time.ParseInLocation("2006-01-02", m[1], time.UTC)
		if startErr != nil {
			return RangeSpec{}, fmt.Errorf("%w: bad start date in %q", errdefs.ErrValidation, s)
		}

		end, endErr := time.ParseInLocation("2006-01-02", m[2], time.UTC)
		if endErr != nil {
			return RangeSpec{}, fmt.Errorf("%w: bad end date in %q", errdefs.ErrValidation, s)
		}

		if end.Before(start) {
			return RangeSpec{}, fmt.Errorf("%w: range %q ends before it starts", errdefs.ErrValidation, s)
		}

		return RangeSpec{Kind: KindCustom, Start: start, End: end}, nil
	}

	return RangeSpec{}, fmt.Errorf("%w: unrecognized range spec %q", errdefs.ErrValidation, s)
}

// String renders the canonical form. Parse(s.String()) round-trips.
func (s RangeSpec) String() string {
	switch s.Kind {
	case KindDays:
		return strconv.Itoa(s.Days) + "d"
	case KindQuarter:
		return fmt.Sprintf("Q%d-%d", s.Quarter, s.Year)
	case KindYear:
		return strconv.Itoa(s.Year)
	case KindCustom:
		return s.Start.Format("2006-01-02") + ":" + s.End.Format("2006-01-02")
	default:
		return ""
	}
}

// Slug renders the cache-key segment for this spec: "90d", "q1_2025",
// "2025", "2025-01-01_2025-03-31".
func (s RangeSpec) Slug() string {
	switch s.Kind {
	case KindQuarter:
		return fmt.Sprintf("q%d_%d", s.Quarter, s.Year)
	case KindCustom:
		return s.Start.Format("2006-01-02") + "_" + s.End.Format("2006-01-02")
	default:
		return strings.ToLower(s.String())
	}
}

// Window resolves the spec against now. Rolling windows end at now;
// calendar windows are absolute and ignore now.
func (s RangeSpec) Window(now time.Time) Window {
	now = now.UTC()

	switch s.Kind {
	case KindDays:
		return Window{Since: now.AddDate(0, 0, -s.Days), Until: now}
	case KindQuarter:
		startMonth := time.Month((s.Quarter-1)*3 + 1)
		since := time.Date(s.Year, startMonth, 1, 0, 0, 0, 0, time.UTC)

		return Window{Since: since, Until: since.AddDate(0, 3, 0)}
	case KindYear:
		since := time.Date(s.Year, time.January, 1, 0, 0, 0, 0, time.UTC)

		return Window{Since: since, Until: since.AddDate(1, 0, 0)}
	case KindCustom:
		// The end date is inclusive; the half-open window extends to the
		// following midnight.
		return Window{Since: s.Start, Until: s.End.AddDate(0, 0, 1)}
	default:
		return Window{}
	}
}

// Window is a half-open UTC interval [Since, Until).
type Window struct {
	Since time.Time
	Until time.Time
}

// Contains reports whether t falls inside the window. The lower bound is
// inclusive, the upper bound exclusive.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Since) && t.Before(w.Until)
}

// ShiftBack returns the window moved earlier by the given number of days.
// Used for environments whose data lags production.
func (w Window) ShiftBack(days int) Window {
	if days == 0 {
		return w
	}

	return Window{
		Since: w.Since.AddDate(0, 0, -days),
		Until: w.Until.AddDate(0, 0, -days),
	}
}

// Days returns the window length in fractional days.
func (w Window) Days() float64 {
	return w.Until.Sub(w.Since).Hours() / hoursPerDay
}

// Intersect clips the window to other. An empty intersection yields a
// window whose Until does not exceed its Since.
func (w Window) Intersect(other Window) Window {
	out := w

	if other.Since.After(out.Since) {
		out.Since = other.Since
	}

	if other.Until.Before(out.Until) {
		out.Until = other.Until
	}

	return out
}

// IsEmpty reports whether the window contains no instants.
func (w Window) IsEmpty() bool {
	return !w.Until.After(w.Since)
}

// WeekStart returns the UTC midnight of the Monday beginning t's ISO week.
func WeekStart(t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)

	weekday := int(day.Weekday())
	if weekday == 0 {
		weekday = 7 // Sunday belongs to the preceding Monday-based week.
	}

	return day.AddDate(0, 0, -(weekday - 1))
}

// WeekStarts lists the Monday of every ISO week the window touches,
// in ascending order.
func (w Window) WeekStarts() []time.Time {
	if w.IsEmpty() {
		return nil
	}

	var weeks []time.Time
	for cursor := WeekStart(w.Since); cursor.Before(w.Until); cursor = cursor.AddDate(0, 0, 7) {
		weeks = append(weeks, cursor)
	}

	return weeks
}
