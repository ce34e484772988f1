package interval

import (
	"errors"
	"fmt"
	"time"
)

// Interval is the closed set of aggregation granularities.
// Fixed intervals (five-minute through quarter) are pure calendar arithmetic;
// TERM and ACADEMIC_YEAR boundaries come from the configured academic calendar.
type Interval string

const (
	FiveMinute      Interval = "five_minute"
	Hour            Interval = "hour"
	Day             Interval = "day"
	Week            Interval = "week"
	Month           Interval = "month"
	CalendarQuarter Interval = "calendar_quarter"
	Term            Interval = "term"
	AcademicYear    Interval = "academic_year"
)

// All lists every interval in ascending bucket-size order.
var All = []Interval{FiveMinute, Hour, Day, Week, Month, CalendarQuarter, Term, AcademicYear}

// ErrGap is returned when an instant is not covered by any configured academic
// term. It is a configuration gap, not a failure: callers skip that granularity
// for that instant only.
var ErrGap = errors.New("instant not covered by academic calendar")

// Parse converts a config string into an Interval.
func Parse(s string) (Interval, error) {
	iv := Interval(s)
	for _, known := range All {
		if iv == known {
			return iv, nil
		}
	}
	return "", fmt.Errorf("unknown aggregation interval %q", s)
}

// Info describes one resolved [Start, End) bucket for an (interval, instant) pair.
type Info struct {
	Interval Interval
	Start    time.Time
	End      time.Time // exclusive
	Instant  time.Time
}

// Elapsed returns how far into the bucket the instant lies.
func (i Info) Elapsed() time.Duration {
	return i.Instant.Sub(i.Start)
}

// Total returns the full bucket duration.
func (i Info) Total() time.Duration {
	return i.End.Sub(i.Start)
}

// TotalMinutes is the bucket duration in whole minutes, the unit aggregations
// are closed with.
func (i Info) TotalMinutes() int {
	return int(i.Total() / time.Minute)
}

// PercentComplete reports bucket progress in [0, 100].
func (i Info) PercentComplete() float64 {
	total := i.Total()
	if total <= 0 {
		return 0
	}
	pct := float64(i.Elapsed()) / float64(total) * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// Calendar resolves bucket boundaries for every interval. Fixed intervals use
// UTC calendar rules so bucket edges never drift with host time zone or DST;
// term and academic-year boundaries come from the supplied academic terms.
type Calendar struct {
	terms    TermList
	quarters QuarterList
}

// NewCalendar builds a calendar from academic terms and quarter boundaries.
// An empty term list is valid: every TERM/ACADEMIC_YEAR instant is then a gap.
func NewCalendar(terms []AcademicTerm, quarters QuarterList) (*Calendar, error) {
	tl, err := NewTermList(terms)
	if err != nil {
		return nil, err
	}
	if err := quarters.Validate(); err != nil {
		return nil, err
	}
	return &Calendar{terms: tl, quarters: quarters}, nil
}

// DetermineStart maps an instant to its canonical bucket start. It is
// idempotent: applying it to an already-canonical start returns the same value.
// Returns ErrGap when iv is TERM or ACADEMIC_YEAR and no term covers t.
func (c *Calendar) DetermineStart(iv Interval, t time.Time) (time.Time, error) {
	t = t.UTC()
	switch iv {
	case FiveMinute:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute()-t.Minute()%5, 0, 0, time.UTC), nil
	case Hour:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC), nil
	case Day:
		return midnight(t), nil
	case Week:
		// ISO weeks: Monday is day one.
		offset := (int(t.Weekday()) + 6) % 7
		return midnight(t).AddDate(0, 0, -offset), nil
	case Month:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC), nil
	case CalendarQuarter:
		return c.quarters.StartFor(t), nil
	case Term:
		term, ok := c.terms.Covering(t)
		if !ok {
			return time.Time{}, fmt.Errorf("term for %s: %w", t.Format(time.RFC3339), ErrGap)
		}
		return term.Start, nil
	case AcademicYear:
		year, ok := c.terms.AcademicYearCovering(t)
		if !ok {
			return time.Time{}, fmt.Errorf("academic year for %s: %w", t.Format(time.RFC3339), ErrGap)
		}
		return year.Start, nil
	}
	return time.Time{}, fmt.Errorf("unknown aggregation interval %q", iv)
}

// IntervalInfo resolves the full [start, end) bucket containing t.
func (c *Calendar) IntervalInfo(iv Interval, t time.Time) (Info, error) {
	t = t.UTC()
	start, err := c.DetermineStart(iv, t)
	if err != nil {
		return Info{}, err
	}

	var end time.Time
	switch iv {
	case FiveMinute:
		end = start.Add(5 * time.Minute)
	case Hour:
		end = start.Add(time.Hour)
	case Day:
		end = start.AddDate(0, 0, 1)
	case Week:
		end = start.AddDate(0, 0, 7)
	case Month:
		end = start.AddDate(0, 1, 0)
	case CalendarQuarter:
		end = c.quarters.EndFor(start)
	case Term:
		term, _ := c.terms.Covering(t)
		end = term.End
	case AcademicYear:
		year, _ := c.terms.AcademicYearCovering(t)
		end = year.End
	}

	return Info{Interval: iv, Start: start, End: end, Instant: t}, nil
}

// Terms exposes the configured term list, used when stamping date dimensions.
func (c *Calendar) Terms() TermList {
	return c.terms
}

// QuarterFor returns the 1-based calendar quarter number containing t.
func (c *Calendar) QuarterFor(t time.Time) int {
	return c.quarters.NumberFor(t.UTC())
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
