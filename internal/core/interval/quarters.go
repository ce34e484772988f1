package interval

import (
	"fmt"
	"time"
)

// QuarterBoundary marks the first day of one calendar quarter.
type QuarterBoundary struct {
	Month time.Month
	Day   int
}

// QuarterList holds the four quarter boundaries in ascending order within a year.
// Institutions with fiscal quarters override the standard list via configuration.
type QuarterList []QuarterBoundary

// StandardQuarters returns the default Jan 1 / Apr 1 / Jul 1 / Oct 1 boundaries.
func StandardQuarters() QuarterList {
	return QuarterList{
		{Month: time.January, Day: 1},
		{Month: time.April, Day: 1},
		{Month: time.July, Day: 1},
		{Month: time.October, Day: 1},
	}
}

// Validate checks that the list has exactly four strictly ascending boundaries.
func (q QuarterList) Validate() error {
	if len(q) != 4 {
		return fmt.Errorf("quarter list must have exactly 4 boundaries, got %d", len(q))
	}
	for i, b := range q {
		if b.Month < time.January || b.Month > time.December || b.Day < 1 || b.Day > 31 {
			return fmt.Errorf("quarter boundary %d: invalid date %d-%d", i+1, b.Month, b.Day)
		}
		if i > 0 && !q[i-1].before(b) {
			return fmt.Errorf("quarter boundaries must be strictly ascending within the year")
		}
	}
	return nil
}

func (b QuarterBoundary) before(o QuarterBoundary) bool {
	if b.Month != o.Month {
		return b.Month < o.Month
	}
	return b.Day < o.Day
}

func (b QuarterBoundary) inYear(year int) time.Time {
	return time.Date(year, b.Month, b.Day, 0, 0, 0, 0, time.UTC)
}

// StartFor returns the start of the quarter containing t: the latest boundary
// at or before t, wrapping to the previous year's last boundary if t precedes
// the first boundary of its year.
func (q QuarterList) StartFor(t time.Time) time.Time {
	year := t.Year()
	for i := len(q) - 1; i >= 0; i-- {
		start := q[i].inYear(year)
		if !start.After(t) {
			return start
		}
	}
	return q[len(q)-1].inYear(year - 1)
}

// EndFor returns the exclusive end of the quarter starting at start: the next
// boundary, wrapping into the following year after the last one.
func (q QuarterList) EndFor(start time.Time) time.Time {
	for i, b := range q {
		if b.inYear(start.Year()).Equal(start) {
			if i == len(q)-1 {
				return q[0].inYear(start.Year() + 1)
			}
			return q[i+1].inYear(start.Year())
		}
	}
	// start came from StartFor with a year wrap
	return q[0].inYear(start.Year() + 1)
}

// NumberFor returns the 1-based quarter number containing t.
func (q QuarterList) NumberFor(t time.Time) int {
	start := q.StartFor(t)
	for i, b := range q {
		if b.Month == start.Month() && b.Day == start.Day() {
			return i + 1
		}
	}
	return 1
}
