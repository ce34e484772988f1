// Package dimensions maintains the date and time lookup tables that
// aggregation keys reference instead of repeating full timestamps.
package dimensions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/portalstats-lab/portalstats/internal/core/interval"
	"github.com/portalstats-lab/portalstats/internal/core/storage"
)

// Catalog provides idempotent lookup/creation of dimension rows. Creation is
// lookup-before-insert with store-enforced uniqueness: a losing concurrent
// insert falls back to lookup and never surfaces as a failure.
type Catalog struct {
	store    storage.DimensionStore
	calendar *interval.Calendar
}

// NewCatalog builds a catalog over store. The calendar stamps quarter and
// term/academic-year labels onto new date rows.
func NewCatalog(store storage.DimensionStore, calendar *interval.Calendar) *Catalog {
	return &Catalog{store: store, calendar: calendar}
}

// GetOrCreateDate returns the dimension row for date's UTC calendar day,
// creating it if missing.
func (c *Catalog) GetOrCreateDate(ctx context.Context, date time.Time) (*storage.DateDimension, error) {
	day := time.Date(date.UTC().Year(), date.UTC().Month(), date.UTC().Day(), 0, 0, 0, 0, time.UTC)

	dim, err := c.store.GetDateDimension(ctx, day)
	if err == nil {
		return dim, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("lookup date dimension %s: %w", day.Format("2006-01-02"), err)
	}

	dim = &storage.DateDimension{Date: day, Quarter: c.calendar.QuarterFor(day)}
	if term, ok := c.calendar.Terms().Covering(day); ok {
		dim.Term = term.Name
		dim.AcademicYear = term.AcademicYear
	}

	err = c.store.CreateDateDimension(ctx, dim)
	if errors.Is(err, storage.ErrDuplicate) {
		// Lost a concurrent populate race; the row exists now.
		return c.store.GetDateDimension(ctx, day)
	}
	if err != nil {
		return nil, fmt.Errorf("create date dimension %s: %w", day.Format("2006-01-02"), err)
	}
	return dim, nil
}

// GetOrCreateTime returns the dimension row for t's minute of day, creating
// it if missing.
func (c *Catalog) GetOrCreateTime(ctx context.Context, t time.Time) (*storage.TimeDimension, error) {
	return c.GetOrCreateMinute(ctx, t.UTC().Hour()*60+t.UTC().Minute())
}

// GetOrCreateMinute is GetOrCreateTime keyed directly by minute of day.
func (c *Catalog) GetOrCreateMinute(ctx context.Context, minuteOfDay int) (*storage.TimeDimension, error) {
	if minuteOfDay < 0 || minuteOfDay >= 24*60 {
		return nil, fmt.Errorf("minute of day %d out of range", minuteOfDay)
	}

	dim, err := c.store.GetTimeDimension(ctx, minuteOfDay)
	if err == nil {
		return dim, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("lookup time dimension %d: %w", minuteOfDay, err)
	}

	dim = &storage.TimeDimension{MinuteOfDay: minuteOfDay}
	err = c.store.CreateTimeDimension(ctx, dim)
	if errors.Is(err, storage.ErrDuplicate) {
		return c.store.GetTimeDimension(ctx, minuteOfDay)
	}
	if err != nil {
		return nil, fmt.Errorf("create time dimension %d: %w", minuteOfDay, err)
	}
	return dim, nil
}

// PopulateRange walks minute-by-minute from start (floored to the minute) up
// to but excluding end, creating any missing date and time rows. fn, when
// non-nil, runs for every minute with the resolved pair; a pre-seed pass
// passes nil.
func (c *Catalog) PopulateRange(
	ctx context.Context,
	start, end time.Time,
	fn func(ctx context.Context, date *storage.DateDimension, tod *storage.TimeDimension) error,
) error {
	next := start.UTC().Truncate(time.Minute)
	end = end.UTC()

	// Per-run caches: a range covers each date and minute-of-day many times.
	dates := make(map[int64]*storage.DateDimension)
	times := make(map[int]*storage.TimeDimension)

	for next.Before(end) {
		if err := ctx.Err(); err != nil {
			return err
		}

		minuteOfDay := next.Hour()*60 + next.Minute()
		tod, ok := times[minuteOfDay]
		if !ok {
			var err error
			tod, err = c.GetOrCreateMinute(ctx, minuteOfDay)
			if err != nil {
				return err
			}
			times[minuteOfDay] = tod
		}

		dayStart := time.Date(next.Year(), next.Month(), next.Day(), 0, 0, 0, 0, time.UTC)
		date, ok := dates[dayStart.UnixNano()]
		if !ok {
			var err error
			date, err = c.GetOrCreateDate(ctx, dayStart)
			if err != nil {
				return err
			}
			dates[dayStart.UnixNano()] = date
		}

		if fn != nil {
			if err := fn(ctx, date, tod); err != nil {
				return fmt.Errorf("populate callback at %s: %w", next.Format(time.RFC3339), err)
			}
		}

		next = next.Add(time.Minute)
	}
	return nil
}

// RestampDateLabels backfills term and academic-year labels onto existing
// date rows after the academic calendar gains coverage for them.
func (c *Catalog) RestampDateLabels(ctx context.Context) (int, error) {
	dims, err := c.store.ListDateDimensions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list date dimensions: %w", err)
	}

	updated := 0
	for _, dim := range dims {
		term, ok := c.calendar.Terms().Covering(dim.Date)
		if !ok || (dim.Term == term.Name && dim.AcademicYear == term.AcademicYear) {
			continue
		}
		dim.Term = term.Name
		dim.AcademicYear = term.AcademicYear
		if err := c.store.UpdateDateDimension(ctx, dim); err != nil {
			return updated, fmt.Errorf("restamp date dimension %s: %w", dim.Date.Format("2006-01-02"), err)
		}
		updated++
	}
	return updated, nil
}
