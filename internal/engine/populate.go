package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/portalstats-lab/portalstats/internal/core/storage"
)

// PopulateDateDimensions seeds date rows covering the full event history plus
// a year of history margin: from January 1 of the year before the oldest
// event through December 31 of the newest event's year, both boundaries
// defaulting to now when the event source is empty. Idempotent and callable
// at any time; term labels are backfilled onto rows the academic calendar has
// since gained coverage for. Returns false when another node held the
// population lock.
func (e *Engine) PopulateDateDimensions(ctx context.Context) (bool, error) {
	return e.locks.TryRunExclusive(ctx, string(storage.ProcessingPopulation), func(ctx context.Context) error {
		started := time.Now().UTC()

		oldest, err := e.events.OldestEventTime(ctx)
		if err != nil {
			return fmt.Errorf("oldest event timestamp: %w", err)
		}
		newest, err := e.events.NewestEventTime(ctx)
		if err != nil {
			return fmt.Errorf("newest event timestamp: %w", err)
		}
		now := time.Now().UTC()
		if oldest.IsZero() {
			oldest = now
		}
		if newest.IsZero() {
			newest = now
		}

		first := time.Date(oldest.UTC().Year()-1, time.January, 1, 0, 0, 0, 0, time.UTC)
		last := time.Date(newest.UTC().Year(), time.December, 31, 0, 0, 0, 0, time.UTC)

		slog.Info("[Engine] Populating date dimensions",
			"first", first.Format("2006-01-02"),
			"last", last.Format("2006-01-02"),
		)

		for day := first; !day.After(last); day = day.AddDate(0, 0, 1) {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := e.catalog.GetOrCreateDate(ctx, day); err != nil {
				return err
			}
		}

		restamped, err := e.catalog.RestampDateLabels(ctx)
		if err != nil {
			return err
		}
		if restamped > 0 {
			slog.Info("[Engine] Backfilled academic labels", "rows", restamped)
		}

		return e.recordPopulationRun(ctx, started)
	})
}

// PopulateTimeDimensions seeds all 1440 minute-of-day rows, filling any
// partial prior state. Idempotent. Returns false when another node held the
// population lock.
func (e *Engine) PopulateTimeDimensions(ctx context.Context) (bool, error) {
	return e.locks.TryRunExclusive(ctx, string(storage.ProcessingPopulation), func(ctx context.Context) error {
		started := time.Now().UTC()

		for minute := 0; minute < 24*60; minute++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := e.catalog.GetOrCreateMinute(ctx, minute); err != nil {
				return err
			}
		}

		slog.Info("[Engine] Time dimensions populated")
		return e.recordPopulationRun(ctx, started)
	})
}

func (e *Engine) recordPopulationRun(ctx context.Context, started time.Time) error {
	status, err := e.status.GetStatus(ctx, storage.ProcessingPopulation, true)
	if err != nil {
		return fmt.Errorf("load population status: %w", err)
	}
	status.ServerName = e.cfg.ServerName
	status.LastRunID = uuid.NewString()
	status.LastStart = started
	status.LastEnd = time.Now().UTC()
	if err := e.status.UpdateStatus(ctx, status); err != nil {
		return fmt.Errorf("record population run: %w", err)
	}
	return nil
}
