// Package engine orchestrates locked, checkpointed batch aggregation runs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	v1 "github.com/portalstats-lab/portalstats/internal/api/v1"
	"github.com/portalstats-lab/portalstats/internal/core/aggr"
	"github.com/portalstats-lab/portalstats/internal/core/interval"
	"github.com/portalstats-lab/portalstats/internal/core/storage"
	"github.com/portalstats-lab/portalstats/internal/dimensions"
	"github.com/portalstats-lab/portalstats/internal/groups"
)

const defaultBatchSize = 1000

// Config is the engine's immutable configuration, supplied at construction.
type Config struct {
	// Intervals to aggregate each event into.
	Intervals []interval.Interval

	// EnabledKinds maps each aggregation kind to whether it runs. Missing
	// kinds are disabled.
	EnabledKinds map[aggr.Kind]bool

	// ServerName identifies this node in status bookkeeping.
	ServerName string

	// BatchSize is the default event batch size when a trigger passes none.
	BatchSize int
}

func (c Config) normalized() Config {
	n := c
	if len(n.Intervals) == 0 {
		n.Intervals = interval.All
	}
	if n.BatchSize <= 0 {
		n.BatchSize = defaultBatchSize
	}
	return n
}

// Engine converts the raw event stream into multi-resolution aggregation
// rows. All three exposed operations are safe to trigger at any time from any
// node: cross-node exclusion comes from the cluster lock and every step is
// idempotent over the same input.
type Engine struct {
	cfg      Config
	calendar *interval.Calendar
	catalog  *dimensions.Catalog
	groups   *groups.Mapper
	events   storage.EventSource
	store    storage.AggregationStore
	status   storage.StatusStore
	locks    storage.ClusterLockService

	gaps atomic.Int64
}

// New constructs the engine with explicit collaborators.
func New(
	cfg Config,
	calendar *interval.Calendar,
	catalog *dimensions.Catalog,
	mapper *groups.Mapper,
	events storage.EventSource,
	store storage.AggregationStore,
	status storage.StatusStore,
	locks storage.ClusterLockService,
) *Engine {
	return &Engine{
		cfg:      cfg.normalized(),
		calendar: calendar,
		catalog:  catalog,
		groups:   mapper,
		events:   events,
		store:    store,
		status:   status,
		locks:    locks,
	}
}

// Gaps reports how many (instant, granularity) pairs were skipped because no
// academic term covered them.
func (e *Engine) Gaps() int64 {
	return e.gaps.Load()
}

// Statuses returns the run bookkeeping for every processing kind.
func (e *Engine) Statuses(ctx context.Context) ([]*storage.EventAggregatorStatus, error) {
	out := make([]*storage.EventAggregatorStatus, 0, len(storage.ProcessingKinds))
	for _, kind := range storage.ProcessingKinds {
		status, err := e.status.GetStatus(ctx, kind, true)
		if err != nil {
			return nil, fmt.Errorf("status for %s: %w", kind, err)
		}
		out = append(out, status)
	}
	return out, nil
}

// batchKey is the comparable form of aggr.Key for the per-run working set.
type batchKey struct {
	kind  aggr.Kind
	iv    interval.Interval
	start int64
	group int64
}

// AggregateRawEvents runs one locked, checkpointed batch: fetch up to
// batchSize events past the checkpoint, merge them into aggregation rows,
// flush rows and checkpoint atomically, then close buckets whose end has
// passed. Returns the number of events processed and whether the run executed
// at all (false means another node held the lock).
func (e *Engine) AggregateRawEvents(ctx context.Context, batchSize int) (int, bool, error) {
	if batchSize <= 0 {
		batchSize = e.cfg.BatchSize
	}

	processed := 0
	ran, err := e.locks.TryRunExclusive(ctx, string(storage.ProcessingAggregation), func(ctx context.Context) error {
		var err error
		processed, err = e.aggregateLocked(ctx, batchSize)
		return err
	})
	if err != nil {
		return 0, ran, err
	}
	if !ran {
		slog.Info("[Engine] Aggregation lock held elsewhere, skipping run")
	}
	return processed, ran, nil
}

func (e *Engine) aggregateLocked(ctx context.Context, batchSize int) (int, error) {
	started := time.Now().UTC()

	status, err := e.status.GetStatus(ctx, storage.ProcessingAggregation, true)
	if err != nil {
		return 0, fmt.Errorf("load aggregation status: %w", err)
	}

	checkpoint := status.LastEventTime
	if checkpoint.IsZero() {
		oldest, err := e.events.OldestEventTime(ctx)
		if err != nil {
			return 0, fmt.Errorf("oldest event timestamp: %w", err)
		}
		if oldest.IsZero() {
			slog.Debug("[Engine] Event source is empty, nothing to aggregate")
			return 0, nil
		}
		// FetchEvents is strictly-after; back off so the oldest event itself
		// is included in the first batch.
		checkpoint = oldest.Add(-time.Millisecond)
	}

	events, err := e.events.FetchEvents(ctx, checkpoint, batchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch events after %s: %w", checkpoint.Format(time.RFC3339), err)
	}
	if len(events) == 0 {
		slog.Debug("[Engine] No new events past checkpoint", "checkpoint", checkpoint)
		return 0, nil
	}

	slog.Info("[Engine] Aggregating events",
		"count", len(events),
		"from_checkpoint", checkpoint,
		"batch_size", batchSize,
	)

	// Events merge strictly sequentially: per-key running totals depend on
	// processing order.
	batch := make(map[batchKey]*aggr.Aggregation)
	for _, ev := range events {
		if err := e.applyEvent(ctx, batch, ev); err != nil {
			return 0, err
		}
	}

	rows := make([]*aggr.Aggregation, 0, len(batch))
	for _, row := range batch {
		rows = append(rows, row)
	}

	newCheckpoint := events[len(events)-1].OccurredAt
	status.ServerName = e.cfg.ServerName
	status.LastRunID = uuid.NewString()
	status.LastEventTime = newCheckpoint
	status.LastStart = started
	status.LastEnd = time.Now().UTC()

	if err := e.store.FlushBatch(ctx, rows, status); err != nil {
		return 0, fmt.Errorf("flush batch: %w", err)
	}

	closed, err := e.CloseCompletedBuckets(ctx, newCheckpoint)
	if err != nil {
		// Rows and checkpoint are durable; closing is idempotent and the
		// next run retries it.
		return len(events), fmt.Errorf("close completed buckets: %w", err)
	}

	slog.Info("[Engine] Batch complete",
		"events_processed", len(events),
		"rows_touched", len(rows),
		"buckets_closed", closed,
		"checkpoint_advanced", fmt.Sprintf("%s -> %s", checkpoint.Format(time.RFC3339), newCheckpoint.Format(time.RFC3339)),
	)
	return len(events), nil
}

// applyEvent merges one event into the working set: for every configured
// (interval x kind) pair it resolves the bucket, ensures dimensions and group
// mappings exist, loads or creates the row, and applies the kind's merge.
func (e *Engine) applyEvent(ctx context.Context, batch map[batchKey]*aggr.Aggregation, ev *v1.PortalEvent) error {
	kind, ok := aggr.KindForEventType(ev.Type)
	if !ok || !e.cfg.EnabledKinds[kind] {
		return nil
	}

	for _, iv := range e.cfg.Intervals {
		info, err := e.calendar.IntervalInfo(iv, ev.OccurredAt)
		if errors.Is(err, interval.ErrGap) {
			e.gaps.Add(1)
			slog.Debug("[Engine] Academic calendar gap, skipping granularity",
				"interval", iv, "occurred_at", ev.OccurredAt)
			continue
		}
		if err != nil {
			return fmt.Errorf("resolve %s bucket for %s: %w", iv, ev.OccurredAt.Format(time.RFC3339), err)
		}

		date, err := e.catalog.GetOrCreateDate(ctx, info.Start)
		if err != nil {
			return err
		}
		tod, err := e.catalog.GetOrCreateTime(ctx, info.Start)
		if err != nil {
			return err
		}

		for _, path := range ev.GroupPaths {
			mapping, err := e.groups.MappingForPath(ctx, path)
			if err != nil {
				return err
			}

			key := aggr.Key{
				Kind:            kind,
				Interval:        iv,
				IntervalStart:   info.Start,
				DateDimensionID: date.ID,
				TimeDimensionID: tod.ID,
				GroupID:         mapping.ID,
			}
			bk := batchKey{kind: kind, iv: iv, start: info.Start.UnixNano(), group: mapping.ID}

			row, ok := batch[bk]
			if !ok {
				row, err = e.loadOrCreate(ctx, key)
				if err != nil {
					return err
				}
				batch[bk] = row
			}
			row.Apply(ev)
		}
	}
	return nil
}

func (e *Engine) loadOrCreate(ctx context.Context, key aggr.Key) (*aggr.Aggregation, error) {
	row, err := e.store.GetAggregation(ctx, key)
	if err == nil {
		return row, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load aggregation %s/%s@%s: %w",
			key.Kind, key.Interval, key.IntervalStart.Format(time.RFC3339), err)
	}
	return aggr.New(key), nil
}

// CloseCompletedBuckets closes every unclosed aggregation whose bucket end is
// at or before upTo. Safe to re-run: closing is idempotent and completed rows
// are never merged again.
func (e *Engine) CloseCompletedBuckets(ctx context.Context, upTo time.Time) (int, error) {
	epoch := time.Unix(0, 0).UTC()
	closed := 0
	for _, iv := range e.cfg.Intervals {
		// A bucket that has ended necessarily started before upTo, so the
		// [epoch, upTo) range covers every close candidate.
		unclosed, err := e.store.GetUnclosedAggregations(ctx, epoch, upTo, iv)
		if err != nil {
			return closed, fmt.Errorf("unclosed %s aggregations: %w", iv, err)
		}
		for _, row := range unclosed {
			info, err := e.calendar.IntervalInfo(iv, row.Key.IntervalStart)
			if errors.Is(err, interval.ErrGap) {
				// Calendar no longer covers this bucket; leave it for a
				// future configuration fix.
				e.gaps.Add(1)
				continue
			}
			if err != nil {
				return closed, err
			}
			if info.End.After(upTo) {
				continue
			}
			row.IntervalComplete(info.TotalMinutes())
			if err := e.store.UpdateAggregation(ctx, row); err != nil {
				return closed, fmt.Errorf("close aggregation %s/%s@%s: %w",
					row.Key.Kind, iv, row.Key.IntervalStart.Format(time.RFC3339), err)
			}
			closed++
		}
	}
	return closed, nil
}
