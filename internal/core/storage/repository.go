package storage

import (
	"context"
	"errors"
	"time"

	v1 "github.com/portalstats-lab/portalstats/internal/api/v1"
	"github.com/portalstats-lab/portalstats/internal/core/aggr"
	"github.com/portalstats-lab/portalstats/internal/core/interval"
)

var (
	// ErrKeyExists is returned by CreateAggregation when the key is already
	// present. During batch processing this is a defect signal, not a race:
	// the cluster lock guarantees a single writer per key.
	ErrKeyExists = errors.New("aggregation key already exists")

	// ErrDuplicate is returned by dimension and group-mapping creates that
	// lose a store-level uniqueness race. Callers recover by re-looking up.
	ErrDuplicate = errors.New("row already exists")

	// ErrNotFound is returned by point lookups that match nothing.
	ErrNotFound = errors.New("not found")
)

// ProcessingKind names one independently checkpointed processing stream.
type ProcessingKind string

const (
	ProcessingAggregation ProcessingKind = "aggregation"
	ProcessingPopulation  ProcessingKind = "population"
	ProcessingCleanup     ProcessingKind = "cleanup"
)

// ProcessingKinds lists every processing stream with a status row.
var ProcessingKinds = []ProcessingKind{ProcessingAggregation, ProcessingPopulation, ProcessingCleanup}

// DateDimension is one calendar-date lookup row. Rows are created lazily
// during population and never deleted. Term and academic-year labels are
// stamped from the academic calendar when known, backfilled otherwise.
type DateDimension struct {
	ID           int64
	Date         time.Time // UTC midnight
	Quarter      int       // 1-based calendar quarter
	Term         string
	AcademicYear string
}

// TimeDimension is one minute-of-day lookup row; at most 1440 exist.
type TimeDimension struct {
	ID          int64
	MinuteOfDay int // 0..1439
}

// Hour returns the hour-of-day component.
func (t TimeDimension) Hour() int { return t.MinuteOfDay / 60 }

// Minute returns the minute-of-hour component.
func (t TimeDimension) Minute() int { return t.MinuteOfDay % 60 }

// GroupIdentity is a group as the external group service describes it.
type GroupIdentity struct {
	Service string
	Name    string
}

// GroupMapping is the stable surrogate id for a group identity, resolved once
// and cached thereafter.
type GroupMapping struct {
	ID      int64
	Service string
	Name    string
}

// EventAggregatorStatus is the per-processing-kind run bookkeeping. The
// LastEventTime checkpoint advances monotonically and never regresses.
type EventAggregatorStatus struct {
	Kind          ProcessingKind
	ServerName    string
	LastRunID     string
	LastEventTime time.Time
	LastStart     time.Time
	LastEnd       time.Time
}

// EventSource is the read side of the external event capture system.
type EventSource interface {
	// OldestEventTime returns the earliest known event timestamp, or the zero
	// time when no events exist.
	OldestEventTime(ctx context.Context) (time.Time, error)

	// NewestEventTime returns the latest known event timestamp, or the zero
	// time when no events exist.
	NewestEventTime(ctx context.Context) (time.Time, error)

	// FetchEvents returns up to limit events strictly newer than after,
	// ordered by occurrence time.
	FetchEvents(ctx context.Context, after time.Time, limit int) ([]*v1.PortalEvent, error)
}

// DimensionStore persists the date and time lookup tables. Creates enforce
// uniqueness at the store level; a losing concurrent insert returns
// ErrDuplicate and the caller falls back to lookup.
type DimensionStore interface {
	GetDateDimension(ctx context.Context, date time.Time) (*DateDimension, error)
	CreateDateDimension(ctx context.Context, dim *DateDimension) error
	UpdateDateDimension(ctx context.Context, dim *DateDimension) error
	ListDateDimensions(ctx context.Context) ([]*DateDimension, error)

	GetTimeDimension(ctx context.Context, minuteOfDay int) (*TimeDimension, error)
	CreateTimeDimension(ctx context.Context, dim *TimeDimension) error
	ListTimeDimensions(ctx context.Context) ([]*TimeDimension, error)
}

// AggregationStore is the keyed CRUD and range-query surface over aggregation
// rows. Updates are last-write-wins: correctness relies on the cluster lock's
// single-writer-per-key discipline, not merge conflict resolution.
type AggregationStore interface {
	// CreateAggregation persists the zero-state row for key.
	// Returns ErrKeyExists if the key is already present.
	CreateAggregation(ctx context.Context, key aggr.Key) (*aggr.Aggregation, error)

	// GetAggregation returns the row for key, or ErrNotFound.
	GetAggregation(ctx context.Context, key aggr.Key) (*aggr.Aggregation, error)

	// UpdateAggregation persists the row's current state.
	UpdateAggregation(ctx context.Context, a *aggr.Aggregation) error

	// GetAggregationsForInterval returns every group's row sharing the
	// (kind, interval, interval-start) prefix of key.
	GetAggregationsForInterval(ctx context.Context, key aggr.Key) ([]*aggr.Aggregation, error)

	// GetAggregations returns rows of key's kind and interval whose
	// interval-start lies in [start, end), across key's group and any
	// extraGroups. The range is half-open: a row starting exactly at end is
	// excluded.
	GetAggregations(ctx context.Context, start, end time.Time, key aggr.Key, extraGroups ...int64) ([]*aggr.Aggregation, error)

	// GetUnclosedAggregations returns rows of any kind at the given interval
	// with interval-start in [start, end) that are not yet complete.
	GetUnclosedAggregations(ctx context.Context, start, end time.Time, iv interval.Interval) ([]*aggr.Aggregation, error)

	// FlushBatch upserts one batch's aggregation rows and advances the
	// aggregation checkpoint in a single transaction. A stale checkpoint
	// (status.LastEventTime at or before the durable value) skips the flush.
	FlushBatch(ctx context.Context, rows []*aggr.Aggregation, status *EventAggregatorStatus) error
}

// StatusStore persists per-kind run bookkeeping.
type StatusStore interface {
	// GetStatus returns the status row for kind. With createIfMissing it
	// initializes an empty row instead of returning ErrNotFound.
	GetStatus(ctx context.Context, kind ProcessingKind, createIfMissing bool) (*EventAggregatorStatus, error)

	// UpdateStatus persists the row. The checkpoint must not regress.
	UpdateStatus(ctx context.Context, status *EventAggregatorStatus) error
}

// GroupMappingStore persists group surrogate ids.
type GroupMappingStore interface {
	GetGroupMapping(ctx context.Context, service, name string) (*GroupMapping, error)
	CreateGroupMapping(ctx context.Context, mapping *GroupMapping) error
}

// GroupResolver is the external group service: it turns a composite group
// path like "local.0" into a group identity.
type GroupResolver interface {
	Resolve(ctx context.Context, path string) (GroupIdentity, error)
}

// ClusterLockService provides cross-node mutual exclusion for scheduled runs.
type ClusterLockService interface {
	// TryRunExclusive runs fn while holding the named cluster-wide lock.
	// If the lock is held elsewhere it returns (false, nil) without running
	// fn: losing the race skips the run, it never waits.
	TryRunExclusive(ctx context.Context, name string, fn func(ctx context.Context) error) (bool, error)
}
