// Package memory provides in-memory implementations of the storage
// interfaces. They back the engine and catalog tests and small single-node
// trials; the postgres adapters are the production path.
package memory

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	v1 "github.com/portalstats-lab/portalstats/internal/api/v1"
	"github.com/portalstats-lab/portalstats/internal/core/aggr"
	"github.com/portalstats-lab/portalstats/internal/core/interval"
	"github.com/portalstats-lab/portalstats/internal/core/storage"
)

// aggKey is the comparable form of aggr.Key used for map storage.
type aggKey struct {
	kind  aggr.Kind
	iv    interval.Interval
	start int64 // UnixNano of the interval start
	group int64
}

func toAggKey(k aggr.Key) aggKey {
	return aggKey{kind: k.Kind, iv: k.Interval, start: k.IntervalStart.UTC().UnixNano(), group: k.GroupID}
}

// Store holds every table in process memory behind one mutex.
type Store struct {
	mu sync.Mutex

	nextID   int64
	dates    map[int64]*storage.DateDimension // keyed by UTC midnight UnixNano
	times    map[int]*storage.TimeDimension
	groups   map[storage.GroupIdentity]*storage.GroupMapping
	aggs     map[aggKey]*aggr.Aggregation
	statuses map[storage.ProcessingKind]*storage.EventAggregatorStatus
}

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{
		dates:    make(map[int64]*storage.DateDimension),
		times:    make(map[int]*storage.TimeDimension),
		groups:   make(map[storage.GroupIdentity]*storage.GroupMapping),
		aggs:     make(map[aggKey]*aggr.Aggregation),
		statuses: make(map[storage.ProcessingKind]*storage.EventAggregatorStatus),
	}
}

func (s *Store) nextSurrogateID() int64 {
	s.nextID++
	return s.nextID
}

func dateKey(date time.Time) int64 {
	d := date.UTC()
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC).UnixNano()
}

// GetDateDimension implements storage.DimensionStore.
func (s *Store) GetDateDimension(_ context.Context, date time.Time) (*storage.DateDimension, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dim, ok := s.dates[dateKey(date)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	dup := *dim
	return &dup, nil
}

// CreateDateDimension implements storage.DimensionStore.
func (s *Store) CreateDateDimension(_ context.Context, dim *storage.DateDimension) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dateKey(dim.Date)
	if _, exists := s.dates[key]; exists {
		return storage.ErrDuplicate
	}
	dim.ID = s.nextSurrogateID()
	dim.Date = time.Unix(0, key).UTC()
	dup := *dim
	s.dates[key] = &dup
	return nil
}

// UpdateDateDimension implements storage.DimensionStore.
func (s *Store) UpdateDateDimension(_ context.Context, dim *storage.DateDimension) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dateKey(dim.Date)
	if _, exists := s.dates[key]; !exists {
		return storage.ErrNotFound
	}
	dup := *dim
	s.dates[key] = &dup
	return nil
}

// ListDateDimensions implements storage.DimensionStore; rows come back
// date-ascending.
func (s *Store) ListDateDimensions(_ context.Context) ([]*storage.DateDimension, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*storage.DateDimension, 0, len(s.dates))
	for _, dim := range s.dates {
		dup := *dim
		out = append(out, &dup)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// GetTimeDimension implements storage.DimensionStore.
func (s *Store) GetTimeDimension(_ context.Context, minuteOfDay int) (*storage.TimeDimension, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dim, ok := s.times[minuteOfDay]
	if !ok {
		return nil, storage.ErrNotFound
	}
	dup := *dim
	return &dup, nil
}

// CreateTimeDimension implements storage.DimensionStore.
func (s *Store) CreateTimeDimension(_ context.Context, dim *storage.TimeDimension) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.times[dim.MinuteOfDay]; exists {
		return storage.ErrDuplicate
	}
	dim.ID = s.nextSurrogateID()
	dup := *dim
	s.times[dim.MinuteOfDay] = &dup
	return nil
}

// ListTimeDimensions implements storage.DimensionStore; rows come back
// minute-ascending.
func (s *Store) ListTimeDimensions(_ context.Context) ([]*storage.TimeDimension, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*storage.TimeDimension, 0, len(s.times))
	for _, dim := range s.times {
		dup := *dim
		out = append(out, &dup)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MinuteOfDay < out[j].MinuteOfDay })
	return out, nil
}

// GetGroupMapping implements storage.GroupMappingStore.
func (s *Store) GetGroupMapping(_ context.Context, service, name string) (*storage.GroupMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mapping, ok := s.groups[storage.GroupIdentity{Service: service, Name: name}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	dup := *mapping
	return &dup, nil
}

// CreateGroupMapping implements storage.GroupMappingStore.
func (s *Store) CreateGroupMapping(_ context.Context, mapping *storage.GroupMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity := storage.GroupIdentity{Service: mapping.Service, Name: mapping.Name}
	if _, exists := s.groups[identity]; exists {
		return storage.ErrDuplicate
	}
	mapping.ID = s.nextSurrogateID()
	dup := *mapping
	s.groups[identity] = &dup
	return nil
}

// CreateAggregation implements storage.AggregationStore.
func (s *Store) CreateAggregation(_ context.Context, key aggr.Key) (*aggr.Aggregation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mk := toAggKey(key)
	if _, exists := s.aggs[mk]; exists {
		return nil, storage.ErrKeyExists
	}
	row := aggr.New(key)
	row.UpdatedAt = time.Now().UTC()
	s.aggs[mk] = row.Clone()
	return row, nil
}

// GetAggregation implements storage.AggregationStore.
func (s *Store) GetAggregation(_ context.Context, key aggr.Key) (*aggr.Aggregation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.aggs[toAggKey(key)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return row.Clone(), nil
}

// UpdateAggregation implements storage.AggregationStore. Last write wins.
func (s *Store) UpdateAggregation(_ context.Context, a *aggr.Aggregation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.UpdatedAt = time.Now().UTC()
	s.aggs[toAggKey(a.Key)] = a.Clone()
	return nil
}

// GetAggregationsForInterval implements storage.AggregationStore.
func (s *Store) GetAggregationsForInterval(_ context.Context, key aggr.Key) ([]*aggr.Aggregation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	startNano := key.IntervalStart.UTC().UnixNano()
	var out []*aggr.Aggregation
	for mk, row := range s.aggs {
		if mk.kind == key.Kind && mk.iv == key.Interval && mk.start == startNano {
			out = append(out, row.Clone())
		}
	}
	sortAggregations(out)
	return out, nil
}

// GetAggregations implements storage.AggregationStore with the half-open
// [start, end) contract on interval-start.
func (s *Store) GetAggregations(_ context.Context, start, end time.Time, key aggr.Key, extraGroups ...int64) ([]*aggr.Aggregation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := map[int64]bool{key.GroupID: true}
	for _, g := range extraGroups {
		wanted[g] = true
	}
	startNano, endNano := start.UTC().UnixNano(), end.UTC().UnixNano()
	var out []*aggr.Aggregation
	for mk, row := range s.aggs {
		if mk.kind != key.Kind || mk.iv != key.Interval || !wanted[mk.group] {
			continue
		}
		if mk.start >= startNano && mk.start < endNano {
			out = append(out, row.Clone())
		}
	}
	sortAggregations(out)
	return out, nil
}

// GetUnclosedAggregations implements storage.AggregationStore.
func (s *Store) GetUnclosedAggregations(_ context.Context, start, end time.Time, iv interval.Interval) ([]*aggr.Aggregation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	startNano, endNano := start.UTC().UnixNano(), end.UTC().UnixNano()
	var out []*aggr.Aggregation
	for mk, row := range s.aggs {
		if mk.iv != iv || row.Complete {
			continue
		}
		if mk.start >= startNano && mk.start < endNano {
			out = append(out, row.Clone())
		}
	}
	sortAggregations(out)
	return out, nil
}

// FlushBatch implements storage.AggregationStore. The in-memory flush is
// atomic under the store mutex; the stale-checkpoint guard matches the
// postgres adapter so engine retry behavior is identical in tests.
func (s *Store) FlushBatch(_ context.Context, rows []*aggr.Aggregation, status *storage.EventAggregatorStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if durable, ok := s.statuses[status.Kind]; ok && !status.LastEventTime.After(durable.LastEventTime) {
		slog.Warn("[MemoryStore] Skipping stale flush",
			"checkpoint", status.LastEventTime,
			"durable_checkpoint", durable.LastEventTime,
			"rows", len(rows))
		return nil
	}

	now := time.Now().UTC()
	for _, row := range rows {
		dup := row.Clone()
		dup.UpdatedAt = now
		s.aggs[toAggKey(row.Key)] = dup
	}
	dup := *status
	s.statuses[status.Kind] = &dup
	return nil
}

// GetStatus implements storage.StatusStore.
func (s *Store) GetStatus(_ context.Context, kind storage.ProcessingKind, createIfMissing bool) (*storage.EventAggregatorStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.statuses[kind]
	if !ok {
		if !createIfMissing {
			return nil, storage.ErrNotFound
		}
		status = &storage.EventAggregatorStatus{Kind: kind}
		s.statuses[kind] = status
	}
	dup := *status
	return &dup, nil
}

// UpdateStatus implements storage.StatusStore. The checkpoint never regresses.
func (s *Store) UpdateStatus(_ context.Context, status *storage.EventAggregatorStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dup := *status
	if durable, ok := s.statuses[status.Kind]; ok && durable.LastEventTime.After(dup.LastEventTime) {
		dup.LastEventTime = durable.LastEventTime
	}
	s.statuses[status.Kind] = &dup
	return nil
}

// EventSource is an in-memory storage.EventSource seeded by tests.
type EventSource struct {
	mu     sync.Mutex
	events []*v1.PortalEvent
}

// NewEventSource returns an empty event source.
func NewEventSource() *EventSource {
	return &EventSource{}
}

// Add appends events, keeping the sequence ordered by occurrence time.
func (e *EventSource) Add(events ...*v1.PortalEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, events...)
	sort.SliceStable(e.events, func(i, j int) bool {
		return e.events[i].OccurredAt.Before(e.events[j].OccurredAt)
	})
}

// OldestEventTime implements storage.EventSource.
func (e *EventSource) OldestEventTime(context.Context) (time.Time, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.events) == 0 {
		return time.Time{}, nil
	}
	return e.events[0].OccurredAt, nil
}

// NewestEventTime implements storage.EventSource.
func (e *EventSource) NewestEventTime(context.Context) (time.Time, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.events) == 0 {
		return time.Time{}, nil
	}
	return e.events[len(e.events)-1].OccurredAt, nil
}

// FetchEvents implements storage.EventSource.
func (e *EventSource) FetchEvents(_ context.Context, after time.Time, limit int) ([]*v1.PortalEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*v1.PortalEvent
	for _, ev := range e.events {
		if ev.OccurredAt.After(after) {
			out = append(out, ev)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// LockService is a process-local storage.ClusterLockService for tests and
// single-node trials.
type LockService struct {
	mu    sync.Mutex
	locks map[string]bool
}

// NewLockService returns an unlocked lock service.
func NewLockService() *LockService {
	return &LockService{locks: make(map[string]bool)}
}

// TryRunExclusive implements storage.ClusterLockService.
func (l *LockService) TryRunExclusive(ctx context.Context, name string, fn func(ctx context.Context) error) (bool, error) {
	l.mu.Lock()
	if l.locks[name] {
		l.mu.Unlock()
		return false, nil
	}
	l.locks[name] = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.locks, name)
		l.mu.Unlock()
	}()
	return true, fn(ctx)
}

func sortAggregations(rows []*aggr.Aggregation) {
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].Key.IntervalStart.Equal(rows[j].Key.IntervalStart) {
			return rows[i].Key.IntervalStart.Before(rows[j].Key.IntervalStart)
		}
		if rows[i].Key.GroupID != rows[j].Key.GroupID {
			return rows[i].Key.GroupID < rows[j].Key.GroupID
		}
		return rows[i].Key.Kind < rows[j].Key.Kind
	})
}
