package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portalstats-lab/portalstats/internal/core/storage"
)

func TestDrainBacklogProcessesEverything(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	base := time.Date(2011, time.November, 9, 14, 0, 0, 0, time.UTC)
	for i := 0; i < 250; i++ {
		f.events.Add(login("alice", base.Add(time.Duration(i)*time.Second)))
	}

	s := NewScheduler(time.Minute, 100, f.engine)
	s.drainBacklog(ctx)

	status, err := f.store.GetStatus(ctx, storage.ProcessingAggregation, false)
	require.NoError(t, err)
	assert.True(t, status.LastEventTime.Equal(base.Add(249*time.Second)))
}

func TestDrainBacklogStopsOnShortBatch(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	base := time.Date(2011, time.November, 9, 14, 0, 0, 0, time.UTC)
	f.events.Add(login("alice", base))

	s := NewScheduler(time.Minute, 100, f.engine)
	s.drainBacklog(ctx)

	status, err := f.store.GetStatus(ctx, storage.ProcessingAggregation, false)
	require.NoError(t, err)
	assert.True(t, status.LastEventTime.Equal(base))
}

func TestDrainBacklogRespectsCancelledContext(t *testing.T) {
	f := newFixture(t, nil)
	f.events.Add(login("alice", time.Date(2011, time.November, 9, 14, 0, 0, 0, time.UTC)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewScheduler(time.Minute, 100, f.engine)
	s.drainBacklog(ctx)

	_, err := f.store.GetStatus(context.Background(), storage.ProcessingAggregation, false)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSchedulerStartStopsOnCancel(t *testing.T) {
	f := newFixture(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	s := NewScheduler(time.Hour, 100, f.engine)
	go func() { done <- s.Start(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}
}
