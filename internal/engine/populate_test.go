package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portalstats-lab/portalstats/internal/core/interval"
	"github.com/portalstats-lab/portalstats/internal/core/storage"
)

func testTermsFixture() []interval.AcademicTerm {
	return []interval.AcademicTerm{
		{
			Name:         "Fall 2011",
			Start:        time.Date(2011, time.August, 22, 0, 0, 0, 0, time.UTC),
			End:          time.Date(2011, time.December, 17, 0, 0, 0, 0, time.UTC),
			AcademicYear: "2011-2012",
		},
		{
			Name:         "Spring 2012",
			Start:        time.Date(2012, time.January, 17, 0, 0, 0, 0, time.UTC),
			End:          time.Date(2012, time.May, 12, 0, 0, 0, 0, time.UTC),
			AcademicYear: "2011-2012",
		},
	}
}

func TestPopulateTimeDimensions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	ran, err := f.engine.PopulateTimeDimensions(ctx)
	require.NoError(t, err)
	assert.True(t, ran)

	times, err := f.store.ListTimeDimensions(ctx)
	require.NoError(t, err)
	require.Len(t, times, 1440)
	assert.Equal(t, 0, times[0].MinuteOfDay)
	assert.Equal(t, 1439, times[1439].MinuteOfDay)

	// Re-run creates nothing new.
	ran, err = f.engine.PopulateTimeDimensions(ctx)
	require.NoError(t, err)
	assert.True(t, ran)

	times, err = f.store.ListTimeDimensions(ctx)
	require.NoError(t, err)
	assert.Len(t, times, 1440)
}

func TestPopulateDateDimensionsWindow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// Events confined to January 2012: the window runs January 1 2011
	// through December 31 2012, and 2012 is a leap year.
	f.events.Add(
		login("alice", time.Date(2012, time.January, 6, 12, 0, 0, 0, time.UTC)),
		login("bob", time.Date(2012, time.January, 6, 14, 0, 0, 0, time.UTC)),
	)

	ran, err := f.engine.PopulateDateDimensions(ctx)
	require.NoError(t, err)
	assert.True(t, ran)

	dates, err := f.store.ListDateDimensions(ctx)
	require.NoError(t, err)
	require.Len(t, dates, 365+366)
	assert.True(t, dates[0].Date.Equal(time.Date(2011, time.January, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, dates[len(dates)-1].Date.Equal(time.Date(2012, time.December, 31, 0, 0, 0, 0, time.UTC)))
}

func TestPopulateDateDimensionsGrowsWithNewEvents(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.events.Add(login("alice", time.Date(2012, time.January, 6, 12, 0, 0, 0, time.UTC)))
	_, err := f.engine.PopulateDateDimensions(ctx)
	require.NoError(t, err)

	dates, err := f.store.ListDateDimensions(ctx)
	require.NoError(t, err)
	require.Len(t, dates, 365+366)

	// An older event pushes the window start back a year on re-run.
	f.events.Add(login("bob", time.Date(2011, time.January, 6, 12, 0, 0, 0, time.UTC)))
	_, err = f.engine.PopulateDateDimensions(ctx)
	require.NoError(t, err)

	dates, err = f.store.ListDateDimensions(ctx)
	require.NoError(t, err)
	require.Len(t, dates, 365+365+366)
	assert.True(t, dates[0].Date.Equal(time.Date(2010, time.January, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, dates[len(dates)-1].Date.Equal(time.Date(2012, time.December, 31, 0, 0, 0, 0, time.UTC)))

	// A newer event extends the window end to its own year, without margin.
	f.events.Add(login("carol", time.Date(2013, time.January, 6, 12, 0, 0, 0, time.UTC)))
	_, err = f.engine.PopulateDateDimensions(ctx)
	require.NoError(t, err)

	dates, err = f.store.ListDateDimensions(ctx)
	require.NoError(t, err)
	require.Len(t, dates, 365+365+366+365)
	assert.True(t, dates[len(dates)-1].Date.Equal(time.Date(2013, time.December, 31, 0, 0, 0, 0, time.UTC)))
}

func TestPopulateDateDimensionsStampsTermLabels(t *testing.T) {
	f := newFixture(t, testTermsFixture())
	ctx := context.Background()
	f.events.Add(login("alice", time.Date(2011, time.November, 9, 14, 0, 0, 0, time.UTC)))

	_, err := f.engine.PopulateDateDimensions(ctx)
	require.NoError(t, err)

	dim, err := f.store.GetDateDimension(ctx, time.Date(2011, time.November, 9, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "Fall 2011", dim.Term)
	assert.Equal(t, "2011-2012", dim.AcademicYear)

	// Days outside every term carry no labels.
	dim, err = f.store.GetDateDimension(ctx, time.Date(2011, time.July, 4, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, dim.Term)
}

func TestPopulateRecordsStatusRun(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.engine.PopulateTimeDimensions(ctx)
	require.NoError(t, err)

	status, err := f.store.GetStatus(ctx, storage.ProcessingPopulation, false)
	require.NoError(t, err)
	assert.Equal(t, "test-node", status.ServerName)
	assert.NotEmpty(t, status.LastRunID)
	assert.False(t, status.LastStart.IsZero())
	assert.False(t, status.LastEnd.Before(status.LastStart))
}

func TestPopulateSkipsWhenLockHeld(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = f.locks.TryRunExclusive(ctx, string(storage.ProcessingPopulation), func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	ran, err := f.engine.PopulateTimeDimensions(ctx)
	require.NoError(t, err)
	assert.False(t, ran)

	times, err := f.store.ListTimeDimensions(ctx)
	require.NoError(t, err)
	assert.Empty(t, times)
}
