package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/portalstats-lab/portalstats/internal/api/v1"
)

func TestEventAdapter_BoundaryTimesEmptyTable(t *testing.T) {
	adapter, mock, done := newMockAdapter(t)
	defer done()

	mock.ExpectQuery(regexp.QuoteMeta(queryOldestEventTime)).
		WillReturnRows(sqlmock.NewRows([]string{"min"}).AddRow(nil))

	oldest, err := NewEventAdapter(adapter).OldestEventTime(context.Background())
	require.NoError(t, err)
	assert.True(t, oldest.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventAdapter_OldestEventTime(t *testing.T) {
	adapter, mock, done := newMockAdapter(t)
	defer done()

	first := time.Date(2011, time.November, 9, 14, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(queryOldestEventTime)).
		WillReturnRows(sqlmock.NewRows([]string{"min"}).AddRow(first))

	oldest, err := NewEventAdapter(adapter).OldestEventTime(context.Background())
	require.NoError(t, err)
	assert.True(t, oldest.Equal(first))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventAdapter_FetchEvents(t *testing.T) {
	adapter, mock, done := newMockAdapter(t)
	defer done()

	after := time.Date(2011, time.November, 9, 14, 0, 0, 0, time.UTC)
	occurred := after.Add(time.Minute)

	rows := sqlmock.NewRows([]string{"event_id", "event_type", "user_name", "group_paths", "render_millis", "occurred_at"}).
		AddRow("ev-1", v1.TypeLogin, "alice", []byte(`["local.0","local.staff"]`), int64(0), occurred).
		AddRow("ev-2", v1.TypePortletRender, "bob", nil, int64(250), occurred.Add(time.Second))
	mock.ExpectQuery(regexp.QuoteMeta(queryFetchEvents)).
		WithArgs(after, 100).
		WillReturnRows(rows)

	events, err := NewEventAdapter(adapter).FetchEvents(context.Background(), after, 100)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "ev-1", events[0].ID)
	assert.Equal(t, []string{"local.0", "local.staff"}, events[0].GroupPaths)
	assert.Empty(t, events[1].GroupPaths)
	assert.Equal(t, int64(250), events[1].RenderMillis)
	require.NoError(t, mock.ExpectationsWereMet())
}
