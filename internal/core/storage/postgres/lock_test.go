package postgres

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockKeyForIsStable(t *testing.T) {
	assert.Equal(t, lockKeyFor("aggregation"), lockKeyFor("aggregation"))
	assert.NotEqual(t, lockKeyFor("aggregation"), lockKeyFor("population"))
}

func TestLockService_TryRunExclusiveAcquired(t *testing.T) {
	adapter, mock, done := newMockAdapter(t)
	defer done()

	key := lockKeyFor("aggregation")
	mock.ExpectQuery(regexp.QuoteMeta(queryTryAdvisoryLock)).
		WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectQuery(regexp.QuoteMeta(queryAdvisoryUnlock)).
		WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(true))

	executed := false
	ran, err := NewLockService(adapter).TryRunExclusive(context.Background(), "aggregation", func(context.Context) error {
		executed = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.True(t, executed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLockService_TryRunExclusiveHeldElsewhere(t *testing.T) {
	adapter, mock, done := newMockAdapter(t)
	defer done()

	mock.ExpectQuery(regexp.QuoteMeta(queryTryAdvisoryLock)).
		WithArgs(lockKeyFor("aggregation")).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	ran, err := NewLockService(adapter).TryRunExclusive(context.Background(), "aggregation", func(context.Context) error {
		t.Fatal("fn must not run when the lock is held elsewhere")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ran)
	require.NoError(t, mock.ExpectationsWereMet())
}
