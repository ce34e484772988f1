package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/portalstats-lab/portalstats/internal/core/storage"
)

const (
	querySelectStatusForUpdate = `
		SELECT last_event_time
		FROM event_aggregator_status
		WHERE kind = $1
		FOR UPDATE
	`

	queryInitStatusRow = `
		INSERT INTO event_aggregator_status (kind, updated_at)
		VALUES ($1, $2)
		ON CONFLICT (kind) DO NOTHING
	`

	queryGetStatus = `
		SELECT kind, COALESCE(server_name, ''), COALESCE(last_run_id, ''),
		       last_event_time, last_start, last_end
		FROM event_aggregator_status
		WHERE kind = $1
	`

	queryUpdateStatus = `
		UPDATE event_aggregator_status
		SET server_name = $2,
		    last_run_id = $3,
		    last_event_time = GREATEST(COALESCE(last_event_time, 'epoch'::timestamptz), COALESCE($4, 'epoch'::timestamptz)),
		    last_start = $5,
		    last_end = $6,
		    updated_at = $7
		WHERE kind = $1
	`
)

// StatusAdapter implements storage.StatusStore on PostgreSQL. The GREATEST
// guard in the update keeps the checkpoint monotonic even under a stale write.
type StatusAdapter struct {
	db *sql.DB
}

// NewStatusAdapter creates a status adapter over the shared pool.
func NewStatusAdapter(a *Adapter) *StatusAdapter {
	return &StatusAdapter{db: a.db}
}

func (s *StatusAdapter) GetStatus(ctx context.Context, kind storage.ProcessingKind, createIfMissing bool) (*storage.EventAggregatorStatus, error) {
	status, err := s.getStatus(ctx, kind)
	if err == nil || !createIfMissing || err != storage.ErrNotFound {
		return status, err
	}

	if _, err := s.db.ExecContext(ctx, queryInitStatusRow, kind, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("init status row: %w", err)
	}
	return s.getStatus(ctx, kind)
}

func (s *StatusAdapter) getStatus(ctx context.Context, kind storage.ProcessingKind) (*storage.EventAggregatorStatus, error) {
	var (
		status                       storage.EventAggregatorStatus
		lastEvent, lastStart, lastEnd sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, queryGetStatus, kind).Scan(
		&status.Kind, &status.ServerName, &status.LastRunID,
		&lastEvent, &lastStart, &lastEnd,
	)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get status: %w", err)
	}
	if lastEvent.Valid {
		status.LastEventTime = lastEvent.Time.UTC()
	}
	if lastStart.Valid {
		status.LastStart = lastStart.Time.UTC()
	}
	if lastEnd.Valid {
		status.LastEnd = lastEnd.Time.UTC()
	}
	return &status, nil
}

func (s *StatusAdapter) UpdateStatus(ctx context.Context, status *storage.EventAggregatorStatus) error {
	result, err := s.db.ExecContext(ctx, queryUpdateStatus,
		status.Kind, status.ServerName, status.LastRunID,
		nullableTime(status.LastEventTime), nullableTime(status.LastStart), nullableTime(status.LastEnd),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func nullableTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}
