package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/portalstats-lab/portalstats/internal/core/aggr"
	"github.com/portalstats-lab/portalstats/internal/core/interval"
	"github.com/portalstats-lab/portalstats/internal/core/storage"
)

const (
	aggregationColumns = `
		kind, agg_interval, interval_start, date_dimension_id, time_dimension_id,
		group_id, complete, duration_minutes, payload, updated_at
	`

	queryInsertAggregation = `
		INSERT INTO base_aggregation (
			kind, agg_interval, interval_start, date_dimension_id, time_dimension_id,
			group_id, complete, duration_minutes, payload, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	queryUpsertAggregation = `
		INSERT INTO base_aggregation (
			kind, agg_interval, interval_start, date_dimension_id, time_dimension_id,
			group_id, complete, duration_minutes, payload, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (kind, agg_interval, interval_start, group_id)
		DO UPDATE SET
			complete         = EXCLUDED.complete,
			duration_minutes = EXCLUDED.duration_minutes,
			payload          = EXCLUDED.payload,
			updated_at       = EXCLUDED.updated_at
	`

	queryGetAggregation = `
		SELECT ` + aggregationColumns + `
		FROM base_aggregation
		WHERE kind = $1 AND agg_interval = $2 AND interval_start = $3 AND group_id = $4
	`

	queryAggregationsForInterval = `
		SELECT ` + aggregationColumns + `
		FROM base_aggregation
		WHERE kind = $1 AND agg_interval = $2 AND interval_start = $3
		ORDER BY group_id ASC
	`

	queryAggregationsRange = `
		SELECT ` + aggregationColumns + `
		FROM base_aggregation
		WHERE kind = $1
		  AND agg_interval = $2
		  AND interval_start >= $3
		  AND interval_start < $4
		  AND group_id = ANY($5)
		ORDER BY interval_start ASC, group_id ASC
	`

	queryUnclosedAggregations = `
		SELECT ` + aggregationColumns + `
		FROM base_aggregation
		WHERE agg_interval = $1
		  AND NOT complete
		  AND interval_start >= $2
		  AND interval_start < $3
		ORDER BY interval_start ASC, group_id ASC
	`
)

// AggregationAdapter implements storage.AggregationStore on PostgreSQL.
// FlushBatch and the checkpoint write share one transaction — the atomicity
// contract that makes crash recovery safe.
type AggregationAdapter struct {
	db *sql.DB
}

// NewAggregationAdapter creates an aggregation adapter over the shared pool.
func NewAggregationAdapter(a *Adapter) *AggregationAdapter {
	return &AggregationAdapter{db: a.db}
}

func (a *AggregationAdapter) CreateAggregation(ctx context.Context, key aggr.Key) (*aggr.Aggregation, error) {
	row := aggr.New(key)
	row.UpdatedAt = time.Now().UTC()

	payload, err := aggr.MarshalPayload(row.Payload)
	if err != nil {
		return nil, err
	}

	_, err = a.db.ExecContext(ctx, queryInsertAggregation,
		key.Kind, key.Interval, key.IntervalStart.UTC(),
		key.DateDimensionID, key.TimeDimensionID, key.GroupID,
		row.Complete, row.DurationMinutes, payload, row.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return nil, storage.ErrKeyExists
	}
	if err != nil {
		return nil, fmt.Errorf("create aggregation: %w", err)
	}
	return row, nil
}

func (a *AggregationAdapter) GetAggregation(ctx context.Context, key aggr.Key) (*aggr.Aggregation, error) {
	row := a.db.QueryRowContext(ctx, queryGetAggregation,
		key.Kind, key.Interval, key.IntervalStart.UTC(), key.GroupID)
	agg, err := scanAggregation(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get aggregation: %w", err)
	}
	return agg, nil
}

func (a *AggregationAdapter) UpdateAggregation(ctx context.Context, row *aggr.Aggregation) error {
	row.UpdatedAt = time.Now().UTC()
	if err := upsertAggregation(ctx, a.db, row); err != nil {
		return fmt.Errorf("update aggregation: %w", err)
	}
	return nil
}

func (a *AggregationAdapter) GetAggregationsForInterval(ctx context.Context, key aggr.Key) ([]*aggr.Aggregation, error) {
	rows, err := a.db.QueryContext(ctx, queryAggregationsForInterval,
		key.Kind, key.Interval, key.IntervalStart.UTC())
	if err != nil {
		return nil, fmt.Errorf("aggregations for interval: %w", err)
	}
	return collectAggregations(rows)
}

func (a *AggregationAdapter) GetAggregations(ctx context.Context, start, end time.Time, key aggr.Key, extraGroups ...int64) ([]*aggr.Aggregation, error) {
	groupIDs := append([]int64{key.GroupID}, extraGroups...)
	rows, err := a.db.QueryContext(ctx, queryAggregationsRange,
		key.Kind, key.Interval, start.UTC(), end.UTC(), pq.Array(groupIDs))
	if err != nil {
		return nil, fmt.Errorf("aggregations range: %w", err)
	}
	return collectAggregations(rows)
}

func (a *AggregationAdapter) GetUnclosedAggregations(ctx context.Context, start, end time.Time, iv interval.Interval) ([]*aggr.Aggregation, error) {
	rows, err := a.db.QueryContext(ctx, queryUnclosedAggregations, iv, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("unclosed aggregations: %w", err)
	}
	return collectAggregations(rows)
}

// FlushBatch upserts one batch's rows and advances the checkpoint in a single
// transaction. The checkpoint row is locked first and writes are monotonic:
// a stale flush (checkpoint at or before the durable value) is skipped, so
// out-of-order retries can never overwrite newer durable state.
func (a *AggregationAdapter) FlushBatch(ctx context.Context, rows []*aggr.Aggregation, status *storage.EventAggregatorStatus) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("flush batch: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var durable sql.NullTime
	err = tx.QueryRowContext(ctx, querySelectStatusForUpdate, status.Kind).Scan(&durable)
	if err == sql.ErrNoRows {
		if _, err = tx.ExecContext(ctx, queryInitStatusRow, status.Kind, time.Now().UTC()); err != nil {
			return fmt.Errorf("flush batch: init status row: %w", err)
		}
		err = tx.QueryRowContext(ctx, querySelectStatusForUpdate, status.Kind).Scan(&durable)
	}
	if err != nil {
		return fmt.Errorf("flush batch: read status for update: %w", err)
	}

	if durable.Valid && !status.LastEventTime.After(durable.Time) {
		slog.Warn("[AggregationAdapter] Skipping stale flush",
			"checkpoint", status.LastEventTime,
			"durable_checkpoint", durable.Time,
			"rows", len(rows))
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, queryUpsertAggregation)
	if err != nil {
		return fmt.Errorf("flush batch: prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, row := range rows {
		payload, err := aggr.MarshalPayload(row.Payload)
		if err != nil {
			return fmt.Errorf("flush batch: %w", err)
		}
		key := row.Key
		if _, err := stmt.ExecContext(ctx,
			key.Kind, key.Interval, key.IntervalStart.UTC(),
			key.DateDimensionID, key.TimeDimensionID, key.GroupID,
			row.Complete, row.DurationMinutes, payload, now,
		); err != nil {
			return fmt.Errorf("flush batch: upsert %s/%s@%s: %w",
				key.Kind, key.Interval, key.IntervalStart.Format(time.RFC3339), err)
		}
	}

	result, err := tx.ExecContext(ctx, queryUpdateStatus,
		status.Kind, status.ServerName, status.LastRunID,
		status.LastEventTime, status.LastStart, status.LastEnd, now)
	if err != nil {
		return fmt.Errorf("flush batch: write checkpoint: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("flush batch: check checkpoint write: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("flush batch: status row missing (kind=%s)", status.Kind)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("flush batch: commit: %w", err)
	}

	slog.Info("[AggregationAdapter] Flushed",
		"rows", len(rows),
		"checkpoint", status.LastEventTime,
	)
	return nil
}

func upsertAggregation(ctx context.Context, db *sql.DB, row *aggr.Aggregation) error {
	payload, err := aggr.MarshalPayload(row.Payload)
	if err != nil {
		return err
	}
	key := row.Key
	_, err = db.ExecContext(ctx, queryUpsertAggregation,
		key.Kind, key.Interval, key.IntervalStart.UTC(),
		key.DateDimensionID, key.TimeDimensionID, key.GroupID,
		row.Complete, row.DurationMinutes, payload, row.UpdatedAt,
	)
	return err
}

func scanAggregation(row scanner) (*aggr.Aggregation, error) {
	var (
		agg     aggr.Aggregation
		payload []byte
	)
	if err := row.Scan(
		&agg.Key.Kind, &agg.Key.Interval, &agg.Key.IntervalStart,
		&agg.Key.DateDimensionID, &agg.Key.TimeDimensionID, &agg.Key.GroupID,
		&agg.Complete, &agg.DurationMinutes, &payload, &agg.UpdatedAt,
	); err != nil {
		return nil, err
	}
	agg.Key.IntervalStart = agg.Key.IntervalStart.UTC()

	decoded, err := aggr.UnmarshalPayload(agg.Key.Kind, payload)
	if err != nil {
		return nil, err
	}
	agg.Payload = decoded
	return &agg, nil
}

func collectAggregations(rows *sql.Rows) ([]*aggr.Aggregation, error) {
	defer rows.Close()

	var out []*aggr.Aggregation
	for rows.Next() {
		agg, err := scanAggregation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan aggregation row: %w", err)
		}
		out = append(out, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate aggregation rows: %w", err)
	}
	return out, nil
}
