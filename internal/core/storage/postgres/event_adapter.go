package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	v1 "github.com/portalstats-lab/portalstats/internal/api/v1"
)

const (
	queryOldestEventTime = `SELECT MIN(occurred_at) FROM portal_event`
	queryNewestEventTime = `SELECT MAX(occurred_at) FROM portal_event`

	queryFetchEvents = `
		SELECT event_id, event_type, user_name, group_paths, render_millis, occurred_at
		FROM portal_event
		WHERE occurred_at > $1
		ORDER BY occurred_at ASC, id ASC
		LIMIT $2
	`
)

// EventAdapter is the read side of the portal event table: the capture
// pipeline writes it, the engine only ever reads past the checkpoint.
type EventAdapter struct {
	db *sql.DB
}

// NewEventAdapter creates an event-source adapter over the shared pool.
func NewEventAdapter(a *Adapter) *EventAdapter {
	return &EventAdapter{db: a.db}
}

func (e *EventAdapter) OldestEventTime(ctx context.Context) (time.Time, error) {
	return e.boundaryTime(ctx, queryOldestEventTime)
}

func (e *EventAdapter) NewestEventTime(ctx context.Context) (time.Time, error) {
	return e.boundaryTime(ctx, queryNewestEventTime)
}

func (e *EventAdapter) boundaryTime(ctx context.Context, query string) (time.Time, error) {
	var t sql.NullTime
	if err := e.db.QueryRowContext(ctx, query).Scan(&t); err != nil {
		return time.Time{}, fmt.Errorf("event boundary timestamp: %w", err)
	}
	if !t.Valid {
		return time.Time{}, nil
	}
	return t.Time.UTC(), nil
}

func (e *EventAdapter) FetchEvents(ctx context.Context, after time.Time, limit int) ([]*v1.PortalEvent, error) {
	rows, err := e.db.QueryContext(ctx, queryFetchEvents, after.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("fetch events: %w", err)
	}
	defer rows.Close()

	var out []*v1.PortalEvent
	for rows.Next() {
		var (
			ev         v1.PortalEvent
			groupPaths []byte
		)
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.UserName, &groupPaths, &ev.RenderMillis, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		ev.OccurredAt = ev.OccurredAt.UTC()
		if len(groupPaths) > 0 {
			if err := json.Unmarshal(groupPaths, &ev.GroupPaths); err != nil {
				return nil, fmt.Errorf("unmarshal group paths for event %s: %w", ev.ID, err)
			}
		}
		out = append(out, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}
	return out, nil
}
