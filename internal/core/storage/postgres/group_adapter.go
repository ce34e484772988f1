package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/portalstats-lab/portalstats/internal/core/storage"
)

const (
	queryGetGroupMapping = `
		SELECT id, service, name FROM aggregated_group_mapping
		WHERE service = $1 AND name = $2
	`

	queryCreateGroupMapping = `
		INSERT INTO aggregated_group_mapping (service, name)
		VALUES ($1, $2)
		RETURNING id
	`
)

// GroupAdapter implements storage.GroupMappingStore on PostgreSQL.
type GroupAdapter struct {
	db *sql.DB
}

// NewGroupAdapter creates a group-mapping adapter over the shared pool.
func NewGroupAdapter(a *Adapter) *GroupAdapter {
	return &GroupAdapter{db: a.db}
}

func (g *GroupAdapter) GetGroupMapping(ctx context.Context, service, name string) (*storage.GroupMapping, error) {
	var mapping storage.GroupMapping
	err := g.db.QueryRowContext(ctx, queryGetGroupMapping, service, name).
		Scan(&mapping.ID, &mapping.Service, &mapping.Name)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get group mapping: %w", err)
	}
	return &mapping, nil
}

func (g *GroupAdapter) CreateGroupMapping(ctx context.Context, mapping *storage.GroupMapping) error {
	err := g.db.QueryRowContext(ctx, queryCreateGroupMapping, mapping.Service, mapping.Name).
		Scan(&mapping.ID)
	if isUniqueViolation(err) {
		return storage.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("create group mapping: %w", err)
	}
	return nil
}
