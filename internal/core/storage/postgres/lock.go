package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"log/slog"
)

const (
	queryTryAdvisoryLock = `SELECT pg_try_advisory_lock($1)`
	queryAdvisoryUnlock  = `SELECT pg_advisory_unlock($1)`
)

// LockService implements storage.ClusterLockService with PostgreSQL advisory
// locks. The lock lives on a pinned session connection, so it is visible to
// every node sharing the database and vanishes if the holder's connection
// dies mid-run.
type LockService struct {
	db *sql.DB
}

// NewLockService creates a lock service over the shared pool.
func NewLockService(a *Adapter) *LockService {
	return &LockService{db: a.db}
}

// lockKeyFor hashes a lock name into the advisory-lock key space.
// FNV-64a: stable and deterministic, same name always maps to the same key.
func lockKeyFor(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}

// TryRunExclusive runs fn while holding the named advisory lock. Returns
// (false, nil) without running fn when another session holds it.
func (l *LockService) TryRunExclusive(ctx context.Context, name string, fn func(ctx context.Context) error) (bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("cluster lock %q: acquire connection: %w", name, err)
	}
	defer conn.Close()

	key := lockKeyFor(name)

	var acquired bool
	if err := conn.QueryRowContext(ctx, queryTryAdvisoryLock, key).Scan(&acquired); err != nil {
		return false, fmt.Errorf("cluster lock %q: try lock: %w", name, err)
	}
	if !acquired {
		return false, nil
	}

	defer func() {
		// Unlock on the same session. Best effort: closing the connection
		// releases the lock anyway.
		var released bool
		if err := conn.QueryRowContext(context.WithoutCancel(ctx), queryAdvisoryUnlock, key).Scan(&released); err != nil || !released {
			slog.Warn("[LockService] Advisory unlock failed, relying on connection close",
				"lock", name, "error", err)
		}
	}()

	return true, fn(ctx)
}
