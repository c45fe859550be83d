// Package tombstone records namespaces that have been fully torn down so
// replayed or stale events addressed to them are dropped instead of
// recreating the namespace (spec.md §4.5).
package tombstone

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hexabase/pgconductor/internal/errs"
)

const tableName = "deleted_instances"

// Store is the tombstone adapter (C5).
type Store struct {
	db *sql.DB
}

// New wraps an open *sql.DB.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init creates the backing table if it does not already exist.
func (s *Store) Init(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		namespace TEXT PRIMARY KEY,
		tombstoned_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, tableName)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		if isPoolError(err) {
			return errs.ErrConnectionPool
		}
		return fmt.Errorf("failed to initialize tombstone table: %w", err)
	}
	return nil
}

// MarkDeleted records namespace as tombstoned. Idempotent: marking an
// already-tombstoned namespace again is a no-op.
func (s *Store) MarkDeleted(ctx context.Context, namespace string) error {
	query := fmt.Sprintf(`INSERT INTO %s (namespace) VALUES ($1) ON CONFLICT (namespace) DO NOTHING`, tableName)
	if _, err := s.db.ExecContext(ctx, query, namespace); err != nil {
		if isPoolError(err) {
			return errs.ErrConnectionPool
		}
		return fmt.Errorf("failed to tombstone namespace %q: %w", namespace, err)
	}
	return nil
}

// IsDeleted reports whether namespace has been tombstoned. A read failure
// is returned to the caller, which logs it and skips the event without
// archiving or requeueing it (DESIGN.md Open Question decision #2).
func (s *Store) IsDeleted(ctx context.Context, namespace string) (bool, error) {
	query := fmt.Sprintf(`SELECT 1 FROM %s WHERE namespace = $1`, tableName)
	var found int
	err := s.db.QueryRowContext(ctx, query, namespace).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		if isPoolError(err) {
			return false, errs.ErrConnectionPool
		}
		return false, fmt.Errorf("failed to check tombstone for namespace %q: %w", namespace, err)
	}
	return true, nil
}

func isPoolError(err error) bool {
	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone)
}
