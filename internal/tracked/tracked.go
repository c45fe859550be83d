// Package tracked records the namespaces the reconciler has successfully
// provisioned, giving the status reporter (C7) a concrete, bounded
// workload instead of an unscoped list-all-namespaces scan. This table is
// not part of spec.md; it is SPEC_FULL's supplement for a reporter that
// otherwise has no way to know which namespaces to poll (see DESIGN.md).
package tracked

import (
	"context"
	"database/sql"
	"fmt"
)

const tableName = "tracked_namespaces"

// Namespace is one row: the identity fields the status reporter needs to
// build an outbound StateToControlPlane event.
type Namespace struct {
	Namespace   string
	OrgID       string
	InstID      string
	DataPlaneID string
}

// Store is the tracked-namespaces adapter.
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
		org_id TEXT NOT NULL,
		inst_id TEXT NOT NULL,
		data_plane_id TEXT NOT NULL,
		tracked_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, tableName)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to initialize tracked namespaces table: %w", err)
	}
	return nil
}

// Track upserts namespace's identity fields, refreshing tracked_at.
func (s *Store) Track(ctx context.Context, ns Namespace) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (namespace, org_id, inst_id, data_plane_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (namespace) DO UPDATE SET
			org_id = EXCLUDED.org_id,
			inst_id = EXCLUDED.inst_id,
			data_plane_id = EXCLUDED.data_plane_id,
			tracked_at = now()`, tableName)

	if _, err := s.db.ExecContext(ctx, query, ns.Namespace, ns.OrgID, ns.InstID, ns.DataPlaneID); err != nil {
		return fmt.Errorf("failed to track namespace %q: %w", ns.Namespace, err)
	}
	return nil
}

// Untrack removes namespace, called when the reconciler tombstones it.
func (s *Store) Untrack(ctx context.Context, namespace string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE namespace = $1`, tableName)
	if _, err := s.db.ExecContext(ctx, query, namespace); err != nil {
		return fmt.Errorf("failed to untrack namespace %q: %w", namespace, err)
	}
	return nil
}

// List returns every currently-tracked namespace.
func (s *Store) List(ctx context.Context) ([]Namespace, error) {
	query := fmt.Sprintf(`SELECT namespace, org_id, inst_id, data_plane_id FROM %s ORDER BY namespace`, tableName)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracked namespaces: %w", err)
	}
	defer rows.Close()

	var out []Namespace
	for rows.Next() {
		var ns Namespace
		if err := rows.Scan(&ns.Namespace, &ns.OrgID, &ns.InstID, &ns.DataPlaneID); err != nil {
			return nil, fmt.Errorf("failed to scan tracked namespace row: %w", err)
		}
		out = append(out, ns)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tracked namespace rows: %w", err)
	}
	return out, nil
}
