// Package queue implements the typed read / requeue / archive / send
// operations of spec.md §4.1 over a Postgres-backed partitioned queue.
//
// Each named queue is backed by two tables, `<queue>_msgs` (active) and
// `<queue>_archive` (archived), created at Init if absent — the Go-native
// equivalent of pgmq's auto-created partitioned queues (see DESIGN.md).
// Delivery is at-least-once: Read extends a message's visibility timeout
// atomically inside a `SELECT ... FOR UPDATE SKIP LOCKED` transaction, so
// at most one caller observes a given message at a time (invariant I1).
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hexabase/pgconductor/internal/errs"
	"github.com/hexabase/pgconductor/internal/eventtypes"
	_ "github.com/lib/pq"
)

// Conventional queue names. The agent binary takes the names it uses from
// config (CONTROL_PLANE_EVENTS_QUEUE and friends), not from these constants.
const (
	ControlPlaneEvents = "control_plane_events"
	DataPlaneEvents    = "data_plane_events"
	MetricsEvents      = "metrics_events"
)

// DecodeError wraps a JSON decode failure on a dequeued message's payload.
// The reconciler treats this as fatal for that specific message.
type DecodeError struct {
	MsgID int64
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode message %d: %v", e.MsgID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Envelope wraps a decoded message with its delivery metadata.
type Envelope[T any] struct {
	MsgID      int64
	EnqueuedAt time.Time
	ReadCt     int
	VT         time.Time
	Message    T
}

// Client is the queue client adapter (C1).
type Client struct {
	db *sql.DB
}

// New wraps an already-open *sql.DB. The pool itself (max conns, lifetime)
// is configured by the caller at construction time, matching the teacher's
// connection.go convention of a single shared pool per process.
func New(db *sql.DB) *Client {
	return &Client{db: db}
}

// Open opens a new connection pool against connStr using the lib/pq driver.
func Open(connStr string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue connection pool: %w", err)
	}
	return db, nil
}

// Init creates the active/archive table pair for queueName if it does not
// already exist.
func (c *Client) Init(ctx context.Context, queueName string) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			msg_id BIGSERIAL PRIMARY KEY,
			enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			vt TIMESTAMPTZ NOT NULL DEFAULT now(),
			read_ct INTEGER NOT NULL DEFAULT 0,
			message JSONB NOT NULL
		)`, msgsTable(queueName)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			msg_id BIGINT PRIMARY KEY,
			enqueued_at TIMESTAMPTZ NOT NULL,
			archived_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			read_ct INTEGER NOT NULL,
			message JSONB NOT NULL
		)`, archiveTable(queueName)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_vt_idx ON %s (vt)`, queueName, msgsTable(queueName)),
	}

	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			if isPoolError(err) {
				return errs.ErrConnectionPool
			}
			return fmt.Errorf("failed to initialize queue %q: %w", queueName, err)
		}
	}
	return nil
}

func msgsTable(queueName string) string    { return queueName + "_msgs" }
func archiveTable(queueName string) string { return queueName + "_archive" }

// Read delivers at most one message from queueName, atomically extending its
// visibility by vtSeconds. Returns (nil, nil) when the queue is empty. A
// JSON decode failure on the payload surfaces as *DecodeError.
func Read[T any](ctx context.Context, c *Client, queueName string, vtSeconds int) (*Envelope[T], error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		if isPoolError(err) {
			return nil, errs.ErrConnectionPool
		}
		return nil, fmt.Errorf("failed to begin read transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	selectQuery := fmt.Sprintf(`
		SELECT msg_id, enqueued_at, read_ct, message
		FROM %s
		WHERE vt <= now()
		ORDER BY msg_id
		FOR UPDATE SKIP LOCKED
		LIMIT 1`, msgsTable(queueName))

	var (
		msgID      int64
		enqueuedAt time.Time
		readCt     int
		raw        []byte
	)

	row := tx.QueryRowContext(ctx, selectQuery)
	if err := row.Scan(&msgID, &enqueuedAt, &readCt, &raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if isPoolError(err) {
			return nil, errs.ErrConnectionPool
		}
		return nil, fmt.Errorf("failed to read from queue %q: %w", queueName, err)
	}

	newVT := time.Now().Add(time.Duration(vtSeconds) * time.Second)
	updateQuery := fmt.Sprintf(`UPDATE %s SET vt = $1, read_ct = read_ct + 1 WHERE msg_id = $2`, msgsTable(queueName))
	if _, err := tx.ExecContext(ctx, updateQuery, newVT, msgID); err != nil {
		return nil, fmt.Errorf("failed to extend visibility timeout: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit read transaction: %w", err)
	}

	var message T
	if err := json.Unmarshal(raw, &message); err != nil {
		return &Envelope[T]{MsgID: msgID}, &DecodeError{MsgID: msgID, Err: err}
	}

	return &Envelope[T]{
		MsgID:      msgID,
		EnqueuedAt: enqueuedAt,
		ReadCt:     readCt + 1,
		VT:         newVT,
		Message:    message,
	}, nil
}

// SetVisibilityTimeout resets msgID's visibility-timeout expiry to now +
// vtSeconds. Used to implement requeue-short/long/delete.
func (c *Client) SetVisibilityTimeout(ctx context.Context, queueName string, msgID int64, vtSeconds int) error {
	query := fmt.Sprintf(`UPDATE %s SET vt = $1 WHERE msg_id = $2`, msgsTable(queueName))
	newVT := time.Now().Add(time.Duration(vtSeconds) * time.Second)
	if _, err := c.db.ExecContext(ctx, query, newVT, msgID); err != nil {
		if isPoolError(err) {
			return errs.ErrConnectionPool
		}
		return fmt.Errorf("failed to set visibility timeout on %q msg %d: %w", queueName, msgID, err)
	}
	return nil
}

// Archive moves msgID from the active partition into the archive partition.
// Idempotent: archiving an already-archived or missing message is a no-op.
func (c *Client) Archive(ctx context.Context, queueName string, msgID int64) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		if isPoolError(err) {
			return errs.ErrConnectionPool
		}
		return fmt.Errorf("failed to begin archive transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (msg_id, enqueued_at, read_ct, message)
		SELECT msg_id, enqueued_at, read_ct, message FROM %s WHERE msg_id = $1
		ON CONFLICT (msg_id) DO NOTHING`, archiveTable(queueName), msgsTable(queueName))
	if _, err := tx.ExecContext(ctx, insertQuery, msgID); err != nil {
		return fmt.Errorf("failed to archive msg %d on %q: %w", msgID, queueName, err)
	}

	deleteQuery := fmt.Sprintf(`DELETE FROM %s WHERE msg_id = $1`, msgsTable(queueName))
	if _, err := tx.ExecContext(ctx, deleteQuery, msgID); err != nil {
		return fmt.Errorf("failed to remove archived msg %d from %q: %w", msgID, queueName, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit archive transaction: %w", err)
	}
	return nil
}

// Send enqueues payload onto queueName and returns its new msg_id.
func Send[T any](ctx context.Context, c *Client, queueName string, payload T) (int64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal payload for %q: %w", queueName, err)
	}

	query := fmt.Sprintf(`INSERT INTO %s (message) VALUES ($1) RETURNING msg_id`, msgsTable(queueName))
	var msgID int64
	if err := c.db.QueryRowContext(ctx, query, raw).Scan(&msgID); err != nil {
		if isPoolError(err) {
			return 0, errs.ErrConnectionPool
		}
		return 0, fmt.Errorf("failed to send to %q: %w", queueName, err)
	}
	return msgID, nil
}

// ReadInbound reads a CRUDevent from queueName. Concrete wrapper around the
// generic Read, since methods cannot introduce their own type parameters —
// this is the shape the reconciler depends on.
func (c *Client) ReadInbound(ctx context.Context, queueName string, vtSeconds int) (*Envelope[eventtypes.CRUDevent], error) {
	return Read[eventtypes.CRUDevent](ctx, c, queueName, vtSeconds)
}

// SendOutbound sends a StateToControlPlane payload to queueName.
func (c *Client) SendOutbound(ctx context.Context, queueName string, payload eventtypes.StateToControlPlane) (int64, error) {
	return Send(ctx, c, queueName, payload)
}

// ReadMetricsEvent reads an opaque metrics payload from queueName.
func (c *Client) ReadMetricsEvent(ctx context.Context, queueName string, vtSeconds int) (*Envelope[map[string]interface{}], error) {
	return Read[map[string]interface{}](ctx, c, queueName, vtSeconds)
}

func isPoolError(err error) bool {
	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) || errors.Is(err, context.DeadlineExceeded)
}
