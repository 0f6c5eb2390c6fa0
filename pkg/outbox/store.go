// Package outbox implements the transactional outbox: envelopes are staged
// in the same database transaction as the business mutation that produced
// them, then published to the event bus by a polling relay. Published rows
// past the retention window are archived to object storage.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lodestar-ops/lodestar/pkg/envelope"
)

// Record status values. A record moves pending → published exactly once
// under normal operation and is never unpublished. failed marks a publish
// attempt that errored; failed rows below the retry cap stay eligible.
const (
	StatusPending   = "pending"
	StatusPublished = "published"
	StatusFailed    = "failed"
)

// Record is one staged envelope plus its publication bookkeeping.
type Record struct {
	ID            string
	AggregateID   string
	AggregateType string
	Stream        string
	Envelope      *envelope.Envelope
	Status        string
	CreatedAt     time.Time
	PublishedAt   *time.Time
	RetryCount    int
	ErrorMessage  string
}

// Store persists outbox records. SQL is portable across Postgres and SQLite:
// $1 placeholders, timestamps passed from Go, no server-side time functions.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

var outboxSchema = []string{
	`CREATE TABLE IF NOT EXISTS outbox (
		id TEXT PRIMARY KEY,
		aggregate_id TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		stream TEXT NOT NULL,
		envelope TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		published_at TIMESTAMP,
		retry_count INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_status_created ON outbox (status, created_at)`,
}

func (s *Store) Init(ctx context.Context) error {
	for _, stmt := range outboxSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("outbox schema: %w", err)
		}
	}
	return nil
}

// Append stages an envelope inside the caller's transaction. The insert
// commits or rolls back with the business mutation — this is the whole
// point of the outbox. A duplicate envelope id returns ErrConflict.
func (s *Store) Append(ctx context.Context, tx *sql.Tx, aggregateID, aggregateType, stream string, env *envelope.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("outbox envelope marshal: %w", err)
	}

	query := `
		INSERT INTO outbox (id, aggregate_id, aggregate_type, stream, envelope, status, created_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6)
		ON CONFLICT (id) DO NOTHING
	`
	res, err := tx.ExecContext(ctx, query,
		env.ID, aggregateID, aggregateType, stream, string(raw), env.ProducedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("outbox append: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("outbox append rows: %w", err)
	}
	if rows == 0 {
		return envelope.Conflictf("outbox append: envelope %s already staged", env.ID)
	}
	return nil
}

// Pending returns publishable records oldest first: pending rows plus failed
// rows that have not exhausted the retry cap.
func (s *Store) Pending(ctx context.Context, limit, retryCap int) ([]*Record, error) {
	query := `
		SELECT id, aggregate_id, aggregate_type, stream, envelope, status, created_at, published_at, retry_count, error_message
		FROM outbox
		WHERE status = 'pending' OR (status = 'failed' AND retry_count < $1)
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, retryCap, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox pending: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

// MarkPublished flips a record to published. The guard keeps republish
// idempotent: a row already published stays published.
func (s *Store) MarkPublished(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE outbox SET status = 'published', published_at = $1, error_message = ''
		WHERE id = $2 AND status <> 'published'
	`
	_, err := s.db.ExecContext(ctx, query, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("outbox mark published: %w", err)
	}
	return nil
}

// MarkFailed records a publish error and burns one retry. The row stays
// eligible for the relay until the retry cap.
func (s *Store) MarkFailed(ctx context.Context, id, message string) error {
	query := `
		UPDATE outbox SET status = 'failed', retry_count = retry_count + 1, error_message = $1
		WHERE id = $2 AND status <> 'published'
	`
	_, err := s.db.ExecContext(ctx, query, message, id)
	if err != nil {
		return fmt.Errorf("outbox mark failed: %w", err)
	}
	return nil
}

// StuckPending counts rows that have sat unpublished past olderThan. This is
// a health signal, not a retry trigger.
func (s *Store) StuckPending(ctx context.Context, olderThan time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM outbox WHERE status <> 'published' AND created_at < $1`
	var n int
	if err := s.db.QueryRowContext(ctx, query, olderThan.UTC()).Scan(&n); err != nil {
		return 0, fmt.Errorf("outbox stuck pending: %w", err)
	}
	return n, nil
}

// PublishedBefore returns published records older than cutoff, oldest first,
// for archival.
func (s *Store) PublishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Record, error) {
	query := `
		SELECT id, aggregate_id, aggregate_type, stream, envelope, status, created_at, published_at, retry_count, error_message
		FROM outbox
		WHERE status = 'published' AND published_at < $1
		ORDER BY published_at ASC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("outbox published before: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

// Delete removes records by id, all or nothing.
func (s *Store) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("outbox delete begin: %w", err)
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE id = $1`, id); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("outbox delete %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("outbox delete commit: %w", err)
	}
	return nil
}

// Get returns one record by envelope id.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	query := `
		SELECT id, aggregate_id, aggregate_type, stream, envelope, status, created_at, published_at, retry_count, error_message
		FROM outbox WHERE id = $1
	`
	row := s.db.QueryRowContext(ctx, query, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, envelope.ErrNotFound
		}
		return nil, fmt.Errorf("outbox get: %w", err)
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var raw []byte
	var publishedAt sql.NullTime
	if err := row.Scan(
		&rec.ID, &rec.AggregateID, &rec.AggregateType, &rec.Stream, &raw,
		&rec.Status, &rec.CreatedAt, &publishedAt, &rec.RetryCount, &rec.ErrorMessage,
	); err != nil {
		return nil, err
	}
	var env envelope.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("corrupt envelope in outbox record %s: %w", rec.ID, err)
	}
	rec.Envelope = &env
	if publishedAt.Valid {
		t := publishedAt.Time
		rec.PublishedAt = &t
	}
	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	//nolint:prealloc // result count unknown from SQL query
	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
