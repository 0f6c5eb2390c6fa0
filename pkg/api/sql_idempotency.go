package api

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// SQLIdempotencyStore persists idempotency entries so replay protection
// survives process restarts.
type SQLIdempotencyStore struct {
	db     *sql.DB
	ttl    time.Duration
	logger *slog.Logger
}

// NewSQLIdempotencyStore creates a SQL-backed idempotency store.
func NewSQLIdempotencyStore(db *sql.DB, ttl time.Duration, logger *slog.Logger) *SQLIdempotencyStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLIdempotencyStore{db: db, ttl: ttl, logger: logger}
}

func (s *SQLIdempotencyStore) Init(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS idempotency_keys (
			cache_key TEXT PRIMARY KEY,
			status_code INTEGER NOT NULL,
			content_type TEXT NOT NULL DEFAULT 'application/json',
			body TEXT NOT NULL,
			cached_at TIMESTAMP NOT NULL
		)`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("idempotency schema: %w", err)
	}
	return nil
}

// Check returns the cached response for the key when present and within TTL.
// Expired rows are deleted on read.
func (s *SQLIdempotencyStore) Check(ctx context.Context, key string) (*cachedResponse, bool) {
	var (
		statusCode  int
		contentType string
		body        string
		cachedAt    time.Time
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status_code, content_type, body, cached_at FROM idempotency_keys WHERE cache_key = $1`,
		key,
	).Scan(&statusCode, &contentType, &body, &cachedAt)
	if err != nil {
		return nil, false
	}

	if time.Since(cachedAt) > s.ttl {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE cache_key = $1`, key)
		return nil, false
	}

	return &cachedResponse{
		StatusCode:  statusCode,
		ContentType: contentType,
		Body:        []byte(body),
		CachedAt:    cachedAt,
	}, true
}

// Set stores a response. Failures are logged, not surfaced: losing an entry
// costs a duplicate decision attempt, which the governor's row guards absorb.
func (s *SQLIdempotencyStore) Set(ctx context.Context, key string, statusCode int, contentType string, body []byte) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (cache_key, status_code, content_type, body, cached_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (cache_key) DO NOTHING`,
		key, statusCode, contentType, string(body), time.Now().UTC(),
	)
	if err != nil {
		s.logger.Warn("idempotency set failed", "error", err)
	}
}

// Cleanup removes entries older than the TTL.
func (s *SQLIdempotencyStore) Cleanup(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE cached_at < $1`,
		time.Now().UTC().Add(-s.ttl),
	)
	if err != nil {
		return fmt.Errorf("idempotency cleanup: %w", err)
	}
	return nil
}
