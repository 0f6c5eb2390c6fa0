package runtime

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lodestar-ops/lodestar/pkg/envelope"
)

// DedupStore records (agent_id, envelope_id) pairs durably so redeliveries
// are detected across restarts. Handlers with their own transaction mark the
// pair via MarkTx inside that transaction; everything else uses Mark.
type DedupStore struct {
	db *sql.DB
}

func NewDedupStore(db *sql.DB) *DedupStore {
	return &DedupStore{db: db}
}

func (s *DedupStore) Init(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS processed_envelopes (
			agent_id TEXT NOT NULL,
			envelope_id TEXT NOT NULL,
			seen_at TIMESTAMP NOT NULL,
			PRIMARY KEY (agent_id, envelope_id)
		)`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("dedup schema: %w", err)
	}
	return nil
}

// Seen reports whether the agent already processed the envelope.
func (s *DedupStore) Seen(ctx context.Context, agentID, envelopeID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM processed_envelopes WHERE agent_id = $1 AND envelope_id = $2`,
		agentID, envelopeID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup seen %s: %w", envelope.DedupKey(agentID, envelopeID), err)
	}
	return true, nil
}

// Mark records the pair in its own statement. Returns false when the pair
// was already present.
func (s *DedupStore) Mark(ctx context.Context, agentID, envelopeID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO processed_envelopes (agent_id, envelope_id, seen_at)
		 VALUES ($1, $2, $3) ON CONFLICT (agent_id, envelope_id) DO NOTHING`,
		agentID, envelopeID, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("dedup mark %s: %w", envelope.DedupKey(agentID, envelopeID), err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup mark rows: %w", err)
	}
	return rows > 0, nil
}

// MarkTx records the pair inside the caller's transaction so the
// idempotency marker commits or rolls back with the handler's own writes.
// An already-present pair returns ErrConflict.
func (s *DedupStore) MarkTx(ctx context.Context, tx *sql.Tx, agentID, envelopeID string) error {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO processed_envelopes (agent_id, envelope_id, seen_at)
		 VALUES ($1, $2, $3) ON CONFLICT (agent_id, envelope_id) DO NOTHING`,
		agentID, envelopeID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("dedup mark %s: %w", envelope.DedupKey(agentID, envelopeID), err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("dedup mark rows: %w", err)
	}
	if rows == 0 {
		return envelope.Conflictf("envelope %s already processed by %s", envelopeID, agentID)
	}
	return nil
}

// Prune deletes markers older than the cutoff. Markers only need to outlive
// the bus retention window; anything older can never be redelivered.
func (s *DedupStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_envelopes WHERE seen_at < $1`, olderThan.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("dedup prune: %w", err)
	}
	return res.RowsAffected()
}
