package outbox

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lodestar-ops/lodestar/pkg/envelope"
)

// Emitter stages a single envelope in its own transaction. Components whose
// emission is not attached to a larger business mutation (agent outputs,
// runtime diagnostics) emit through this so the relay still owns publishing.
type Emitter struct {
	db     *sql.DB
	store  *Store
	source string
}

// NewEmitter names the emitting component; the name lands in the outbox
// row's aggregate_type for audit queries.
func NewEmitter(db *sql.DB, store *Store, source string) *Emitter {
	return &Emitter{db: db, store: store, source: source}
}

// Emit appends and commits one envelope. A duplicate envelope id returns
// ErrConflict with nothing written.
func (e *Emitter) Emit(ctx context.Context, env *envelope.Envelope) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("emit begin: %w", err)
	}
	if err := e.store.Append(ctx, tx, env.CorrelationID, e.source, env.Type, env); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("emit commit: %w", err)
	}
	return nil
}
