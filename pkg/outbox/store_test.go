package outbox

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/lodestar-ops/lodestar/pkg/envelope"
)

func setupOutbox(t *testing.T) (*sql.DB, *Store) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store := NewStore(db)
	require.NoError(t, store.Init(context.Background()))
	return db, store
}

func mustEnvelope(t *testing.T, eventType, correlationID string, producedAt time.Time) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(eventType, correlationID, "ws-test", map[string]any{
		"shipment_id": correlationID,
		"status":      "delayed",
	})
	require.NoError(t, err)
	env.ProducedAt = producedAt.UTC()
	return env
}

func stage(t *testing.T, db *sql.DB, store *Store, env *envelope.Envelope) {
	t.Helper()
	ctx := context.Background()
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, tx, env.CorrelationID, "test", env.Type, env))
	require.NoError(t, tx.Commit())
}

var testStart = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

// The append must ride the caller's transaction: same Begin, no commit of its
// own. sqlmock fails the test if Append touches the connection any other way.
func TestAppendJoinsCallerTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	env := mustEnvelope(t, envelope.TopicShipmentUpdated, "SHIP-7", testStart)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO outbox`).
		WithArgs(env.ID, "SHIP-7", "ingest", envelope.TopicShipmentUpdated, sqlmock.AnyArg(), env.ProducedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	ctx := context.Background()
	store := NewStore(db)
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, tx, "SHIP-7", "ingest", envelope.TopicShipmentUpdated, env))
	require.NoError(t, tx.Rollback())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRollbackDiscardsStagedEnvelope(t *testing.T) {
	db, store := setupOutbox(t)
	ctx := context.Background()

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	env := mustEnvelope(t, envelope.TopicShipmentUpdated, "SHIP-1", testStart)
	require.NoError(t, store.Append(ctx, tx, env.CorrelationID, "test", env.Type, env))
	require.NoError(t, tx.Rollback())

	pending, err := store.Pending(ctx, 10, 3)
	require.NoError(t, err)
	assert.Empty(t, pending, "a rolled-back business transaction leaves no envelope behind")
}

func TestEmitterConflictsOnDuplicate(t *testing.T) {
	db, store := setupOutbox(t)
	ctx := context.Background()
	emitter := NewEmitter(db, store, "risk_predictor")

	env := mustEnvelope(t, envelope.TopicRiskDetected, "SHIP-2", testStart)
	require.NoError(t, emitter.Emit(ctx, env))

	err := emitter.Emit(ctx, env)
	require.ErrorIs(t, err, envelope.ErrConflict)

	pending, err := store.Pending(ctx, 10, 3)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "risk_predictor", pending[0].AggregateType)
}

func TestPendingOrdersOldestFirstAndHonorsRetryCap(t *testing.T) {
	db, store := setupOutbox(t)
	ctx := context.Background()

	first := mustEnvelope(t, envelope.TopicShipmentUpdated, "SHIP-3", testStart)
	second := mustEnvelope(t, envelope.TopicShipmentUpdated, "SHIP-3", testStart.Add(time.Second))
	third := mustEnvelope(t, envelope.TopicShipmentUpdated, "SHIP-3", testStart.Add(2*time.Second))
	stage(t, db, store, first)
	stage(t, db, store, third)
	stage(t, db, store, second)

	batch, err := store.Pending(ctx, 2, 3)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, first.ID, batch[0].ID)
	assert.Equal(t, second.ID, batch[1].ID)

	// Burn the first record's retries; it drops out of the batch.
	for i := 0; i < 3; i++ {
		require.NoError(t, store.MarkFailed(ctx, first.ID, "bus unavailable"))
	}
	batch, err = store.Pending(ctx, 10, 3)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, second.ID, batch[0].ID)
	assert.Equal(t, third.ID, batch[1].ID)

	exhausted, err := store.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, exhausted.Status)
	assert.Equal(t, 3, exhausted.RetryCount)
	assert.Equal(t, "bus unavailable", exhausted.ErrorMessage)
}

func TestMarkPublishedIsTerminal(t *testing.T) {
	db, store := setupOutbox(t)
	ctx := context.Background()

	env := mustEnvelope(t, envelope.TopicShipmentUpdated, "SHIP-4", testStart)
	stage(t, db, store, env)
	require.NoError(t, store.MarkPublished(ctx, env.ID, testStart.Add(time.Minute)))

	pending, err := store.Pending(ctx, 10, 3)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// A late failure report must not resurrect a published row.
	require.NoError(t, store.MarkFailed(ctx, env.ID, "late error"))
	rec, err := store.Get(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPublished, rec.Status)
	assert.Empty(t, rec.ErrorMessage)
	require.NotNil(t, rec.PublishedAt)
	assert.True(t, rec.PublishedAt.Equal(testStart.Add(time.Minute)))
}

func TestGetMissingRecord(t *testing.T) {
	_, store := setupOutbox(t)
	_, err := store.Get(context.Background(), "nope")
	require.ErrorIs(t, err, envelope.ErrNotFound)
}

func TestStuckPendingCountsUnpublishedRows(t *testing.T) {
	db, store := setupOutbox(t)
	ctx := context.Background()

	old := mustEnvelope(t, envelope.TopicShipmentUpdated, "SHIP-5", testStart.Add(-10*time.Minute))
	fresh := mustEnvelope(t, envelope.TopicShipmentUpdated, "SHIP-6", testStart)
	stage(t, db, store, old)
	stage(t, db, store, fresh)

	n, err := store.StuckPending(ctx, testStart.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, store.MarkPublished(ctx, old.ID, testStart))
	n, err = store.StuckPending(ctx, testStart.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)
}
