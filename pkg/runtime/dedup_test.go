package runtime

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lodestar-ops/lodestar/pkg/envelope"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDedupMarkAndSeen(t *testing.T) {
	ctx := context.Background()
	store := NewDedupStore(setupTestDB(t))
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	seen, err := store.Seen(ctx, "risk_predictor.primary", "env-1")
	if err != nil {
		t.Fatalf("seen: %v", err)
	}
	if seen {
		t.Fatal("unmarked envelope reported seen")
	}

	first, err := store.Mark(ctx, "risk_predictor.primary", "env-1")
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	if !first {
		t.Fatal("first mark reported duplicate")
	}

	second, err := store.Mark(ctx, "risk_predictor.primary", "env-1")
	if err != nil {
		t.Fatalf("mark again: %v", err)
	}
	if second {
		t.Fatal("second mark not reported as duplicate")
	}

	seen, err = store.Seen(ctx, "risk_predictor.primary", "env-1")
	if err != nil {
		t.Fatalf("seen after mark: %v", err)
	}
	if !seen {
		t.Fatal("marked envelope not reported seen")
	}

	// Same envelope, different agent: independent.
	seen, err = store.Seen(ctx, "route_optimizer.primary", "env-1")
	if err != nil {
		t.Fatalf("seen other agent: %v", err)
	}
	if seen {
		t.Fatal("mark leaked across agents")
	}
}

func TestDedupMarkTxConflictsOnDuplicate(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	store := NewDedupStore(db)
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := store.MarkTx(ctx, tx, "orchestrator.primary", "env-9"); err != nil {
		t.Fatalf("first mark: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx, err = db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin second: %v", err)
	}
	err = store.MarkTx(ctx, tx, "orchestrator.primary", "env-9")
	if !errors.Is(err, envelope.ErrConflict) {
		t.Fatalf("duplicate mark: got %v, want ErrConflict", err)
	}
	tx.Rollback()
}

func TestDedupMarkTxRollsBackWithTransaction(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	store := NewDedupStore(db)
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := store.MarkTx(ctx, tx, "governor.primary", "env-5"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	tx.Rollback()

	seen, err := store.Seen(ctx, "governor.primary", "env-5")
	if err != nil {
		t.Fatalf("seen: %v", err)
	}
	if seen {
		t.Fatal("rolled-back mark still visible")
	}
}

func TestDedupPrune(t *testing.T) {
	ctx := context.Background()
	store := NewDedupStore(setupTestDB(t))
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := store.Mark(ctx, "bridge.primary", "env-old"); err != nil {
		t.Fatalf("mark: %v", err)
	}

	n, err := store.Prune(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d rows, want 1", n)
	}

	seen, err := store.Seen(ctx, "bridge.primary", "env-old")
	if err != nil {
		t.Fatalf("seen: %v", err)
	}
	if seen {
		t.Fatal("pruned marker still visible")
	}
}
