package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"

	"github.com/lodestar-ops/lodestar/pkg/config"
	"github.com/lodestar-ops/lodestar/pkg/governor"
	"github.com/lodestar-ops/lodestar/pkg/outbox"
	"github.com/lodestar-ops/lodestar/pkg/runtime"
)

// instanceRole names this process's consumer-group role. Every worker in one
// process shares it, so a second process with a different role consumes the
// streams independently.
const instanceRole = "primary"

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func openDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	driver := cfg.DBDriver
	if driver == "" {
		driver = "sqlite"
	}
	db, err := sql.Open(driver, cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// sqlite serializes writers; a single connection avoids
		// SQLITE_BUSY under concurrent workers.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return db, nil
}

func registerAll(rt *runtime.Runtime, topics []string, h runtime.Handler) error {
	for _, topic := range topics {
		if err := rt.Register(topic, h); err != nil {
			return err
		}
	}
	return nil
}

func loadPack(cfg config.Config) (*governor.Pack, error) {
	if cfg.PolicyPackPath == "" {
		return governor.DefaultPack(), nil
	}
	return governor.LoadPack(cfg.PolicyPackPath)
}

func buildKeyring(cfg config.Config, logger *slog.Logger) (*governor.Keyring, error) {
	if cfg.ReceiptSeed == "" {
		logger.Warn("no receipt seed configured; receipts from this run will not verify after a restart")
		return governor.GenerateKeyring()
	}
	seed, err := hex.DecodeString(cfg.ReceiptSeed)
	if err != nil {
		return nil, fmt.Errorf("receipt seed: %w", err)
	}
	return governor.NewKeyring(seed)
}

func relayHealth(relay *outbox.Relay) func(context.Context) error {
	return func(ctx context.Context) error {
		stuck, err := relay.Health(ctx)
		if err != nil {
			return err
		}
		if stuck > 0 {
			return fmt.Errorf("%d envelopes stuck pending", stuck)
		}
		return nil
	}
}

// maxHealthyLag is the total consumer lag at which the bus check degrades.
const maxHealthyLag = 1000

func busHealth(rt *runtime.Runtime) func(context.Context) error {
	return func(ctx context.Context) error {
		lags, err := rt.Lag(ctx)
		if err != nil {
			return err
		}
		var total int64
		for _, lag := range lags {
			total += lag
		}
		if total > maxHealthyLag {
			return fmt.Errorf("consumer lag %d", total)
		}
		return nil
	}
}
