package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lodestar-ops/lodestar/pkg/envelope"
)

// Publisher is the bus-facing half the relay needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, env *envelope.Envelope) error
}

// RelayStore is the store-facing half the relay needs.
type RelayStore interface {
	Pending(ctx context.Context, limit, retryCap int) ([]*Record, error)
	MarkPublished(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id, message string) error
	StuckPending(ctx context.Context, olderThan time.Time) (int, error)
}

// RelayConfig bounds the polling loop. BatchSize is the single safety valve
// against unbounded catch-up floods after an outage.
type RelayConfig struct {
	Interval   time.Duration
	BatchSize  int
	RetryCap   int
	StuckAfter time.Duration
}

func (c *RelayConfig) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = 500 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.RetryCap <= 0 {
		c.RetryCap = 10
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = 5 * time.Minute
	}
}

// Relay polls the store and publishes staged envelopes to the bus in
// created_at order. A crash between publish and the status flip republishes
// the record on restart: at-least-once, consumers dedupe.
type Relay struct {
	store  RelayStore
	bus    Publisher
	cfg    RelayConfig
	logger *slog.Logger
	clock  func() time.Time
}

func NewRelay(store RelayStore, bus Publisher, cfg RelayConfig, logger *slog.Logger) *Relay {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		store:  store,
		bus:    bus,
		cfg:    cfg,
		logger: logger.With("component", "outbox_relay"),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *Relay) WithClock(clock func() time.Time) *Relay {
	r.clock = clock
	return r
}

// Run polls until the context is canceled. A sweep error pauses only this
// relay's cycle; it never crashes the worker.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one relay pass and returns the number of records published.
// Publishing stays in created_at order so per-correlation ordering survives
// the trip through the bus.
func (r *Relay) Sweep(ctx context.Context) (int, error) {
	records, err := r.store.Pending(ctx, r.cfg.BatchSize, r.cfg.RetryCap)
	if err != nil {
		return 0, fmt.Errorf("relay pending: %w", err)
	}

	published := 0
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return published, err
		}
		if err := r.bus.Publish(ctx, rec.Stream, rec.Envelope); err != nil {
			r.logger.Warn("publish failed",
				"envelope_id", rec.ID,
				"stream", rec.Stream,
				"retry_count", rec.RetryCount,
				"error", err)
			if merr := r.store.MarkFailed(ctx, rec.ID, err.Error()); merr != nil {
				r.logger.Error("mark failed errored", "envelope_id", rec.ID, "error", merr)
			}
			continue
		}
		if err := r.store.MarkPublished(ctx, rec.ID, r.clock().UTC()); err != nil {
			// The envelope is on the bus; the row will republish next
			// sweep and consumers dedupe.
			r.logger.Error("mark published errored", "envelope_id", rec.ID, "error", err)
			continue
		}
		published++
	}

	if published > 0 {
		r.logger.Debug("sweep complete", "published", published)
	}
	return published, nil
}

// Health reports rows stuck unpublished past the configured threshold.
func (r *Relay) Health(ctx context.Context) (int, error) {
	return r.store.StuckPending(ctx, r.clock().Add(-r.cfg.StuckAfter))
}
