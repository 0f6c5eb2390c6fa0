package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// ArchiveStore is the store-facing half the archiver needs.
type ArchiveStore interface {
	PublishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Record, error)
	Delete(ctx context.Context, ids []string) error
}

// ArchiverConfig bounds the archival sweep.
type ArchiverConfig struct {
	Retention time.Duration // published rows older than this are archived
	BatchSize int
	Interval  time.Duration
}

func (c *ArchiverConfig) setDefaults() {
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
}

// archivedRecord is one JSONL line in an archive object.
type archivedRecord struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	Stream        string          `json:"stream"`
	Envelope      json.RawMessage `json:"envelope"`
	CreatedAt     time.Time       `json:"created_at"`
	PublishedAt   *time.Time      `json:"published_at,omitempty"`
}

// Archiver moves published records past the retention window into object
// storage, then deletes the rows. Object writes happen before deletes, so a
// crash mid-sweep re-archives idempotently (content-addressed keys).
type Archiver struct {
	store   ArchiveStore
	objects ObjectStore
	cfg     ArchiverConfig
	logger  *slog.Logger
	clock   func() time.Time
}

func NewArchiver(store ArchiveStore, objects ObjectStore, cfg ArchiverConfig, logger *slog.Logger) *Archiver {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		store:   store,
		objects: objects,
		cfg:     cfg,
		logger:  logger.With("component", "outbox_archiver"),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (a *Archiver) WithClock(clock func() time.Time) *Archiver {
	a.clock = clock
	return a
}

// Run sweeps on the configured interval until the context is canceled.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := a.Sweep(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				a.logger.Error("archive sweep failed", "error", err)
			} else if n > 0 {
				a.logger.Info("archived outbox records", "count", n)
			}
		}
	}
}

// Sweep archives one batch and returns how many rows it moved.
func (a *Archiver) Sweep(ctx context.Context) (int, error) {
	cutoff := a.clock().Add(-a.cfg.Retention)
	records, err := a.store.PublishedBefore(ctx, cutoff, a.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("archive select: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		raw, err := json.Marshal(rec.Envelope)
		if err != nil {
			return 0, fmt.Errorf("archive envelope %s: %w", rec.ID, err)
		}
		line := archivedRecord{
			ID:            rec.ID,
			AggregateID:   rec.AggregateID,
			AggregateType: rec.AggregateType,
			Stream:        rec.Stream,
			Envelope:      raw,
			CreatedAt:     rec.CreatedAt,
			PublishedAt:   rec.PublishedAt,
		}
		if err := enc.Encode(line); err != nil {
			return 0, fmt.Errorf("archive encode %s: %w", rec.ID, err)
		}
		ids = append(ids, rec.ID)
	}

	key, err := a.objects.Put(ctx, buf.Bytes())
	if err != nil {
		return 0, fmt.Errorf("archive put: %w", err)
	}
	if err := a.store.Delete(ctx, ids); err != nil {
		return 0, fmt.Errorf("archive delete after put %s: %w", key, err)
	}

	a.logger.Debug("archive batch written", "key", key, "records", len(ids))
	return len(ids), nil
}
