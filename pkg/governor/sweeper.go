package governor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/lodestar-ops/lodestar/pkg/envelope"
	"github.com/lodestar-ops/lodestar/pkg/orchestrator"
)

// Sweeper drives the time-based transitions: waking due deferrals and
// expiring recommendations past their SLA deadline. It holds no state of its
// own; every pass re-reads the store, so concurrent sweepers are safe and
// the transition guards ensure each wake or expiry happens once.
type Sweeper struct {
	gov      *Governor
	interval time.Duration
	batch    int
	logger   *slog.Logger
}

func NewSweeper(gov *Governor, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		gov:      gov,
		interval: interval,
		batch:    256,
		logger:   logger.With("component", "sweeper"),
	}
}

// Run sweeps on a fixed interval until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one pass. Wakes run before expiries so a deferral whose wake
// time and deadline have both passed becomes decidable and then expires in
// the same pass instead of lingering a tick. Each recommendation gets its
// own transaction; one failure never blocks the rest.
func (s *Sweeper) Sweep(ctx context.Context) (woken, expired int, err error) {
	now := s.gov.clock().UTC()

	due, err := s.gov.recs.DueForWake(ctx, now, s.batch)
	if err != nil {
		return 0, 0, err
	}
	for _, rec := range due {
		if err := s.gov.Wake(ctx, rec.ID); err != nil {
			if errors.Is(err, envelope.ErrConflict) || errors.Is(err, envelope.ErrNotFound) {
				continue
			}
			s.logger.Error("wake failed", "recommendation_id", rec.ID, "error", err)
			continue
		}
		woken++
	}

	undecided, err := s.gov.recs.ListUndecided(ctx, s.batch)
	if err != nil {
		return woken, 0, err
	}
	for _, rec := range undecided {
		// Deferred rows wake at their capped wake time first; expiring
		// them here would skip that transition.
		if rec.Status == orchestrator.StatusDeferred {
			continue
		}
		if !now.After(s.gov.Deadline(rec)) {
			continue
		}
		if err := s.gov.Expire(ctx, rec); err != nil {
			if errors.Is(err, envelope.ErrConflict) || errors.Is(err, envelope.ErrNotFound) {
				continue
			}
			s.logger.Error("expire failed", "recommendation_id", rec.ID, "error", err)
			continue
		}
		expired++
	}

	if woken > 0 || expired > 0 {
		s.logger.Info("sweep complete", "woken", woken, "expired", expired)
	}
	return woken, expired, nil
}
