package agents

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/lodestar-ops/lodestar/pkg/envelope"
	"github.com/lodestar-ops/lodestar/pkg/outbox"
	"github.com/lodestar-ops/lodestar/pkg/runtime"
)

// KPI metric names.
const (
	MetricShipmentsDelivered  = "shipments_delivered"
	MetricShipmentsDelayed    = "shipments_delayed"
	MetricOnTimeRate          = "on_time_rate"
	MetricDecisionsApproved   = "decisions_approved"
	MetricDecisionsAutonomous = "decisions_autonomous"
	MetricApprovedImpactUSD   = "approved_impact_usd"
)

// KPIStore holds append-only KPI snapshots. Readers take the latest row per
// (workspace, metric); history stays queryable for trend views.
type KPIStore struct {
	db *sql.DB
}

func NewKPIStore(db *sql.DB) *KPIStore {
	return &KPIStore{db: db}
}

var kpiSchema = []string{
	`CREATE TABLE IF NOT EXISTS kpi_snapshots (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		metric TEXT NOT NULL,
		value DOUBLE PRECISION NOT NULL,
		seq INTEGER NOT NULL,
		computed_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_kpi_metric ON kpi_snapshots (workspace_id, metric, seq)`,
}

func (s *KPIStore) Init(ctx context.Context) error {
	for _, stmt := range kpiSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("kpi schema: %w", err)
		}
	}
	return nil
}

// LatestTx reads the newest snapshot of a metric inside the caller's
// transaction, 0 when none exists.
func (s *KPIStore) LatestTx(ctx context.Context, tx *sql.Tx, workspaceID, metric string) (float64, error) {
	var value float64
	err := tx.QueryRowContext(ctx,
		`SELECT value FROM kpi_snapshots WHERE workspace_id = $1 AND metric = $2
		 ORDER BY seq DESC LIMIT 1`,
		workspaceID, metric,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("kpi latest %s: %w", metric, err)
	}
	return value, nil
}

// Latest is the non-transactional read used by dashboards and tests.
func (s *KPIStore) Latest(ctx context.Context, workspaceID, metric string) (float64, error) {
	var value float64
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kpi_snapshots WHERE workspace_id = $1 AND metric = $2
		 ORDER BY seq DESC LIMIT 1`,
		workspaceID, metric,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("kpi latest %s: %w", metric, err)
	}
	return value, nil
}

// AppendTx writes a new snapshot. seq orders snapshots within a metric; the
// analytics agent is the single writer so a read-increment is safe.
func (s *KPIStore) AppendTx(ctx context.Context, tx *sql.Tx, workspaceID, metric string, value float64, at time.Time) error {
	var seq int64
	err := tx.QueryRowContext(ctx,
		`SELECT seq FROM kpi_snapshots WHERE workspace_id = $1 AND metric = $2
		 ORDER BY seq DESC LIMIT 1`,
		workspaceID, metric,
	).Scan(&seq)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("kpi seq %s: %w", metric, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO kpi_snapshots (id, workspace_id, metric, value, seq, computed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.NewString(), workspaceID, metric, value, seq+1, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("kpi append %s: %w", metric, err)
	}
	return nil
}

// AnalyticsAgent projects the event stream into KPI snapshots. Each handled
// envelope updates its metrics, marks the dedup pair, and stages the
// kpi.updated emission in one transaction, so the projection is exactly-once
// even though delivery is at-least-once.
type AnalyticsAgent struct {
	db     *sql.DB
	kpis   *KPIStore
	outbox *outbox.Store
	dedup  *runtime.DedupStore
	group  string
	logger *slog.Logger
	clock  func() time.Time
}

func NewAnalyticsAgent(db *sql.DB, kpis *KPIStore, ob *outbox.Store, dedup *runtime.DedupStore, group string, logger *slog.Logger) *AnalyticsAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnalyticsAgent{
		db:     db,
		kpis:   kpis,
		outbox: ob,
		dedup:  dedup,
		group:  group,
		logger: logger.With("component", AgentAnalytics),
		clock:  time.Now,
	}
}

func (a *AnalyticsAgent) WithClock(clock func() time.Time) *AnalyticsAgent {
	a.clock = clock
	return a
}

func (a *AnalyticsAgent) Handle(ctx context.Context, env *envelope.Envelope) error {
	deltas, err := a.deltas(env)
	if err != nil {
		return err
	}
	if len(deltas) == 0 {
		return nil
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("analytics begin: %w", err)
	}
	defer tx.Rollback()

	// Marking inside the transaction makes the whole projection idempotent:
	// a redelivery conflicts here and changes nothing.
	if err := a.dedup.MarkTx(ctx, tx, a.group, env.ID); err != nil {
		return err
	}

	now := a.clock().UTC()
	metrics := make(map[string]float64, len(deltas)+1)
	names := make([]string, 0, len(deltas))
	for name := range deltas {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		current, err := a.kpis.LatestTx(ctx, tx, env.WorkspaceID, name)
		if err != nil {
			return err
		}
		next := current + deltas[name]
		if err := a.kpis.AppendTx(ctx, tx, env.WorkspaceID, name, next, now); err != nil {
			return err
		}
		metrics[name] = next
	}

	_, deliveredTouched := deltas[MetricShipmentsDelivered]
	_, delayedTouched := deltas[MetricShipmentsDelayed]
	if deliveredTouched || delayedTouched {
		delivered, err := a.kpis.LatestTx(ctx, tx, env.WorkspaceID, MetricShipmentsDelivered)
		if err != nil {
			return err
		}
		delayed, err := a.kpis.LatestTx(ctx, tx, env.WorkspaceID, MetricShipmentsDelayed)
		if err != nil {
			return err
		}
		if total := delivered + delayed; total > 0 {
			rate := delivered / total
			if err := a.kpis.AppendTx(ctx, tx, env.WorkspaceID, MetricOnTimeRate, rate, now); err != nil {
				return err
			}
			metrics[MetricOnTimeRate] = rate
		}
	}

	out, err := envelope.NewDerived(envelope.TopicKPIUpdated, env, AgentAnalytics, KPIUpdatedPayload{
		Metrics:    metrics,
		ComputedAt: now,
	})
	if err != nil {
		return err
	}
	if err := a.outbox.Append(ctx, tx, env.CorrelationID, a.group, envelope.TopicKPIUpdated, out); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("analytics commit: %w", err)
	}
	a.logger.Info("kpis updated", "metrics", names, "correlation", env.CorrelationID)
	return nil
}

// deltas maps an event to metric increments. Events outside the projection
// return an empty map and are acknowledged untouched.
func (a *AnalyticsAgent) deltas(env *envelope.Envelope) (map[string]float64, error) {
	switch env.Type {
	case envelope.TopicShipmentUpdated:
		var p ShipmentUpdatedPayload
		if err := env.UnmarshalPayload(&p); err != nil {
			return nil, err
		}
		switch p.Status {
		case "delivered":
			return map[string]float64{MetricShipmentsDelivered: 1}, nil
		case "delayed":
			return map[string]float64{MetricShipmentsDelayed: 1}, nil
		}
		return nil, nil
	case envelope.TopicApprovalCompleted:
		var p envelope.ApprovalCompletedPayload
		if err := env.UnmarshalPayload(&p); err != nil {
			return nil, err
		}
		out := map[string]float64{
			MetricDecisionsApproved: 1,
			MetricApprovedImpactUSD: p.ImpactUSD,
		}
		if p.Autonomous {
			out[MetricDecisionsAutonomous] = 1
		}
		return out, nil
	}
	return nil, nil
}
