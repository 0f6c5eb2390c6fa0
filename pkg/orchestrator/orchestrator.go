package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lodestar-ops/lodestar/pkg/agents"
	"github.com/lodestar-ops/lodestar/pkg/envelope"
	"github.com/lodestar-ops/lodestar/pkg/outbox"
	"github.com/lodestar-ops/lodestar/pkg/runtime"
)

// Agent identity on the bus. The orchestrator is a consumer like any agent:
// same runtime, same dedup discipline, same dead-letter path.
const AgentName = "orchestrator"

// Capability declares what the orchestrator consumes and emits.
func Capability() runtime.Capability {
	return runtime.Capability{
		Agent: AgentName,
		Consumes: []string{
			envelope.TopicRiskDetected,
			envelope.TopicRouteProposal,
			envelope.TopicProcurementProposal,
		},
		Emits: []string{
			envelope.TopicRecommendationCreated,
			envelope.TopicAlertCreated,
			envelope.TopicAgentFailed,
		},
	}
}

// RecommendationCreatedPayload announces a freshly synthesized
// recommendation. The governor evaluates policies against it; the bridge
// pushes it to operators.
type RecommendationCreatedPayload struct {
	RecommendationID string            `json:"recommendation_id"`
	Action           string            `json:"action"`
	Severity         envelope.Severity `json:"severity"`
	Confidence       float64           `json:"confidence"`
	ImpactUSD        float64           `json:"impact_usd"`
	RiskProbability  float64           `json:"risk_probability"`
	RequiresApproval bool              `json:"requires_approval"`
	RequiredRole     string            `json:"required_role"`
	Rationale        string            `json:"rationale"`
	Agents           []string          `json:"agents"`
	CreatedAt        time.Time         `json:"created_at"`
}

// Config tunes the orchestrator.
type Config struct {
	// Group is the dedup identity; it must match the runtime consumer
	// group so redelivery checks and flush marks agree.
	Group string

	// Debounce is how long a window stays open waiting for stragglers
	// after its first contribution.
	Debounce time.Duration

	// FlushInterval is how often due windows are closed.
	FlushInterval time.Duration

	// Expected lists agent types whose combined presence closes a window
	// before the debounce elapses.
	Expected []string

	// AlertSeverity is the threshold at or above which an
	// assessments-only window raises an alert instead of dropping.
	AlertSeverity envelope.Severity

	Synthesis SynthesisConfig
}

func (c *Config) setDefaults() {
	if c.Group == "" {
		c.Group = AgentName + ".primary"
	}
	if c.Debounce <= 0 {
		c.Debounce = 3 * time.Second
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 500 * time.Millisecond
	}
	if len(c.Expected) == 0 {
		c.Expected = []string{agents.AgentRisk, agents.AgentRoute, agents.AgentProcurement}
	}
	if !c.AlertSeverity.Valid() {
		c.AlertSeverity = envelope.SeverityHigh
	}
}

// Orchestrator debounces agent outputs per correlation and closes each
// window with one transaction: mark every contributing envelope processed,
// supersede stale open recommendations, insert the new one, stage its
// announcement. Crash-restart either replays the whole window or none of it.
type Orchestrator struct {
	cfg       Config
	db        *sql.DB
	store     *Store
	outbox    *outbox.Store
	dedup     *runtime.DedupStore
	collector *Collector
	logger    *slog.Logger
	clock     func() time.Time
}

func New(cfg Config, db *sql.DB, store *Store, ob *outbox.Store, dedup *runtime.DedupStore, logger *slog.Logger) (*Orchestrator, error) {
	cfg.setDefaults()
	if db == nil || store == nil || ob == nil || dedup == nil {
		return nil, fmt.Errorf("orchestrator: %w: db, store, outbox, and dedup store are required",
			envelope.ErrInvalid)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:       cfg,
		db:        db,
		store:     store,
		outbox:    ob,
		dedup:     dedup,
		collector: NewCollector(cfg.Expected, cfg.Debounce),
		logger:    logger.With("component", "orchestrator"),
		clock:     time.Now,
	}, nil
}

// WithClock overrides the time source for windows and flushes. Test hook.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	o.collector.WithClock(clock)
	return o
}

// Handle files one agent output into its correlation window. The delivery is
// acknowledged immediately; durability starts at window close, when every
// contributing envelope is marked processed in the same transaction as the
// recommendation. A crash between ack and close drops at most one window.
func (o *Orchestrator) Handle(ctx context.Context, env *envelope.Envelope) error {
	return o.collector.Add(env)
}

// Run closes due windows on a ticker until the context is canceled. A final
// flush on the way out drains windows that became due during shutdown.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := o.Flush(context.WithoutCancel(ctx)); err != nil {
				o.logger.Error("final flush failed", "error", err)
			}
			return ctx.Err()
		case <-ticker.C:
			if err := o.Flush(ctx); err != nil {
				o.logger.Error("flush failed", "error", err)
			}
		}
	}
}

// Flush closes every window that is due. A window whose close fails stays
// open and is retried on the next flush.
func (o *Orchestrator) Flush(ctx context.Context) error {
	return o.collector.FlushDue(func(w Window) error {
		return o.close(ctx, w)
	})
}

// Pending reports open window count.
func (o *Orchestrator) Pending() int { return o.collector.Pending() }

func (o *Orchestrator) close(ctx context.Context, w Window) error {
	syn, actionable := Synthesize(w.Contributions, o.cfg.Synthesis)
	now := o.clock().UTC()

	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("orchestrator close begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, envID := range w.EnvelopeIDs {
		err := o.dedup.MarkTx(ctx, tx, o.cfg.Group, envID)
		if err != nil && !errors.Is(err, envelope.ErrConflict) {
			return err
		}
	}

	if !actionable {
		if err := o.stageAssessmentAlert(ctx, tx, w, syn); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("orchestrator close commit: %w", err)
		}
		o.logger.Info("window closed without proposal",
			"correlation_id", w.CorrelationID, "severity", syn.Severity,
			"contributions", len(w.Contributions))
		return nil
	}

	rec := &Recommendation{
		ID:               uuid.NewString(),
		CorrelationID:    w.CorrelationID,
		WorkspaceID:      w.WorkspaceID,
		Action:           syn.Action,
		Status:           StatusProposed,
		Severity:         syn.Severity,
		Confidence:       syn.Confidence,
		ImpactUSD:        syn.ImpactUSD,
		RiskProbability:  syn.RiskProbability,
		RequiresApproval: syn.RequiresApproval,
		RequiredRole:     syn.RequiredRole,
		Rationale:        syn.Rationale,
		Contributions:    w.Contributions,
		CreatedAt:        now,
	}

	// Newer analysis wins: any undecided recommendation for this
	// correlation is retired before the replacement lands.
	stale, err := o.store.OpenByCorrelationTx(ctx, tx, w.CorrelationID, rec.ID)
	if err != nil {
		return err
	}
	for _, id := range stale {
		if err := o.store.SupersedeTx(ctx, tx, id, now); err != nil {
			return err
		}
	}
	if err := o.store.InsertTx(ctx, tx, rec); err != nil {
		return err
	}

	agentTypes := make([]string, 0, len(w.Contributions))
	for _, c := range w.Contributions {
		agentTypes = append(agentTypes, c.AgentType)
	}
	recEnv, err := envelope.New(envelope.TopicRecommendationCreated, w.CorrelationID, w.WorkspaceID,
		RecommendationCreatedPayload{
			RecommendationID: rec.ID,
			Action:           string(rec.Action),
			Severity:         rec.Severity,
			Confidence:       rec.Confidence,
			ImpactUSD:        rec.ImpactUSD,
			RiskProbability:  rec.RiskProbability,
			RequiresApproval: rec.RequiresApproval,
			RequiredRole:     rec.RequiredRole,
			Rationale:        rec.Rationale,
			Agents:           agentTypes,
			CreatedAt:        rec.CreatedAt,
		})
	if err != nil {
		return err
	}
	if err := o.outbox.Append(ctx, tx, w.CorrelationID, AgentName, recEnv.Type, recEnv); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("orchestrator close commit: %w", err)
	}

	o.logger.Info("recommendation created",
		"recommendation_id", rec.ID, "correlation_id", w.CorrelationID,
		"action", rec.Action, "severity", rec.Severity,
		"confidence", rec.Confidence, "requires_approval", rec.RequiresApproval,
		"superseded", len(stale), "window_complete", w.Complete)
	return nil
}

// stageAssessmentAlert surfaces an assessments-only window when the graded
// severity warrants operator attention. Low-stakes windows drop silently.
func (o *Orchestrator) stageAssessmentAlert(ctx context.Context, tx *sql.Tx, w Window, syn Synthesis) error {
	if !syn.Severity.AtLeast(o.cfg.AlertSeverity) {
		return nil
	}
	alert, err := envelope.New(envelope.TopicAlertCreated, w.CorrelationID, w.WorkspaceID,
		envelope.AlertPayload{
			Kind:     envelope.AlertKindRiskAssessment,
			Severity: syn.Severity,
			Message: fmt.Sprintf("%s risk assessed with no actionable proposal (p=%.2f, exposure $%.0f)",
				syn.Severity, syn.RiskProbability, syn.ImpactUSD),
			Source: AgentName,
		})
	if err != nil {
		return err
	}
	return o.outbox.Append(ctx, tx, w.CorrelationID, AgentName, alert.Type, alert)
}
