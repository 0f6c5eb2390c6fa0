package governor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lodestar-ops/lodestar/pkg/envelope"
	"github.com/lodestar-ops/lodestar/pkg/orchestrator"
	"github.com/lodestar-ops/lodestar/pkg/outbox"
	"github.com/lodestar-ops/lodestar/pkg/runtime"
)

const AgentName = "governor"

// System actors recorded on machine-made transitions.
const (
	ActorGovernor = "system:governor"
	ActorSLA      = "system:sla"
)

func Capability() runtime.Capability {
	return runtime.Capability{
		Agent: AgentName,
		Consumes: []string{
			envelope.TopicRecommendationCreated,
		},
		Emits: []string{
			envelope.TopicApprovalCompleted,
			envelope.TopicApprovalExpired,
			envelope.TopicAlertCreated,
			envelope.TopicAgentFailed,
		},
	}
}

// Config tunes the approval surface. SLA maps severity to the decision
// deadline measured from the recommendation's creation.
type Config struct {
	SLA map[envelope.Severity]time.Duration
}

func (c *Config) setDefaults() {
	defaults := map[envelope.Severity]time.Duration{
		envelope.SeverityCritical: 4 * time.Hour,
		envelope.SeverityHigh:     24 * time.Hour,
		envelope.SeverityMedium:   48 * time.Hour,
		envelope.SeverityLow:      72 * time.Hour,
	}
	if c.SLA == nil {
		c.SLA = make(map[envelope.Severity]time.Duration, len(defaults))
	}
	for sev, ttl := range defaults {
		if _, ok := c.SLA[sev]; !ok {
			c.SLA[sev] = ttl
		}
	}
}

// Governor owns every recommendation transition after creation. All writes
// follow the same shape: one transaction carrying the guarded status update,
// the signed receipt, and any outbox envelopes, so an observer never sees a
// decision without its audit trail or vice versa.
type Governor struct {
	cfg      Config
	db       *sql.DB
	recs     *orchestrator.Store
	receipts *ReceiptStore
	outbox   *outbox.Store
	engine   *Engine
	pack     *Pack
	keyring  *Keyring
	logger   *slog.Logger
	clock    func() time.Time
}

// New compiles the policy pack up front so a bad rule fails startup, not the
// first recommendation.
func New(cfg Config, db *sql.DB, recs *orchestrator.Store, receipts *ReceiptStore, ob *outbox.Store, pack *Pack, keyring *Keyring, logger *slog.Logger) (*Governor, error) {
	cfg.setDefaults()
	if db == nil || recs == nil || receipts == nil || ob == nil {
		return nil, fmt.Errorf("governor: %w: db, stores, and outbox are required", envelope.ErrInvalid)
	}
	if pack == nil {
		return nil, fmt.Errorf("governor: %w: policy pack is required", envelope.ErrInvalid)
	}
	if keyring == nil {
		return nil, fmt.Errorf("governor: %w: keyring is required", envelope.ErrInvalid)
	}
	if logger == nil {
		logger = slog.Default()
	}
	engine, err := NewEngine()
	if err != nil {
		return nil, err
	}
	for _, rule := range pack.Rules {
		if err := engine.Compile(rule); err != nil {
			return nil, fmt.Errorf("governor: pack %s: %w", pack.Name, err)
		}
	}
	return &Governor{
		cfg:      cfg,
		db:       db,
		recs:     recs,
		receipts: receipts,
		outbox:   ob,
		engine:   engine,
		pack:     pack,
		keyring:  keyring,
		logger:   logger.With("component", "governor"),
		clock:    time.Now,
	}, nil
}

// WithClock overrides the time source. Tests drive SLA expiry with it.
func (g *Governor) WithClock(clock func() time.Time) *Governor {
	g.clock = clock
	return g
}

// Deadline returns the SLA decision deadline for a recommendation.
func (g *Governor) Deadline(rec *orchestrator.Recommendation) time.Time {
	ttl, ok := g.cfg.SLA[rec.Severity]
	if !ok {
		ttl = g.cfg.SLA[envelope.SeverityMedium]
	}
	return rec.CreatedAt.Add(ttl)
}

// decidable are the statuses a human decision may act on. proposed is
// excluded: it only exists between creation and the policy evaluation, and
// deciding before the checks run would skip the audit trail.
var decidable = []string{orchestrator.StatusPolicyEvaluated, orchestrator.StatusDeferred}

// Handle consumes recommendation.created: evaluate the policy pack, record
// the verdicts, then either fast-path an autonomous approval or park the
// recommendation for a human. Redeliveries of an already-evaluated
// recommendation ack without effect.
func (g *Governor) Handle(ctx context.Context, env *envelope.Envelope) error {
	var p orchestrator.RecommendationCreatedPayload
	if err := env.UnmarshalPayload(&p); err != nil {
		return err
	}

	rec, err := g.recs.Get(ctx, p.RecommendationID)
	if err != nil {
		if errors.Is(err, envelope.ErrNotFound) {
			// The row commits before its envelope publishes, so absence
			// will not heal on retry.
			return envelope.Permanent(fmt.Errorf("governor: recommendation %s not found", p.RecommendationID))
		}
		return err
	}
	if rec.Status != orchestrator.StatusProposed {
		return nil
	}

	results := g.engine.EvaluateAll(g.pack, PolicyInput(rec))
	passed := allPassed(results)
	now := g.clock().UTC()

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("governor evaluate begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := g.recs.AttachPolicyResultsTx(ctx, tx, rec.ID, results); err != nil {
		return err
	}

	if !rec.RequiresApproval && passed {
		if err := g.recs.TransitionTx(ctx, tx, rec.ID, []string{orchestrator.StatusProposed},
			orchestrator.StatusApproved, ActorGovernor, now); err != nil {
			return err
		}
		if err := g.appendReceipt(ctx, tx, rec, orchestrator.StatusProposed, orchestrator.StatusApproved,
			ActorGovernor, "all policy checks passed", now); err != nil {
			return err
		}
		if err := g.stageCompletion(ctx, tx, rec, ActorGovernor, "all policy checks passed", true, now); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("governor evaluate commit: %w", err)
		}
		g.logger.Info("recommendation auto-approved",
			"recommendation_id", rec.ID, "action", rec.Action, "impact_usd", rec.ImpactUSD)
		return nil
	}

	if err := g.recs.TransitionTx(ctx, tx, rec.ID, []string{orchestrator.StatusProposed},
		orchestrator.StatusPolicyEvaluated, "", now); err != nil {
		return err
	}
	if err := g.appendReceipt(ctx, tx, rec, orchestrator.StatusProposed, orchestrator.StatusPolicyEvaluated,
		ActorGovernor, evaluationSummary(results), now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("governor evaluate commit: %w", err)
	}
	g.logger.Info("recommendation awaiting decision",
		"recommendation_id", rec.ID, "action", rec.Action,
		"required_role", rec.RequiredRole, "checks_passed", passed)
	return nil
}

// Approve records a human approval and stages the completion envelope. Only
// policy_evaluated and deferred recommendations are decidable; anything else
// conflicts.
func (g *Governor) Approve(ctx context.Context, id, actor, comments string) (*orchestrator.Recommendation, error) {
	return g.decide(ctx, id, actor, comments, orchestrator.StatusApproved)
}

// Reject records a human rejection. No completion envelope is ever staged
// for a rejection; downstream executors act only on approvals.
func (g *Governor) Reject(ctx context.Context, id, actor, comments string) (*orchestrator.Recommendation, error) {
	return g.decide(ctx, id, actor, comments, orchestrator.StatusRejected)
}

func (g *Governor) decide(ctx context.Context, id, actor, comments, to string) (*orchestrator.Recommendation, error) {
	if actor == "" {
		return nil, fmt.Errorf("governor: %w: actor is required", envelope.ErrInvalid)
	}
	rec, err := g.recs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := g.clock().UTC()

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("governor decide begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	from, err := g.recs.StatusTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := g.recs.TransitionTx(ctx, tx, id, decidable, to, actor, now); err != nil {
		return nil, err
	}
	if err := g.appendReceipt(ctx, tx, rec, from, to, actor, comments, now); err != nil {
		return nil, err
	}
	if to == orchestrator.StatusApproved {
		if err := g.stageCompletion(ctx, tx, rec, actor, comments, false, now); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("governor decide commit: %w", err)
	}

	rec.Status = to
	rec.DecidedAt = &now
	rec.DecidedBy = actor
	g.logger.Info("recommendation decided",
		"recommendation_id", id, "status", to, "actor", actor)
	return rec, nil
}

// Defer parks a recommendation until a wake time. The wake time must be in
// the future and no later than the SLA deadline; a deferral is a pause, not
// an extension.
func (g *Governor) Defer(ctx context.Context, id, actor string, until time.Time, reason string) (*orchestrator.Recommendation, error) {
	if actor == "" {
		return nil, fmt.Errorf("governor: %w: actor is required", envelope.ErrInvalid)
	}
	rec, err := g.recs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := g.clock().UTC()
	until = until.UTC()
	if !until.After(now) {
		return nil, fmt.Errorf("governor: %w: wake time %s is not in the future",
			envelope.ErrInvalid, until.Format(time.RFC3339))
	}
	if deadline := g.Deadline(rec); until.After(deadline) {
		return nil, fmt.Errorf("governor: %w: wake time %s is past the SLA deadline %s",
			envelope.ErrInvalid, until.Format(time.RFC3339), deadline.UTC().Format(time.RFC3339))
	}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("governor defer begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	from, err := g.recs.StatusTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := g.recs.TransitionTx(ctx, tx, id, decidable, orchestrator.StatusDeferred, actor, now); err != nil {
		return nil, err
	}
	if err := g.recs.SetDeferTx(ctx, tx, id, until); err != nil {
		return nil, err
	}
	if err := g.appendReceipt(ctx, tx, rec, from, orchestrator.StatusDeferred, actor, reason, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("governor defer commit: %w", err)
	}

	rec.Status = orchestrator.StatusDeferred
	rec.DeferUntil = &until
	g.logger.Info("recommendation deferred",
		"recommendation_id", id, "actor", actor, "until", until)
	return rec, nil
}

// Wake returns a deferred recommendation to the decidable pool. The sweeper
// calls this when the wake time arrives.
func (g *Governor) Wake(ctx context.Context, id string) error {
	rec, err := g.recs.Get(ctx, id)
	if err != nil {
		return err
	}
	now := g.clock().UTC()

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("governor wake begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := g.recs.TransitionTx(ctx, tx, id, []string{orchestrator.StatusDeferred},
		orchestrator.StatusPolicyEvaluated, "", now); err != nil {
		return err
	}
	if err := g.appendReceipt(ctx, tx, rec, orchestrator.StatusDeferred, orchestrator.StatusPolicyEvaluated,
		ActorGovernor, "deferral elapsed", now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("governor wake commit: %w", err)
	}
	g.logger.Info("recommendation woken", "recommendation_id", id)
	return nil
}

// Expire closes out a recommendation that outlived its SLA deadline and
// stages the expiry envelope plus an escalation alert naming the next role
// up the ladder. The transition guard makes the sweep race-safe: a second
// sweeper sees ErrConflict and stages nothing.
func (g *Governor) Expire(ctx context.Context, rec *orchestrator.Recommendation) error {
	now := g.clock().UTC()

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("governor expire begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	from, err := g.recs.StatusTx(ctx, tx, rec.ID)
	if err != nil {
		return err
	}
	if err := g.recs.TransitionTx(ctx, tx, rec.ID,
		[]string{orchestrator.StatusProposed, orchestrator.StatusPolicyEvaluated},
		orchestrator.StatusExpired, ActorSLA, now); err != nil {
		return err
	}
	if err := g.appendReceipt(ctx, tx, rec, from, orchestrator.StatusExpired, ActorSLA,
		fmt.Sprintf("undecided at SLA deadline %s", g.Deadline(rec).UTC().Format(time.RFC3339)), now); err != nil {
		return err
	}

	expired, err := envelope.New(envelope.TopicApprovalExpired, rec.CorrelationID, rec.WorkspaceID,
		envelope.ApprovalExpiredPayload{
			RecommendationID: rec.ID,
			Action:           string(rec.Action),
			Severity:         rec.Severity,
			RequiredRole:     rec.RequiredRole,
			ExpiredAt:        now,
		})
	if err != nil {
		return err
	}
	if err := g.outbox.Append(ctx, tx, rec.CorrelationID, AgentName, expired.Type, expired); err != nil {
		return err
	}

	escalateTo := orchestrator.NextRole(rec.RequiredRole)
	alert, err := envelope.New(envelope.TopicAlertCreated, rec.CorrelationID, rec.WorkspaceID,
		envelope.AlertPayload{
			Kind:     envelope.AlertKindEscalation,
			Severity: rec.Severity,
			Message: fmt.Sprintf("approval for %s expired undecided after %s, escalating to %s",
				rec.Action, g.cfg.SLA[rec.Severity], escalateTo),
			Source:           AgentName,
			RecommendationID: rec.ID,
			RequiredRole:     escalateTo,
		})
	if err != nil {
		return err
	}
	if err := g.outbox.Append(ctx, tx, rec.CorrelationID, AgentName, alert.Type, alert); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("governor expire commit: %w", err)
	}

	g.logger.Warn("recommendation expired",
		"recommendation_id", rec.ID, "severity", rec.Severity, "escalate_to", escalateTo)
	return nil
}

// Receipts returns a recommendation's signed transition history, oldest
// first.
func (g *Governor) Receipts(ctx context.Context, recommendationID string) ([]*Receipt, error) {
	return g.receipts.ListByRecommendation(ctx, recommendationID)
}

func (g *Governor) appendReceipt(ctx context.Context, tx *sql.Tx, rec *orchestrator.Recommendation, from, to, actor, comments string, at time.Time) error {
	r := &Receipt{
		ID:               uuid.NewString(),
		RecommendationID: rec.ID,
		WorkspaceID:      rec.WorkspaceID,
		FromStatus:       from,
		ToStatus:         to,
		Actor:            actor,
		Comments:         comments,
		DecidedAt:        at,
	}
	if err := r.seal(g.keyring); err != nil {
		return err
	}
	return g.receipts.AppendTx(ctx, tx, r)
}

// stageCompletion appends the approval.completed envelope to the outbox
// inside the decision transaction. Approval is the only decision that emits
// one.
func (g *Governor) stageCompletion(ctx context.Context, tx *sql.Tx, rec *orchestrator.Recommendation, actor, comments string, autonomous bool, at time.Time) error {
	env, err := envelope.New(envelope.TopicApprovalCompleted, rec.CorrelationID, rec.WorkspaceID,
		envelope.ApprovalCompletedPayload{
			RecommendationID: rec.ID,
			Action:           string(rec.Action),
			Severity:         rec.Severity,
			ImpactUSD:        rec.ImpactUSD,
			DecidedBy:        actor,
			Autonomous:       autonomous,
			Comments:         comments,
			DecidedAt:        at,
		})
	if err != nil {
		return err
	}
	return g.outbox.Append(ctx, tx, rec.CorrelationID, AgentName, env.Type, env)
}

func allPassed(results []orchestrator.PolicyResult) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

// evaluationSummary condenses the verdicts for the receipt comment line.
func evaluationSummary(results []orchestrator.PolicyResult) string {
	failed := 0
	for _, r := range results {
		if !r.Passed {
			failed++
		}
	}
	if failed == 0 {
		return fmt.Sprintf("%d policy checks passed", len(results))
	}
	return fmt.Sprintf("%d of %d policy checks failed", failed, len(results))
}
