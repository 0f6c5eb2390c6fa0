package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lodestar-ops/lodestar/pkg/envelope"
	"github.com/lodestar-ops/lodestar/pkg/runtime"
)

const routeQuestion = "Given this risk assessment, propose a route action. " +
	"Answer with a verdict of reroute, expedite, or hold."

// RouteAgent proposes route actions off risk assessments and executes them
// once an approval.completed envelope arrives. Proposals never touch the
// outside world; only approvals do.
type RouteAgent struct {
	reasoner Reasoner
	emit     runtime.Emitter
	exec     Executor
	logger   *slog.Logger
}

func NewRouteAgent(reasoner Reasoner, emit runtime.Emitter, exec Executor, logger *slog.Logger) *RouteAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &RouteAgent{
		reasoner: reasoner,
		emit:     emit,
		exec:     exec,
		logger:   logger.With("component", AgentRoute),
	}
}

func (a *RouteAgent) Handle(ctx context.Context, env *envelope.Envelope) error {
	switch env.Type {
	case envelope.TopicRiskDetected:
		return a.propose(ctx, env)
	case envelope.TopicApprovalCompleted:
		return a.execute(ctx, env)
	}
	return fmt.Errorf("route agent: %w: unexpected type %s", envelope.ErrInvalid, env.Type)
}

func (a *RouteAgent) propose(ctx context.Context, env *envelope.Envelope) error {
	var p RiskDetectedPayload
	if err := env.UnmarshalPayload(&p); err != nil {
		return err
	}
	if !p.Severity.Valid() {
		return fmt.Errorf("risk payload of %s: %w: severity %q", env.ID, envelope.ErrInvalid, p.Severity)
	}

	snapshot := map[string]any{
		"severity":     string(p.Severity),
		"probability":  p.Probability,
		"exposure_usd": p.ExposureUSD,
		"rationale":    p.Rationale,
	}
	v, err := a.reasoner.Assess(ctx, snapshot, routeQuestion)
	if err != nil {
		return err
	}
	if v.NoOpinion() {
		a.logger.Info("no route opinion", "correlation", env.CorrelationID)
		return nil
	}
	action := Action(v.Verdict)
	if !ExecutesAction(RouteActions, action) {
		a.logger.Warn("unusable route verdict", "verdict", v.Verdict, "correlation", env.CorrelationID)
		return nil
	}

	out, err := envelope.NewDerived(envelope.TopicRouteProposal, env, AgentRoute, RouteProposalPayload{
		Action:      action,
		Confidence:  v.Confidence,
		Severity:    p.Severity,
		Rationale:   v.Rationale,
		ImpactUSD:   p.ExposureUSD,
		DataSources: v.DataSources,
	})
	if err != nil {
		return err
	}
	a.logger.Info("route proposal",
		"action", action, "confidence", v.Confidence, "correlation", env.CorrelationID)
	return a.emit.Emit(ctx, out)
}

// execute acts on approvals for route actions. Failures raise an
// execution-failure alert at escalated severity and then surface as a
// transient error, so the runtime retries the execution itself.
func (a *RouteAgent) execute(ctx context.Context, env *envelope.Envelope) error {
	var p envelope.ApprovalCompletedPayload
	if err := env.UnmarshalPayload(&p); err != nil {
		return err
	}
	if !ExecutesAction(RouteActions, Action(p.Action)) {
		return nil
	}

	if err := a.exec.Execute(ctx, p, env.CorrelationID); err != nil {
		a.alertExecutionFailure(ctx, env, p, err)
		return fmt.Errorf("route execution of %s: %w", p.RecommendationID, err)
	}
	return nil
}

func (a *RouteAgent) alertExecutionFailure(ctx context.Context, env *envelope.Envelope, p envelope.ApprovalCompletedPayload, cause error) {
	alert, err := envelope.NewDerived(envelope.TopicAlertCreated, env, AgentRoute, envelope.AlertPayload{
		Kind:             envelope.AlertKindExecutionFailure,
		Severity:         p.Severity.Escalate(),
		Message:          fmt.Sprintf("execution of %s failed: %v", p.Action, cause),
		Source:           AgentRoute,
		RecommendationID: p.RecommendationID,
	})
	if err == nil {
		err = a.emit.Emit(ctx, alert)
	}
	// The alert's derived id dedupes retries; a conflict means an earlier
	// attempt already raised it.
	if err != nil && !errors.Is(err, envelope.ErrConflict) {
		a.logger.Error("execution-failure alert emit failed",
			"recommendation", p.RecommendationID, "error", err)
	}
}
