package agents

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lodestar-ops/lodestar/pkg/envelope"
	"github.com/lodestar-ops/lodestar/pkg/runtime"
)

const riskQuestion = "Assess the disruption risk for this shipment. " +
	"Answer with a verdict of low, medium, high, or critical."

// RiskAgent turns shipment facts into risk assessments. The reasoning
// boundary makes the judgment call; the agent owns the envelope plumbing.
type RiskAgent struct {
	reasoner Reasoner
	emit     runtime.Emitter
	logger   *slog.Logger
}

func NewRiskAgent(reasoner Reasoner, emit runtime.Emitter, logger *slog.Logger) *RiskAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &RiskAgent{reasoner: reasoner, emit: emit, logger: logger.With("component", AgentRisk)}
}

func (a *RiskAgent) Handle(ctx context.Context, env *envelope.Envelope) error {
	var p ShipmentUpdatedPayload
	if err := env.UnmarshalPayload(&p); err != nil {
		return err
	}
	if p.ShipmentID == "" {
		return fmt.Errorf("shipment payload of %s: %w: missing shipment_id", env.ID, envelope.ErrInvalid)
	}

	snapshot := map[string]any{
		"shipment_id": p.ShipmentID,
		"status":      p.Status,
		"carrier":     p.Carrier,
		"origin":      p.Origin,
		"destination": p.Destination,
		"delay_hours": p.DelayHours,
		"value_usd":   p.ValueUSD,
	}
	v, err := a.reasoner.Assess(ctx, snapshot, riskQuestion)
	if err != nil {
		return err
	}
	if v.NoOpinion() {
		a.logger.Info("no opinion on shipment, skipping assessment",
			"shipment", p.ShipmentID, "correlation", env.CorrelationID)
		return nil
	}
	severity, err := envelope.ParseSeverity(v.Verdict)
	if err != nil {
		// A verdict outside the ladder is service misbehavior, not
		// poison: degrade like a no-opinion answer.
		a.logger.Warn("unusable risk verdict", "verdict", v.Verdict, "shipment", p.ShipmentID)
		return nil
	}

	out, err := envelope.NewDerived(envelope.TopicRiskDetected, env, AgentRisk, RiskDetectedPayload{
		Severity:    severity,
		Probability: v.Confidence,
		ExposureUSD: p.ValueUSD,
		Rationale:   v.Rationale,
		DataSources: v.DataSources,
	})
	if err != nil {
		return err
	}
	a.logger.Info("risk detected",
		"shipment", p.ShipmentID, "severity", severity, "probability", v.Confidence)
	return a.emit.Emit(ctx, out)
}
