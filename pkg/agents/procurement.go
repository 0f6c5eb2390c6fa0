package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lodestar-ops/lodestar/pkg/envelope"
	"github.com/lodestar-ops/lodestar/pkg/runtime"
)

const procurementQuestion = "Given this inventory shortfall, propose a procurement action. " +
	"Answer with a verdict of reorder or negotiate."

// ProcurementAgent proposes purchasing actions off inventory signals and
// executes approved ones.
type ProcurementAgent struct {
	reasoner Reasoner
	emit     runtime.Emitter
	exec     Executor
	logger   *slog.Logger
}

func NewProcurementAgent(reasoner Reasoner, emit runtime.Emitter, exec Executor, logger *slog.Logger) *ProcurementAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcurementAgent{
		reasoner: reasoner,
		emit:     emit,
		exec:     exec,
		logger:   logger.With("component", AgentProcurement),
	}
}

func (a *ProcurementAgent) Handle(ctx context.Context, env *envelope.Envelope) error {
	switch env.Type {
	case envelope.TopicInventoryLow:
		return a.propose(ctx, env)
	case envelope.TopicApprovalCompleted:
		return a.execute(ctx, env)
	}
	return fmt.Errorf("procurement agent: %w: unexpected type %s", envelope.ErrInvalid, env.Type)
}

func (a *ProcurementAgent) propose(ctx context.Context, env *envelope.Envelope) error {
	var p InventoryLowPayload
	if err := env.UnmarshalPayload(&p); err != nil {
		return err
	}
	if p.SKU == "" {
		return fmt.Errorf("inventory payload of %s: %w: missing sku", env.ID, envelope.ErrInvalid)
	}

	snapshot := map[string]any{
		"sku":           p.SKU,
		"warehouse_id":  p.WarehouseID,
		"on_hand":       p.OnHand,
		"reorder_point": p.ReorderPoint,
		"reorder_qty":   p.ReorderQty,
		"unit_cost_usd": p.UnitCostUSD,
		"supplier_id":   p.SupplierID,
	}
	v, err := a.reasoner.Assess(ctx, snapshot, procurementQuestion)
	if err != nil {
		return err
	}
	if v.NoOpinion() {
		a.logger.Info("no procurement opinion", "sku", p.SKU, "correlation", env.CorrelationID)
		return nil
	}
	action := Action(v.Verdict)
	if !ExecutesAction(ProcurementActions, action) {
		a.logger.Warn("unusable procurement verdict", "verdict", v.Verdict, "sku", p.SKU)
		return nil
	}

	spend := float64(p.ReorderQty) * p.UnitCostUSD
	severity := envelope.SeverityMedium
	if p.OnHand == 0 {
		severity = envelope.SeverityHigh
	}
	out, err := envelope.NewDerived(envelope.TopicProcurementProposal, env, AgentProcurement, ProcurementProposalPayload{
		Action:      action,
		Confidence:  v.Confidence,
		Severity:    severity,
		Rationale:   v.Rationale,
		SpendUSD:    spend,
		SKU:         p.SKU,
		Quantity:    p.ReorderQty,
		SupplierID:  p.SupplierID,
		DataSources: v.DataSources,
	})
	if err != nil {
		return err
	}
	a.logger.Info("procurement proposal",
		"action", action, "sku", p.SKU, "spend_usd", spend, "correlation", env.CorrelationID)
	return a.emit.Emit(ctx, out)
}

func (a *ProcurementAgent) execute(ctx context.Context, env *envelope.Envelope) error {
	var p envelope.ApprovalCompletedPayload
	if err := env.UnmarshalPayload(&p); err != nil {
		return err
	}
	if !ExecutesAction(ProcurementActions, Action(p.Action)) {
		return nil
	}

	if err := a.exec.Execute(ctx, p, env.CorrelationID); err != nil {
		alert, aerr := envelope.NewDerived(envelope.TopicAlertCreated, env, AgentProcurement, envelope.AlertPayload{
			Kind:             envelope.AlertKindExecutionFailure,
			Severity:         p.Severity.Escalate(),
			Message:          fmt.Sprintf("execution of %s failed: %v", p.Action, err),
			Source:           AgentProcurement,
			RecommendationID: p.RecommendationID,
		})
		if aerr == nil {
			aerr = a.emit.Emit(ctx, alert)
		}
		if aerr != nil && !errors.Is(aerr, envelope.ErrConflict) {
			a.logger.Error("execution-failure alert emit failed",
				"recommendation", p.RecommendationID, "error", aerr)
		}
		return fmt.Errorf("procurement execution of %s: %w", p.RecommendationID, err)
	}
	return nil
}
