package agents

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lodestar-ops/lodestar/pkg/envelope"
)

type fakeReasoner struct {
	verdict  Verdict
	err      error
	question string
	snapshot map[string]any
}

func (f *fakeReasoner) Assess(ctx context.Context, snapshot map[string]any, question string) (Verdict, error) {
	f.snapshot = snapshot
	f.question = question
	return f.verdict, f.err
}

type captureEmitter struct {
	mu   sync.Mutex
	envs []*envelope.Envelope
	err  error
}

func (c *captureEmitter) Emit(ctx context.Context, env *envelope.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.envs = append(c.envs, env)
	return nil
}

func (c *captureEmitter) all() []*envelope.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*envelope.Envelope(nil), c.envs...)
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls []envelope.ApprovalCompletedPayload
	err   error
}

func (f *fakeExecutor) Execute(ctx context.Context, approval envelope.ApprovalCompletedPayload, correlationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, approval)
	return nil
}

func shipmentEnvelope(t *testing.T, payload ShipmentUpdatedPayload) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(envelope.TopicShipmentUpdated, "SHIP-42", "ws-1", payload)
	require.NoError(t, err)
	return env
}

func TestRiskAgentEmitsAssessment(t *testing.T) {
	reasoner := &fakeReasoner{verdict: Verdict{
		Verdict:     "high",
		Confidence:  0.82,
		Rationale:   "port congestion plus typhoon track",
		DataSources: []string{"weather", "port_feeds"},
	}}
	emitter := &captureEmitter{}
	agent := NewRiskAgent(reasoner, emitter, nil)

	env := shipmentEnvelope(t, ShipmentUpdatedPayload{
		ShipmentID: "SHIP-42", Status: "delayed", DelayHours: 18, ValueUSD: 120000,
	})
	require.NoError(t, agent.Handle(context.Background(), env))

	out := emitter.all()
	require.Len(t, out, 1)
	require.Equal(t, envelope.TopicRiskDetected, out[0].Type)
	require.Equal(t, "SHIP-42", out[0].CorrelationID)

	var p RiskDetectedPayload
	require.NoError(t, out[0].UnmarshalPayload(&p))
	require.Equal(t, envelope.SeverityHigh, p.Severity)
	require.InDelta(t, 0.82, p.Probability, 1e-9)
	require.InDelta(t, 120000, p.ExposureUSD, 1e-9)
	require.Equal(t, []string{"weather", "port_feeds"}, p.DataSources)

	require.Equal(t, "SHIP-42", reasoner.snapshot["shipment_id"])
	require.Contains(t, reasoner.question, "disruption risk")

	// Same input envelope on retry derives the same output id.
	retry := &captureEmitter{}
	agent = NewRiskAgent(reasoner, retry, nil)
	require.NoError(t, agent.Handle(context.Background(), env))
	require.Equal(t, out[0].ID, retry.all()[0].ID)
}

func TestRiskAgentDegradesWithoutOpinion(t *testing.T) {
	for _, verdict := range []Verdict{
		{Verdict: VerdictNoOpinion},
		{Verdict: "high", Confidence: 0},
		{Verdict: "catastrophic", Confidence: 0.9},
	} {
		emitter := &captureEmitter{}
		agent := NewRiskAgent(&fakeReasoner{verdict: verdict}, emitter, nil)
		env := shipmentEnvelope(t, ShipmentUpdatedPayload{ShipmentID: "SHIP-1", Status: "delayed"})
		require.NoError(t, agent.Handle(context.Background(), env))
		require.Empty(t, emitter.all())
	}
}

func TestRiskAgentRejectsMissingShipmentID(t *testing.T) {
	agent := NewRiskAgent(&fakeReasoner{}, &captureEmitter{}, nil)
	env := shipmentEnvelope(t, ShipmentUpdatedPayload{Status: "delayed"})
	err := agent.Handle(context.Background(), env)
	require.ErrorIs(t, err, envelope.ErrInvalid)
	require.True(t, envelope.IsPermanent(err))
}

func riskEnvelope(t *testing.T, p RiskDetectedPayload) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(envelope.TopicRiskDetected, "SHIP-42", "ws-1", p)
	require.NoError(t, err)
	return env
}

func TestRouteAgentProposesFromRisk(t *testing.T) {
	reasoner := &fakeReasoner{verdict: Verdict{
		Verdict: "reroute", Confidence: 0.75, Rationale: "alternate corridor open",
	}}
	emitter := &captureEmitter{}
	agent := NewRouteAgent(reasoner, emitter, &fakeExecutor{}, nil)

	env := riskEnvelope(t, RiskDetectedPayload{
		Severity: envelope.SeverityHigh, Probability: 0.8, ExposureUSD: 50000, Rationale: "typhoon",
	})
	require.NoError(t, agent.Handle(context.Background(), env))

	out := emitter.all()
	require.Len(t, out, 1)
	var p RouteProposalPayload
	require.NoError(t, out[0].UnmarshalPayload(&p))
	require.Equal(t, ActionReroute, p.Action)
	require.Equal(t, envelope.SeverityHigh, p.Severity)
	require.InDelta(t, 50000, p.ImpactUSD, 1e-9)
}

func approvalEnvelope(t *testing.T, p envelope.ApprovalCompletedPayload) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(envelope.TopicApprovalCompleted, "SHIP-42", "ws-1", p)
	require.NoError(t, err)
	return env
}

func TestRouteAgentExecutesOnlyRouteActions(t *testing.T) {
	exec := &fakeExecutor{}
	agent := NewRouteAgent(&fakeReasoner{}, &captureEmitter{}, exec, nil)

	foreign := approvalEnvelope(t, envelope.ApprovalCompletedPayload{
		RecommendationID: "rec-1", Action: string(ActionReorder), Severity: envelope.SeverityMedium,
	})
	require.NoError(t, agent.Handle(context.Background(), foreign))
	require.Empty(t, exec.calls)

	ours := approvalEnvelope(t, envelope.ApprovalCompletedPayload{
		RecommendationID: "rec-2", Action: string(ActionExpedite), Severity: envelope.SeverityHigh, DecidedBy: "ops@corp",
	})
	require.NoError(t, agent.Handle(context.Background(), ours))
	require.Len(t, exec.calls, 1)
	require.Equal(t, "rec-2", exec.calls[0].RecommendationID)
}

func TestRouteAgentAlertsOnExecutionFailure(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("carrier api down")}
	emitter := &captureEmitter{}
	agent := NewRouteAgent(&fakeReasoner{}, emitter, exec, nil)

	env := approvalEnvelope(t, envelope.ApprovalCompletedPayload{
		RecommendationID: "rec-9", Action: string(ActionReroute), Severity: envelope.SeverityHigh,
	})
	err := agent.Handle(context.Background(), env)
	require.Error(t, err)
	require.True(t, envelope.IsTransient(err))

	out := emitter.all()
	require.Len(t, out, 1)
	require.Equal(t, envelope.TopicAlertCreated, out[0].Type)
	var alert envelope.AlertPayload
	require.NoError(t, out[0].UnmarshalPayload(&alert))
	require.Equal(t, envelope.AlertKindExecutionFailure, alert.Kind)
	require.Equal(t, envelope.SeverityCritical, alert.Severity)
	require.Equal(t, "rec-9", alert.RecommendationID)
}

func TestProcurementAgentProposesSpend(t *testing.T) {
	reasoner := &fakeReasoner{verdict: Verdict{Verdict: "reorder", Confidence: 0.9, Rationale: "below reorder point"}}
	emitter := &captureEmitter{}
	agent := NewProcurementAgent(reasoner, emitter, &fakeExecutor{}, nil)

	env, err := envelope.New(envelope.TopicInventoryLow, "SKU-77", "ws-1", InventoryLowPayload{
		SKU: "SKU-77", OnHand: 4, ReorderPoint: 20, ReorderQty: 50, UnitCostUSD: 12.5, SupplierID: "sup-3",
	})
	require.NoError(t, err)
	require.NoError(t, agent.Handle(context.Background(), env))

	out := emitter.all()
	require.Len(t, out, 1)
	var p ProcurementProposalPayload
	require.NoError(t, out[0].UnmarshalPayload(&p))
	require.Equal(t, ActionReorder, p.Action)
	require.InDelta(t, 625.0, p.SpendUSD, 1e-9)
	require.Equal(t, envelope.SeverityMedium, p.Severity)
	require.Equal(t, 50, p.Quantity)
}

func TestProcurementAgentRaisesSeverityAtStockout(t *testing.T) {
	reasoner := &fakeReasoner{verdict: Verdict{Verdict: "reorder", Confidence: 0.95}}
	emitter := &captureEmitter{}
	agent := NewProcurementAgent(reasoner, emitter, &fakeExecutor{}, nil)

	env, err := envelope.New(envelope.TopicInventoryLow, "SKU-1", "ws-1", InventoryLowPayload{
		SKU: "SKU-1", OnHand: 0, ReorderPoint: 10, ReorderQty: 30, UnitCostUSD: 3,
	})
	require.NoError(t, err)
	require.NoError(t, agent.Handle(context.Background(), env))

	var p ProcurementProposalPayload
	require.NoError(t, emitter.all()[0].UnmarshalPayload(&p))
	require.Equal(t, envelope.SeverityHigh, p.Severity)
}

func TestHTTPReasonerRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/reason", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"verdict":"high","confidence":1.7,"rationale":"storm","data_sources":["weather"]}`))
	}))
	defer srv.Close()

	r := NewHTTPReasoner(ReasonerConfig{BaseURL: srv.URL}, nil)
	v, err := r.Assess(context.Background(), map[string]any{"shipment_id": "SHIP-1"}, "risk?")
	require.NoError(t, err)
	require.Equal(t, "high", v.Verdict)
	require.InDelta(t, 1.0, v.Confidence, 1e-9) // clamped
	require.False(t, v.NoOpinion())
}

func TestHTTPReasonerDegradesToNoOpinion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := NewHTTPReasoner(ReasonerConfig{BaseURL: srv.URL}, nil)
	v, err := r.Assess(context.Background(), nil, "risk?")
	require.NoError(t, err)
	require.True(t, v.NoOpinion())

	// Unreachable endpoint degrades the same way.
	r = NewHTTPReasoner(ReasonerConfig{BaseURL: "http://127.0.0.1:1"}, nil)
	v, err = r.Assess(context.Background(), nil, "risk?")
	require.NoError(t, err)
	require.True(t, v.NoOpinion())
}

func TestRegisterSchemasCoversAgentTopics(t *testing.T) {
	reg := envelope.NewSchemaRegistry()
	require.NoError(t, RegisterSchemas(reg))

	good := riskEnvelope(t, RiskDetectedPayload{
		Severity: envelope.SeverityLow, Probability: 0.2, Rationale: "minor weather",
	})
	require.NoError(t, reg.Validate(good))

	bad, err := envelope.New(envelope.TopicRiskDetected, "SHIP-1", "ws-1", map[string]any{
		"severity": "catastrophic", "probability": 2, "rationale": "x",
	})
	require.NoError(t, err)
	verr := reg.Validate(bad)
	require.Error(t, verr)
	require.True(t, envelope.IsPermanent(verr))
}
