package orchestrator

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestar-ops/lodestar/pkg/agents"
	"github.com/lodestar-ops/lodestar/pkg/envelope"
)

var expectedAgents = []string{agents.AgentRisk, agents.AgentRoute, agents.AgentProcurement}

func riskEnvelope(t *testing.T, corr string, probability float64, severity envelope.Severity) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(envelope.TopicRiskDetected, corr, "ws-1", agents.RiskDetectedPayload{
		Severity:    severity,
		Probability: probability,
		ExposureUSD: 42000,
		Rationale:   "port congestion",
	})
	require.NoError(t, err)
	return env
}

func routeEnvelope(t *testing.T, corr string, action agents.Action, confidence float64) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(envelope.TopicRouteProposal, corr, "ws-1", agents.RouteProposalPayload{
		Action:     action,
		Confidence: confidence,
		Severity:   envelope.SeverityMedium,
		Rationale:  "alternate corridor available",
		ImpactUSD:  4000,
	})
	require.NoError(t, err)
	return env
}

func procurementEnvelope(t *testing.T, corr string, action agents.Action, confidence float64) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(envelope.TopicProcurementProposal, corr, "ws-1", agents.ProcurementProposalPayload{
		Action:     action,
		Confidence: confidence,
		Severity:   envelope.SeverityMedium,
		Rationale:  "supplier has stock",
		SpendUSD:   2500,
		SKU:        "SKU-9",
		Quantity:   50,
	})
	require.NoError(t, err)
	return env
}

func collectDue(t *testing.T, c *Collector) []Window {
	t.Helper()
	var out []Window
	require.NoError(t, c.FlushDue(func(w Window) error {
		out = append(out, w)
		return nil
	}))
	return out
}

func TestCollectorClosesOnFullAgentSet(t *testing.T) {
	c := NewCollector(expectedAgents, time.Hour)

	require.NoError(t, c.Add(riskEnvelope(t, "SHIP-42", 0.6, envelope.SeverityHigh)))
	require.NoError(t, c.Add(routeEnvelope(t, "SHIP-42", agents.ActionReroute, 0.8)))
	assert.Empty(t, collectDue(t, c), "window waits for the full set inside the debounce")

	require.NoError(t, c.Add(procurementEnvelope(t, "SHIP-42", agents.ActionExpedite, 0.5)))
	due := collectDue(t, c)
	require.Len(t, due, 1)
	assert.True(t, due[0].Complete)
	assert.Equal(t, "SHIP-42", due[0].CorrelationID)
	assert.Equal(t, "ws-1", due[0].WorkspaceID)
	assert.Len(t, due[0].Contributions, 3)
	assert.Len(t, due[0].EnvelopeIDs, 3)
	assert.Equal(t, 0, c.Pending(), "closed windows leave the collector")
}

func TestCollectorFlushesOnDebounce(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	c := NewCollector(expectedAgents, 3*time.Second).WithClock(func() time.Time { return now })

	require.NoError(t, c.Add(riskEnvelope(t, "SHIP-7", 0.4, envelope.SeverityMedium)))
	assert.Empty(t, collectDue(t, c))

	now = now.Add(3 * time.Second)
	due := collectDue(t, c)
	require.Len(t, due, 1)
	assert.False(t, due[0].Complete)
	assert.Len(t, due[0].Contributions, 1)
}

func TestCollectorStampsArrivalOrder(t *testing.T) {
	c := NewCollector(expectedAgents, time.Hour)

	require.NoError(t, c.Add(routeEnvelope(t, "SHIP-1", agents.ActionReroute, 0.8)))
	require.NoError(t, c.Add(riskEnvelope(t, "SHIP-1", 0.5, envelope.SeverityLow)))
	require.NoError(t, c.Add(procurementEnvelope(t, "SHIP-1", agents.ActionReorder, 0.7)))

	due := collectDue(t, c)
	require.Len(t, due, 1)
	for i, contrib := range due[0].Contributions {
		assert.Equal(t, i, contrib.ArrivalSeq)
	}
	assert.Equal(t, agents.AgentRoute, due[0].Contributions[0].AgentType)
}

func TestCollectorDropsDuplicateEnvelopes(t *testing.T) {
	c := NewCollector(expectedAgents, time.Hour)
	env := riskEnvelope(t, "SHIP-9", 0.6, envelope.SeverityHigh)

	require.NoError(t, c.Add(env))
	require.NoError(t, c.Add(env), "redelivery inside an open window is dropped")
	require.NoError(t, c.Add(routeEnvelope(t, "SHIP-9", agents.ActionHold, 0.9)))
	require.NoError(t, c.Add(procurementEnvelope(t, "SHIP-9", agents.ActionReorder, 0.4)))

	due := collectDue(t, c)
	require.Len(t, due, 1)
	assert.Len(t, due[0].Contributions, 3)
}

func TestCollectorKeepsWindowWhenCloseFails(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	c := NewCollector(expectedAgents, time.Second).WithClock(func() time.Time { return now })

	require.NoError(t, c.Add(riskEnvelope(t, "SHIP-3", 0.4, envelope.SeverityLow)))
	now = now.Add(2 * time.Second)

	boom := errors.New("db down")
	err := c.FlushDue(func(Window) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, c.Pending(), "rejected window stays open")

	// A straggler that lands before the retry is included.
	require.NoError(t, c.Add(routeEnvelope(t, "SHIP-3", agents.ActionReroute, 0.9)))
	due := collectDue(t, c)
	require.Len(t, due, 1)
	assert.Len(t, due[0].Contributions, 2)
}

func TestCollectorSeparatesCorrelations(t *testing.T) {
	c := NewCollector(expectedAgents, time.Hour)

	require.NoError(t, c.Add(riskEnvelope(t, "SHIP-1", 0.5, envelope.SeverityLow)))
	require.NoError(t, c.Add(riskEnvelope(t, "SHIP-2", 0.5, envelope.SeverityLow)))
	assert.Equal(t, 2, c.Pending())
	assert.Empty(t, collectDue(t, c))
}

func TestCollectorRejectsUnmappedTypes(t *testing.T) {
	c := NewCollector(expectedAgents, time.Hour)
	env, err := envelope.New(envelope.TopicKPIUpdated, "SHIP-1", "ws-1", map[string]any{"metrics": map[string]float64{}})
	require.NoError(t, err)

	err = c.Add(env)
	assert.ErrorIs(t, err, envelope.ErrInvalid)
}
