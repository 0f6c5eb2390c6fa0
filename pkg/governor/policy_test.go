package governor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestar-ops/lodestar/pkg/agents"
	"github.com/lodestar-ops/lodestar/pkg/envelope"
	"github.com/lodestar-ops/lodestar/pkg/orchestrator"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine()
	require.NoError(t, err)
	return engine
}

func TestEngineRejectsFloatLiterals(t *testing.T) {
	engine := newTestEngine(t)
	err := engine.Compile(Rule{Name: "spend", Expr: "business_impact_usd <= 50000.0"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "float literals")
}

func TestEngineRejectsWallClock(t *testing.T) {
	engine := newTestEngine(t)
	err := engine.Compile(Rule{Name: "clock", Expr: "now() == now()"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "now()")
}

func TestEngineRejectsMapIteration(t *testing.T) {
	engine := newTestEngine(t)
	err := engine.Compile(Rule{Name: "maps", Expr: `{"a": 1}.keys().size() > 0`})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "order-dependent")
}

func TestEngineRejectsNonBoolExpression(t *testing.T) {
	engine := newTestEngine(t)
	err := engine.Compile(Rule{Name: "arith", Expr: "business_impact_usd + 1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want bool")
}

func TestEngineLintIgnoresStringContents(t *testing.T) {
	engine := newTestEngine(t)
	// "now()" inside a string literal is data, not a call.
	err := engine.Compile(Rule{Name: "str", Expr: `action != "now()"`})
	assert.NoError(t, err)
}

func TestEngineEvaluateFailsClosed(t *testing.T) {
	engine := newTestEngine(t)

	res := engine.Evaluate("never_compiled", map[string]any{})
	assert.False(t, res.Passed)
	assert.Equal(t, "rule not compiled", res.Reason)

	require.NoError(t, engine.Compile(Rule{Name: "geo", Expr: `regions.exists(r, r == "suez")`}))
	res = engine.Evaluate("geo", map[string]any{})
	assert.False(t, res.Passed)
	assert.Contains(t, res.Reason, "evaluation error")
}

func TestEngineEvaluatesDefaultPack(t *testing.T) {
	engine := newTestEngine(t)
	pack := DefaultPack()
	for _, rule := range pack.Rules {
		require.NoError(t, engine.Compile(rule), "rule %s", rule.Name)
	}

	rec := &orchestrator.Recommendation{
		Action:          agents.ActionReroute,
		Severity:        envelope.SeverityMedium,
		RequiredRole:    orchestrator.RoleAnalyst,
		Confidence:      0.82,
		ImpactUSD:       12000,
		RiskProbability: 0.35,
		Contributions: []orchestrator.Contribution{
			{AgentType: agents.AgentRisk, Kind: orchestrator.KindAssessment, Probability: 0.35},
			{AgentType: agents.AgentRoute, Kind: orchestrator.KindProposal, Regions: []string{"suez", "gibraltar"}, DelayHours: 36, EmissionsDeltaPct: 8},
		},
	}

	results := engine.EvaluateAll(pack, PolicyInput(rec))
	require.Len(t, results, len(pack.Rules))
	for _, r := range results {
		assert.True(t, r.Passed, "rule %s: %s", r.Policy, r.Reason)
	}

	rec.ImpactUSD = 60000
	rec.Contributions[1].Regions = []string{"northern_corridor"}
	results = engine.EvaluateAll(pack, PolicyInput(rec))
	byName := make(map[string]orchestrator.PolicyResult, len(results))
	for _, r := range results {
		byName[r.Policy] = r
	}
	assert.False(t, byName["spend_threshold"].Passed)
	assert.False(t, byName["geo_exclusion"].Passed)
	assert.True(t, byName["risk_threshold"].Passed)
}

func TestPolicyInputScaling(t *testing.T) {
	rec := &orchestrator.Recommendation{
		Action:          agents.ActionExpedite,
		Severity:        envelope.SeverityHigh,
		RequiredRole:    orchestrator.RoleManager,
		Confidence:      0.825,
		ImpactUSD:       1234.56,
		RiskProbability: 0.678,
		Contributions: []orchestrator.Contribution{
			{AgentType: agents.AgentRoute, Regions: []string{"suez"}, DelayHours: 12, EmissionsDeltaPct: 5},
			{AgentType: agents.AgentProcurement, Regions: []string{"rotterdam"}, DelayHours: 48, EmissionsDeltaPct: 2},
		},
	}

	input := PolicyInput(rec)
	assert.Equal(t, int64(1235), input["business_impact_usd"])
	assert.Equal(t, int64(68), input["risk_probability_pct"])
	assert.Equal(t, int64(83), input["confidence_pct"])
	assert.Equal(t, int64(48), input["delay_hours"], "delay is the max across contributions")
	assert.Equal(t, int64(5), input["emissions_delta_pct"])
	assert.Equal(t, []string{"suez", "rotterdam"}, input["regions"])
	assert.Equal(t, []string{agents.AgentRoute, agents.AgentProcurement}, input["agents"])
}

func TestPolicyInputEmptyContributions(t *testing.T) {
	input := PolicyInput(&orchestrator.Recommendation{Action: agents.ActionHold})
	// CEL list variables must be present even when empty.
	assert.Equal(t, []string{}, input["regions"])
	assert.Equal(t, []string{}, input["agents"])
	assert.Equal(t, int64(0), input["delay_hours"])
}
