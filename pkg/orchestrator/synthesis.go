// Package orchestrator aggregates per-correlation agent outputs into
// recommendations. Contributions collect in a debounce window; when the
// window closes, a deterministic synthesis picks the action, grades severity
// and confidence, and decides whether a human must approve.
package orchestrator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lodestar-ops/lodestar/pkg/agents"
	"github.com/lodestar-ops/lodestar/pkg/envelope"
)

// Contribution kinds. Assessments grade the situation; proposals vote on an
// action. Assessments alone never produce a recommendation.
const (
	KindAssessment = "assessment"
	KindProposal   = "proposal"
)

// Contribution is one agent's input to a decision window.
type Contribution struct {
	AgentType         string            `json:"agent_type"`
	Kind              string            `json:"kind"`
	Action            agents.Action     `json:"action,omitempty"`
	Confidence        float64           `json:"confidence"`
	Severity          envelope.Severity `json:"severity"`
	Probability       float64           `json:"probability,omitempty"`
	ImpactUSD         float64           `json:"impact_usd,omitempty"`
	Rationale         string            `json:"rationale,omitempty"`
	Regions           []string          `json:"regions,omitempty"`
	DelayHours        int               `json:"delay_hours,omitempty"`
	EmissionsDeltaPct int               `json:"emissions_delta_pct,omitempty"`
	DataSources       []string          `json:"data_sources,omitempty"`
	EnvelopeID        string            `json:"envelope_id"`
	ArrivalSeq        int               `json:"arrival_seq"`
}

// Reviewer roles on the escalation ladder.
const (
	RoleAnalyst  = "analyst"
	RoleManager  = "manager"
	RoleDirector = "director"
)

// NextRole returns the next rung up the ladder; director is the top.
func NextRole(role string) string {
	switch role {
	case RoleAnalyst:
		return RoleManager
	case RoleManager:
		return RoleDirector
	}
	return RoleDirector
}

func roleRank(role string) int {
	switch role {
	case RoleAnalyst:
		return 1
	case RoleManager:
		return 2
	case RoleDirector:
		return 3
	}
	return 0
}

// RoleAtLeast reports whether role sits at or above required on the ladder.
// Unknown roles rank below analyst.
func RoleAtLeast(role, required string) bool {
	return roleRank(role) >= roleRank(required)
}

// SynthesisConfig tunes aggregation. Zero values get defaults.
type SynthesisConfig struct {
	// Weights scale each agent type's vote. Unlisted agents weigh 1.
	Weights map[string]float64

	// AutoApproveLimitUSD is the business impact above which a human must
	// approve regardless of severity.
	AutoApproveLimitUSD float64

	// RiskProbabilityGate forces approval when any assessment's
	// probability exceeds it.
	RiskProbabilityGate float64

	// ApprovalSeverity forces approval at or above this severity.
	ApprovalSeverity envelope.Severity
}

func (c *SynthesisConfig) setDefaults() {
	if c.AutoApproveLimitUSD <= 0 {
		c.AutoApproveLimitUSD = 10000
	}
	if c.RiskProbabilityGate <= 0 {
		c.RiskProbabilityGate = 0.7
	}
	if !c.ApprovalSeverity.Valid() {
		c.ApprovalSeverity = envelope.SeverityHigh
	}
}

func (c SynthesisConfig) weight(agentType string) float64 {
	if w, ok := c.Weights[agentType]; ok && w > 0 {
		return w
	}
	return 1
}

// Synthesis is the aggregated outcome of one window.
type Synthesis struct {
	Action           agents.Action
	Confidence       float64
	Severity         envelope.Severity
	ImpactUSD        float64
	RiskProbability  float64
	RequiresApproval bool
	RequiredRole     string
	Rationale        string
}

// Synthesize reduces a window's contributions to one outcome. It is a pure
// function of its inputs: same contributions, same config, same result,
// regardless of arrival interleaving. The bool is false when the window held
// no actionable proposal.
//
// The action wins by highest weighted confidence sum. Ties break on the
// single most confident backing proposal, then on earliest arrival.
func Synthesize(contribs []Contribution, cfg SynthesisConfig) (Synthesis, bool) {
	cfg.setDefaults()

	// Float accumulation is order-sensitive; fix the order first so any
	// permutation of the same window sums identically.
	contribs = sortedByArrival(contribs)

	syn := Synthesis{Severity: envelope.SeverityLow}
	var proposals []Contribution
	for _, c := range contribs {
		syn.Severity = envelope.MaxSeverity(syn.Severity, c.Severity)
		if c.ImpactUSD > syn.ImpactUSD {
			syn.ImpactUSD = c.ImpactUSD
		}
		if c.Kind == KindAssessment && c.Probability > syn.RiskProbability {
			syn.RiskProbability = c.Probability
		}
		if c.Kind == KindProposal && c.Action.Valid() {
			proposals = append(proposals, c)
		}
	}
	if len(proposals) == 0 {
		return syn, false
	}

	type tally struct {
		score      float64
		best       float64
		firstSeq   int
		supporters []Contribution
	}
	tallies := make(map[agents.Action]*tally)
	for _, p := range proposals {
		t, ok := tallies[p.Action]
		if !ok {
			t = &tally{firstSeq: p.ArrivalSeq}
			tallies[p.Action] = t
		}
		t.score += cfg.weight(p.AgentType) * p.Confidence
		if p.Confidence > t.best {
			t.best = p.Confidence
		}
		if p.ArrivalSeq < t.firstSeq {
			t.firstSeq = p.ArrivalSeq
		}
		t.supporters = append(t.supporters, p)
	}

	actions := make([]agents.Action, 0, len(tallies))
	for a := range tallies {
		actions = append(actions, a)
	}
	sort.Slice(actions, func(i, j int) bool {
		ti, tj := tallies[actions[i]], tallies[actions[j]]
		if ti.score != tj.score {
			return ti.score > tj.score
		}
		if ti.best != tj.best {
			return ti.best > tj.best
		}
		if ti.firstSeq != tj.firstSeq {
			return ti.firstSeq < tj.firstSeq
		}
		return actions[i] < actions[j]
	})
	winner := actions[0]
	won := tallies[winner]

	var weightSum float64
	for _, p := range won.supporters {
		weightSum += cfg.weight(p.AgentType)
	}
	syn.Action = winner
	syn.Confidence = won.score / weightSum
	syn.RequiresApproval = syn.Severity.AtLeast(cfg.ApprovalSeverity) ||
		syn.ImpactUSD > cfg.AutoApproveLimitUSD ||
		syn.RiskProbability > cfg.RiskProbabilityGate
	syn.RequiredRole = requiredRole(syn.Severity, syn.ImpactUSD, syn.RiskProbability)
	syn.Rationale = summarize(winner, contribs)
	return syn, true
}

// requiredRole maps the stakes to the reviewer rung that must decide.
func requiredRole(severity envelope.Severity, impactUSD, probability float64) string {
	switch {
	case severity == envelope.SeverityCritical || probability > 0.7 || impactUSD > 100000:
		return RoleDirector
	case severity == envelope.SeverityHigh || impactUSD > 25000:
		return RoleManager
	}
	return RoleAnalyst
}

func sortedByArrival(contribs []Contribution) []Contribution {
	out := append([]Contribution(nil), contribs...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].ArrivalSeq != out[j].ArrivalSeq {
			return out[i].ArrivalSeq < out[j].ArrivalSeq
		}
		if out[i].AgentType != out[j].AgentType {
			return out[i].AgentType < out[j].AgentType
		}
		return out[i].EnvelopeID < out[j].EnvelopeID
	})
	return out
}

// summarize renders a stable one-line account of the window, ordered by
// agent type so redeliveries and re-synthesis produce identical text.
func summarize(winner agents.Action, contribs []Contribution) string {
	sorted := append([]Contribution(nil), contribs...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].AgentType != sorted[j].AgentType {
			return sorted[i].AgentType < sorted[j].AgentType
		}
		return sorted[i].ArrivalSeq < sorted[j].ArrivalSeq
	})
	parts := make([]string, 0, len(sorted))
	for _, c := range sorted {
		switch c.Kind {
		case KindProposal:
			parts = append(parts, fmt.Sprintf("%s proposed %s (%.2f)", c.AgentType, c.Action, c.Confidence))
		default:
			parts = append(parts, fmt.Sprintf("%s assessed %s (p=%.2f)", c.AgentType, c.Severity, c.Probability))
		}
	}
	return fmt.Sprintf("selected %s: %s", winner, strings.Join(parts, "; "))
}
