package agents

import (
	"github.com/lodestar-ops/lodestar/pkg/envelope"
	"github.com/lodestar-ops/lodestar/pkg/runtime"
)

// Agent type names. Consumer groups are <agent>.<role>.
const (
	AgentRisk        = "risk_predictor"
	AgentRoute       = "route_optimizer"
	AgentProcurement = "procurement"
	AgentAnalytics   = "analytics"
)

// Capabilities returns the built-in declarations for the specialized agents.
// A capability file loaded at startup overrides these per agent.
func Capabilities() map[string]runtime.Capability {
	return map[string]runtime.Capability{
		AgentRisk: {
			Agent:    AgentRisk,
			Consumes: []string{envelope.TopicShipmentUpdated, envelope.TopicShipmentDelayed},
			Emits:    []string{envelope.TopicRiskDetected, envelope.TopicAgentFailed},
		},
		AgentRoute: {
			Agent:    AgentRoute,
			Consumes: []string{envelope.TopicRiskDetected, envelope.TopicApprovalCompleted},
			Emits:    []string{envelope.TopicRouteProposal, envelope.TopicAlertCreated, envelope.TopicAgentFailed},
		},
		AgentProcurement: {
			Agent:    AgentProcurement,
			Consumes: []string{envelope.TopicInventoryLow, envelope.TopicApprovalCompleted},
			Emits:    []string{envelope.TopicProcurementProposal, envelope.TopicAlertCreated, envelope.TopicAgentFailed},
		},
		AgentAnalytics: {
			Agent:    AgentAnalytics,
			Consumes: []string{envelope.TopicShipmentUpdated, envelope.TopicApprovalCompleted},
			Emits:    []string{envelope.TopicKPIUpdated, envelope.TopicAgentFailed},
		},
	}
}
