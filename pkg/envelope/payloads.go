package envelope

import "time"

// Operational payloads shared by every component. Domain payloads (shipment
// facts, proposals) live with the agents that produce them; these two are
// cross-cutting: anything can fail, and several components raise alerts.

// AgentFailedPayload is the diagnostic emitted when the runtime dead-letters
// an envelope. Operators triage the dead-letter stream from these.
type AgentFailedPayload struct {
	Agent        string    `json:"agent"`
	Topic        string    `json:"topic"`
	EnvelopeID   string    `json:"envelope_id"`
	EnvelopeType string    `json:"envelope_type"`
	Attempt      int       `json:"attempt"`
	Error        string    `json:"error"`
	FailedAt     time.Time `json:"failed_at"`
}

// Alert kinds. The bridge picks display hints from these.
const (
	AlertKindEscalation       = "escalation"
	AlertKindExecutionFailure = "execution_failure"
	AlertKindRiskAssessment   = "risk_assessment"
)

// AlertPayload is a human-facing notification: SLA escalations, failed
// action executions, and high-severity assessments that produced no
// actionable proposal.
type AlertPayload struct {
	Kind             string   `json:"kind"`
	Severity         Severity `json:"severity"`
	Message          string   `json:"message"`
	Source           string   `json:"source"`
	RecommendationID string   `json:"recommendation_id,omitempty"`
	RequiredRole     string   `json:"required_role,omitempty"`
}

// ApprovalCompletedPayload announces an approved recommendation. Executing
// agents act only after seeing this envelope; it is never emitted for
// rejections.
type ApprovalCompletedPayload struct {
	RecommendationID string    `json:"recommendation_id"`
	Action           string    `json:"action"`
	Severity         Severity  `json:"severity"`
	ImpactUSD        float64   `json:"impact_usd"`
	DecidedBy        string    `json:"decided_by"`
	Autonomous       bool      `json:"autonomous"`
	Comments         string    `json:"comments,omitempty"`
	DecidedAt        time.Time `json:"decided_at"`
}

// ApprovalExpiredPayload announces a recommendation that ran out its SLA
// deadline undecided.
type ApprovalExpiredPayload struct {
	RecommendationID string    `json:"recommendation_id"`
	Action           string    `json:"action"`
	Severity         Severity  `json:"severity"`
	RequiredRole     string    `json:"required_role"`
	ExpiredAt        time.Time `json:"expired_at"`
}
