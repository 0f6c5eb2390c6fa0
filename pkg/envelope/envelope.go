// Package envelope defines the event envelope — the immutable record moved
// through the event bus — together with the payload schema registry and the
// shared error taxonomy for retry, poison, and conflict handling.
//
// An envelope is never mutated after publish. Redelivery increments the
// delivery attempt tracked by the bus, not anything inside the envelope.
package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Topic names carried in the Type field. Streams are named after the topic;
// dead-letter streams append the ".dlq" suffix.
const (
	TopicShipmentUpdated       = "shipment.updated"
	TopicShipmentDelayed       = "shipment.delayed"
	TopicInventoryLow          = "inventory.low"
	TopicRiskDetected          = "risk.detected"
	TopicRouteProposal         = "route.proposal"
	TopicProcurementProposal   = "procurement.proposal"
	TopicRecommendationCreated = "recommendation.created"
	TopicApprovalCompleted     = "approval.completed"
	TopicApprovalExpired       = "approval.expired"
	TopicAlertCreated          = "alert.created"
	TopicKPIUpdated            = "kpi.updated"
	TopicAgentFailed           = "agent.failed"
)

// DLQSuffix is appended to a topic name to form its dead-letter stream.
const DLQSuffix = ".dlq"

// Envelope is the unit of work on the bus. Wire shape (JSON):
//
//	{"id", "type", "correlation_id", "workspace_id", "payload",
//	 "produced_at" ISO8601, "attempt" int}
//
// Attempt is delivery metadata stamped by the bus on each delivery; it is
// excluded from the content hash so redeliveries hash identically.
type Envelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlation_id"`
	WorkspaceID   string          `json:"workspace_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	ProducedAt    time.Time       `json:"produced_at"`
	Attempt       int             `json:"attempt"`
}

// New builds an envelope with a fresh UUID and a UTC production timestamp.
// The payload is marshaled once here; envelopes carry raw JSON from then on.
func New(eventType, correlationID, workspaceID string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("envelope payload marshal: %w", err)
	}
	return &Envelope{
		ID:            uuid.NewString(),
		Type:          eventType,
		CorrelationID: correlationID,
		WorkspaceID:   workspaceID,
		Payload:       raw,
		ProducedAt:    time.Now().UTC(),
	}, nil
}

// derivedNamespace seeds deterministic ids for derived envelopes.
var derivedNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// NewDerived builds an envelope caused by another one, inheriting its
// correlation and workspace. The id is a UUIDv5 of (agent, parent id, type),
// so a handler retried after a successful emission produces the same id and
// the outbox's conflict check makes the emission idempotent.
func NewDerived(eventType string, parent *Envelope, agentID string, payload any) (*Envelope, error) {
	env, err := New(eventType, parent.CorrelationID, parent.WorkspaceID, payload)
	if err != nil {
		return nil, err
	}
	env.ID = uuid.NewSHA1(derivedNamespace, []byte(agentID+":"+parent.ID+":"+eventType)).String()
	return env, nil
}

// Decode parses a wire-format envelope and validates its structure.
// Malformed bytes are a poison condition, not a retryable one.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, Permanent(fmt.Errorf("envelope decode: %w", err))
	}
	if err := e.Validate(); err != nil {
		return nil, Permanent(err)
	}
	return &e, nil
}

// Encode returns the wire-format JSON of the envelope.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Validate checks the structural invariants of the envelope. It does not
// validate the payload against its type schema; see SchemaRegistry.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("envelope %w: id is required", ErrInvalid)
	}
	if e.Type == "" {
		return fmt.Errorf("envelope %w: type is required", ErrInvalid)
	}
	if !strings.Contains(e.Type, ".") {
		return fmt.Errorf("envelope %w: type %q is not a dotted topic name", ErrInvalid, e.Type)
	}
	if e.CorrelationID == "" {
		return fmt.Errorf("envelope %w: correlation_id is required", ErrInvalid)
	}
	if e.ProducedAt.IsZero() {
		return fmt.Errorf("envelope %w: produced_at is required", ErrInvalid)
	}
	if e.Attempt < 0 {
		return fmt.Errorf("envelope %w: attempt must be non-negative", ErrInvalid)
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return fmt.Errorf("envelope %w: payload is not valid JSON", ErrInvalid)
	}
	return nil
}

// WithAttempt returns a copy carrying the delivery attempt count. The
// original envelope is left untouched.
func (e *Envelope) WithAttempt(attempt int) *Envelope {
	clone := *e
	clone.Attempt = attempt
	return &clone
}

// UnmarshalPayload decodes the payload into out. Decode failures are poison:
// the same bytes will fail on every redelivery.
func (e *Envelope) UnmarshalPayload(out any) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return Permanent(fmt.Errorf("payload of %s %s: %w", e.Type, e.ID, err))
	}
	return nil
}

// Domain returns the topic prefix before the first dot, e.g. "risk" for
// "risk.detected".
func (e *Envelope) Domain() string {
	if i := strings.Index(e.Type, "."); i > 0 {
		return e.Type[:i]
	}
	return e.Type
}

// DLQTopic returns the dead-letter stream name for a topic.
func DLQTopic(topic string) string {
	return topic + DLQSuffix
}
