package orchestrator

import "github.com/lodestar-ops/lodestar/pkg/envelope"

var recommendationCreatedSchema = `{
	"type": "object",
	"required": ["recommendation_id", "action", "severity", "confidence", "impact_usd", "requires_approval", "required_role", "created_at"],
	"properties": {
		"recommendation_id": {"type": "string", "minLength": 1},
		"action": {"type": "string", "minLength": 1},
		"severity": {"enum": ["low", "medium", "high", "critical"]},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"impact_usd": {"type": "number", "minimum": 0},
		"risk_probability": {"type": "number", "minimum": 0, "maximum": 1},
		"requires_approval": {"type": "boolean"},
		"required_role": {"enum": ["analyst", "manager", "director"]},
		"rationale": {"type": "string"},
		"agents": {"type": "array", "items": {"type": "string"}},
		"created_at": {"type": "string"}
	}
}`

// RegisterSchemas adds the recommendation.created payload schema.
func RegisterSchemas(reg *envelope.SchemaRegistry) error {
	return reg.Register(envelope.TopicRecommendationCreated, recommendationCreatedSchema)
}
