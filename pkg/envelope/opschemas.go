package envelope

// operationalSchemas cover the payloads defined in this package.
var operationalSchemas = map[string]string{
	TopicAgentFailed: `{
		"type": "object",
		"required": ["agent", "topic", "envelope_id", "envelope_type", "attempt", "error", "failed_at"],
		"properties": {
			"agent": {"type": "string", "minLength": 1},
			"topic": {"type": "string", "minLength": 1},
			"envelope_id": {"type": "string", "minLength": 1},
			"envelope_type": {"type": "string"},
			"attempt": {"type": "integer", "minimum": 0},
			"error": {"type": "string"},
			"failed_at": {"type": "string"}
		}
	}`,

	TopicAlertCreated: `{
		"type": "object",
		"required": ["kind", "severity", "message", "source"],
		"properties": {
			"kind": {"enum": ["escalation", "execution_failure", "risk_assessment"]},
			"severity": {"enum": ["low", "medium", "high", "critical"]},
			"message": {"type": "string", "minLength": 1},
			"source": {"type": "string", "minLength": 1},
			"recommendation_id": {"type": "string"},
			"required_role": {"type": "string"}
		}
	}`,

	TopicApprovalCompleted: `{
		"type": "object",
		"required": ["recommendation_id", "action", "severity", "impact_usd", "decided_by", "autonomous", "decided_at"],
		"properties": {
			"recommendation_id": {"type": "string", "minLength": 1},
			"action": {"type": "string", "minLength": 1},
			"severity": {"enum": ["low", "medium", "high", "critical"]},
			"impact_usd": {"type": "number", "minimum": 0},
			"decided_by": {"type": "string", "minLength": 1},
			"autonomous": {"type": "boolean"},
			"comments": {"type": "string"},
			"decided_at": {"type": "string"}
		}
	}`,

	TopicApprovalExpired: `{
		"type": "object",
		"required": ["recommendation_id", "action", "severity", "required_role", "expired_at"],
		"properties": {
			"recommendation_id": {"type": "string", "minLength": 1},
			"action": {"type": "string"},
			"severity": {"enum": ["low", "medium", "high", "critical"]},
			"required_role": {"type": "string"},
			"expired_at": {"type": "string"}
		}
	}`,
}

// RegisterOperationalSchemas adds schemas for the cross-cutting payloads:
// diagnostics, alerts, and approval outcomes.
func RegisterOperationalSchemas(reg *SchemaRegistry) error {
	for eventType, schema := range operationalSchemas {
		if err := reg.Register(eventType, schema); err != nil {
			return err
		}
	}
	return nil
}
