package agents

import "github.com/lodestar-ops/lodestar/pkg/envelope"

// payloadSchemas validate the agent-owned topics. Consumers enforce these
// before dispatch; violations dead-letter as poison.
var payloadSchemas = map[string]string{
	envelope.TopicShipmentUpdated: shipmentSchema,
	envelope.TopicShipmentDelayed: shipmentSchema,

	envelope.TopicInventoryLow: `{
		"type": "object",
		"required": ["sku", "on_hand", "reorder_point", "reorder_qty", "unit_cost_usd"],
		"properties": {
			"sku": {"type": "string", "minLength": 1},
			"warehouse_id": {"type": "string"},
			"on_hand": {"type": "integer", "minimum": 0},
			"reorder_point": {"type": "integer", "minimum": 0},
			"reorder_qty": {"type": "integer", "minimum": 1},
			"unit_cost_usd": {"type": "number", "minimum": 0},
			"supplier_id": {"type": "string"}
		}
	}`,

	envelope.TopicRiskDetected: `{
		"type": "object",
		"required": ["severity", "probability", "rationale"],
		"properties": {
			"severity": {"enum": ["low", "medium", "high", "critical"]},
			"probability": {"type": "number", "minimum": 0, "maximum": 1},
			"exposure_usd": {"type": "number", "minimum": 0},
			"rationale": {"type": "string"},
			"data_sources": {"type": "array", "items": {"type": "string"}}
		}
	}`,

	envelope.TopicRouteProposal: `{
		"type": "object",
		"required": ["action", "confidence", "severity"],
		"properties": {
			"action": {"enum": ["reroute", "expedite", "hold"]},
			"confidence": {"type": "number", "minimum": 0, "maximum": 1},
			"severity": {"enum": ["low", "medium", "high", "critical"]},
			"rationale": {"type": "string"},
			"impact_usd": {"type": "number", "minimum": 0},
			"via": {"type": "array", "items": {"type": "string"}},
			"delay_hours": {"type": "integer", "minimum": 0},
			"emissions_delta_pct": {"type": "integer"},
			"data_sources": {"type": "array", "items": {"type": "string"}}
		}
	}`,

	envelope.TopicProcurementProposal: `{
		"type": "object",
		"required": ["action", "confidence", "severity", "spend_usd"],
		"properties": {
			"action": {"enum": ["reorder", "negotiate"]},
			"confidence": {"type": "number", "minimum": 0, "maximum": 1},
			"severity": {"enum": ["low", "medium", "high", "critical"]},
			"rationale": {"type": "string"},
			"spend_usd": {"type": "number", "minimum": 0},
			"sku": {"type": "string"},
			"quantity": {"type": "integer", "minimum": 0},
			"supplier_id": {"type": "string"},
			"data_sources": {"type": "array", "items": {"type": "string"}}
		}
	}`,

	envelope.TopicKPIUpdated: `{
		"type": "object",
		"required": ["metrics", "computed_at"],
		"properties": {
			"metrics": {"type": "object", "additionalProperties": {"type": "number"}},
			"computed_at": {"type": "string"}
		}
	}`,
}

const shipmentSchema = `{
	"type": "object",
	"required": ["shipment_id", "status"],
	"properties": {
		"shipment_id": {"type": "string", "minLength": 1},
		"status": {"type": "string", "minLength": 1},
		"carrier": {"type": "string"},
		"origin": {"type": "string"},
		"destination": {"type": "string"},
		"via": {"type": "array", "items": {"type": "string"}},
		"delay_hours": {"type": "integer", "minimum": 0},
		"value_usd": {"type": "number", "minimum": 0}
	}
}`

// RegisterSchemas adds the agent topic schemas to the registry.
func RegisterSchemas(reg *envelope.SchemaRegistry) error {
	for eventType, schema := range payloadSchemas {
		if err := reg.Register(eventType, schema); err != nil {
			return err
		}
	}
	return nil
}
