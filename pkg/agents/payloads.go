// Package agents implements the specialized agents: risk prediction, route
// optimization, procurement, and analytics. Each agent is a runtime handler
// that consumes its declared topics, consults the reasoning boundary where
// judgment is needed, and emits derived envelopes through the outbox.
package agents

import (
	"time"

	"github.com/lodestar-ops/lodestar/pkg/envelope"
)

// Action is a proposal's operational verb. The orchestrator aggregates
// votes over these; executors dispatch on them after approval.
type Action string

const (
	ActionReroute   Action = "reroute"
	ActionExpedite  Action = "expedite"
	ActionHold      Action = "hold"
	ActionReorder   Action = "reorder"
	ActionNegotiate Action = "negotiate"
)

func (a Action) Valid() bool {
	switch a {
	case ActionReroute, ActionExpedite, ActionHold, ActionReorder, ActionNegotiate:
		return true
	}
	return false
}

// RouteActions and ProcurementActions partition the action space by the
// agent that executes them.
var (
	RouteActions       = []Action{ActionReroute, ActionExpedite, ActionHold}
	ProcurementActions = []Action{ActionReorder, ActionNegotiate}
)

// ExecutesAction reports whether the action belongs to the given set.
func ExecutesAction(set []Action, a Action) bool {
	for _, x := range set {
		if x == a {
			return true
		}
	}
	return false
}

// ShipmentUpdatedPayload carries shipment facts. shipment.delayed reuses the
// same shape with status "delayed" and a populated delay.
type ShipmentUpdatedPayload struct {
	ShipmentID  string   `json:"shipment_id"`
	Status      string   `json:"status"`
	Carrier     string   `json:"carrier,omitempty"`
	Origin      string   `json:"origin,omitempty"`
	Destination string   `json:"destination,omitempty"`
	Via         []string `json:"via,omitempty"`
	DelayHours  int      `json:"delay_hours,omitempty"`
	ValueUSD    float64  `json:"value_usd,omitempty"`
}

// InventoryLowPayload signals stock below the reorder point.
type InventoryLowPayload struct {
	SKU          string  `json:"sku"`
	WarehouseID  string  `json:"warehouse_id,omitempty"`
	OnHand       int     `json:"on_hand"`
	ReorderPoint int     `json:"reorder_point"`
	ReorderQty   int     `json:"reorder_qty"`
	UnitCostUSD  float64 `json:"unit_cost_usd"`
	SupplierID   string  `json:"supplier_id,omitempty"`
}

// RiskDetectedPayload is the risk agent's assessment. Probability is the
// reasoning service's estimate that the disruption materializes; exposure is
// the declared value at risk, carried through from the shipment.
type RiskDetectedPayload struct {
	Severity    envelope.Severity `json:"severity"`
	Probability float64           `json:"probability"`
	ExposureUSD float64           `json:"exposure_usd,omitempty"`
	Rationale   string            `json:"rationale"`
	DataSources []string          `json:"data_sources,omitempty"`
}

// RouteProposalPayload is the route agent's vote.
type RouteProposalPayload struct {
	Action            Action            `json:"action"`
	Confidence        float64           `json:"confidence"`
	Severity          envelope.Severity `json:"severity"`
	Rationale         string            `json:"rationale"`
	ImpactUSD         float64           `json:"impact_usd"`
	Via               []string          `json:"via,omitempty"`
	DelayHours        int               `json:"delay_hours,omitempty"`
	EmissionsDeltaPct int               `json:"emissions_delta_pct,omitempty"`
	DataSources       []string          `json:"data_sources,omitempty"`
}

// ProcurementProposalPayload is the procurement agent's vote.
type ProcurementProposalPayload struct {
	Action      Action            `json:"action"`
	Confidence  float64           `json:"confidence"`
	Severity    envelope.Severity `json:"severity"`
	Rationale   string            `json:"rationale"`
	SpendUSD    float64           `json:"spend_usd"`
	SKU         string            `json:"sku,omitempty"`
	Quantity    int               `json:"quantity,omitempty"`
	SupplierID  string            `json:"supplier_id,omitempty"`
	DataSources []string          `json:"data_sources,omitempty"`
}

// KPIUpdatedPayload carries the analytics agent's recomputed aggregates.
// One envelope covers every metric touched by the triggering event.
type KPIUpdatedPayload struct {
	Metrics    map[string]float64 `json:"metrics"`
	ComputedAt time.Time          `json:"computed_at"`
}
