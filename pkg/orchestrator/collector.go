package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/lodestar-ops/lodestar/pkg/agents"
	"github.com/lodestar-ops/lodestar/pkg/envelope"
)

// Window is a closed debounce window, ready for synthesis.
type Window struct {
	CorrelationID string
	WorkspaceID   string
	OpenedAt      time.Time
	Contributions []Contribution
	EnvelopeIDs   []string

	// Complete reports whether every expected agent contributed before
	// the debounce elapsed.
	Complete bool
}

type window struct {
	workspaceID string
	openedAt    time.Time
	contribs    []Contribution
	envelopeIDs []string
	seenIDs     map[string]bool
	seenAgents  map[string]bool
	nextSeq     int
}

// Collector groups agent outputs by correlation. A window opens on the first
// contribution for a correlation and closes once every expected agent has
// contributed or the debounce interval has passed, whichever comes first.
type Collector struct {
	mu       sync.Mutex
	windows  map[string]*window
	expected map[string]bool
	debounce time.Duration
	clock    func() time.Time
}

func NewCollector(expected []string, debounce time.Duration) *Collector {
	exp := make(map[string]bool, len(expected))
	for _, a := range expected {
		exp[a] = true
	}
	if debounce <= 0 {
		debounce = 3 * time.Second
	}
	return &Collector{
		windows:  make(map[string]*window),
		expected: exp,
		debounce: debounce,
		clock:    time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (c *Collector) WithClock(clock func() time.Time) *Collector {
	c.clock = clock
	return c
}

// Add files the envelope's contribution under its correlation. Duplicate
// envelope IDs within an open window are dropped; the bus may redeliver
// before the window closes and marks them processed.
func (c *Collector) Add(env *envelope.Envelope) error {
	contrib, err := parseContribution(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.windows[env.CorrelationID]
	if !ok {
		w = &window{
			workspaceID: env.WorkspaceID,
			openedAt:    c.clock(),
			seenIDs:     make(map[string]bool),
			seenAgents:  make(map[string]bool),
		}
		c.windows[env.CorrelationID] = w
	}
	if w.seenIDs[env.ID] {
		return nil
	}
	w.seenIDs[env.ID] = true
	w.seenAgents[contrib.AgentType] = true
	contrib.EnvelopeID = env.ID
	contrib.ArrivalSeq = w.nextSeq
	w.nextSeq++
	w.contribs = append(w.contribs, contrib)
	w.envelopeIDs = append(w.envelopeIDs, env.ID)
	return nil
}

// FlushDue calls fn for every window that is due and removes those fn
// accepts. A window fn rejects stays open and is offered again on the next
// flush, including anything added in between. fn runs under the collector
// lock; Add blocks for its duration.
func (c *Collector) FlushDue(fn func(Window) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock()
	var firstErr error
	for corr, w := range c.windows {
		complete := c.fullSet(w)
		if !complete && now.Sub(w.openedAt) < c.debounce {
			continue
		}
		snap := Window{
			CorrelationID: corr,
			WorkspaceID:   w.workspaceID,
			OpenedAt:      w.openedAt,
			Contributions: append([]Contribution(nil), w.contribs...),
			EnvelopeIDs:   append([]string(nil), w.envelopeIDs...),
			Complete:      complete,
		}
		if err := fn(snap); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		delete(c.windows, corr)
	}
	return firstErr
}

// Pending reports open window count, for health surfaces.
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.windows)
}

func (c *Collector) fullSet(w *window) bool {
	if len(c.expected) == 0 {
		return false
	}
	for a := range c.expected {
		if !w.seenAgents[a] {
			return false
		}
	}
	return true
}

func parseContribution(env *envelope.Envelope) (Contribution, error) {
	switch env.Type {
	case envelope.TopicRiskDetected:
		var p agents.RiskDetectedPayload
		if err := env.UnmarshalPayload(&p); err != nil {
			return Contribution{}, err
		}
		return Contribution{
			AgentType:   agents.AgentRisk,
			Kind:        KindAssessment,
			Confidence:  p.Probability,
			Severity:    p.Severity,
			Probability: p.Probability,
			ImpactUSD:   p.ExposureUSD,
			Rationale:   p.Rationale,
			DataSources: p.DataSources,
		}, nil
	case envelope.TopicRouteProposal:
		var p agents.RouteProposalPayload
		if err := env.UnmarshalPayload(&p); err != nil {
			return Contribution{}, err
		}
		return Contribution{
			AgentType:         agents.AgentRoute,
			Kind:              KindProposal,
			Action:            p.Action,
			Confidence:        p.Confidence,
			Severity:          p.Severity,
			ImpactUSD:         p.ImpactUSD,
			Rationale:         p.Rationale,
			Regions:           p.Via,
			DelayHours:        p.DelayHours,
			EmissionsDeltaPct: p.EmissionsDeltaPct,
			DataSources:       p.DataSources,
		}, nil
	case envelope.TopicProcurementProposal:
		var p agents.ProcurementProposalPayload
		if err := env.UnmarshalPayload(&p); err != nil {
			return Contribution{}, err
		}
		return Contribution{
			AgentType:   agents.AgentProcurement,
			Kind:        KindProposal,
			Action:      p.Action,
			Confidence:  p.Confidence,
			Severity:    p.Severity,
			ImpactUSD:   p.SpendUSD,
			Rationale:   p.Rationale,
			DataSources: p.DataSources,
		}, nil
	}
	return Contribution{}, fmt.Errorf("orchestrator: %w: no contribution mapping for %s", envelope.ErrInvalid, env.Type)
}
