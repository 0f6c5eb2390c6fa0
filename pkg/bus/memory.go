package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lodestar-ops/lodestar/pkg/envelope"
)

// Memory is an in-process Bus with the same contract as the Redis
// implementation: consumer groups, visibility-timeout reclaim, dead-letter
// routing, and per-correlation ordering. It backs tests and the single-node
// development profile.
type Memory struct {
	mu     sync.Mutex
	opts   Options
	clock  func() time.Time
	topics map[string]*memTopic
	notify chan struct{}
}

type memTopic struct {
	entries []memEntry
	groups  map[string]*memGroup
}

type memEntry struct {
	id  string
	env *envelope.Envelope
}

type memGroup struct {
	cursor  int
	pending map[string]*memPending
	nextSeq int64
}

// memPending tracks one entry the group has seen but not acknowledged.
// deliveries is 0 for entries parked behind an in-flight envelope of the
// same correlation; released marks an explicit nack.
type memPending struct {
	idx        int
	claimedAt  time.Time
	deliveries int
	released   bool
}

// NewMemory returns an empty in-memory bus.
func NewMemory(opts Options) *Memory {
	opts.setDefaults()
	return &Memory{
		opts:   opts,
		clock:  time.Now,
		topics: make(map[string]*memTopic),
		notify: make(chan struct{}),
	}
}

// WithClock overrides the time source. Visibility-timeout tests inject a
// fake clock here.
func (m *Memory) WithClock(clock func() time.Time) *Memory {
	m.clock = clock
	return m
}

func (m *Memory) topic(name string) *memTopic {
	t, ok := m.topics[name]
	if !ok {
		t = &memTopic{groups: make(map[string]*memGroup)}
		m.topics[name] = t
	}
	return t
}

// Publish appends the envelope to the topic and wakes blocked pollers.
func (m *Memory) Publish(ctx context.Context, topic string, env *envelope.Envelope) error {
	if env == nil {
		return fmt.Errorf("publish %s: %w: nil envelope", topic, envelope.ErrInvalid)
	}
	m.mu.Lock()
	m.publishLocked(topic, env)
	close(m.notify)
	m.notify = make(chan struct{})
	m.mu.Unlock()
	return nil
}

func (m *Memory) publishLocked(topic string, env *envelope.Envelope) {
	t := m.topic(topic)
	id := fmt.Sprintf("%d-%d", m.clock().UnixMilli(), len(t.entries))
	t.entries = append(t.entries, memEntry{id: id, env: env})
}

// Subscribe joins the group, creating it at the start of the stream on
// first use.
func (m *Memory) Subscribe(ctx context.Context, topic, group string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.topic(topic)
	if _, ok := t.groups[group]; !ok {
		t.groups[group] = &memGroup{pending: make(map[string]*memPending)}
	}
	return &memSub{bus: m, topic: topic, group: group}, nil
}

// Lag counts pending plus never-delivered entries for the group.
func (m *Memory) Lag(ctx context.Context, topic, group string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.topic(topic)
	g, ok := t.groups[group]
	if !ok {
		return int64(len(t.entries)), nil
	}
	return int64(len(t.entries) - g.cursor + len(g.pending)), nil
}

type memSub struct {
	bus   *Memory
	topic string
	group string
}

// Poll claims up to max deliveries. Reclaimable pending entries surface
// first, in stream order; an entry whose correlation has an earlier
// unresolved entry is held back so per-correlation order survives retries.
func (s *memSub) Poll(ctx context.Context, max int) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}
	out, err := s.poll(max)
	if err != nil || len(out) > 0 || s.bus.opts.Block <= 0 {
		return out, err
	}
	s.bus.mu.Lock()
	wake := s.bus.notify
	s.bus.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-wake:
	case <-time.After(s.bus.opts.Block):
	}
	return s.poll(max)
}

func (s *memSub) poll(max int) ([]Delivery, error) {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	now := s.bus.clock()
	t := s.bus.topic(s.topic)
	g := t.groups[s.group]
	if g == nil {
		return nil, fmt.Errorf("poll %s: group %q not subscribed", s.topic, s.group)
	}

	var out []Delivery
	blocked := make(map[string]bool)

	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return g.pending[ids[i]].idx < g.pending[ids[j]].idx })

	for _, id := range ids {
		p := g.pending[id]
		corr := t.entries[p.idx].env.CorrelationID
		reclaimable := p.released || now.Sub(p.claimedAt) >= s.bus.opts.VisibilityTimeout
		if !reclaimable {
			blocked[corr] = true
			continue
		}
		if p.deliveries >= s.bus.opts.MaxDeliveries {
			s.bus.publishLocked(envelope.DLQTopic(s.topic), t.entries[p.idx].env.WithAttempt(p.deliveries))
			delete(g.pending, id)
			continue
		}
		if blocked[corr] || len(out) >= max {
			blocked[corr] = true
			continue
		}
		p.deliveries++
		p.claimedAt = now
		p.released = false
		blocked[corr] = true
		out = append(out, Delivery{
			Envelope:   t.entries[p.idx].env.WithAttempt(p.deliveries),
			DeliveryID: id,
			Attempt:    p.deliveries,
		})
	}

	for g.cursor < len(t.entries) && len(out) < max {
		e := t.entries[g.cursor]
		idx := g.cursor
		g.cursor++
		corr := e.env.CorrelationID
		if blocked[corr] {
			// Parked: stays pending with zero deliveries until the
			// earlier envelope of this correlation resolves.
			g.pending[e.id] = &memPending{idx: idx, released: true}
			continue
		}
		g.pending[e.id] = &memPending{idx: idx, claimedAt: now, deliveries: 1}
		blocked[corr] = true
		out = append(out, Delivery{
			Envelope:   e.env.WithAttempt(1),
			DeliveryID: e.id,
			Attempt:    1,
		})
	}
	return out, nil
}

// Ack drops the delivery. Acking an unknown or already-acked id is a no-op;
// redelivery races make that a normal occurrence.
func (s *memSub) Ack(ctx context.Context, deliveryID string) error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	g := s.bus.topic(s.topic).groups[s.group]
	if g != nil {
		delete(g.pending, deliveryID)
	}
	return nil
}

// Nack releases the delivery for immediate reclaim, or dead-letters it when
// the delivery budget is spent.
func (s *memSub) Nack(ctx context.Context, deliveryID string) error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	t := s.bus.topic(s.topic)
	g := t.groups[s.group]
	if g == nil {
		return nil
	}
	p, ok := g.pending[deliveryID]
	if !ok {
		return nil
	}
	if p.deliveries >= s.bus.opts.MaxDeliveries {
		s.bus.publishLocked(envelope.DLQTopic(s.topic), t.entries[p.idx].env.WithAttempt(p.deliveries))
		delete(g.pending, deliveryID)
		return nil
	}
	p.released = true
	return nil
}

func (s *memSub) Close() error { return nil }
