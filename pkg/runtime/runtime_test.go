package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lodestar-ops/lodestar/pkg/bus"
	"github.com/lodestar-ops/lodestar/pkg/envelope"
)

type captureEmitter struct {
	mu   sync.Mutex
	envs []*envelope.Envelope
}

func (c *captureEmitter) Emit(ctx context.Context, env *envelope.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	return nil
}

func (c *captureEmitter) byType(eventType string) []*envelope.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*envelope.Envelope
	for _, e := range c.envs {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type countingHandler struct {
	mu    sync.Mutex
	calls int
	fail  func(call int) error
}

func (h *countingHandler) Handle(ctx context.Context, env *envelope.Envelope) error {
	h.mu.Lock()
	h.calls++
	call := h.calls
	h.mu.Unlock()
	if h.fail != nil {
		return h.fail(call)
	}
	return nil
}

func (h *countingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func testRuntime(t *testing.T, m *bus.Memory, h Handler, cfg Config) (*Runtime, *captureEmitter) {
	t.Helper()
	dedup := NewDedupStore(setupTestDB(t))
	require.NoError(t, dedup.Init(context.Background()))
	emitter := &captureEmitter{}
	capability := Capability{
		Agent:    cfg.Agent,
		Consumes: []string{envelope.TopicShipmentUpdated},
		Emits:    []string{envelope.TopicRiskDetected, envelope.TopicAgentFailed},
	}
	rt, err := New(cfg, capability, m, emitter, dedup, nil)
	require.NoError(t, err)
	require.NoError(t, rt.Register(envelope.TopicShipmentUpdated, h))
	return rt, emitter
}

func startRuntime(t *testing.T, rt *Runtime) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := rt.Run(ctx); err != nil {
			t.Errorf("runtime exited: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func busOpts() bus.Options {
	return bus.Options{
		VisibilityTimeout: 50 * time.Millisecond,
		MaxDeliveries:     10,
		Block:             time.Millisecond,
	}
}

func TestRuntimeDispatchesAndDeduplicates(t *testing.T) {
	ctx := context.Background()
	m := bus.NewMemory(busOpts())
	h := &countingHandler{}
	rt, _ := testRuntime(t, m, h, Config{Agent: "risk_predictor"})
	startRuntime(t, rt)

	env, err := envelope.New(envelope.TopicShipmentUpdated, "SHIP-42", "ws-1", map[string]any{"status": "delayed"})
	require.NoError(t, err)
	require.NoError(t, m.Publish(ctx, envelope.TopicShipmentUpdated, env))

	require.Eventually(t, func() bool { return h.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	// Republishing the same envelope (relay crash replay) must not reach
	// the handler again: the dedup store has the pair.
	require.NoError(t, m.Publish(ctx, envelope.TopicShipmentUpdated, env))
	require.Eventually(t, func() bool {
		lag, err := m.Lag(ctx, envelope.TopicShipmentUpdated, "risk_predictor.primary")
		return err == nil && lag == 0
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, h.count())
}

func TestRuntimeRetriesTransientThenSucceeds(t *testing.T) {
	ctx := context.Background()
	m := bus.NewMemory(busOpts())
	h := &countingHandler{fail: func(call int) error {
		if call == 1 {
			return fmt.Errorf("upstream flaked")
		}
		return nil
	}}
	rt, _ := testRuntime(t, m, h, Config{
		Agent:       "risk_predictor",
		BackoffBase: time.Millisecond,
		BackoffCap:  2 * time.Millisecond,
	})
	startRuntime(t, rt)

	env, err := envelope.New(envelope.TopicShipmentUpdated, "SHIP-7", "ws-1", map[string]any{"status": "delayed"})
	require.NoError(t, err)
	require.NoError(t, m.Publish(ctx, envelope.TopicShipmentUpdated, env))

	require.Eventually(t, func() bool { return h.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		lag, err := m.Lag(ctx, envelope.TopicShipmentUpdated, "risk_predictor.primary")
		return err == nil && lag == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRuntimeDeadLettersPermanentErrors(t *testing.T) {
	ctx := context.Background()
	m := bus.NewMemory(busOpts())
	h := &countingHandler{fail: func(int) error {
		return envelope.Permanent(errors.New("payload fails schema"))
	}}
	rt, emitter := testRuntime(t, m, h, Config{Agent: "risk_predictor"})
	startRuntime(t, rt)

	env, err := envelope.New(envelope.TopicShipmentUpdated, "SHIP-13", "ws-1", map[string]any{"status": "???"})
	require.NoError(t, err)
	require.NoError(t, m.Publish(ctx, envelope.TopicShipmentUpdated, env))

	dlq, err := m.Subscribe(ctx, envelope.DLQTopic(envelope.TopicShipmentUpdated), "dlq.inspector")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		batch, err := dlq.Poll(ctx, 1)
		return err == nil && len(batch) == 1 && batch[0].Envelope.ID == env.ID
	}, 2*time.Second, 5*time.Millisecond)

	// Exactly one handler call: permanent errors never burn retries.
	require.Equal(t, 1, h.count())

	diags := emitter.byType(envelope.TopicAgentFailed)
	require.Len(t, diags, 1)
	var p envelope.AgentFailedPayload
	require.NoError(t, diags[0].UnmarshalPayload(&p))
	require.Equal(t, "risk_predictor.primary", p.Agent)
	require.Equal(t, env.ID, p.EnvelopeID)
	require.Contains(t, p.Error, "schema")
	require.Equal(t, env.CorrelationID, diags[0].CorrelationID)
}

func TestRuntimeDeadLettersAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	m := bus.NewMemory(busOpts())
	h := &countingHandler{fail: func(int) error { return errors.New("keeps flaking") }}
	rt, emitter := testRuntime(t, m, h, Config{
		Agent:       "risk_predictor",
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		BackoffCap:  2 * time.Millisecond,
	})
	startRuntime(t, rt)

	env, err := envelope.New(envelope.TopicShipmentUpdated, "SHIP-99", "ws-1", map[string]any{"status": "delayed"})
	require.NoError(t, err)
	require.NoError(t, m.Publish(ctx, envelope.TopicShipmentUpdated, env))

	dlq, err := m.Subscribe(ctx, envelope.DLQTopic(envelope.TopicShipmentUpdated), "dlq.inspector")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		batch, err := dlq.Poll(ctx, 1)
		return err == nil && len(batch) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, 3, h.count())
	require.Len(t, emitter.byType(envelope.TopicAgentFailed), 1)
}

func TestRuntimeRefusesUndeclaredTopics(t *testing.T) {
	m := bus.NewMemory(busOpts())
	dedup := NewDedupStore(setupTestDB(t))
	require.NoError(t, dedup.Init(context.Background()))
	capability := Capability{
		Agent:    "risk_predictor",
		Consumes: []string{envelope.TopicShipmentUpdated},
		Emits:    []string{envelope.TopicRiskDetected},
	}
	rt, err := New(Config{Agent: "risk_predictor"}, capability, m, &captureEmitter{}, dedup, nil)
	require.NoError(t, err)

	err = rt.Register(envelope.TopicInventoryLow, HandlerFunc(func(context.Context, *envelope.Envelope) error { return nil }))
	require.ErrorIs(t, err, envelope.ErrInvalid)

	env, err := envelope.New(envelope.TopicKPIUpdated, "ws-1", "ws-1", map[string]any{})
	require.NoError(t, err)
	err = rt.Emit(context.Background(), env)
	require.ErrorIs(t, err, envelope.ErrInvalid)

	// Declared topic without a handler: Run refuses to start.
	err = rt.Run(context.Background())
	require.ErrorIs(t, err, envelope.ErrInvalid)
}

func TestLoadCapabilities(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capabilities.yaml")
	doc := `agents:
  - agent: risk_predictor
    consumes: [shipment.updated, shipment.delayed]
    emits: [risk.detected]
  - agent: orchestrator
    consumes: [risk.detected, route.proposal, procurement.proposal]
    emits: [recommendation.created, alert.created]
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	caps, err := LoadCapabilities(path)
	require.NoError(t, err)
	require.Len(t, caps, 2)
	require.True(t, caps["risk_predictor"].CanConsume(envelope.TopicShipmentDelayed))
	require.False(t, caps["risk_predictor"].CanEmit(envelope.TopicRouteProposal))
	require.True(t, caps["orchestrator"].CanEmit(envelope.TopicAlertCreated))
}

func TestLoadCapabilitiesRejectsDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capabilities.yaml")
	doc := `agents:
  - agent: bridge
    consumes: [kpi.updated]
  - agent: bridge
    consumes: [alert.created]
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	_, err := LoadCapabilities(path)
	require.ErrorIs(t, err, envelope.ErrInvalid)
}
