package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestar-ops/lodestar/pkg/agents"
	"github.com/lodestar-ops/lodestar/pkg/bus"
	"github.com/lodestar-ops/lodestar/pkg/envelope"
)

func testOpts() bus.Options {
	return bus.Options{
		VisibilityTimeout: 30 * time.Second,
		MaxDeliveries:     5,
		Block:             time.Millisecond,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// flakyPublisher fails the first n broadcasts, then delegates.
type flakyPublisher struct {
	*MemoryPublisher
	mu       sync.Mutex
	failures int
}

func (p *flakyPublisher) Broadcast(ctx context.Context, channel string, message []byte) error {
	p.mu.Lock()
	if p.failures > 0 {
		p.failures--
		p.mu.Unlock()
		return errors.New("pubsub unavailable")
	}
	p.mu.Unlock()
	return p.MemoryPublisher.Broadcast(ctx, channel, message)
}

func startBridge(t *testing.T, b bus.Bus, pub Publisher) {
	t.Helper()
	br, err := New(Config{PollInterval: 5 * time.Millisecond}, b, pub, quietLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = br.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func mustEnvelope(t *testing.T, eventType, workspaceID string, payload any) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(eventType, "SHIP-42", workspaceID, payload)
	require.NoError(t, err)
	return env
}

type broadcastProbe struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	WorkspaceID string `json:"workspace_id"`
	DisplayHint string `json:"display_hint"`
}

func TestBridgeBroadcastsWithHints(t *testing.T) {
	m := bus.NewMemory(testOpts())
	pub := NewMemoryPublisher()
	startBridge(t, m, pub)

	ctx := context.Background()
	created := mustEnvelope(t, envelope.TopicRecommendationCreated, "ws-acme",
		map[string]any{"recommendation_id": "rec-1", "severity": "high"})
	completed := mustEnvelope(t, envelope.TopicApprovalCompleted, "ws-acme",
		envelope.ApprovalCompletedPayload{RecommendationID: "rec-1", Action: "reroute"})
	alert := mustEnvelope(t, envelope.TopicAlertCreated, "ws-acme",
		envelope.AlertPayload{Kind: envelope.AlertKindEscalation, Severity: envelope.SeverityMedium, Message: "undecided"})
	kpi := mustEnvelope(t, envelope.TopicKPIUpdated, "ws-acme",
		agents.KPIUpdatedPayload{Metrics: map[string]float64{"open_risks": 3}, ComputedAt: time.Now().UTC()})

	require.NoError(t, m.Publish(ctx, envelope.TopicRecommendationCreated, created))
	require.NoError(t, m.Publish(ctx, envelope.TopicApprovalCompleted, completed))
	require.NoError(t, m.Publish(ctx, envelope.TopicAlertCreated, alert))
	require.NoError(t, m.Publish(ctx, envelope.TopicKPIUpdated, kpi))

	require.Eventually(t, func() bool {
		return len(pub.Messages(Channel("ws-acme"))) == 4
	}, 2*time.Second, 5*time.Millisecond)

	hints := make(map[string]broadcastProbe)
	for _, raw := range pub.Messages(Channel("ws-acme")) {
		var probe broadcastProbe
		require.NoError(t, json.Unmarshal(raw, &probe))
		hints[probe.Type] = probe
	}

	assert.Equal(t, HintBanner, hints[envelope.TopicRecommendationCreated].DisplayHint)
	assert.Equal(t, HintToast, hints[envelope.TopicApprovalCompleted].DisplayHint)
	assert.Equal(t, HintBadge, hints[envelope.TopicAlertCreated].DisplayHint)
	assert.Equal(t, HintChartRefresh, hints[envelope.TopicKPIUpdated].DisplayHint)
	assert.Equal(t, created.ID, hints[envelope.TopicRecommendationCreated].ID)
	assert.Equal(t, "ws-acme", hints[envelope.TopicKPIUpdated].WorkspaceID)
}

func TestDisplayHintMapping(t *testing.T) {
	cases := []struct {
		name     string
		topic    string
		severity envelope.Severity
		want     string
	}{
		{"routine recommendation", envelope.TopicRecommendationCreated, envelope.SeverityLow, HintToast},
		{"high recommendation", envelope.TopicRecommendationCreated, envelope.SeverityHigh, HintBanner},
		{"critical recommendation", envelope.TopicRecommendationCreated, envelope.SeverityCritical, HintBanner},
		{"completion", envelope.TopicApprovalCompleted, envelope.SeverityCritical, HintToast},
		{"routine alert", envelope.TopicAlertCreated, envelope.SeverityHigh, HintBadge},
		{"critical alert", envelope.TopicAlertCreated, envelope.SeverityCritical, HintBanner},
		{"kpi", envelope.TopicKPIUpdated, "", HintChartRefresh},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := mustEnvelope(t, tc.topic, "ws-acme", map[string]any{"severity": tc.severity})
			assert.Equal(t, tc.want, displayHint(env))
		})
	}
}

func TestBridgeRetriesFailedBroadcast(t *testing.T) {
	m := bus.NewMemory(testOpts())
	pub := &flakyPublisher{MemoryPublisher: NewMemoryPublisher(), failures: 2}
	startBridge(t, m, pub)

	env := mustEnvelope(t, envelope.TopicAlertCreated, "ws-acme",
		envelope.AlertPayload{Kind: envelope.AlertKindEscalation, Severity: envelope.SeverityHigh, Message: "retry me"})
	require.NoError(t, m.Publish(context.Background(), envelope.TopicAlertCreated, env))

	require.Eventually(t, func() bool {
		return len(pub.Messages(Channel("ws-acme"))) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBridgeRoutesPerWorkspace(t *testing.T) {
	m := bus.NewMemory(testOpts())
	pub := NewMemoryPublisher()
	startBridge(t, m, pub)

	ctx := context.Background()
	acme := mustEnvelope(t, envelope.TopicAlertCreated, "ws-acme",
		envelope.AlertPayload{Kind: envelope.AlertKindEscalation, Severity: envelope.SeverityLow, Message: "a"})
	rival := mustEnvelope(t, envelope.TopicAlertCreated, "ws-rival",
		envelope.AlertPayload{Kind: envelope.AlertKindEscalation, Severity: envelope.SeverityLow, Message: "b"})
	require.NoError(t, m.Publish(ctx, envelope.TopicAlertCreated, acme))
	require.NoError(t, m.Publish(ctx, envelope.TopicAlertCreated, rival))

	require.Eventually(t, func() bool {
		return len(pub.Messages("ui.broadcast.ws-acme")) == 1 &&
			len(pub.Messages("ui.broadcast.ws-rival")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	var probe broadcastProbe
	require.NoError(t, json.Unmarshal(pub.Messages("ui.broadcast.ws-acme")[0], &probe))
	assert.Equal(t, acme.ID, probe.ID)
}
