// Package bridge mirrors the outward-facing streams onto per-workspace UI
// channels. Each consumed envelope is republished as JSON with an added
// display_hint telling the UI how to surface it. Delivery is at-least-once;
// clients dedupe by envelope id. No business logic lives here.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lodestar-ops/lodestar/pkg/bus"
	"github.com/lodestar-ops/lodestar/pkg/envelope"
)

// Group is the bridge's consumer group. All bridge replicas share it, so
// each event is broadcast once per event, not once per replica.
const Group = "bridge.primary"

// Topics are the streams the UI mirrors.
var Topics = []string{
	envelope.TopicRecommendationCreated,
	envelope.TopicApprovalCompleted,
	envelope.TopicAlertCreated,
	envelope.TopicKPIUpdated,
}

// Display hints. The UI picks a surface from the hint alone, without
// reparsing payloads.
const (
	HintToast        = "toast"
	HintBanner       = "banner"
	HintBadge        = "badge"
	HintChartRefresh = "chart_refresh"
)

// Channel returns the pub/sub channel for a workspace.
func Channel(workspaceID string) string {
	return "ui.broadcast." + workspaceID
}

// Config tunes the consume loop.
type Config struct {
	BatchSize    int
	PollInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
}

// Bridge consumes the outward topics and fans them out to the UI.
type Bridge struct {
	cfg       Config
	bus       bus.Bus
	publisher Publisher
	logger    *slog.Logger
}

func New(cfg Config, b bus.Bus, publisher Publisher, logger *slog.Logger) (*Bridge, error) {
	cfg.setDefaults()
	if b == nil || publisher == nil {
		return nil, fmt.Errorf("bridge: %w: bus and publisher are required", envelope.ErrInvalid)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg:       cfg,
		bus:       b,
		publisher: publisher,
		logger:    logger.With("component", "bridge"),
	}, nil
}

// broadcastMessage is the envelope plus the UI hint, flattened into one
// JSON object.
type broadcastMessage struct {
	*envelope.Envelope
	DisplayHint string `json:"display_hint"`
}

// Run consumes until the context is canceled, one loop per topic.
func (br *Bridge) Run(ctx context.Context) error {
	subs := make(map[string]bus.Subscription, len(Topics))
	for _, topic := range Topics {
		sub, err := br.bus.Subscribe(ctx, topic, Group)
		if err != nil {
			return err
		}
		subs[topic] = sub
	}
	br.logger.Info("bridge started", "topics", Topics)

	var wg sync.WaitGroup
	for topic, sub := range subs {
		wg.Add(1)
		go func(topic string, sub bus.Subscription) {
			defer wg.Done()
			br.consume(ctx, topic, sub)
		}(topic, sub)
	}
	wg.Wait()
	br.logger.Info("bridge stopped")
	return nil
}

func (br *Bridge) consume(ctx context.Context, topic string, sub bus.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		batch, err := sub.Poll(ctx, br.cfg.BatchSize)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			br.logger.Error("poll failed", "topic", topic, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(br.cfg.PollInterval):
			}
			continue
		}
		for _, d := range batch {
			select {
			case <-ctx.Done():
				return
			default:
			}
			br.forward(context.WithoutCancel(ctx), topic, sub, d)
		}
	}
}

// forward broadcasts one delivery. Broadcast precedes ack so a crash between
// the two duplicates the message rather than losing it.
func (br *Bridge) forward(ctx context.Context, topic string, sub bus.Subscription, d bus.Delivery) {
	env := d.Envelope
	if env.WorkspaceID == "" {
		// No workspace, no channel. Log it and move on.
		br.logger.Warn("envelope without workspace, skipping broadcast", "topic", topic, "envelope", env.ID)
		br.ack(ctx, topic, sub, d)
		return
	}

	msg, err := json.Marshal(broadcastMessage{Envelope: env, DisplayHint: displayHint(env)})
	if err != nil {
		br.logger.Error("broadcast marshal failed", "topic", topic, "envelope", env.ID, "error", err)
		br.ack(ctx, topic, sub, d)
		return
	}

	if err := br.publisher.Broadcast(ctx, Channel(env.WorkspaceID), msg); err != nil {
		br.logger.Warn("broadcast failed, will retry", "topic", topic, "envelope", env.ID, "error", err)
		if err := sub.Nack(ctx, d.DeliveryID); err != nil {
			br.logger.Error("nack failed", "topic", topic, "envelope", env.ID, "error", err)
		}
		return
	}
	br.ack(ctx, topic, sub, d)
}

func (br *Bridge) ack(ctx context.Context, topic string, sub bus.Subscription, d bus.Delivery) {
	if err := sub.Ack(ctx, d.DeliveryID); err != nil {
		br.logger.Error("ack failed", "topic", topic, "envelope", d.Envelope.ID, "error", err)
	}
}

// displayHint maps topic and severity onto a UI surface. High-stakes
// recommendations and critical alerts interrupt; routine events accumulate
// quietly.
func displayHint(env *envelope.Envelope) string {
	switch env.Type {
	case envelope.TopicRecommendationCreated:
		switch payloadSeverity(env) {
		case envelope.SeverityCritical, envelope.SeverityHigh:
			return HintBanner
		}
		return HintToast
	case envelope.TopicApprovalCompleted:
		return HintToast
	case envelope.TopicAlertCreated:
		if payloadSeverity(env) == envelope.SeverityCritical {
			return HintBanner
		}
		return HintBadge
	case envelope.TopicKPIUpdated:
		return HintChartRefresh
	}
	return HintToast
}

func payloadSeverity(env *envelope.Envelope) envelope.Severity {
	var probe struct {
		Severity envelope.Severity `json:"severity"`
	}
	if err := json.Unmarshal(env.Payload, &probe); err != nil {
		return ""
	}
	return probe.Severity
}
