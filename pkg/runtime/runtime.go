package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lodestar-ops/lodestar/pkg/bus"
	"github.com/lodestar-ops/lodestar/pkg/envelope"
)

// Handler processes one envelope. A nil return acknowledges the delivery;
// errors are classified by the taxonomy in pkg/envelope: transient errors
// retry with backoff, permanent errors dead-letter immediately, conflicts
// acknowledge (the work already happened).
type Handler interface {
	Handle(ctx context.Context, env *envelope.Envelope) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env *envelope.Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, env *envelope.Envelope) error {
	return f(ctx, env)
}

// Emitter stages an envelope for publication. The outbox emitter is the
// production implementation.
type Emitter interface {
	Emit(ctx context.Context, env *envelope.Envelope) error
}

// Config tunes one agent's worker. The consumer group is Agent.Role, so two
// roles of the same agent type consume independently.
//
// MaxAttempts is the runtime's dead-letter threshold; the bus's own
// MaxDeliveries backstops it and should not be lower.
type Config struct {
	Agent          string
	Role           string
	BatchSize      int
	PollInterval   time.Duration
	HandlerTimeout time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
}

func (c *Config) setDefaults() {
	if c.Role == "" {
		c.Role = "primary"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
}

// Group names the consumer group for this worker.
func (c Config) Group() string { return c.Agent + "." + c.Role }

// Runtime runs one agent: a consumer loop per declared topic, dispatching to
// registered handlers. Register all handlers before calling Run.
type Runtime struct {
	cfg      Config
	cap      Capability
	bus      bus.Bus
	emitter  Emitter
	dedup    *DedupStore
	schemas  *envelope.SchemaRegistry
	handlers map[string]Handler
	logger   *slog.Logger
	clock    func() time.Time

	mu       sync.Mutex
	holdback map[string]time.Time
}

func New(cfg Config, capability Capability, b bus.Bus, emitter Emitter, dedup *DedupStore, logger *slog.Logger) (*Runtime, error) {
	cfg.setDefaults()
	if cfg.Agent == "" {
		return nil, fmt.Errorf("runtime: %w: missing agent name", envelope.ErrInvalid)
	}
	if capability.Agent != cfg.Agent {
		return nil, fmt.Errorf("runtime: %w: capability is for %q, config for %q",
			envelope.ErrInvalid, capability.Agent, cfg.Agent)
	}
	if err := capability.Validate(); err != nil {
		return nil, err
	}
	if b == nil || emitter == nil || dedup == nil {
		return nil, fmt.Errorf("runtime %s: %w: bus, emitter, and dedup store are required",
			cfg.Agent, envelope.ErrInvalid)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		cfg:      cfg,
		cap:      capability,
		bus:      b,
		emitter:  emitter,
		dedup:    dedup,
		handlers: make(map[string]Handler),
		logger:   logger.With("component", "runtime", "agent", cfg.Group()),
		clock:    time.Now,
		holdback: make(map[string]time.Time),
	}, nil
}

// WithClock overrides the time source for backoff bookkeeping.
func (r *Runtime) WithClock(clock func() time.Time) *Runtime {
	r.clock = clock
	return r
}

// WithSchemas enables payload validation before dispatch. Envelopes that
// fail their type's schema are poison and dead-letter without a handler
// call.
func (r *Runtime) WithSchemas(reg *envelope.SchemaRegistry) *Runtime {
	r.schemas = reg
	return r
}

// Register binds a handler to a topic the capability declares. Undeclared
// topics are refused: the capability file is the contract.
func (r *Runtime) Register(topic string, h Handler) error {
	if !r.cap.CanConsume(topic) {
		return fmt.Errorf("runtime %s: %w: topic %s not in declared consumes",
			r.cfg.Agent, envelope.ErrInvalid, topic)
	}
	if _, dup := r.handlers[topic]; dup {
		return fmt.Errorf("runtime %s: %w: handler for %s already registered",
			r.cfg.Agent, envelope.ErrInvalid, topic)
	}
	r.handlers[topic] = h
	return nil
}

// Emit stages an envelope through the outbox after checking it against the
// declared emissions. Handlers that batch their emission into a business
// transaction append to the outbox directly; this path covers the rest.
func (r *Runtime) Emit(ctx context.Context, env *envelope.Envelope) error {
	if !r.cap.CanEmit(env.Type) {
		return fmt.Errorf("runtime %s: %w: emission of %s not declared",
			r.cfg.Agent, envelope.ErrInvalid, env.Type)
	}
	return r.emitter.Emit(ctx, env)
}

// Lag reports the consumer-group lag per consumed topic.
func (r *Runtime) Lag(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, len(r.cap.Consumes))
	for _, topic := range r.cap.Consumes {
		lag, err := r.bus.Lag(ctx, topic, r.cfg.Group())
		if err != nil {
			return nil, err
		}
		out[topic] = lag
	}
	return out, nil
}

// Run verifies every declared topic has a handler, subscribes, and consumes
// until the context is canceled. In-flight deliveries finish and ack during
// drain; unclaimed ones stay on the bus for the next start.
func (r *Runtime) Run(ctx context.Context) error {
	for _, topic := range r.cap.Consumes {
		if _, ok := r.handlers[topic]; !ok {
			return fmt.Errorf("runtime %s: %w: declared topic %s has no handler",
				r.cfg.Agent, envelope.ErrInvalid, topic)
		}
	}

	subs := make(map[string]bus.Subscription, len(r.cap.Consumes))
	for _, topic := range r.cap.Consumes {
		sub, err := r.bus.Subscribe(ctx, topic, r.cfg.Group())
		if err != nil {
			return err
		}
		subs[topic] = sub
	}
	r.logger.Info("agent started", "topics", r.cap.Consumes)

	var wg sync.WaitGroup
	for topic, sub := range subs {
		wg.Add(1)
		go func(topic string, sub bus.Subscription) {
			defer wg.Done()
			r.consume(ctx, topic, sub)
		}(topic, sub)
	}
	wg.Wait()
	r.logger.Info("agent stopped")
	return nil
}

func (r *Runtime) consume(ctx context.Context, topic string, sub bus.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		batch, err := sub.Poll(ctx, r.cfg.BatchSize)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			r.logger.Error("poll failed", "topic", topic, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.cfg.PollInterval):
			}
			continue
		}
		if len(batch) == 0 {
			continue
		}

		// Deliveries run in order; once one correlation fails, later
		// envelopes of that correlation are left pending so the bus
		// redelivers them after the failed one.
		failed := make(map[string]bool)
		for _, d := range batch {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if failed[d.Envelope.CorrelationID] {
				continue
			}
			r.process(context.WithoutCancel(ctx), topic, sub, d, failed)
		}
	}
}

func (r *Runtime) process(ctx context.Context, topic string, sub bus.Subscription, d bus.Delivery, failed map[string]bool) {
	env := d.Envelope
	if !r.retryDue(env.ID) {
		failed[env.CorrelationID] = true
		return
	}

	seen, err := r.dedup.Seen(ctx, r.cfg.Group(), env.ID)
	if err != nil {
		r.logger.Error("dedup lookup failed", "topic", topic, "envelope", env.ID, "error", err)
		failed[env.CorrelationID] = true
		return
	}
	if seen {
		r.ack(ctx, sub, topic, d)
		return
	}

	if r.schemas != nil {
		if err := r.schemas.Validate(env); err != nil {
			r.deadLetter(ctx, topic, sub, d, err)
			return
		}
	}

	hctx, cancel := context.WithTimeout(ctx, r.cfg.HandlerTimeout)
	err = r.handlers[topic].Handle(hctx, env)
	cancel()

	switch {
	case err == nil:
		if _, err := r.dedup.Mark(ctx, r.cfg.Group(), env.ID); err != nil {
			r.logger.Error("dedup mark failed", "topic", topic, "envelope", env.ID, "error", err)
		}
		r.ack(ctx, sub, topic, d)

	case errors.Is(err, envelope.ErrConflict):
		// Another delivery already did the work.
		r.logger.Debug("conflict on redelivery", "topic", topic, "envelope", env.ID)
		if _, err := r.dedup.Mark(ctx, r.cfg.Group(), env.ID); err != nil {
			r.logger.Error("dedup mark failed", "topic", topic, "envelope", env.ID, "error", err)
		}
		r.ack(ctx, sub, topic, d)

	case envelope.IsPermanent(err) || d.Attempt >= r.cfg.MaxAttempts:
		r.deadLetter(ctx, topic, sub, d, err)

	default:
		r.holdBack(env.ID, d.Attempt)
		failed[env.CorrelationID] = true
		r.logger.Warn("handler failed, will retry",
			"topic", topic, "envelope", env.ID, "attempt", d.Attempt, "error", err)
		if err := sub.Nack(ctx, d.DeliveryID); err != nil {
			r.logger.Error("nack failed", "topic", topic, "envelope", env.ID, "error", err)
		}
	}
}

// deadLetter publishes the envelope to the topic's dead-letter stream, emits
// the agent.failed diagnostic through the outbox, and acknowledges the
// original. Publish precedes ack so a crash duplicates rather than loses.
func (r *Runtime) deadLetter(ctx context.Context, topic string, sub bus.Subscription, d bus.Delivery, cause error) {
	env := d.Envelope
	r.logger.Error("dead-lettering envelope",
		"topic", topic, "envelope", env.ID, "type", env.Type, "attempt", d.Attempt, "error", cause)

	if err := r.bus.Publish(ctx, envelope.DLQTopic(topic), env.WithAttempt(d.Attempt)); err != nil {
		r.logger.Error("dead-letter publish failed", "topic", topic, "envelope", env.ID, "error", err)
		return
	}

	diag, err := envelope.New(envelope.TopicAgentFailed, env.CorrelationID, env.WorkspaceID,
		envelope.AgentFailedPayload{
			Agent:        r.cfg.Group(),
			Topic:        topic,
			EnvelopeID:   env.ID,
			EnvelopeType: env.Type,
			Attempt:      d.Attempt,
			Error:        cause.Error(),
			FailedAt:     r.clock().UTC(),
		})
	if err == nil {
		err = r.emitter.Emit(ctx, diag)
	}
	if err != nil {
		r.logger.Error("agent.failed emit failed", "envelope", env.ID, "error", err)
	}

	if _, err := r.dedup.Mark(ctx, r.cfg.Group(), env.ID); err != nil {
		r.logger.Error("dedup mark failed", "topic", topic, "envelope", env.ID, "error", err)
	}
	r.ack(ctx, sub, topic, d)
}

func (r *Runtime) ack(ctx context.Context, sub bus.Subscription, topic string, d bus.Delivery) {
	if err := sub.Ack(ctx, d.DeliveryID); err != nil {
		r.logger.Error("ack failed", "topic", topic, "envelope", d.Envelope.ID, "error", err)
	}
}

// holdBack schedules the envelope's next attempt after exponential backoff.
func (r *Runtime) holdBack(envelopeID string, attempt int) {
	delay := r.cfg.BackoffBase << uint(attempt-1)
	if delay > r.cfg.BackoffCap || delay <= 0 {
		delay = r.cfg.BackoffCap
	}
	r.mu.Lock()
	r.holdback[envelopeID] = r.clock().Add(delay)
	r.mu.Unlock()
}

// retryDue reports whether the envelope's backoff window has passed, pruning
// the entry once it has.
func (r *Runtime) retryDue(envelopeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.holdback[envelopeID]
	if !ok {
		return true
	}
	if r.clock().Before(at) {
		return false
	}
	delete(r.holdback, envelopeID)
	return true
}
