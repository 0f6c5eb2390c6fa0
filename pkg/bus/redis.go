package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lodestar-ops/lodestar/pkg/envelope"
)

// Stream entry field names. The envelope body is authoritative; type and
// correlation_id are duplicated for XRANGE debugging.
const (
	fieldEnvelope    = "envelope"
	fieldType        = "type"
	fieldCorrelation = "correlation_id"
)

// Redis implements Bus on Redis Streams. Each topic is one stream; consumer
// groups are Redis consumer groups; reclaim rides XAUTOCLAIM with the
// visibility timeout as min-idle.
type Redis struct {
	client redis.UniversalClient
	opts   Options
	logger *slog.Logger
}

// NewRedis wraps an existing client. The caller owns the client's lifecycle.
func NewRedis(client redis.UniversalClient, opts Options, logger *slog.Logger) *Redis {
	opts.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, opts: opts, logger: logger.With("component", "bus")}
}

// Publish appends the envelope with an approximate max-length trim so
// streams stay bounded.
func (r *Redis) Publish(ctx context.Context, topic string, env *envelope.Envelope) error {
	if env == nil {
		return fmt.Errorf("publish %s: %w: nil envelope", topic, envelope.ErrInvalid)
	}
	raw, err := env.Encode()
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		MaxLen: r.opts.MaxStreamLen,
		Approx: true,
		Values: map[string]interface{}{
			fieldEnvelope:    string(raw),
			fieldType:        env.Type,
			fieldCorrelation: env.CorrelationID,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish %s: xadd: %w", topic, err)
	}
	return nil
}

// Subscribe creates the group at the stream head, tolerating a group that
// already exists.
func (r *Redis) Subscribe(ctx context.Context, topic, group string) (Subscription, error) {
	err := r.client.XGroupCreateMkStream(ctx, topic, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("subscribe %s/%s: %w", topic, group, err)
	}
	consumer := r.opts.Consumer
	if consumer == "" {
		consumer = group
	}
	return &redisSub{bus: r, topic: topic, group: group, consumer: consumer}, nil
}

// Lag sums delivered-but-pending and never-delivered entries for the group.
// A missing stream means nothing was ever published: lag zero.
func (r *Redis) Lag(ctx context.Context, topic, group string) (int64, error) {
	groups, err := r.client.XInfoGroups(ctx, topic).Result()
	if err != nil {
		if strings.Contains(err.Error(), "no such key") {
			return 0, nil
		}
		return 0, fmt.Errorf("lag %s/%s: %w", topic, group, err)
	}
	for _, g := range groups {
		if g.Name == group {
			return g.Pending + g.Lag, nil
		}
	}
	return 0, nil
}

type redisSub struct {
	bus      *Redis
	topic    string
	group    string
	consumer string
}

// Poll reclaims idle pending entries first (stream order), then reads new
// ones. Entries over the delivery budget and entries whose body no longer
// decodes are dead-lettered here rather than handed to a consumer.
func (s *redisSub) Poll(ctx context.Context, max int) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}
	out := make([]Delivery, 0, max)

	claimed, _, err := s.bus.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.topic,
		Group:    s.group,
		Consumer: s.consumer,
		MinIdle:  s.bus.opts.VisibilityTimeout,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("poll %s/%s: xautoclaim: %w", s.topic, s.group, err)
	}
	if len(claimed) > 0 {
		counts, err := s.deliveryCounts(ctx, claimed[0].ID, claimed[len(claimed)-1].ID)
		if err != nil {
			return nil, err
		}
		for _, msg := range claimed {
			if len(msg.Values) == 0 {
				// Trimmed out from under the PEL; nothing left to deliver.
				s.ack(ctx, msg.ID)
				continue
			}
			attempt := counts[msg.ID]
			if attempt <= 0 {
				attempt = 1
			}
			d, ok := s.decode(ctx, msg, attempt)
			if !ok {
				continue
			}
			if attempt > s.bus.opts.MaxDeliveries {
				s.deadLetter(ctx, msg, attempt, "delivery budget exhausted")
				continue
			}
			out = append(out, d)
		}
	}

	if len(out) >= max {
		return out, nil
	}
	streams, err := s.bus.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.topic, ">"},
		Count:    int64(max - len(out)),
		Block:    s.bus.opts.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return out, nil
		}
		return nil, fmt.Errorf("poll %s/%s: xreadgroup: %w", s.topic, s.group, err)
	}
	for _, st := range streams {
		for _, msg := range st.Messages {
			d, ok := s.decode(ctx, msg, 1)
			if !ok {
				continue
			}
			out = append(out, d)
		}
	}
	return out, nil
}

// decode turns a stream entry into a Delivery. A body that fails to decode
// is poison at the transport layer and goes straight to the dead-letter
// stream.
func (s *redisSub) decode(ctx context.Context, msg redis.XMessage, attempt int) (Delivery, bool) {
	raw, _ := msg.Values[fieldEnvelope].(string)
	env, err := envelope.Decode([]byte(raw))
	if err != nil {
		s.bus.logger.Warn("dead-lettering undecodable entry",
			"topic", s.topic, "entry", msg.ID, "error", err)
		s.deadLetter(ctx, msg, attempt, "undecodable envelope: "+err.Error())
		return Delivery{}, false
	}
	return Delivery{Envelope: env.WithAttempt(attempt), DeliveryID: msg.ID, Attempt: attempt}, true
}

func (s *redisSub) deliveryCounts(ctx context.Context, first, last string) (map[string]int, error) {
	ext, err := s.bus.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.topic,
		Group:  s.group,
		Start:  first,
		End:    last,
		Count:  int64(s.bus.opts.MaxStreamLen),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("poll %s/%s: xpending: %w", s.topic, s.group, err)
	}
	counts := make(map[string]int, len(ext))
	for _, p := range ext {
		counts[p.ID] = int(p.RetryCount)
	}
	return counts, nil
}

// Ack removes the entry from the pending list.
func (s *redisSub) Ack(ctx context.Context, deliveryID string) error {
	if err := s.bus.client.XAck(ctx, s.topic, s.group, deliveryID).Err(); err != nil {
		return fmt.Errorf("ack %s/%s %s: %w", s.topic, s.group, deliveryID, err)
	}
	return nil
}

// Nack leaves the entry pending so XAUTOCLAIM redelivers it after the
// visibility timeout, unless the delivery budget is already spent, in which
// case the entry is dead-lettered now.
func (s *redisSub) Nack(ctx context.Context, deliveryID string) error {
	counts, err := s.deliveryCounts(ctx, deliveryID, deliveryID)
	if err != nil {
		return err
	}
	if counts[deliveryID] < s.bus.opts.MaxDeliveries {
		return nil
	}
	msgs, err := s.bus.client.XRangeN(ctx, s.topic, deliveryID, deliveryID, 1).Result()
	if err != nil {
		return fmt.Errorf("nack %s/%s %s: xrange: %w", s.topic, s.group, deliveryID, err)
	}
	if len(msgs) == 0 {
		return s.Ack(ctx, deliveryID)
	}
	s.deadLetter(ctx, msgs[0], counts[deliveryID], "delivery budget exhausted")
	return nil
}

// deadLetter copies the entry onto <topic>.dlq with its failure context and
// acknowledges the original. Dead-letter writes are best-effort; a failure
// leaves the entry pending for the next reclaim.
func (s *redisSub) deadLetter(ctx context.Context, msg redis.XMessage, deliveries int, reason string) {
	values := map[string]interface{}{
		"original_stream": s.topic,
		"original_id":     msg.ID,
		"deliveries":      deliveries,
		"failed_at":       time.Now().UTC().Format(time.RFC3339),
		"reason":          reason,
	}
	for k, v := range msg.Values {
		values[k] = v
	}
	_, err := s.bus.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: envelope.DLQTopic(s.topic),
			MaxLen: s.bus.opts.MaxStreamLen,
			Approx: true,
			Values: values,
		})
		pipe.XAck(ctx, s.topic, s.group, msg.ID)
		return nil
	})
	if err != nil {
		s.bus.logger.Error("dead-letter write failed",
			"topic", s.topic, "entry", msg.ID, "error", err)
	}
}

func (s *redisSub) ack(ctx context.Context, id string) {
	if err := s.bus.client.XAck(ctx, s.topic, s.group, id).Err(); err != nil {
		s.bus.logger.Warn("ack failed", "topic", s.topic, "entry", id, "error", err)
	}
}

func (s *redisSub) Close() error { return nil }
