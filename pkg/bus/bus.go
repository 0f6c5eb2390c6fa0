// Package bus provides the event bus: an ordered, partitioned, replayable
// log with named consumer groups, explicit acknowledgment, visibility-timeout
// reclaim, and a bounded-retry path to a dead-letter stream.
//
// Two implementations share the same semantics: Redis Streams for deployment
// and an in-memory bus for tests and single-process development. Ordering is
// guaranteed within one correlation_id; unrelated correlations may interleave
// freely.
package bus

import (
	"context"
	"time"

	"github.com/lodestar-ops/lodestar/pkg/envelope"
)

// Delivery is one claimed envelope plus its bus bookkeeping. DeliveryID is
// the bus-assigned id used for Ack/Nack; Attempt counts deliveries of this
// envelope to the consumer group, starting at 1.
type Delivery struct {
	Envelope   *envelope.Envelope
	DeliveryID string
	Attempt    int
}

// Bus publishes envelopes to topics and hands out consumer-group
// subscriptions. Multiple groups each see every envelope once.
type Bus interface {
	// Publish appends the envelope to the topic's stream. The append is
	// durable once Publish returns.
	Publish(ctx context.Context, topic string, env *envelope.Envelope) error

	// Subscribe joins (or creates) the named consumer group on a topic.
	Subscribe(ctx context.Context, topic, group string) (Subscription, error)

	// Lag reports the number of envelopes the group has not acknowledged
	// yet: delivered-but-pending plus never-delivered. This is the
	// backpressure signal.
	Lag(ctx context.Context, topic, group string) (int64, error)
}

// Subscription is one consumer's handle on a (topic, group) pair.
//
// An unacknowledged delivery becomes re-claimable after the visibility
// timeout. A delivery that exceeds the max delivery count is routed to the
// topic's dead-letter stream instead of being handed out again.
type Subscription interface {
	// Poll claims up to max deliveries, blocking briefly when the stream
	// is empty. Reclaimed deliveries surface before new ones so a retried
	// envelope is observed before anything published after it.
	Poll(ctx context.Context, max int) ([]Delivery, error)

	// Ack marks the delivery done; it will never be redelivered.
	Ack(ctx context.Context, deliveryID string) error

	// Nack releases the delivery for redelivery. If the delivery count
	// has reached the max, the envelope is dead-lettered instead.
	Nack(ctx context.Context, deliveryID string) error

	Close() error
}

// Options bound redelivery and stream growth. The zero value gets sane
// defaults from setDefaults.
type Options struct {
	// VisibilityTimeout is how long a claimed delivery may sit unacked
	// before another poll reclaims it.
	VisibilityTimeout time.Duration

	// MaxDeliveries is the delivery count at which an envelope routes to
	// the dead-letter stream.
	MaxDeliveries int

	// Block is the longest a Poll waits for new entries before returning
	// empty.
	Block time.Duration

	// MaxStreamLen caps each stream (approximate trim on publish).
	MaxStreamLen int64

	// Consumer names this process inside the group. Defaults to the
	// group name; set it when multiple processes share a group.
	Consumer string
}

func (o *Options) setDefaults() {
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 30 * time.Second
	}
	if o.MaxDeliveries <= 0 {
		o.MaxDeliveries = 5
	}
	if o.Block <= 0 {
		o.Block = time.Second
	}
	if o.MaxStreamLen <= 0 {
		o.MaxStreamLen = 100000
	}
}
