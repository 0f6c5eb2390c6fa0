package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Publisher delivers one broadcast message to a named channel. Redis pub/sub
// carries it in deployment; the memory publisher backs tests and
// single-process development.
type Publisher interface {
	Broadcast(ctx context.Context, channel string, message []byte) error
}

// RedisPublisher broadcasts over Redis pub/sub. Subscribed UI gateways
// receive each message once; an offline gateway misses it, which is fine:
// the control API is the durable read surface, the broadcast is a nudge.
type RedisPublisher struct {
	client redis.UniversalClient
}

// NewRedisPublisher wraps an existing client. The caller owns the client's
// lifecycle.
func NewRedisPublisher(client redis.UniversalClient) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Broadcast(ctx context.Context, channel string, message []byte) error {
	if err := p.client.Publish(ctx, channel, message).Err(); err != nil {
		return fmt.Errorf("broadcast %s: %w", channel, err)
	}
	return nil
}

// MemoryPublisher records broadcasts per channel.
type MemoryPublisher struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{messages: make(map[string][][]byte)}
}

func (p *MemoryPublisher) Broadcast(_ context.Context, channel string, message []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]byte, len(message))
	copy(cp, message)
	p.messages[channel] = append(p.messages[channel], cp)
	return nil
}

// Messages returns the broadcasts recorded for a channel, oldest first.
func (p *MemoryPublisher) Messages(channel string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.messages[channel]))
	copy(out, p.messages[channel])
	return out
}
