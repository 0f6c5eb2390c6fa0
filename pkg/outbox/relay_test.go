package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestar-ops/lodestar/pkg/bus"
	"github.com/lodestar-ops/lodestar/pkg/envelope"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOpts() bus.Options {
	return bus.Options{
		VisibilityTimeout: 30 * time.Second,
		MaxDeliveries:     5,
		Block:             time.Millisecond,
	}
}

// flakyBus fails the first n publishes, then delegates to the memory bus.
type flakyBus struct {
	inner    *bus.Memory
	mu       sync.Mutex
	failures int
}

func (f *flakyBus) Publish(ctx context.Context, topic string, env *envelope.Envelope) error {
	f.mu.Lock()
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("bus unavailable")
	}
	return f.inner.Publish(ctx, topic, env)
}

// failMarkStore drops the first n MarkPublished calls, simulating a crash
// after the envelope reached the bus but before the status flip.
type failMarkStore struct {
	*Store
	mu       sync.Mutex
	failures int
}

func (s *failMarkStore) MarkPublished(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return errors.New("store connection lost")
	}
	return s.Store.MarkPublished(ctx, id, at)
}

func TestSweepPublishesOldestFirst(t *testing.T) {
	db, store := setupOutbox(t)
	ctx := context.Background()
	memory := bus.NewMemory(testOpts())
	sub, err := memory.Subscribe(ctx, envelope.TopicShipmentUpdated, "relay.probe")
	require.NoError(t, err)

	envs := []*envelope.Envelope{
		mustEnvelope(t, envelope.TopicShipmentUpdated, "SHIP-10", testStart),
		mustEnvelope(t, envelope.TopicShipmentUpdated, "SHIP-10", testStart.Add(time.Second)),
		mustEnvelope(t, envelope.TopicShipmentUpdated, "SHIP-10", testStart.Add(2*time.Second)),
	}
	// Stage out of order; created_at ordering restores it on the bus.
	stage(t, db, store, envs[2])
	stage(t, db, store, envs[0])
	stage(t, db, store, envs[1])

	relay := NewRelay(store, memory, RelayConfig{BatchSize: 10}, quietLogger())
	published, err := relay.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, published)

	got, err := sub.Poll(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, d := range got {
		assert.Equal(t, envs[i].ID, d.Envelope.ID)
		require.NoError(t, sub.Ack(ctx, d.DeliveryID))
	}

	for _, env := range envs {
		rec, err := store.Get(ctx, env.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusPublished, rec.Status)
	}
}

func TestSweepRetriesFailedPublish(t *testing.T) {
	db, store := setupOutbox(t)
	ctx := context.Background()
	memory := bus.NewMemory(testOpts())
	sub, err := memory.Subscribe(ctx, envelope.TopicRiskDetected, "relay.probe")
	require.NoError(t, err)

	env := mustEnvelope(t, envelope.TopicRiskDetected, "SHIP-11", testStart)
	stage(t, db, store, env)

	flaky := &flakyBus{inner: memory, failures: 1}
	relay := NewRelay(store, flaky, RelayConfig{BatchSize: 10}, quietLogger())

	published, err := relay.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, published)

	rec, err := store.Get(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
	assert.Equal(t, "bus unavailable", rec.ErrorMessage)

	published, err = relay.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, published)

	rec, err = store.Get(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPublished, rec.Status)
	assert.Empty(t, rec.ErrorMessage)

	got, err := sub.Poll(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, env.ID, got[0].Envelope.ID)
}

func TestRetryCapStopsRepublishing(t *testing.T) {
	db, store := setupOutbox(t)
	ctx := context.Background()
	flaky := &flakyBus{inner: bus.NewMemory(testOpts()), failures: 10}
	relay := NewRelay(store, flaky, RelayConfig{BatchSize: 10, RetryCap: 2}, quietLogger())

	env := mustEnvelope(t, envelope.TopicShipmentUpdated, "SHIP-12", testStart)
	stage(t, db, store, env)

	for i := 0; i < 2; i++ {
		published, err := relay.Sweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, published)
	}

	// Retries exhausted: the row is no longer picked up, so the count
	// stays where the cap left it.
	published, err := relay.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, published)

	rec, err := store.Get(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, 2, rec.RetryCount)

	batch, err := store.Pending(ctx, 10, 2)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

// A failed status flip must republish rather than lose the envelope. The
// duplicate delivery is the at-least-once contract; consumers dedupe.
func TestRepublishAfterMarkPublishedFailure(t *testing.T) {
	db, store := setupOutbox(t)
	ctx := context.Background()
	memory := bus.NewMemory(testOpts())
	sub, err := memory.Subscribe(ctx, envelope.TopicShipmentUpdated, "relay.probe")
	require.NoError(t, err)

	env := mustEnvelope(t, envelope.TopicShipmentUpdated, "SHIP-13", testStart)
	stage(t, db, store, env)

	wrapped := &failMarkStore{Store: store, failures: 1}
	relay := NewRelay(wrapped, memory, RelayConfig{BatchSize: 10}, quietLogger())

	published, err := relay.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, published)

	published, err = relay.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, published)

	got, err := sub.Poll(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, env.ID, got[0].Envelope.ID)
	assert.Equal(t, env.ID, got[1].Envelope.ID)
}

func TestHealthReportsStuckRows(t *testing.T) {
	db, store := setupOutbox(t)
	ctx := context.Background()
	relay := NewRelay(store, bus.NewMemory(testOpts()), RelayConfig{
		BatchSize:  10,
		StuckAfter: 5 * time.Minute,
	}, quietLogger()).WithClock(func() time.Time { return testStart })

	env := mustEnvelope(t, envelope.TopicShipmentUpdated, "SHIP-14", testStart.Add(-10*time.Minute))
	stage(t, db, store, env)

	stuck, err := relay.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stuck)

	_, err = relay.Sweep(ctx)
	require.NoError(t, err)

	stuck, err = relay.Health(ctx)
	require.NoError(t, err)
	assert.Zero(t, stuck)
}
