package governor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestar-ops/lodestar/pkg/envelope"
	"github.com/lodestar-ops/lodestar/pkg/orchestrator"
)

func setupSweeper(t *testing.T) (*govFixture, *Sweeper) {
	t.Helper()
	f := setupGovernor(t)
	return f, NewSweeper(f.gov, time.Second, nil)
}

func TestSweeperWakesDueDeferrals(t *testing.T) {
	f, sweeper := setupSweeper(t)
	ctx := context.Background()

	rec := f.proposed(t, envelope.SeverityHigh, 40000, 0.6, true)
	f.park(t, rec)
	_, err := f.gov.Defer(ctx, rec.ID, "maria.ops", f.now.Add(2*time.Hour), "waiting on quote")
	require.NoError(t, err)

	f.advance(time.Hour)
	woken, expired, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, woken, "wake time not reached")
	assert.Zero(t, expired)

	f.advance(time.Hour)
	woken, expired, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, woken)
	assert.Zero(t, expired, "still inside the 24h SLA")

	got, err := f.recs.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusPolicyEvaluated, got.Status)

	assert.Equal(t, [][2]string{
		{orchestrator.StatusProposed, orchestrator.StatusPolicyEvaluated},
		{orchestrator.StatusPolicyEvaluated, orchestrator.StatusDeferred},
		{orchestrator.StatusDeferred, orchestrator.StatusPolicyEvaluated},
	}, receiptPairs(t, f.receipts, rec.ID))
}

func TestSweeperExpiresPastDeadline(t *testing.T) {
	f, sweeper := setupSweeper(t)
	ctx := context.Background()

	rec := f.proposed(t, envelope.SeverityHigh, 40000, 0.6, true)
	f.park(t, rec)

	f.advance(25 * time.Hour)
	woken, expired, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, woken)
	assert.Equal(t, 1, expired)

	got, err := f.recs.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusExpired, got.Status)
	assert.Equal(t, ActorSLA, got.DecidedBy)

	staged := stagedBy(t, f.outbox, envelope.TopicApprovalExpired)
	require.Len(t, staged, 1)
	var payload envelope.ApprovalExpiredPayload
	require.NoError(t, staged[0].Envelope.UnmarshalPayload(&payload))
	assert.Equal(t, rec.ID, payload.RecommendationID)

	alerts := stagedBy(t, f.outbox, envelope.TopicAlertCreated)
	require.Len(t, alerts, 1)
	var alert envelope.AlertPayload
	require.NoError(t, alerts[0].Envelope.UnmarshalPayload(&alert))
	assert.Equal(t, envelope.AlertKindEscalation, alert.Kind)
	assert.Equal(t, rec.ID, alert.RecommendationID)
	assert.Equal(t, orchestrator.RoleDirector, alert.RequiredRole, "escalates past the manager who missed it")

	// A second sweep finds nothing: the transition guard already fired.
	_, expired, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, expired)
	assert.Len(t, stagedBy(t, f.outbox, envelope.TopicApprovalExpired), 1)
	assert.Len(t, stagedBy(t, f.outbox, envelope.TopicAlertCreated), 1)
}

func TestSweeperWakesThenExpiresInOnePass(t *testing.T) {
	f, sweeper := setupSweeper(t)
	ctx := context.Background()

	// critical: 4h SLA. Defer to +3h, then jump past both wake and deadline.
	rec := f.proposed(t, envelope.SeverityCritical, 40000, 0.6, true)
	f.park(t, rec)
	_, err := f.gov.Defer(ctx, rec.ID, "maria.ops", f.now.Add(3*time.Hour), "checking alternatives")
	require.NoError(t, err)

	f.advance(5 * time.Hour)
	woken, expired, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, woken)
	assert.Equal(t, 1, expired)

	got, err := f.recs.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusExpired, got.Status)

	assert.ElementsMatch(t, [][2]string{
		{orchestrator.StatusProposed, orchestrator.StatusPolicyEvaluated},
		{orchestrator.StatusPolicyEvaluated, orchestrator.StatusDeferred},
		{orchestrator.StatusDeferred, orchestrator.StatusPolicyEvaluated},
		{orchestrator.StatusPolicyEvaluated, orchestrator.StatusExpired},
	}, receiptPairs(t, f.receipts, rec.ID))
}

func TestSweeperLeavesFreshRowsAlone(t *testing.T) {
	f, sweeper := setupSweeper(t)
	ctx := context.Background()

	rec := f.proposed(t, envelope.SeverityHigh, 40000, 0.6, true)
	f.park(t, rec)

	f.advance(time.Hour)
	woken, expired, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, woken)
	assert.Zero(t, expired)

	got, err := f.recs.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusPolicyEvaluated, got.Status)
}

func TestSweeperExpiresProposedRows(t *testing.T) {
	f, sweeper := setupSweeper(t)
	ctx := context.Background()

	// Never evaluated (governor was down): expiry still applies.
	rec := f.proposed(t, envelope.SeverityCritical, 40000, 0.9, true)
	f.advance(5 * time.Hour)

	_, expired, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	got, err := f.recs.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusExpired, got.Status)
}
