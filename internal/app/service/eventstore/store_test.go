package eventstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fatflowers/billingsync/internal/testutil"
	"github.com/fatflowers/billingsync/pkg/config"
	"github.com/fatflowers/billingsync/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(testutil.NewDB(t), zap.NewNop().Sugar(), config.Default())
}

func input(id string) RecordInput {
	return RecordInput{
		EventID:      id,
		EventType:    "BILLING.SUBSCRIPTION.ACTIVATED",
		ResourceType: "subscription",
		ResourceID:   "sub-1",
		Payload:      []byte(`{"id":"` + id + `"}`),
	}
}

func TestRecordIfNew_FirstSightingClaims(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.RecordIfNew(ctx, input("evt-1"))
	require.NoError(t, err)
	assert.True(t, res.Claimed())
	assert.False(t, res.AlreadyExists)
	assert.Equal(t, 1, res.Event.Attempts)

	stored, err := s.Get(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, stored.Processed)
	assert.JSONEq(t, `{"id":"evt-1"}`, string(stored.Payload))
}

func TestRecordIfNew_ConcurrentDeliveryIsInFlight(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.RecordIfNew(ctx, input("evt-1"))
	require.NoError(t, err)

	res, err := s.RecordIfNew(ctx, input("evt-1"))
	require.NoError(t, err)
	assert.False(t, res.Claimed())
	assert.True(t, res.InFlight)
	assert.True(t, res.AlreadyExists)
}

func TestRecordIfNew_AfterSuccessShortCircuits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.RecordIfNew(ctx, input("evt-1"))
	require.NoError(t, err)
	require.NoError(t, s.MarkProcessed(ctx, "evt-1", 1, nil))

	res, err := s.RecordIfNew(ctx, input("evt-1"))
	require.NoError(t, err)
	assert.True(t, res.AlreadyProcessed)
	assert.False(t, res.Claimed())
}

func TestRecordIfNew_AfterFailureReclaimsOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.RecordIfNew(ctx, input("evt-1"))
	require.NoError(t, err)
	require.NoError(t, s.MarkProcessed(ctx, "evt-1", 1, errors.New("db down")))

	failed, err := s.Get(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, "db down", lo.FromPtr(failed.ProcessingError))

	res, err := s.RecordIfNew(ctx, input("evt-1"))
	require.NoError(t, err)
	assert.True(t, res.Claimed())
	assert.True(t, res.AlreadyExists)
	assert.Equal(t, 2, res.Event.Attempts)
	assert.Equal(t, 2, res.Attempt)
	assert.Nil(t, res.Event.ProcessingError)

	// the retry now holds the claim
	res, err = s.RecordIfNew(ctx, input("evt-1"))
	require.NoError(t, err)
	assert.True(t, res.InFlight)
}

func TestReclaim_LosesCompareAndSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.RecordIfNew(ctx, input("evt-1"))
	require.NoError(t, err)
	require.NoError(t, s.MarkProcessed(ctx, "evt-1", 1, errors.New("boom")))
	stale, err := s.Get(ctx, "evt-1")
	require.NoError(t, err)

	// another delivery wins the reclaim first
	won, err := s.reclaim(ctx, stale, input("evt-1"))
	require.NoError(t, err)
	require.True(t, won.Claimed())

	lost, err := s.reclaim(ctx, stale, input("evt-1"))
	require.NoError(t, err)
	assert.True(t, lost.InFlight)
}

func TestRecordIfNew_StaleClaimIsReclaimed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := s.WithClock(func() time.Time { return start }).RecordIfNew(ctx, input("evt-1"))
	require.NoError(t, err)

	later := s.WithClock(func() time.Time { return start.Add(10 * time.Minute) })
	res, err := later.RecordIfNew(ctx, input("evt-1"))
	require.NoError(t, err)
	assert.True(t, res.Claimed())
	assert.Equal(t, 2, res.Event.Attempts)
}

func TestMarkProcessed_FencedByClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	first, err := s.WithClock(func() time.Time { return start }).RecordIfNew(ctx, input("evt-1"))
	require.NoError(t, err)
	require.Equal(t, 1, first.Attempt)

	second, err := s.WithClock(func() time.Time { return start.Add(10 * time.Minute) }).RecordIfNew(ctx, input("evt-1"))
	require.NoError(t, err)
	require.True(t, second.Claimed())
	require.Equal(t, 2, second.Attempt)

	// the abandoned run can no longer finish, with or without an error
	assert.ErrorIs(t, s.MarkProcessed(ctx, "evt-1", first.Attempt, nil), ErrClaimLost)
	assert.ErrorIs(t, s.MarkProcessed(ctx, "evt-1", first.Attempt, errors.New("late")), ErrClaimLost)

	require.NoError(t, s.MarkProcessed(ctx, "evt-1", second.Attempt, nil))
	assert.ErrorIs(t, s.MarkProcessed(ctx, "evt-1", second.Attempt, nil), ErrClaimLost, "a finished run cannot be finished twice")

	ev, err := s.Get(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, ev.Succeeded())
}

func TestReclaim_ReplacesStoredDelivery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	forged := input("evt-1")
	forged.ResourceID = "sub-forged"
	forged.Payload = []byte(`{"id":"evt-1","forged":true}`)
	_, err := s.RecordIfNew(ctx, forged)
	require.NoError(t, err)
	require.NoError(t, s.RecordSignature(ctx, "evt-1", false, nil))
	require.NoError(t, s.MarkProcessed(ctx, "evt-1", 1, errors.New("signature invalid")))

	genuine := input("evt-1")
	genuine.TraceID = "trace-2"
	res, err := s.RecordIfNew(ctx, genuine)
	require.NoError(t, err)
	require.True(t, res.Claimed())

	ev, err := s.Get(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, "sub-1", ev.ResourceID)
	assert.JSONEq(t, `{"id":"evt-1"}`, string(ev.Payload))
	assert.Equal(t, "trace-2", ev.TraceID)
	assert.Nil(t, ev.SignatureValid)
}

func TestRecordSignature_PolicyNoteIsStored(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.RecordIfNew(ctx, input("evt-1"))
	require.NoError(t, err)
	require.NoError(t, s.RecordSignature(ctx, "evt-1", false, lo.ToPtr("fail_open override")))

	ev, err := s.Get(ctx, "evt-1")
	require.NoError(t, err)
	require.NotNil(t, ev.SignatureValid)
	assert.False(t, *ev.SignatureValid)
	assert.Equal(t, "fail_open override", lo.FromPtr(ev.PolicyNote))

	assert.ErrorIs(t, s.RecordSignature(ctx, "missing", true, nil), ErrEventNotFound)
	assert.ErrorIs(t, s.MarkProcessed(ctx, "missing", 1, nil), ErrClaimLost)
}

func TestScanEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := s.RecordIfNew(ctx, input(id))
		require.NoError(t, err)
	}
	require.NoError(t, s.MarkProcessed(ctx, "b", 1, nil))

	out, err := s.ScanEvents(ctx, &types.ScanRequest{
		Filters: []*types.CommonFilter{{Field: "processed", Operator: types.CommonFilterOperatorEq, Values: []any{false}}},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, out.Total)

	_, err = s.ScanEvents(ctx, &types.ScanRequest{SortBy: "payload"})
	assert.Error(t, err)
}
