package router

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type scriptedBroadcaster struct {
	accept []bool
	calls  int32
}

func (s *scriptedBroadcaster) Broadcast(ctx context.Context, tx SignedTransaction, maxTargets int) BroadcastResult {
	i := atomic.AddInt32(&s.calls, 1) - 1
	if int(i) < len(s.accept) && s.accept[i] {
		return BroadcastResult{Success: true, Signatures: []string{tx.Signature}, FirstSignature: tx.Signature}
	}
	return BroadcastResult{Errors: []string{"http://node-0: rejected"}}
}

func bundleTxs(n int) []SignedTransaction {
	txs := make([]SignedTransaction, n)
	for i := range txs {
		txs[i] = signedTx(fmt.Sprintf("sig-%d", i))
	}
	return txs
}

func TestBundleCoordinator_CreateBundle(t *testing.T) {
	c := NewBundleCoordinator(zap.NewNop(), BundleConfig{}, nil, &scriptedBroadcaster{})

	_, err := c.CreateBundle(nil, 0, 0)
	require.ErrorIs(t, err, ErrEmptyBundle)
	_, err = c.CreateBundle(bundleTxs(MaxBundleTransactions+1), 0, 0)
	require.ErrorIs(t, err, ErrBundleTooLarge)

	b, err := c.CreateBundle(bundleTxs(MaxBundleTransactions), 0, 3.5)
	require.NoError(t, err)
	require.Len(t, b.Transactions, MaxBundleTransactions)
	require.Equal(t, DefaultBundleTip, b.Tip)
	require.Equal(t, TierMedium, b.Tier)
	require.Equal(t, 3.5, b.EstimatedProfit)
	require.Equal(t, defaultBundleExpiry, b.ExpiresAt.Sub(b.CreatedAt))
	require.Equal(t, BundleID(bundleTxs(MaxBundleTransactions)), b.ID)
}

func TestTierForTip(t *testing.T) {
	tests := []struct {
		tip  uint64
		want PriorityTier
	}{
		{tip: 0, want: TierLow},
		{tip: 9_999, want: TierLow},
		{tip: 10_000, want: TierMedium},
		{tip: 99_999, want: TierMedium},
		{tip: 100_000, want: TierHigh},
		{tip: 5_000_000, want: TierHigh},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, TierForTip(tt.tip), "tip=%d", tt.tip)
	}
}

func TestBundleID(t *testing.T) {
	txs := bundleTxs(3)
	id := BundleID(txs)
	require.Len(t, id, 66)
	require.Equal(t, id, BundleID(bundleTxs(3)))

	reversed := []SignedTransaction{txs[2], txs[1], txs[0]}
	require.NotEqual(t, id, BundleID(reversed))
	require.NotEqual(t, id, BundleID(txs[:2]))
}

func TestBundleCoordinator_SubmitRelay(t *testing.T) {
	relay := &fakeRelay{}
	broadcaster := &scriptedBroadcaster{}
	c := NewBundleCoordinator(zap.NewNop(), BundleConfig{}, relay, broadcaster)

	b, err := c.CreateBundle(bundleTxs(2), 200_000, 1)
	require.NoError(t, err)
	require.Equal(t, TierHigh, b.Tier)

	res := c.SubmitBundle(context.Background(), b)
	require.True(t, res.Success)
	require.Equal(t, BundleModeRelay, res.Mode)
	require.Equal(t, b.ID, res.BundleID)
	require.Equal(t, "relay-"+b.ID[:10], res.RelayBundleID)
	require.Zero(t, broadcaster.calls)

	// same bundle is not sent twice
	res = c.SubmitBundle(context.Background(), b)
	require.False(t, res.Success)
	require.Equal(t, ErrBundleKnown.Error(), res.Error)
	require.Equal(t, int32(1), relay.calls)
}

func TestBundleCoordinator_RelayFailure(t *testing.T) {
	relay := &fakeRelay{err: errRelayDown}
	broadcaster := &scriptedBroadcaster{accept: []bool{true, true}}
	c := NewBundleCoordinator(zap.NewNop(), BundleConfig{}, relay, broadcaster)

	b, err := c.CreateBundle(bundleTxs(2), 0, 1)
	require.NoError(t, err)
	res := c.SubmitBundle(context.Background(), b)
	require.False(t, res.Success)
	require.Equal(t, BundleModeRelay, res.Mode)
	require.Contains(t, res.Error, errRelayDown.Error())
	require.Zero(t, broadcaster.calls)
}

func TestBundleCoordinator_Expired(t *testing.T) {
	relay := &fakeRelay{}
	c := NewBundleCoordinator(zap.NewNop(), BundleConfig{Expiry: time.Millisecond}, relay, &scriptedBroadcaster{})

	b, err := c.CreateBundle(bundleTxs(1), 0, 1)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	res := c.SubmitBundle(context.Background(), b)
	require.False(t, res.Success)
	require.Equal(t, ErrBundleExpired.Error(), res.Error)
	require.Zero(t, relay.calls)

	require.Equal(t, ErrNilBundle.Error(), c.SubmitBundle(context.Background(), nil).Error)
}

func TestBundleCoordinator_Fallback(t *testing.T) {
	broadcaster := &scriptedBroadcaster{accept: []bool{true, true, true}}
	c := NewBundleCoordinator(zap.NewNop(), BundleConfig{}, nil, broadcaster)

	b, err := c.CreateBundle(bundleTxs(3), 0, 1)
	require.NoError(t, err)
	res := c.SubmitBundle(context.Background(), b)
	require.True(t, res.Success)
	require.Equal(t, BundleModeFallback, res.Mode)
	require.Len(t, res.Broadcasts, 3)
	require.Equal(t, "sig-2", res.Broadcasts[2].FirstSignature)
}

func TestBundleCoordinator_FallbackStopsAtFirstFailure(t *testing.T) {
	broadcaster := &scriptedBroadcaster{accept: []bool{true, false, true}}
	c := NewBundleCoordinator(zap.NewNop(), BundleConfig{}, nil, broadcaster)

	b, err := c.CreateBundle(bundleTxs(3), 0, 1)
	require.NoError(t, err)
	res := c.SubmitBundle(context.Background(), b)
	require.False(t, res.Success)
	require.Len(t, res.Broadcasts, 2)
	require.Equal(t, "transaction 1 not accepted", res.Error)
	require.Equal(t, int32(2), broadcaster.calls)
}
