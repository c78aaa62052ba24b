package proof

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/blindticket/internal/crypto"
	"github.com/and161185/blindticket/internal/model"
	"github.com/and161185/blindticket/internal/payload"
)

func secretAndID(t *testing.T) (model.MasterSecret, model.TokenID) {
	t.Helper()
	sm, err := crypto.NewMasterSecret()
	require.NoError(t, err)
	id, err := crypto.NewTokenID()
	require.NoError(t, err)
	return sm, id
}

func TestEpoch_Boundaries(t *testing.T) {
	start := EpochStart(100, DefaultInterval)
	require.Equal(t, int64(100), Epoch(start, DefaultInterval))
	require.Equal(t, int64(100), Epoch(start.Add(29*time.Second), DefaultInterval))
	require.Equal(t, int64(101), Epoch(start.Add(30*time.Second), DefaultInterval))
	require.Equal(t, time.Unix(3000, 0).UTC(), start)
}

func TestInWindow(t *testing.T) {
	require.True(t, InWindow(100, 100))
	require.True(t, InWindow(100, 101))
	require.False(t, InWindow(100, 102))
	require.False(t, InWindow(100, 150))
	require.False(t, InWindow(101, 100), "future epochs are not accepted")
}

func TestDeriveAndCheck(t *testing.T) {
	sm, id := secretAndID(t)
	now := EpochStart(100, DefaultInterval).Add(5 * time.Second)

	rp := Generate(sm, id, now, DefaultInterval)
	require.Equal(t, int64(100), rp.Epoch)
	require.True(t, Check(sm, rp))
	require.Equal(t, rp.Value, Derive(sm, id, 100))

	next := Generate(sm, id, now.Add(DefaultInterval), DefaultInterval)
	require.NotEqual(t, rp.Value, next.Value)

	other, _ := secretAndID(t)
	require.False(t, Check(other, rp), "foreign secret")

	moved := rp
	moved.Epoch = 101
	require.False(t, Check(sm, moved), "proof bound to its epoch")
}

func TestReplayGuard_ConsumeOnce(t *testing.T) {
	g := NewReplayGuard(DefaultInterval, 1024)
	defer g.Close()
	_, id := secretAndID(t)
	now := time.Now()

	require.False(t, g.Seen(id, 100))
	require.True(t, g.Consume(id, 100, now))
	require.True(t, g.Seen(id, 100))
	require.False(t, g.Consume(id, 100, now), "same pair resubmitted immediately")
	require.True(t, g.Consume(id, 101, now), "next epoch is a different pair")
	require.Equal(t, 2, g.Len())
}

func TestReplayGuard_ConcurrentConsumeExactlyOnce(t *testing.T) {
	g := NewReplayGuard(DefaultInterval, 1024)
	defer g.Close()
	_, id := secretAndID(t)

	const n = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Consume(id, 7, time.Now()) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
}

func TestRotator_AtAndRun(t *testing.T) {
	sm, id := secretAndID(t)
	iat := time.Now().Add(-time.Minute).Truncate(time.Second)
	tok := model.Token{ID: id, KeyID: "day", Kind: model.KindMulti, Signature: []byte{1},
		IssuedAt: iat, Expiry: iat.Add(24 * time.Hour), SealedSecret: []byte{2}}

	r := NewRotator(tok, sm, DefaultInterval)
	at := EpochStart(100, DefaultInterval)
	p := r.At(at)
	require.NoError(t, p.Validate())
	require.Equal(t, int64(100), p.Epoch)
	require.True(t, Check(sm, model.RotatingProof{TokenID: id, Epoch: p.Epoch, Value: p.Proof}))
	require.Equal(t, p, r.At(at.Add(10*time.Second)), "stable within an epoch")
	require.NotEqual(t, p.Proof, r.At(at.Add(DefaultInterval)).Proof)

	fast := NewRotator(tok, sm, 40*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	var got []payload.Payload
	err := fast.Run(ctx, func(p payload.Payload) { got = append(got, p) })
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.GreaterOrEqual(t, len(got), 3)
	require.Greater(t, got[len(got)-1].Epoch, got[0].Epoch)
}
