package validator

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"sync"
	"testing"
	"time"

	u "github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/and161185/blindticket/internal/crypto/clientcrypto"
	"github.com/and161185/blindticket/internal/errs"
	"github.com/and161185/blindticket/internal/holder"
	"github.com/and161185/blindticket/internal/keys"
	"github.com/and161185/blindticket/internal/model"
	"github.com/and161185/blindticket/internal/payload"
)

var (
	keyOnce sync.Once
	rsaKey  *rsa.PrivateKey
)

func issuerKey() *rsa.PrivateKey {
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 1024)
		if err != nil {
			panic(err)
		}
		rsaKey = k
	})
	return rsaKey
}

type fixture struct {
	ring      *keys.Ring
	cache     *keys.Cache
	fleetPub  *[clientcrypto.FleetKeySize]byte
	fleetPriv *[clientcrypto.FleetKeySize]byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Now()
	r := keys.NewRing()
	require.NoError(t, r.Add(keys.Info{ID: "single", Kind: model.KindSingle, Lifetime: 2 * time.Hour, ActiveFrom: now.Add(-time.Hour)}, issuerKey()))
	require.NoError(t, r.Add(keys.Info{ID: "day", Kind: model.KindMulti, Lifetime: 24 * time.Hour, ActiveFrom: now.Add(-time.Hour)}, issuerKey()))
	pub, priv, err := clientcrypto.GenerateFleetKey()
	require.NoError(t, err)
	return &fixture{ring: r, cache: keys.NewCache(r.Published(now)), fleetPub: pub, fleetPriv: priv}
}

// mint runs the real holder flow against the ring.
func (f *fixture) mint(t *testing.T, keyID string) holder.Ticket {
	t.Helper()
	info, err := f.ring.Lookup(keyID)
	require.NoError(t, err)
	pending, err := holder.NewMinter().Mint(info, 0, f.fleetPub)
	require.NoError(t, err)
	sig, err := f.ring.Sign(context.Background(), keyID, pending.Blinded)
	require.NoError(t, err)
	tk, err := pending.Finish(sig)
	require.NoError(t, err)
	return tk
}

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStoreStorage(storage.NewMemStorage())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (f *fixture) engine(t *testing.T, id string, mode Mode, store *Store, auth Authority, clk *clock) *Engine {
	t.Helper()
	e := NewEngine(Config{
		ValidatorID:   id,
		Mode:          mode,
		OnlineTimeout: 100 * time.Millisecond,
		FleetPublic:   f.fleetPub,
		FleetPrivate:  f.fleetPriv,
	}, f.cache, store, auth, nil)
	if clk != nil {
		e.now = clk.now
	}
	t.Cleanup(e.Close)
	return e
}

func encode(t *testing.T, p payload.Payload) []byte {
	t.Helper()
	b, err := payload.Encode(p)
	require.NoError(t, err)
	return b
}

// fakeAuthority is an in-memory ledger with insert-if-absent semantics.
type fakeAuthority struct {
	mu    sync.Mutex
	spent map[model.TokenHash]u.UUID
	calls int
	block bool  // wait for the deadline and fail like a dead network
	err   error // returned as-is when set
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{spent: map[model.TokenHash]u.UUID{}}
}

func (a *fakeAuthority) Redeem(ctx context.Context, r model.Redemption) (model.RedemptionResult, error) {
	a.mu.Lock()
	a.calls++
	block, failWith := a.block, a.err
	a.mu.Unlock()
	if failWith != nil {
		return model.RedemptionResult{}, failWith
	}
	if block {
		<-ctx.Done()
		return model.RedemptionResult{}, fmt.Errorf("%v: %w", ctx.Err(), errs.ErrNetwork)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if id, ok := a.spent[r.TokenHash]; ok && id != r.AcceptanceID {
		return model.RedemptionResult{Reason: model.ReasonAlreadySpent}, nil
	}
	a.spent[r.TokenHash] = r.AcceptanceID
	return model.RedemptionResult{Accepted: true}, nil
}

func (a *fakeAuthority) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}
