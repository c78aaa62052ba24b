package keys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/blindticket/internal/crypto/clientcrypto"
	"github.com/and161185/blindticket/internal/errs"
	"github.com/and161185/blindticket/internal/model"
)

func genKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	return k
}

func TestRing_AddLookupSign(t *testing.T) {
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	r := NewRing()
	r.now = func() time.Time { return now }

	priv := genKey(t)
	require.NoError(t, r.Add(Info{ID: "single", Kind: model.KindSingle, Lifetime: 2 * time.Hour, ActiveFrom: now.Add(-time.Hour)}, priv))
	require.ErrorIs(t, r.Add(Info{ID: "single", Kind: model.KindSingle, Lifetime: time.Hour}, priv), errs.ErrAlreadyExists)
	require.Error(t, r.Add(Info{ID: "bad", Kind: "weird", Lifetime: time.Hour}, priv))
	require.Error(t, r.Add(Info{ID: "nolife", Kind: model.KindSingle}, priv))

	info, err := r.Lookup("single")
	require.NoError(t, err)
	require.NotNil(t, info.Public)
	require.Equal(t, priv.PublicKey.N, info.Public.N)

	_, err = r.Lookup("nope")
	require.ErrorIs(t, err, errs.ErrUnknownKey)

	_, err = r.Sign(context.Background(), "nope", []byte{1})
	require.ErrorIs(t, err, errs.ErrUnknownKey)
}

func TestRing_MaxLifetime(t *testing.T) {
	r := NewRing()
	require.Zero(t, r.MaxLifetime())
	now := time.Now()
	require.NoError(t, r.Add(Info{ID: "single", Kind: model.KindSingle, Lifetime: 2 * time.Hour}, genKey(t)))
	require.NoError(t, r.Add(Info{ID: "week", Kind: model.KindMulti, Lifetime: 7 * 24 * time.Hour,
		RetireAt: now.Add(-time.Hour)}, genKey(t)))
	require.Equal(t, 7*24*time.Hour, r.MaxLifetime())
}

func TestRing_RetiredKeyStopsSigningButStaysPublished(t *testing.T) {
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	r := NewRing()
	r.now = func() time.Time { return now }

	require.NoError(t, r.Add(Info{
		ID: "old", Kind: model.KindMulti, Lifetime: 24 * time.Hour,
		ActiveFrom: now.Add(-48 * time.Hour), RetireAt: now.Add(-time.Hour),
	}, genKey(t)))
	require.NoError(t, r.Add(Info{ID: "new", Kind: model.KindMulti, Lifetime: 24 * time.Hour, ActiveFrom: now.Add(-time.Hour)}, genKey(t)))

	info, _ := r.Lookup("old")
	blinded := make([]byte, info.Public.Size())
	blinded[len(blinded)-1] = 2
	_, err := r.Sign(context.Background(), "old", blinded)
	require.ErrorIs(t, err, errs.ErrUnknownKey)

	pub := r.Published(now)
	require.Len(t, pub, 2, "retired key stays verifiable for its ticket lifetime")
	require.Equal(t, "new", pub[0].ID)

	require.Len(t, r.Published(now.Add(48*time.Hour)), 1)
}

func TestInfo_CheckTicket(t *testing.T) {
	from := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	i := Info{ID: "k", Lifetime: 2 * time.Hour, ActiveFrom: from, RetireAt: from.Add(30 * 24 * time.Hour)}
	iat := from.Add(time.Hour)

	require.NoError(t, i.CheckTicket(iat, iat.Add(2*time.Hour), time.Minute))
	require.Error(t, i.CheckTicket(iat, iat.Add(3*time.Hour), time.Minute), "lifetime too long")
	require.Error(t, i.CheckTicket(iat, iat, time.Minute), "empty window")
	require.Error(t, i.CheckTicket(from.Add(-time.Hour), from, time.Minute), "before activation")
	require.Error(t, i.CheckTicket(i.RetireAt.Add(time.Hour), i.RetireAt.Add(2*time.Hour), time.Minute), "after retirement")
	require.NoError(t, i.CheckTicket(from.Add(-30*time.Second), from.Add(time.Hour), time.Minute), "inside skew")
}

func TestCache_ReplaceAndLookup(t *testing.T) {
	c := NewCache([]Info{{ID: "b"}, {ID: "a"}})
	all := c.All()
	require.Len(t, all, 2)
	require.Equal(t, "a", all[0].ID)

	c.Replace([]Info{{ID: "c"}})
	_, err := c.Lookup("a")
	require.ErrorIs(t, err, errs.ErrUnknownKey)
	got, err := c.Lookup("c")
	require.NoError(t, err)
	require.Equal(t, "c", got.ID)
}

func TestLoadRing(t *testing.T) {
	dir := t.TempDir()
	pemBytes, err := GeneratePrivateKeyPEM(1024)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "single.pem"), pemBytes, 0o600))

	pub, _, err := clientcrypto.GenerateFleetKey()
	require.NoError(t, err)

	yml := "fleet_public_key: " + base64.StdEncoding.EncodeToString(pub[:]) + `
keys:
  - id: single-q4
    kind: single
    pem: single.pem
    lifetime: 2h
    active_from: 2026-10-01T00:00:00Z
`
	path := filepath.Join(dir, "keys.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	ring, fleet, err := LoadRing(path)
	require.NoError(t, err)
	require.Equal(t, pub, fleet)

	info, err := ring.Lookup("single-q4")
	require.NoError(t, err)
	require.Equal(t, model.KindSingle, info.Kind)
	require.Equal(t, 2*time.Hour, info.Lifetime)
	require.True(t, info.RetireAt.IsZero())
	require.Equal(t, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), info.ActiveFrom.UTC())
}

func TestLoadRing_Errors(t *testing.T) {
	dir := t.TempDir()
	_, _, err := LoadRing(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(path, []byte("keys: []\n"), 0o600))
	_, _, err = LoadRing(path)
	require.Error(t, err)

	bad := filepath.Join(dir, "bad.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not pem"), 0o600))
	_, err = ReadPrivateKey(bad)
	require.Error(t, err)
}
