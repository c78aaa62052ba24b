package holder

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/and161185/blindticket/internal/errs"
	"github.com/and161185/blindticket/internal/model"
)

func sampleTicket(b byte, kind model.TicketKind, issued time.Time) Ticket {
	t := Ticket{Token: model.Token{
		KeyID:     "k1",
		Kind:      kind,
		Signature: []byte{b, b, b},
		IssuedAt:  issued,
		Expiry:    issued.Add(time.Hour),
	}}
	for i := range t.Token.ID {
		t.Token.ID[i] = b
	}
	if kind == model.KindMulti {
		var sm model.MasterSecret
		for i := range sm {
			sm[i] = b + 1
		}
		t.Secret = &sm
		t.Token.SealedSecret = []byte{0xAA, b}
	}
	return t
}

func TestWallet_PutGetListDelete(t *testing.T) {
	stor := storage.NewMemStorage()
	w, err := OpenWalletStorage(stor, []byte("correct horse"))
	require.NoError(t, err)
	defer w.Close()

	base := time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC)
	single := sampleTicket(1, model.KindSingle, base.Add(time.Minute))
	multi := sampleTicket(2, model.KindMulti, base)

	id1, err := w.Put(single)
	require.NoError(t, err)
	id2, err := w.Put(multi)
	require.NoError(t, err)

	got, err := w.Get(id1)
	require.NoError(t, err)
	require.Equal(t, single, got)

	got, err = w.Get(id2)
	require.NoError(t, err)
	require.Equal(t, multi, got)

	all, err := w.List()
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, id2, all[0].ID, "ordered by issuance")

	require.NoError(t, w.Delete(id1))
	_, err = w.Get(id1)
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.NoError(t, w.Delete(id1))
}

func TestWallet_EntriesAreSealed(t *testing.T) {
	w, err := OpenWalletStorage(storage.NewMemStorage(), []byte("pw"))
	require.NoError(t, err)
	defer w.Close()

	tk := sampleTicket(7, model.KindMulti, time.Now().UTC().Truncate(time.Second))
	id, err := w.Put(tk)
	require.NoError(t, err)

	raw, err := w.db.Get([]byte(walletTicketPrefix+id), nil)
	require.NoError(t, err)
	require.False(t, bytes.Contains(raw, tk.Token.ID[:]))
	require.False(t, bytes.Contains(raw, tk.Secret[:]))
}

func TestWallet_ReopenAndWrongPassphrase(t *testing.T) {
	stor := storage.NewMemStorage()
	w, err := OpenWalletStorage(stor, []byte("pw"))
	require.NoError(t, err)
	tk := sampleTicket(3, model.KindSingle, time.Now().UTC().Truncate(time.Second))
	id, err := w.Put(tk)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = OpenWalletStorage(stor, []byte("wrong"))
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	w, err = OpenWalletStorage(stor, []byte("pw"))
	require.NoError(t, err)
	defer w.Close()
	got, err := w.Get(id)
	require.NoError(t, err)
	require.Equal(t, tk, got)

	_, err = OpenWalletStorage(storage.NewMemStorage(), nil)
	require.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestWallet_DiscardExpired(t *testing.T) {
	w, err := OpenWalletStorage(storage.NewMemStorage(), []byte("pw"))
	require.NoError(t, err)
	defer w.Close()

	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	_, err = w.Put(sampleTicket(1, model.KindSingle, now.Add(-3*time.Hour)))
	require.NoError(t, err)
	keep, err := w.Put(sampleTicket(2, model.KindSingle, now.Add(-30*time.Minute)))
	require.NoError(t, err)

	n, err := w.DiscardExpired(now)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	all, err := w.List()
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, keep, all[0].ID)
}
