package holder

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	u "github.com/gofrs/uuid/v5"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/and161185/blindticket/internal/codec"
	"github.com/and161185/blindticket/internal/crypto/clientcrypto"
	"github.com/and161185/blindticket/internal/errs"
	"github.com/and161185/blindticket/internal/model"
)

const (
	walletMetaKey      = "meta"
	walletTicketPrefix = "ticket:"
)

type walletMeta struct {
	WalletID   []byte `cbor:"1,keyasint"`
	Salt       []byte `cbor:"2,keyasint"`
	WrappedDEK []byte `cbor:"3,keyasint"`
}

type ticketRecord struct {
	TokenID   []byte    `cbor:"1,keyasint"`
	KeyID     string    `cbor:"2,keyasint"`
	Kind      string    `cbor:"3,keyasint"`
	Signature []byte    `cbor:"4,keyasint"`
	IssuedAt  time.Time `cbor:"5,keyasint"`
	Expiry    time.Time `cbor:"6,keyasint"`
	Sealed    []byte    `cbor:"7,keyasint,omitempty"`
	Secret    []byte    `cbor:"8,keyasint,omitempty"`
}

// StoredTicket is a wallet entry.
type StoredTicket struct {
	ID string
	Ticket
}

// Wallet keeps tickets on the holder device. Each entry is sealed with a key derived from a
// passphrase-wrapped DEK; token values and master secrets never hit the disk in clear.
type Wallet struct {
	db       *leveldb.DB
	walletID []byte
	dek      []byte
}

// OpenWallet opens (or creates) a wallet directory.
func OpenWallet(path string, passphrase []byte) (*Wallet, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("wallet path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve wallet path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open wallet: %w", err)
	}
	return initWallet(db, passphrase)
}

// OpenWalletStorage opens a wallet on an arbitrary LevelDB storage (tests use memory storage).
func OpenWalletStorage(stor storage.Storage, passphrase []byte) (*Wallet, error) {
	db, err := leveldb.Open(stor, nil)
	if err != nil {
		return nil, fmt.Errorf("open wallet: %w", err)
	}
	return initWallet(db, passphrase)
}

func initWallet(db *leveldb.DB, passphrase []byte) (*Wallet, error) {
	w, err := unlock(db, passphrase)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func unlock(db *leveldb.DB, passphrase []byte) (*Wallet, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("wallet passphrase required: %w", errs.ErrInvalidInput)
	}
	raw, err := db.Get([]byte(walletMetaKey), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return create(db, passphrase)
	case err != nil:
		return nil, fmt.Errorf("load wallet meta: %w", err)
	}

	var meta walletMeta
	if err := codec.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode wallet meta: %w", err)
	}
	kek := clientcrypto.DeriveKEK(passphrase, meta.Salt)
	dek, err := clientcrypto.UnwrapDEK(kek, meta.WrappedDEK)
	if err != nil {
		return nil, fmt.Errorf("unlock wallet: %w", errs.ErrUnauthorized)
	}
	return &Wallet{db: db, walletID: meta.WalletID, dek: dek}, nil
}

func create(db *leveldb.DB, passphrase []byte) (*Wallet, error) {
	id, err := u.NewV4()
	if err != nil {
		return nil, err
	}
	salt, err := clientcrypto.Rand(clientcrypto.SaltLen)
	if err != nil {
		return nil, err
	}
	dek, err := clientcrypto.Rand(clientcrypto.DEKLen)
	if err != nil {
		return nil, err
	}
	wrapped, err := clientcrypto.WrapDEK(clientcrypto.DeriveKEK(passphrase, salt), dek)
	if err != nil {
		return nil, err
	}
	meta := walletMeta{WalletID: id.Bytes(), Salt: salt, WrappedDEK: wrapped}
	raw, err := codec.Marshal(meta)
	if err != nil {
		return nil, err
	}
	if err := db.Put([]byte(walletMetaKey), raw, &opt.WriteOptions{Sync: true}); err != nil {
		return nil, fmt.Errorf("write wallet meta: %w", err)
	}
	return &Wallet{db: db, walletID: meta.WalletID, dek: dek}, nil
}

// Close releases the database.
func (w *Wallet) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

// Put stores t and returns its wallet ID.
func (w *Wallet) Put(t Ticket) (string, error) {
	id, err := u.NewV4()
	if err != nil {
		return "", err
	}
	blob, err := w.seal(id.String(), t)
	if err != nil {
		return "", err
	}
	if err := w.db.Put([]byte(walletTicketPrefix+id.String()), blob, &opt.WriteOptions{Sync: true}); err != nil {
		return "", fmt.Errorf("store ticket: %w", err)
	}
	return id.String(), nil
}

// Get returns one ticket or errs.ErrNotFound.
func (w *Wallet) Get(id string) (Ticket, error) {
	blob, err := w.db.Get([]byte(walletTicketPrefix+id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Ticket{}, errs.ErrNotFound
	}
	if err != nil {
		return Ticket{}, fmt.Errorf("load ticket: %w", err)
	}
	return w.open(id, blob)
}

// List returns all tickets ordered by issuance time.
func (w *Wallet) List() ([]StoredTicket, error) {
	iter := w.db.NewIterator(util.BytesPrefix([]byte(walletTicketPrefix)), nil)
	defer iter.Release()

	var out []StoredTicket
	for iter.Next() {
		id := strings.TrimPrefix(string(iter.Key()), walletTicketPrefix)
		t, err := w.open(id, iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, StoredTicket{ID: id, Ticket: t})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate wallet: %w", err)
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Token.IssuedAt.Before(out[b].Token.IssuedAt) })
	return out, nil
}

// Delete removes a ticket. Deleting a missing ticket is not an error.
func (w *Wallet) Delete(id string) error {
	if err := w.db.Delete([]byte(walletTicketPrefix+id), nil); err != nil {
		return fmt.Errorf("delete ticket: %w", err)
	}
	return nil
}

// DiscardExpired deletes tickets whose expiry is before now and returns how many were removed.
func (w *Wallet) DiscardExpired(now time.Time) (int, error) {
	all, err := w.List()
	if err != nil {
		return 0, err
	}
	batch := new(leveldb.Batch)
	for _, st := range all {
		if now.After(st.Token.Expiry) {
			batch.Delete([]byte(walletTicketPrefix + st.ID))
		}
	}
	if batch.Len() == 0 {
		return 0, nil
	}
	if err := w.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("discard expired: %w", err)
	}
	return batch.Len(), nil
}

func (w *Wallet) seal(id string, t Ticket) ([]byte, error) {
	rec := ticketRecord{
		TokenID:   t.Token.ID[:],
		KeyID:     t.Token.KeyID,
		Kind:      string(t.Token.Kind),
		Signature: t.Token.Signature,
		IssuedAt:  t.Token.IssuedAt,
		Expiry:    t.Token.Expiry,
		Sealed:    t.Token.SealedSecret,
	}
	if t.Secret != nil {
		rec.Secret = t.Secret[:]
	}
	plain, err := codec.Marshal(rec)
	if err != nil {
		return nil, err
	}
	key, err := clientcrypto.DeriveEntryKey(w.dek, []byte(id))
	if err != nil {
		return nil, err
	}
	return clientcrypto.SealEntry(key, w.walletID, []byte(id), plain)
}

func (w *Wallet) open(id string, blob []byte) (Ticket, error) {
	key, err := clientcrypto.DeriveEntryKey(w.dek, []byte(id))
	if err != nil {
		return Ticket{}, err
	}
	plain, err := clientcrypto.OpenEntry(key, w.walletID, []byte(id), blob)
	if err != nil {
		return Ticket{}, fmt.Errorf("open ticket %s: %w", id, err)
	}
	var rec ticketRecord
	if err := codec.Unmarshal(plain, &rec); err != nil {
		return Ticket{}, fmt.Errorf("decode ticket %s: %w", id, err)
	}
	if len(rec.TokenID) != model.TokenIDSize {
		return Ticket{}, fmt.Errorf("ticket %s: corrupt token id", id)
	}
	t := Ticket{Token: model.Token{
		KeyID:        rec.KeyID,
		Kind:         model.TicketKind(rec.Kind),
		Signature:    rec.Signature,
		IssuedAt:     rec.IssuedAt.UTC(),
		Expiry:       rec.Expiry.UTC(),
		SealedSecret: rec.Sealed,
	}}
	copy(t.Token.ID[:], rec.TokenID)
	if len(rec.Secret) > 0 {
		var sm model.MasterSecret
		if len(rec.Secret) != len(sm) {
			return Ticket{}, fmt.Errorf("ticket %s: corrupt master secret", id)
		}
		copy(sm[:], rec.Secret)
		t.Secret = &sm
	}
	return t, nil
}
