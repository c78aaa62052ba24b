package validator

import (
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	u "github.com/gofrs/uuid/v5"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/and161185/blindticket/internal/api"
	"github.com/and161185/blindticket/internal/codec"
	"github.com/and161185/blindticket/internal/convert"
	"github.com/and161185/blindticket/internal/errs"
	"github.com/and161185/blindticket/internal/keys"
	"github.com/and161185/blindticket/internal/model"
)

const (
	acceptancePrefix = "acc:"
	pendingPrefix    = "pending:"
	keysKey          = "meta:keys"
	snapshotKey      = "meta:bloom"
)

var syncWrite = &opt.WriteOptions{Sync: true}

type acceptanceRecord struct {
	LocalID     []byte           `cbor:"1,keyasint"`
	TokenHash   []byte           `cbor:"2,keyasint"`
	AcceptedAt  time.Time        `cbor:"3,keyasint"`
	ValidatorID string           `cbor:"4,keyasint"`
	State       string           `cbor:"5,keyasint"`
	Suspicious  bool             `cbor:"6,keyasint,omitempty"`
	Canonical   *api.SpentRecord `cbor:"7,keyasint,omitempty"`
	SyncedAt    time.Time        `cbor:"8,keyasint"`
	Attempts    int              `cbor:"9,keyasint,omitempty"`
	LastError   string           `cbor:"10,keyasint,omitempty"`
}

// Store is the validator's local append-only log of offline acceptances plus cached keys and
// the last Bloom snapshot. A pending index holds exactly the Unsynced records in acceptance order.
type Store struct {
	db *leveldb.DB
	mu sync.Mutex // serializes read-modify-write of acceptance records
}

// OpenStore opens (or creates) the store directory.
func OpenStore(path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("validator store path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve validator store path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open validator store: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenStoreStorage opens the store on an arbitrary LevelDB storage.
func OpenStoreStorage(stor storage.Storage) (*Store, error) {
	db, err := leveldb.Open(stor, nil)
	if err != nil {
		return nil, fmt.Errorf("open validator store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func accKey(id u.UUID) []byte { return []byte(acceptancePrefix + hex.EncodeToString(id.Bytes())) }

func pendingKey(at time.Time, id u.UUID) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", pendingPrefix, at.UnixNano(), hex.EncodeToString(id.Bytes())))
}

func parsePendingKey(key []byte) (u.UUID, bool) {
	raw := strings.TrimPrefix(string(key), pendingPrefix)
	i := strings.LastIndexByte(raw, ':')
	if i < 0 {
		return u.Nil, false
	}
	b, err := hex.DecodeString(raw[i+1:])
	if err != nil {
		return u.Nil, false
	}
	id, err := u.FromBytes(b)
	return id, err == nil
}

// Append persists a new Unsynced acceptance. It is durable when Append returns.
func (s *Store) Append(a model.OfflineAcceptance) error {
	if a.LocalID == u.Nil || a.TokenHash.IsZero() {
		return fmt.Errorf("append: missing id or token hash: %w", errs.ErrInvalidInput)
	}
	a.SyncState = model.SyncUnsynced
	a.AcceptedAt = a.AcceptedAt.UTC()
	raw, err := codec.Marshal(toRecord(a))
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ok, err := s.db.Has(accKey(a.LocalID), nil); err != nil {
		return fmt.Errorf("append: %w", err)
	} else if ok {
		return fmt.Errorf("append %s: %w", a.LocalID, errs.ErrAlreadyExists)
	}
	batch := new(leveldb.Batch)
	batch.Put(accKey(a.LocalID), raw)
	batch.Put(pendingKey(a.AcceptedAt, a.LocalID), nil)
	if err := s.db.Write(batch, syncWrite); err != nil {
		return fmt.Errorf("append acceptance: %w", err)
	}
	return nil
}

// Get returns one acceptance or errs.ErrNotFound.
func (s *Store) Get(id u.UUID) (model.OfflineAcceptance, error) {
	raw, err := s.db.Get(accKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return model.OfflineAcceptance{}, errs.ErrNotFound
	}
	if err != nil {
		return model.OfflineAcceptance{}, fmt.Errorf("load acceptance: %w", err)
	}
	return decodeRecord(raw)
}

// Pending returns up to limit Unsynced acceptances, oldest first. limit <= 0 means all.
func (s *Store) Pending(limit int) ([]model.OfflineAcceptance, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(pendingPrefix)), nil)
	defer iter.Release()

	var out []model.OfflineAcceptance
	for iter.Next() {
		id, ok := parsePendingKey(iter.Key())
		if !ok {
			continue
		}
		a, err := s.Get(id)
		if errors.Is(err, errs.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, a)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate pending: %w", err)
	}
	return out, nil
}

// Resolve moves an Unsynced record to a terminal state. It reports false, without error, when the
// record was already resolved, so each record transitions exactly once.
func (s *Store) Resolve(id u.UUID, state model.SyncState, canonical *model.SpentRecord, at time.Time) (bool, error) {
	if !state.Terminal() {
		return false, fmt.Errorf("resolve to %q: %w", state, errs.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.Get(id)
	if err != nil {
		return false, err
	}
	if a.SyncState.Terminal() {
		return false, nil
	}
	pending := pendingKey(a.AcceptedAt, a.LocalID)
	a.SyncState = state
	a.Canonical = canonical
	a.SyncedAt = at.UTC()
	raw, err := codec.Marshal(toRecord(a))
	if err != nil {
		return false, err
	}
	batch := new(leveldb.Batch)
	batch.Put(accKey(id), raw)
	batch.Delete(pending)
	if err := s.db.Write(batch, syncWrite); err != nil {
		return false, fmt.Errorf("resolve acceptance: %w", err)
	}
	return true, nil
}

// NoteSyncError records an Error answer for a pending acceptance. Once maxAttempts answers
// have accumulated the record leaves the pending index as SyncFailed. It returns the record's
// resulting state.
func (s *Store) NoteSyncError(id u.UUID, reason string, maxAttempts int, at time.Time) (model.SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.Get(id)
	if err != nil {
		return "", err
	}
	if a.SyncState.Terminal() {
		return a.SyncState, nil
	}
	a.SyncAttempts++
	a.LastError = reason
	batch := new(leveldb.Batch)
	if maxAttempts > 0 && a.SyncAttempts >= maxAttempts {
		a.SyncState = model.SyncFailed
		a.SyncedAt = at.UTC()
		batch.Delete(pendingKey(a.AcceptedAt, a.LocalID))
	}
	raw, err := codec.Marshal(toRecord(a))
	if err != nil {
		return "", err
	}
	batch.Put(accKey(id), raw)
	if err := s.db.Write(batch, syncWrite); err != nil {
		return "", fmt.Errorf("note sync error: %w", err)
	}
	return a.SyncState, nil
}

// List returns acceptances in the given state (all when state is empty), oldest first.
func (s *Store) List(state model.SyncState) ([]model.OfflineAcceptance, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(acceptancePrefix)), nil)
	defer iter.Release()

	var out []model.OfflineAcceptance
	for iter.Next() {
		a, err := decodeRecord(iter.Value())
		if err != nil {
			return nil, err
		}
		if state == "" || a.SyncState == state {
			out = append(out, a)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate acceptances: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AcceptedAt.Before(out[j].AcceptedAt) })
	return out, nil
}

// SaveKeys caches the published issuer keys and the fleet key for offline use.
func (s *Store) SaveKeys(infos []keys.Info, fleet []byte) error {
	raw, err := codec.Marshal(api.PublicKeysResponse{Keys: convert.ToWireKeys(infos), FleetPublicKey: fleet})
	if err != nil {
		return err
	}
	if err := s.db.Put([]byte(keysKey), raw, syncWrite); err != nil {
		return fmt.Errorf("save keys: %w", err)
	}
	return nil
}

// LoadKeys returns the cached keys or errs.ErrNotFound.
func (s *Store) LoadKeys() ([]keys.Info, []byte, error) {
	raw, err := s.db.Get([]byte(keysKey), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load keys: %w", err)
	}
	var resp api.PublicKeysResponse
	if err := codec.Unmarshal(raw, &resp); err != nil {
		return nil, nil, fmt.Errorf("decode keys: %w", err)
	}
	infos, err := convert.FromWireKeys(resp.Keys)
	if err != nil {
		return nil, nil, err
	}
	return infos, resp.FleetPublicKey, nil
}

// SaveSnapshot replaces the cached Bloom snapshot.
func (s *Store) SaveSnapshot(snap model.BloomSnapshot) error {
	raw, err := codec.Marshal(convert.ToWireSnapshot(snap))
	if err != nil {
		return err
	}
	if err := s.db.Put([]byte(snapshotKey), raw, syncWrite); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the cached snapshot or errs.ErrNotFound.
func (s *Store) LoadSnapshot() (model.BloomSnapshot, error) {
	raw, err := s.db.Get([]byte(snapshotKey), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return model.BloomSnapshot{}, errs.ErrNotFound
	}
	if err != nil {
		return model.BloomSnapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	var resp api.BloomSnapshotResponse
	if err := codec.Unmarshal(raw, &resp); err != nil {
		return model.BloomSnapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return convert.FromWireSnapshot(&resp), nil
}

func toRecord(a model.OfflineAcceptance) acceptanceRecord {
	rec := acceptanceRecord{
		LocalID:     a.LocalID.Bytes(),
		TokenHash:   a.TokenHash.Bytes(),
		AcceptedAt:  a.AcceptedAt,
		ValidatorID: a.ValidatorID,
		State:       string(a.SyncState),
		Suspicious:  a.Suspicious,
		SyncedAt:    a.SyncedAt,
		Attempts:    a.SyncAttempts,
		LastError:   a.LastError,
	}
	if a.Canonical != nil {
		rec.Canonical = convert.ToWireSpentRecord(*a.Canonical)
	}
	return rec
}

func decodeRecord(raw []byte) (model.OfflineAcceptance, error) {
	var rec acceptanceRecord
	if err := codec.Unmarshal(raw, &rec); err != nil {
		return model.OfflineAcceptance{}, fmt.Errorf("decode acceptance: %w", err)
	}
	id, err := u.FromBytes(rec.LocalID)
	if err != nil {
		return model.OfflineAcceptance{}, fmt.Errorf("decode acceptance id: %w", err)
	}
	h, ok := model.TokenHashFromBytes(rec.TokenHash)
	if !ok {
		return model.OfflineAcceptance{}, fmt.Errorf("acceptance %s: corrupt token hash", id)
	}
	canon, err := convert.FromWireSpentRecord(rec.Canonical)
	if err != nil {
		return model.OfflineAcceptance{}, fmt.Errorf("acceptance %s: %w", id, err)
	}
	a := model.OfflineAcceptance{
		LocalID:      id,
		TokenHash:    h,
		AcceptedAt:   rec.AcceptedAt.UTC(),
		ValidatorID:  rec.ValidatorID,
		SyncState:    model.SyncState(rec.State),
		Suspicious:   rec.Suspicious,
		Canonical:    canon,
		SyncAttempts: rec.Attempts,
		LastError:    rec.LastError,
	}
	if !rec.SyncedAt.IsZero() {
		a.SyncedAt = rec.SyncedAt.UTC()
	}
	return a, nil
}
