// Package convert maps between wire messages and domain types.
package convert

import (
	"fmt"
	"math/big"
	"time"

	u "github.com/gofrs/uuid/v5"

	"github.com/and161185/blindticket/internal/api"
	"github.com/and161185/blindticket/internal/crypto/blindsig"
	"github.com/and161185/blindticket/internal/keys"
	model "github.com/and161185/blindticket/internal/model"
)

// --- helpers ---

func tokenHash(b []byte) (model.TokenHash, error) {
	h, ok := model.TokenHashFromBytes(b)
	if !ok {
		return model.TokenHash{}, fmt.Errorf("token hash length %d", len(b))
	}
	return h, nil
}

func uuidFrom(b []byte) (u.UUID, error) {
	if len(b) == 0 {
		return u.Nil, nil
	}
	id, err := u.FromBytes(b)
	if err != nil {
		return u.Nil, fmt.Errorf("invalid id: %w", err)
	}
	return id, nil
}

func uuidBytes(id u.UUID) []byte {
	if id == u.Nil {
		return nil
	}
	return id.Bytes()
}

// --- Keys ---

// ToWireKeys converts published key descriptions.
func ToWireKeys(in []keys.Info) []api.PublicKey {
	out := make([]api.PublicKey, 0, len(in))
	for _, k := range in {
		out = append(out, api.PublicKey{
			KeyID:           k.ID,
			Kind:            string(k.Kind),
			Modulus:         k.Public.N.Bytes(),
			Exponent:        k.Public.E,
			LifetimeSeconds: int64(k.Lifetime / time.Second),
			ActiveFrom:      k.ActiveFrom,
			RetireAt:        k.RetireAt,
		})
	}
	return out
}

// FromWireKeys converts and sanity-checks published keys.
func FromWireKeys(in []api.PublicKey) ([]keys.Info, error) {
	out := make([]keys.Info, 0, len(in))
	for i, k := range in {
		kind := model.TicketKind(k.Kind)
		switch {
		case k.KeyID == "":
			return nil, fmt.Errorf("key[%d]: empty id", i)
		case kind != model.KindSingle && kind != model.KindMulti:
			return nil, fmt.Errorf("key[%d]: unknown kind %q", i, k.Kind)
		case len(k.Modulus) < 128 || k.Exponent < 3 || k.Exponent%2 == 0:
			return nil, fmt.Errorf("key[%d]: weak or malformed RSA key", i)
		case k.LifetimeSeconds <= 0:
			return nil, fmt.Errorf("key[%d]: non-positive lifetime", i)
		}
		out = append(out, keys.Info{
			ID:         k.KeyID,
			Kind:       kind,
			Lifetime:   time.Duration(k.LifetimeSeconds) * time.Second,
			ActiveFrom: k.ActiveFrom.UTC(),
			RetireAt:   k.RetireAt.UTC(),
			Public:     &blindsig.PublicKey{N: new(big.Int).SetBytes(k.Modulus), E: k.Exponent},
		})
	}
	return out, nil
}

// --- Redemption ---

// ToWireRedeem converts an online redemption for the validator client.
func ToWireRedeem(r model.Redemption) *api.RedeemRequest {
	return &api.RedeemRequest{
		TokenHash:    r.TokenHash.Bytes(),
		KeyID:        r.KeyID,
		Signature:    r.Signature,
		Timestamp:    r.Timestamp,
		AcceptanceID: uuidBytes(r.AcceptanceID),
	}
}

// FromWireRedeem converts a redemption request; validatorID comes from authentication.
func FromWireRedeem(in *api.RedeemRequest, validatorID string) (model.Redemption, error) {
	if in == nil {
		return model.Redemption{}, fmt.Errorf("nil RedeemRequest")
	}
	h, err := tokenHash(in.TokenHash)
	if err != nil {
		return model.Redemption{}, err
	}
	acc, err := uuidFrom(in.AcceptanceID)
	if err != nil {
		return model.Redemption{}, err
	}
	return model.Redemption{
		TokenHash:    h,
		KeyID:        in.KeyID,
		Signature:    in.Signature,
		ValidatorID:  validatorID,
		Timestamp:    in.Timestamp,
		AcceptanceID: acc,
	}, nil
}

// --- Sync ---

// ToWireSyncItems converts an upload batch.
func ToWireSyncItems(in []model.SyncItem) []api.SyncItem {
	out := make([]api.SyncItem, 0, len(in))
	for _, it := range in {
		out = append(out, api.SyncItem{
			TokenHash:  it.TokenHash.Bytes(),
			RedeemedAt: it.RedeemedAt,
			LocalID:    uuidBytes(it.LocalID),
		})
	}
	return out
}

// FromWireSyncItems converts an upload batch.
func FromWireSyncItems(in []api.SyncItem) ([]model.SyncItem, error) {
	out := make([]model.SyncItem, 0, len(in))
	for i, it := range in {
		h, err := tokenHash(it.TokenHash)
		if err != nil {
			return nil, fmt.Errorf("item[%d]: %w", i, err)
		}
		id, err := uuidFrom(it.LocalID)
		if err != nil {
			return nil, fmt.Errorf("item[%d]: %w", i, err)
		}
		out = append(out, model.SyncItem{TokenHash: h, RedeemedAt: it.RedeemedAt, LocalID: id})
	}
	return out, nil
}

// ToWireSpentRecord converts a ledger record.
func ToWireSpentRecord(r model.SpentRecord) *api.SpentRecord {
	return &api.SpentRecord{
		TokenHash:    r.TokenHash.Bytes(),
		RedeemedAt:   r.RedeemedAt,
		ValidatorID:  r.ValidatorID,
		AcceptanceID: uuidBytes(r.AcceptanceID),
		Channel:      string(r.Channel),
	}
}

// FromWireSpentRecord converts a ledger record.
func FromWireSpentRecord(in *api.SpentRecord) (*model.SpentRecord, error) {
	if in == nil {
		return nil, nil
	}
	h, err := tokenHash(in.TokenHash)
	if err != nil {
		return nil, err
	}
	acc, err := uuidFrom(in.AcceptanceID)
	if err != nil {
		return nil, err
	}
	return &model.SpentRecord{
		TokenHash:    h,
		RedeemedAt:   in.RedeemedAt,
		ValidatorID:  in.ValidatorID,
		AcceptanceID: acc,
		Channel:      model.RedemptionChannel(in.Channel),
	}, nil
}

// ToWireSyncResults converts per-record outcomes.
func ToWireSyncResults(in []model.SyncResult) []api.SyncResult {
	out := make([]api.SyncResult, 0, len(in))
	for _, r := range in {
		w := api.SyncResult{LocalID: uuidBytes(r.LocalID), Status: string(r.Status), Error: r.Error}
		if r.Canonical != nil {
			w.Canonical = ToWireSpentRecord(*r.Canonical)
		}
		out = append(out, w)
	}
	return out
}

// FromWireSyncResults converts per-record outcomes. Unknown statuses become SyncError.
func FromWireSyncResults(in []api.SyncResult) ([]model.SyncResult, error) {
	out := make([]model.SyncResult, 0, len(in))
	for i, r := range in {
		id, err := uuidFrom(r.LocalID)
		if err != nil {
			return nil, fmt.Errorf("result[%d]: %w", i, err)
		}
		canon, err := FromWireSpentRecord(r.Canonical)
		if err != nil {
			return nil, fmt.Errorf("result[%d]: canonical: %w", i, err)
		}
		st := model.SyncStatus(r.Status)
		switch st {
		case model.SyncConfirmed, model.SyncDuplicate, model.SyncError:
		default:
			st = model.SyncError
		}
		out = append(out, model.SyncResult{LocalID: id, Status: st, Canonical: canon, Error: r.Error})
	}
	return out, nil
}

// --- Bloom ---

// ToWireSnapshot converts a snapshot.
func ToWireSnapshot(s model.BloomSnapshot) *api.BloomSnapshotResponse {
	return &api.BloomSnapshotResponse{
		Version:           s.Version,
		Bits:              s.Bits,
		FalsePositiveRate: s.FalsePositiveRate,
		Count:             s.Count,
		GeneratedAt:       s.GeneratedAt,
		ValidUntil:        s.ValidUntil,
	}
}

// FromWireSnapshot converts a snapshot.
func FromWireSnapshot(in *api.BloomSnapshotResponse) model.BloomSnapshot {
	return model.BloomSnapshot{
		Version:           in.Version,
		Bits:              in.Bits,
		FalsePositiveRate: in.FalsePositiveRate,
		Count:             in.Count,
		GeneratedAt:       in.GeneratedAt.UTC(),
		ValidUntil:        in.ValidUntil.UTC(),
	}
}

// --- Conflicts ---

// ToWireConflicts converts conflict audit rows.
func ToWireConflicts(in []model.Conflict) []api.Conflict {
	out := make([]api.Conflict, 0, len(in))
	for _, c := range in {
		out = append(out, api.Conflict{
			TokenHash:             c.TokenHash.Bytes(),
			CanonicalValidatorID:  c.CanonicalValidatorID,
			CanonicalRedeemedAt:   c.CanonicalRedeemedAt,
			CanonicalAcceptanceID: uuidBytes(c.CanonicalAcceptanceID),
			DuplicateValidatorID:  c.DuplicateValidatorID,
			DuplicateRedeemedAt:   c.DuplicateRedeemedAt,
			DuplicateAcceptanceID: uuidBytes(c.DuplicateAcceptanceID),
			DetectedAt:            c.DetectedAt,
		})
	}
	return out
}

// FromWireConflicts converts conflict audit rows.
func FromWireConflicts(in []api.Conflict) ([]model.Conflict, error) {
	out := make([]model.Conflict, 0, len(in))
	for i, c := range in {
		h, err := tokenHash(c.TokenHash)
		if err != nil {
			return nil, fmt.Errorf("conflict[%d]: %w", i, err)
		}
		canon, err := uuidFrom(c.CanonicalAcceptanceID)
		if err != nil {
			return nil, fmt.Errorf("conflict[%d]: %w", i, err)
		}
		dup, err := uuidFrom(c.DuplicateAcceptanceID)
		if err != nil {
			return nil, fmt.Errorf("conflict[%d]: %w", i, err)
		}
		out = append(out, model.Conflict{
			TokenHash:             h,
			CanonicalValidatorID:  c.CanonicalValidatorID,
			CanonicalRedeemedAt:   c.CanonicalRedeemedAt,
			CanonicalAcceptanceID: canon,
			DuplicateValidatorID:  c.DuplicateValidatorID,
			DuplicateRedeemedAt:   c.DuplicateRedeemedAt,
			DuplicateAcceptanceID: dup,
			DetectedAt:            c.DetectedAt,
		})
	}
	return out, nil
}
