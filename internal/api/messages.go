// Package api defines the authority's wire contract: CBOR messages carried over gRPC with a
// hand-written service descriptor and client.
package api

import "time"

// SignBlindedRequest is the Issuer signing input.
type SignBlindedRequest struct {
	BlindedValue []byte `cbor:"blinded_value"`
	PaymentRef   string `cbor:"payment_ref"`
	KeyID        string `cbor:"key_id"`
	Receipt      []byte `cbor:"receipt,omitempty"`
}

type SignBlindedResponse struct {
	BlindSignature []byte `cbor:"blind_signature"`
}

type PublicKeysRequest struct{}

// PublicKey is one published issuer key.
type PublicKey struct {
	KeyID           string    `cbor:"key_id"`
	Kind            string    `cbor:"kind"`
	Modulus         []byte    `cbor:"modulus"`
	Exponent        int       `cbor:"exponent"`
	LifetimeSeconds int64     `cbor:"lifetime_seconds"`
	ActiveFrom      time.Time `cbor:"active_from"`
	RetireAt        time.Time `cbor:"retire_at"`
}

type PublicKeysResponse struct {
	Keys []PublicKey `cbor:"keys"`
	// FleetPublicKey is the X25519 key holders seal MasterSecrets to.
	FleetPublicKey []byte `cbor:"fleet_public_key,omitempty"`
}

// RedeemRequest is an online redemption. ValidatorID is taken from the bearer token.
type RedeemRequest struct {
	TokenHash    []byte    `cbor:"token_hash"`
	KeyID        string    `cbor:"key_id"`
	Signature    []byte    `cbor:"signature"`
	Timestamp    time.Time `cbor:"timestamp"`
	AcceptanceID []byte    `cbor:"acceptance_id"`
}

type RedeemResponse struct {
	Accepted bool   `cbor:"accepted"`
	Reason   string `cbor:"reason,omitempty"`
}

type SyncItem struct {
	TokenHash  []byte    `cbor:"token_hash"`
	RedeemedAt time.Time `cbor:"redeemed_at"`
	LocalID    []byte    `cbor:"local_id"`
}

type SyncOfflineRequest struct {
	Batch []SyncItem `cbor:"batch"`
}

type SpentRecord struct {
	TokenHash    []byte    `cbor:"token_hash"`
	RedeemedAt   time.Time `cbor:"redeemed_at"`
	ValidatorID  string    `cbor:"validator_id"`
	AcceptanceID []byte    `cbor:"acceptance_id"`
	Channel      string    `cbor:"channel"`
}

type SyncResult struct {
	LocalID   []byte       `cbor:"local_id"`
	Status    string       `cbor:"status"`
	Canonical *SpentRecord `cbor:"canonical,omitempty"`
	Error     string       `cbor:"error,omitempty"`
}

type SyncOfflineResponse struct {
	Results []SyncResult `cbor:"results"`
}

// BloomSnapshotRequest may carry the version the validator already has.
type BloomSnapshotRequest struct {
	KnownVersion uint64 `cbor:"known_version,omitempty"`
}

type BloomSnapshotResponse struct {
	NotModified       bool      `cbor:"not_modified,omitempty"`
	Version           uint64    `cbor:"version"`
	Bits              []byte    `cbor:"bits,omitempty"`
	FalsePositiveRate float64   `cbor:"false_positive_rate"`
	Count             uint64    `cbor:"count"`
	GeneratedAt       time.Time `cbor:"generated_at"`
	ValidUntil        time.Time `cbor:"valid_until"`
}

type ListConflictsRequest struct {
	Since time.Time `cbor:"since"`
	Limit int       `cbor:"limit,omitempty"`
}

type Conflict struct {
	TokenHash             []byte    `cbor:"token_hash"`
	CanonicalValidatorID  string    `cbor:"canonical_validator_id"`
	CanonicalRedeemedAt   time.Time `cbor:"canonical_redeemed_at"`
	CanonicalAcceptanceID []byte    `cbor:"canonical_acceptance_id"`
	DuplicateValidatorID  string    `cbor:"duplicate_validator_id"`
	DuplicateRedeemedAt   time.Time `cbor:"duplicate_redeemed_at"`
	DuplicateAcceptanceID []byte    `cbor:"duplicate_acceptance_id"`
	DetectedAt            time.Time `cbor:"detected_at"`
}

type ListConflictsResponse struct {
	Conflicts []Conflict `cbor:"conflicts"`
}
