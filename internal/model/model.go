// Package model defines domain entities used by services, repositories and devices.
package model

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/blindticket/internal/errs"
)

// TokenIDSize is the size of a token secret in bytes (256 bits).
const TokenIDSize = 32

// TokenID is the holder's secret token value. It never reaches the issuer.
type TokenID [TokenIDSize]byte

// String redacts the value so a token ID never lands in logs by accident.
func (TokenID) String() string { return "TokenID(redacted)" }

// TokenHash is the ledger key derived from a token (see crypto.TokenHash).
type TokenHash [32]byte

// String returns the lowercase hex form.
func (h TokenHash) String() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether the hash is unset.
func (h TokenHash) IsZero() bool { return h == TokenHash{} }

// Bytes returns a copy of the hash.
func (h TokenHash) Bytes() []byte { return append([]byte(nil), h[:]...) }

// TokenHashFromBytes copies b into a TokenHash; ok is false on a length mismatch.
func TokenHashFromBytes(b []byte) (h TokenHash, ok bool) {
	if len(b) != len(h) {
		return h, false
	}
	copy(h[:], b)
	return h, true
}

// MasterSecret is the per-ticket key for rotating proofs of multi-use tickets.
type MasterSecret [32]byte

// TicketKind distinguishes single-journey from multi-use tickets. It is a property of the issuer key.
type TicketKind string

const (
	KindSingle TicketKind = "single"
	KindMulti  TicketKind = "multi"
)

// Token is a holder-owned ticket: the secret value plus the unblinded issuer signature.
type Token struct {
	ID        TokenID
	KeyID     string
	Kind      TicketKind
	Signature []byte
	IssuedAt  time.Time
	Expiry    time.Time
	// SealedSecret is the MasterSecret sealed to the validator fleet key (multi-use only).
	SealedSecret []byte
}

// ValidAt reports whether t is inside [IssuedAt, Expiry].
func (t Token) ValidAt(now time.Time) bool {
	return !now.Before(t.IssuedAt) && !now.After(t.Expiry)
}

// RotatingProof is a short-lived anti-sharing proof for one epoch.
type RotatingProof struct {
	TokenID TokenID
	Epoch   int64
	Value   []byte
}

// RedemptionChannel records how a ledger entry reached the authority.
type RedemptionChannel string

const (
	ChannelOnline  RedemptionChannel = "online"
	ChannelOffline RedemptionChannel = "offline"
)

// SpentRecord is the authoritative "this token has been used" entry. Append-only.
type SpentRecord struct {
	TokenHash    TokenHash // unique
	RedeemedAt   time.Time
	ValidatorID  string
	AcceptanceID uuid.UUID // validator local ID of the acceptance that produced this record
	Channel      RedemptionChannel
}

// SyncState is the local lifecycle of an offline acceptance.
type SyncState string

const (
	SyncUnsynced          SyncState = "unsynced"
	SyncSynced            SyncState = "synced"
	SyncDuplicateDetected SyncState = "duplicate_detected"
	// SyncFailed is reached after repeated Error answers; it waits for operator review.
	SyncFailed SyncState = "sync_failed"
)

// Terminal reports whether no further transition is allowed.
func (s SyncState) Terminal() bool {
	return s == SyncSynced || s == SyncDuplicateDetected || s == SyncFailed
}

// OfflineAcceptance is a validator-local record of an optimistic offline acceptance.
type OfflineAcceptance struct {
	LocalID     uuid.UUID
	TokenHash   TokenHash
	AcceptedAt  time.Time
	ValidatorID string
	SyncState   SyncState
	Suspicious  bool // Bloom snapshot reported "possibly spent"
	// Canonical references the winning ledger record once DuplicateDetected.
	Canonical *SpentRecord
	SyncedAt  time.Time
	// SyncAttempts counts Error answers; LastError is the latest one.
	SyncAttempts int
	LastError    string
}

// BloomSnapshot is an immutable probabilistic view of the spent ledger.
type BloomSnapshot struct {
	Version           uint64
	Bits              []byte // serialized filter
	FalsePositiveRate float64
	Count             uint64
	GeneratedAt       time.Time
	ValidUntil        time.Time
}

// Issuance is the issuer-side audit row. It never contains anything the token is recoverable from.
type Issuance struct {
	PaymentRef  string
	BlindedHash []byte
	KeyID       string
	IssuedAt    time.Time
}

// Redemption is an online redemption request from a validator.
type Redemption struct {
	TokenHash    TokenHash
	KeyID        string
	Signature    []byte
	ValidatorID  string
	Timestamp    time.Time
	AcceptanceID uuid.UUID
}

// RejectReason is the only detail an operator sees about a rejection.
type RejectReason string

const (
	ReasonNone          RejectReason = ""
	ReasonInvalidFormat RejectReason = "invalid_format"
	ReasonUnknownKey    RejectReason = "unknown_key"
	ReasonBadSignature  RejectReason = "bad_signature"
	ReasonExpired       RejectReason = "expired"
	ReasonNotYetValid   RejectReason = "not_yet_valid"
	ReasonProofRequired RejectReason = "proof_required"
	ReasonBadProof      RejectReason = "bad_proof"
	ReasonStaleEpoch    RejectReason = "stale_epoch"
	ReasonReplayed      RejectReason = "replayed"
	ReasonAlreadySpent  RejectReason = "already_spent"
	ReasonInternal      RejectReason = "internal"
)

var reasonErrs = map[RejectReason]error{
	ReasonInvalidFormat: errs.ErrMalformed,
	ReasonUnknownKey:    errs.ErrUnknownKey,
	ReasonBadSignature:  errs.ErrBadSignature,
	ReasonExpired:       errs.ErrExpiry,
	ReasonNotYetValid:   errs.ErrNotYetValid,
	ReasonProofRequired: errs.ErrProofRequired,
	ReasonBadProof:      errs.ErrBadProof,
	ReasonStaleEpoch:    errs.ErrStaleEpoch,
	ReasonReplayed:      errs.ErrEpochReused,
	ReasonAlreadySpent:  errs.ErrAlreadySpent,
	ReasonInternal:      errs.ErrInternal,
}

// Err maps a rejection onto its error sentinel. ReasonNone yields nil; an unrecognized
// reason (e.g. from a newer authority) is treated as internal.
func (r RejectReason) Err() error {
	if r == ReasonNone {
		return nil
	}
	if err, ok := reasonErrs[r]; ok {
		return err
	}
	return fmt.Errorf("%w: %s", errs.ErrInternal, string(r))
}

// RedemptionResult is the authority's answer to an online redemption.
type RedemptionResult struct {
	Accepted bool
	Reason   RejectReason
}

// SyncItem is one offline acceptance uploaded for reconciliation.
type SyncItem struct {
	TokenHash  TokenHash
	RedeemedAt time.Time
	LocalID    uuid.UUID
}

// SyncStatus is the per-record reconciliation outcome.
type SyncStatus string

const (
	SyncConfirmed SyncStatus = "confirmed"
	SyncDuplicate SyncStatus = "duplicate_detected"
	SyncError     SyncStatus = "error"
)

// SyncResult reports the outcome for one uploaded record.
type SyncResult struct {
	LocalID   uuid.UUID
	Status    SyncStatus
	Canonical *SpentRecord // set for SyncDuplicate
	Error     string
}

// Conflict is a permanently recorded double redemption. Canonical is the first ledger record.
type Conflict struct {
	TokenHash             TokenHash
	CanonicalValidatorID  string
	CanonicalRedeemedAt   time.Time
	CanonicalAcceptanceID uuid.UUID
	DuplicateValidatorID  string
	DuplicateRedeemedAt   time.Time
	DuplicateAcceptanceID uuid.UUID
	DetectedAt            time.Time
}
