// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"errors"
	"fmt"
)

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates a temporary lockout due to rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyExists indicates a unique constraint violation.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInternal is a local failure unrelated to the presented ticket.
	ErrInternal = errors.New("internal error")
)

// Taxonomy roots. Every domain error wraps exactly one of them.
var (
	// ErrIssuance covers invalid or replayed payments and malformed blinded values.
	ErrIssuance = errors.New("issuance error")

	// ErrVerification covers bad signatures, unknown keys and tampered fields.
	ErrVerification = errors.New("verification error")

	// ErrExpiry indicates a ticket outside its validity window.
	ErrExpiry = errors.New("expiry error")

	// ErrReplay indicates a reused epoch proof or an already redeemed token.
	ErrReplay = errors.New("replay error")

	// ErrNetwork is recoverable: the validator falls back to the offline path.
	ErrNetwork = errors.New("network error")

	// ErrConflict is a double redemption found at reconciliation. Terminal, for human review.
	ErrConflict = errors.New("conflict error")
)

// Issuance errors.
var (
	ErrAlreadyUsedPaymentRef = fmt.Errorf("%w: payment reference already used", ErrIssuance)
	ErrInvalidInput          = fmt.Errorf("%w: invalid input", ErrIssuance)
	ErrPaymentRejected       = fmt.Errorf("%w: payment proof rejected", ErrIssuance)
	ErrSelfVerification      = fmt.Errorf("%w: unblinded signature failed self-verification", ErrIssuance)
)

// Verification errors.
var (
	ErrUnknownKey    = fmt.Errorf("%w: unknown key", ErrVerification)
	ErrBadSignature  = fmt.Errorf("%w: bad signature", ErrVerification)
	ErrBadProof      = fmt.Errorf("%w: bad rotating proof", ErrVerification)
	ErrProofRequired = fmt.Errorf("%w: rotating proof required", ErrVerification)
	ErrMalformed     = fmt.Errorf("%w: malformed payload", ErrVerification)
)

// ErrNotYetValid is a ticket presented before its issuance time.
var ErrNotYetValid = fmt.Errorf("%w: not yet valid", ErrExpiry)

// Replay errors.
var (
	ErrAlreadySpent = fmt.Errorf("%w: already spent", ErrReplay)
	ErrEpochReused  = fmt.Errorf("%w: epoch already consumed", ErrReplay)
	ErrStaleEpoch   = fmt.Errorf("%w: proof epoch outside window", ErrReplay)
)

// ErrDuplicateRedemption is reported for an offline acceptance that lost to a canonical ledger record.
var ErrDuplicateRedemption = fmt.Errorf("%w: duplicate redemption", ErrConflict)
