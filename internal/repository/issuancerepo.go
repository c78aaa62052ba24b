// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/blindticket/internal/model"
)

// IssuanceRepository stores the issuer's audit trail: {paymentRef, hash(B), keyId, issuedAt}.
type IssuanceRepository interface {
	// Record inserts an issuance. If paymentRef was already used it returns the stored row
	// together with errs.ErrAlreadyExists.
	Record(ctx context.Context, iss model.Issuance) (model.Issuance, error)
}
