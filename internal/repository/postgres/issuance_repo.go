package postgres

import (
	"context"
	"fmt"

	"github.com/and161185/blindticket/internal/errs"
	"github.com/and161185/blindticket/internal/model"
)

// IssuanceRepo implements IssuanceRepository using PostgreSQL.
type IssuanceRepo struct{ db *DB }

// NewIssuanceRepo constructs an issuance audit repository.
func NewIssuanceRepo(db *DB) *IssuanceRepo { return &IssuanceRepo{db: db} }

// Record inserts the audit row. payment_ref is the primary key, so a replayed
// purchase returns the stored row together with errs.ErrAlreadyExists.
func (r *IssuanceRepo) Record(ctx context.Context, iss model.Issuance) (model.Issuance, error) {
	const ins = `
INSERT INTO issuances (payment_ref, blinded_hash, key_id, issued_at)
VALUES ($1, $2, $3, $4)`
	_, err := r.db.Pool.Exec(ctx, ins, iss.PaymentRef, iss.BlindedHash, iss.KeyID, iss.IssuedAt)
	if err == nil {
		return iss, nil
	}
	if !isUniqueViolation(err, "issuances_pkey") {
		return model.Issuance{}, err
	}

	const sel = `SELECT payment_ref, blinded_hash, key_id, issued_at FROM issuances WHERE payment_ref=$1`
	var got model.Issuance
	if err := r.db.Pool.QueryRow(ctx, sel, iss.PaymentRef).
		Scan(&got.PaymentRef, &got.BlindedHash, &got.KeyID, &got.IssuedAt); err != nil {
		return model.Issuance{}, fmt.Errorf("load existing issuance: %w", err)
	}
	return got, errs.ErrAlreadyExists
}
