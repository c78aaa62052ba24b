package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/blindticket/internal/errs"
	"github.com/and161185/blindticket/internal/model"
)

// LedgerRepo implements LedgerRepository using PostgreSQL.
// The primary key on spent_records.token_hash is the only cross-validator synchronization point.
type LedgerRepo struct{ db *DB }

// NewLedgerRepo constructs a ledger repository.
func NewLedgerRepo(db *DB) *LedgerRepo { return &LedgerRepo{db: db} }

// InsertIfAbsent inserts rec or returns the record that already owns its token hash.
func (r *LedgerRepo) InsertIfAbsent(ctx context.Context, rec model.SpentRecord) (bool, model.SpentRecord, error) {
	const ins = `
INSERT INTO spent_records (token_hash, redeemed_at, validator_id, acceptance_id, channel)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (token_hash) DO NOTHING`
	tag, err := r.db.Pool.Exec(ctx, ins,
		rec.TokenHash[:], rec.RedeemedAt, rec.ValidatorID, rec.AcceptanceID, string(rec.Channel))
	if err != nil {
		return false, model.SpentRecord{}, err
	}
	if tag.RowsAffected() == 1 {
		return true, rec, nil
	}
	existing, err := r.Get(ctx, rec.TokenHash)
	if err != nil {
		return false, model.SpentRecord{}, fmt.Errorf("load canonical record: %w", err)
	}
	return false, existing, nil
}

// Get loads a ledger record by key.
func (r *LedgerRepo) Get(ctx context.Context, h model.TokenHash) (model.SpentRecord, error) {
	const q = `
SELECT token_hash, redeemed_at, validator_id, acceptance_id, channel
FROM spent_records WHERE token_hash=$1`
	var (
		raw     []byte
		rec     model.SpentRecord
		channel string
	)
	err := r.db.Pool.QueryRow(ctx, q, h[:]).
		Scan(&raw, &rec.RedeemedAt, &rec.ValidatorID, &rec.AcceptanceID, &channel)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.SpentRecord{}, errs.ErrNotFound
		}
		return model.SpentRecord{}, err
	}
	var ok bool
	if rec.TokenHash, ok = model.TokenHashFromBytes(raw); !ok {
		return model.SpentRecord{}, fmt.Errorf("corrupt token_hash length %d", len(raw))
	}
	rec.Channel = model.RedemptionChannel(channel)
	return rec, nil
}

// RecordConflict appends to the audit trail; duplicate_acceptance_id is unique so replays are no-ops.
func (r *LedgerRepo) RecordConflict(ctx context.Context, c model.Conflict) (bool, error) {
	const q = `
INSERT INTO redemption_conflicts (
  token_hash,
  canonical_validator_id, canonical_redeemed_at, canonical_acceptance_id,
  duplicate_validator_id, duplicate_redeemed_at, duplicate_acceptance_id,
  detected_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (duplicate_acceptance_id) DO NOTHING`
	tag, err := r.db.Pool.Exec(ctx, q,
		c.TokenHash[:],
		c.CanonicalValidatorID, c.CanonicalRedeemedAt, c.CanonicalAcceptanceID,
		c.DuplicateValidatorID, c.DuplicateRedeemedAt, c.DuplicateAcceptanceID,
		c.DetectedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Conflicts lists conflicts detected at or after since.
func (r *LedgerRepo) Conflicts(ctx context.Context, since time.Time, limit int) ([]model.Conflict, error) {
	const q = `
SELECT token_hash,
       canonical_validator_id, canonical_redeemed_at, canonical_acceptance_id,
       duplicate_validator_id, duplicate_redeemed_at, duplicate_acceptance_id,
       detected_at
FROM redemption_conflicts
WHERE detected_at >= $1
ORDER BY detected_at ASC, id ASC
LIMIT $2`
	rows, err := r.db.Pool.Query(ctx, q, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Conflict
	for rows.Next() {
		var (
			raw      []byte
			c        model.Conflict
			canonAcc uuid.UUID
			dupAcc   uuid.UUID
		)
		if err = rows.Scan(&raw,
			&c.CanonicalValidatorID, &c.CanonicalRedeemedAt, &canonAcc,
			&c.DuplicateValidatorID, &c.DuplicateRedeemedAt, &dupAcc,
			&c.DetectedAt); err != nil {
			return nil, err
		}
		c.TokenHash, _ = model.TokenHashFromBytes(raw)
		c.CanonicalAcceptanceID, c.DuplicateAcceptanceID = canonAcc, dupAcc
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountSpent returns the ledger size.
func (r *LedgerRepo) CountSpent(ctx context.Context) (uint64, error) {
	var n int64
	if err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM spent_records`).Scan(&n); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

// ForEachSpentHash streams ledger keys.
func (r *LedgerRepo) ForEachSpentHash(ctx context.Context, fn func(model.TokenHash) error) error {
	rows, err := r.db.Pool.Query(ctx, `SELECT token_hash FROM spent_records`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return err
		}
		h, ok := model.TokenHashFromBytes(raw)
		if !ok {
			return fmt.Errorf("corrupt token_hash length %d", len(raw))
		}
		if err := fn(h); err != nil {
			return err
		}
	}
	return rows.Err()
}

// PurgeRedeemedBefore deletes ledger entries redeemed before cutoff.
func (r *LedgerRepo) PurgeRedeemedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM spent_records WHERE redeemed_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
