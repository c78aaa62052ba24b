package repository

import (
	"context"
	"time"

	"github.com/and161185/blindticket/internal/model"
)

// LedgerRepository is the authoritative spent-ledger plus its conflict audit trail.
type LedgerRepository interface {
	// InsertIfAbsent atomically inserts rec unless its TokenHash is already present.
	// When it is, inserted is false and existing holds the canonical record.
	InsertIfAbsent(ctx context.Context, rec model.SpentRecord) (inserted bool, existing model.SpentRecord, err error)

	// Get loads the record for a ledger key.
	Get(ctx context.Context, h model.TokenHash) (model.SpentRecord, error)

	// RecordConflict appends a conflict unless one exists for the same duplicate acceptance.
	RecordConflict(ctx context.Context, c model.Conflict) (created bool, err error)

	// Conflicts lists conflicts detected at or after since, oldest first.
	Conflicts(ctx context.Context, since time.Time, limit int) ([]model.Conflict, error)

	// CountSpent returns the number of ledger entries.
	CountSpent(ctx context.Context) (uint64, error)

	// ForEachSpentHash streams every ledger key.
	ForEachSpentHash(ctx context.Context, fn func(model.TokenHash) error) error

	// PurgeRedeemedBefore applies the retention policy. Conflicts are never purged.
	PurgeRedeemedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
