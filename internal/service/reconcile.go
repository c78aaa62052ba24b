package service

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/blindticket/internal/errs"
	"github.com/and161185/blindticket/internal/metrics"
	"github.com/and161185/blindticket/internal/model"
	"github.com/and161185/blindticket/internal/repository"
)

// DefaultMaxSyncBatch caps one offline upload.
const DefaultMaxSyncBatch = 500

// ReconciliationService merges offline acceptances into the ledger.
type ReconciliationService interface {
	// Sync reconciles one validator batch and returns a status per record, in input order.
	Sync(ctx context.Context, validatorID string, batch []model.SyncItem) ([]model.SyncResult, error)
	// Conflicts lists recorded double redemptions for review.
	Conflicts(ctx context.Context, since time.Time, limit int) ([]model.Conflict, error)
}

type ReconciliationServiceImpl struct {
	ledger   repository.LedgerRepository
	log      *zap.Logger
	metrics  *metrics.Metrics
	maxBatch int
	now      func() time.Time
}

// NewReconciliationService constructs ReconciliationService with batch limits.
func NewReconciliationService(ledger repository.LedgerRepository, maxBatch int, log *zap.Logger, m *metrics.Metrics) *ReconciliationServiceImpl {
	if maxBatch <= 0 {
		maxBatch = DefaultMaxSyncBatch
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ReconciliationServiceImpl{ledger: ledger, log: log, metrics: m, maxBatch: maxBatch, now: time.Now}
}

// Sync implements ReconciliationService.
//
// Every record takes the same insert-if-absent path as an online redemption. The first committed
// record for a key is canonical; any other acceptance of that key becomes a conflict row keyed by
// its acceptance ID, so replaying a batch creates neither ledger entries nor conflicts twice.
func (s *ReconciliationServiceImpl) Sync(ctx context.Context, validatorID string, batch []model.SyncItem) ([]model.SyncResult, error) {
	if validatorID == "" {
		return nil, fmt.Errorf("empty validator id: %w", errs.ErrInvalidInput)
	}
	if len(batch) > s.maxBatch {
		return nil, fmt.Errorf("batch too large (%d > %d): %w", len(batch), s.maxBatch, errs.ErrInvalidInput)
	}

	out := make([]model.SyncResult, 0, len(batch))
	for _, it := range batch {
		res := s.syncOne(ctx, validatorID, it)
		s.metrics.Reconciled(string(res.Status))
		out = append(out, res)
	}
	return out, nil
}

func (s *ReconciliationServiceImpl) syncOne(ctx context.Context, validatorID string, it model.SyncItem) model.SyncResult {
	res := model.SyncResult{LocalID: it.LocalID}
	if it.TokenHash.IsZero() || it.LocalID == uuid.Nil || it.RedeemedAt.IsZero() {
		res.Status, res.Error = model.SyncError, "invalid record"
		return res
	}
	if err := ctx.Err(); err != nil {
		res.Status, res.Error = model.SyncError, "cancelled"
		return res
	}

	rec := model.SpentRecord{
		TokenHash:    it.TokenHash,
		RedeemedAt:   it.RedeemedAt.UTC().Truncate(time.Microsecond),
		ValidatorID:  validatorID,
		AcceptanceID: it.LocalID,
		Channel:      model.ChannelOffline,
	}
	inserted, canon, err := s.ledger.InsertIfAbsent(ctx, rec)
	if err != nil {
		s.log.Warn("reconcile insert failed", zap.String("validator", validatorID), zap.Error(err))
		res.Status, res.Error = model.SyncError, "ledger unavailable"
		return res
	}
	if inserted || canon.AcceptanceID == it.LocalID {
		res.Status = model.SyncConfirmed
		return res
	}

	c := model.Conflict{
		TokenHash:             it.TokenHash,
		CanonicalValidatorID:  canon.ValidatorID,
		CanonicalRedeemedAt:   canon.RedeemedAt,
		CanonicalAcceptanceID: canon.AcceptanceID,
		DuplicateValidatorID:  validatorID,
		DuplicateRedeemedAt:   rec.RedeemedAt,
		DuplicateAcceptanceID: it.LocalID,
		DetectedAt:            s.now().UTC().Truncate(time.Microsecond),
	}
	created, err := s.ledger.RecordConflict(ctx, c)
	if err != nil {
		// Not reported as a duplicate until the audit row exists; the validator retries.
		s.log.Warn("record conflict failed", zap.String("validator", validatorID), zap.Error(err))
		res.Status, res.Error = model.SyncError, "conflict audit unavailable"
		return res
	}
	if created {
		s.metrics.ConflictRecorded()
		s.log.Warn("double redemption detected",
			zap.String("canonical_validator", canon.ValidatorID),
			zap.Time("canonical_at", canon.RedeemedAt),
			zap.String("duplicate_validator", validatorID),
			zap.Time("duplicate_at", rec.RedeemedAt),
			zap.Error(errs.ErrDuplicateRedemption),
		)
	}
	res.Status = model.SyncDuplicate
	res.Canonical = &canon
	return res
}

// Conflicts implements ReconciliationService.
func (s *ReconciliationServiceImpl) Conflicts(ctx context.Context, since time.Time, limit int) ([]model.Conflict, error) {
	if limit <= 0 || limit > s.maxBatch {
		limit = s.maxBatch
	}
	return s.ledger.Conflicts(ctx, since, limit)
}
