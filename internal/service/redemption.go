package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/blindticket/internal/keys"
	"github.com/and161185/blindticket/internal/metrics"
	"github.com/and161185/blindticket/internal/model"
	"github.com/and161185/blindticket/internal/repository"
)

// DefaultClockSkew bounds how far a validator timestamp may run ahead of the authority.
const DefaultClockSkew = 5 * time.Minute

// RedemptionService is the authoritative online redemption.
type RedemptionService interface {
	// Redeem atomically marks r.TokenHash spent. A store failure is returned as an error
	// so the validator can fall back to its offline path.
	Redeem(ctx context.Context, r model.Redemption) (model.RedemptionResult, error)
}

type RedemptionServiceImpl struct {
	ledger  repository.LedgerRepository
	keys    keys.Signer
	log     *zap.Logger
	metrics *metrics.Metrics
	skew    time.Duration
	now     func() time.Time
}

// NewRedemptionService constructs RedemptionService.
func NewRedemptionService(ledger repository.LedgerRepository, k keys.Signer, log *zap.Logger, m *metrics.Metrics) *RedemptionServiceImpl {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedemptionServiceImpl{ledger: ledger, keys: k, log: log, metrics: m, skew: DefaultClockSkew, now: time.Now}
}

func reject(reason model.RejectReason) model.RedemptionResult {
	return model.RedemptionResult{Accepted: false, Reason: reason}
}

// Redeem implements RedemptionService.
//
// The validator already verified signature, expiry and proof; the authority re-checks what it can
// from {tokenHash, keyId, signature} and relies on the ledger's unique key for at-most-once.
func (s *RedemptionServiceImpl) Redeem(ctx context.Context, r model.Redemption) (model.RedemptionResult, error) {
	res, err := s.redeem(ctx, r)
	if err == nil {
		s.metrics.Redemption(res.Accepted, string(res.Reason))
	}
	return res, err
}

func (s *RedemptionServiceImpl) redeem(ctx context.Context, r model.Redemption) (model.RedemptionResult, error) {
	now := s.now().UTC()
	if r.TokenHash.IsZero() || r.ValidatorID == "" {
		return reject(model.ReasonInvalidFormat), nil
	}
	info, err := s.keys.Lookup(r.KeyID)
	if err != nil || !info.Verifiable(now) {
		return reject(model.ReasonUnknownKey), nil
	}
	if len(r.Signature) != info.Public.Size() {
		return reject(model.ReasonBadSignature), nil
	}

	at := r.Timestamp
	if at.IsZero() || at.After(now.Add(s.skew)) {
		at = now
	}
	acc := r.AcceptanceID
	if acc == uuid.Nil {
		if acc, err = uuid.NewV4(); err != nil {
			return model.RedemptionResult{}, err
		}
	}

	rec := model.SpentRecord{
		TokenHash:    r.TokenHash,
		RedeemedAt:   at.UTC().Truncate(time.Microsecond),
		ValidatorID:  r.ValidatorID,
		AcceptanceID: acc,
		Channel:      model.ChannelOnline,
	}
	inserted, existing, err := s.ledger.InsertIfAbsent(ctx, rec)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return model.RedemptionResult{}, err
		}
		return model.RedemptionResult{}, fmt.Errorf("ledger insert: %w", err)
	}
	if inserted || existing.AcceptanceID == acc {
		return model.RedemptionResult{Accepted: true}, nil
	}
	return reject(model.ReasonAlreadySpent), nil
}
