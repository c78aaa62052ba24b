// Package service contains the authority's application services: blind issuance, online
// redemption, reconciliation of offline acceptances, retention and validator authentication.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	pkgcrypto "github.com/and161185/blindticket/internal/crypto"
	"github.com/and161185/blindticket/internal/errs"
	"github.com/and161185/blindticket/internal/keys"
	"github.com/and161185/blindticket/internal/limiter"
	"github.com/and161185/blindticket/internal/metrics"
	"github.com/and161185/blindticket/internal/model"
	"github.com/and161185/blindticket/internal/payment"
	"github.com/and161185/blindticket/internal/repository"
)

const issuanceSubject = "issuance"

// SignRequest is the issuer input: the blinded value B plus payment proof for a product key.
type SignRequest struct {
	Blinded    []byte
	PaymentRef string
	KeyID      string
	Receipt    []byte
}

// IssuerService signs blinded values against verified payments.
type IssuerService interface {
	// SignWithIP applies the lockout for ip, verifies payment and returns the blind signature.
	SignWithIP(ctx context.Context, req SignRequest, ip string) ([]byte, error)
	// PublicKeys returns every key a validator may currently need.
	PublicKeys(ctx context.Context) []keys.Info
}

type IssuerServiceImpl struct {
	signer   keys.Signer
	audit    repository.IssuanceRepository
	payments payment.Verifier
	lim      limiter.Limiter
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewIssuerService constructs IssuerService with required dependencies.
func NewIssuerService(signer keys.Signer, audit repository.IssuanceRepository, payments payment.Verifier,
	lim limiter.Limiter, log *zap.Logger, m *metrics.Metrics) *IssuerServiceImpl {
	if lim == nil {
		lim = limiter.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &IssuerServiceImpl{
		signer: signer, audit: audit, payments: payments, lim: lim,
		log: log, metrics: m, now: time.Now,
	}
}

// SignWithIP implements IssuerService.
//
// The audit row holds {paymentRef, hash(B), keyId, issuedAt} only. A repeated request with the
// same paymentRef and B gets the same deterministic signature back; a different B fails.
func (s *IssuerServiceImpl) SignWithIP(ctx context.Context, req SignRequest, ip string) ([]byte, error) {
	ipHash := limiter.HashIP(ip)

	allowed, _, err := s.lim.Allow(ctx, issuanceSubject, ipHash)
	if err != nil {
		return nil, err
	}
	if !allowed {
		s.metrics.Issuance("rate_limited")
		return nil, errs.ErrRateLimited
	}

	sig, outcome, err := s.sign(ctx, req)
	s.metrics.Issuance(outcome)
	if err != nil {
		if countsAsFailure(err) {
			if blocked, _, ferr := s.lim.Failure(ctx, issuanceSubject, ipHash); ferr == nil && blocked {
				return nil, errs.ErrRateLimited
			}
		}
		return nil, err
	}

	_ = s.lim.Success(ctx, issuanceSubject, ipHash)
	return sig, nil
}

func (s *IssuerServiceImpl) sign(ctx context.Context, req SignRequest) ([]byte, string, error) {
	if req.PaymentRef == "" || req.KeyID == "" || len(req.Blinded) == 0 {
		return nil, "invalid_input", fmt.Errorf("empty paymentRef/keyId/blinded value: %w", errs.ErrInvalidInput)
	}
	info, err := s.signer.Lookup(req.KeyID)
	if err != nil || !info.CanIssue(s.now()) {
		return nil, "unknown_key", errs.ErrUnknownKey
	}
	if err := s.payments.Verify(ctx, req.PaymentRef, req.KeyID, req.Receipt); err != nil {
		return nil, "payment_rejected", err
	}

	// Signing first validates B's range before the payment reference is consumed.
	sig, err := s.signer.Sign(ctx, req.KeyID, req.Blinded)
	if err != nil {
		switch {
		case errors.Is(err, errs.ErrInvalidInput):
			return nil, "invalid_input", err
		case errors.Is(err, errs.ErrUnknownKey):
			return nil, "unknown_key", err
		}
		return nil, "error", fmt.Errorf("sign: %w", err)
	}

	bh := pkgcrypto.BlindedHash(req.Blinded)
	rec := model.Issuance{
		PaymentRef:  req.PaymentRef,
		BlindedHash: bh,
		KeyID:       req.KeyID,
		IssuedAt:    s.now().UTC().Truncate(time.Microsecond),
	}
	got, err := s.audit.Record(ctx, rec)
	switch {
	case err == nil:
		return sig, "ok", nil
	case errors.Is(err, errs.ErrAlreadyExists):
		if got.KeyID == req.KeyID && bytes.Equal(got.BlindedHash, bh) {
			return sig, "idempotent", nil
		}
		return nil, "already_used", errs.ErrAlreadyUsedPaymentRef
	default:
		return nil, "error", fmt.Errorf("record issuance: %w", err)
	}
}

// countsAsFailure reports whether err is the client's fault and should feed the lockout.
func countsAsFailure(err error) bool {
	return errors.Is(err, errs.ErrIssuance) || errors.Is(err, errs.ErrUnknownKey)
}

// PublicKeys implements IssuerService.
func (s *IssuerServiceImpl) PublicKeys(context.Context) []keys.Info {
	return s.signer.Published(s.now())
}
