// Package grpcserver exposes the authority's gRPC API handlers.
package grpcserver

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/and161185/blindticket/internal/api"
	"github.com/and161185/blindticket/internal/convert"
	"github.com/and161185/blindticket/internal/errs"
	"github.com/and161185/blindticket/internal/model"
	"github.com/and161185/blindticket/internal/service"
)

// SnapshotSource serves the latest Bloom snapshot.
type SnapshotSource interface {
	Current() (model.BloomSnapshot, bool)
}

// Deps are the services behind the handlers.
type Deps struct {
	Issuer         service.IssuerService
	Redemption     service.RedemptionService
	Reconciliation service.ReconciliationService
	Bloom          SnapshotSource
	FleetPublicKey []byte
}

// Server wires services into gRPC handlers.
type Server struct {
	api.UnimplementedAuthorityServer
	d Deps
}

// New constructs a gRPC server with injected services.
func New(d Deps) *Server {
	return &Server{d: d}
}

// toStatus maps domain sentinels onto gRPC codes.
func toStatus(op string, err error) error {
	if s, ok := status.FromError(err); ok {
		return s.Err()
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case errors.Is(err, errs.ErrRateLimited):
		return status.Error(codes.ResourceExhausted, "rate limited")
	case errors.Is(err, errs.ErrUnauthorized):
		return status.Error(codes.Unauthenticated, "unauthenticated")
	case errors.Is(err, errs.ErrAlreadyUsedPaymentRef):
		return status.Error(codes.AlreadyExists, "payment reference already used")
	case errors.Is(err, errs.ErrUnknownKey):
		return status.Error(codes.NotFound, "unknown key")
	case errors.Is(err, errs.ErrInvalidInput):
		return status.Errorf(codes.InvalidArgument, "%s: invalid input", op)
	case errors.Is(err, errs.ErrPaymentRejected):
		return status.Error(codes.FailedPrecondition, "payment rejected")
	default:
		return status.Errorf(codes.Internal, "%s failed", op)
	}
}

func remoteIP(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		addr := p.Addr.String()
		if i := strings.LastIndexByte(addr, ':'); i > 0 {
			return addr[:i]
		}
		return addr
	}
	return ""
}

// --- Issuer ---

// SignBlinded returns the blind signature S = B^d mod N.
func (s *Server) SignBlinded(ctx context.Context, req *api.SignBlindedRequest) (*api.SignBlindedResponse, error) {
	if len(req.BlindedValue) == 0 || req.PaymentRef == "" || req.KeyID == "" {
		return nil, status.Error(codes.InvalidArgument, "empty blinded_value/payment_ref/key_id")
	}
	sig, err := s.d.Issuer.SignWithIP(ctx, service.SignRequest{
		Blinded:    req.BlindedValue,
		PaymentRef: req.PaymentRef,
		KeyID:      req.KeyID,
		Receipt:    req.Receipt,
	}, remoteIP(ctx))
	if err != nil {
		return nil, toStatus("sign", err)
	}
	return &api.SignBlindedResponse{BlindSignature: sig}, nil
}

// PublicKeys distributes every key a validator may need, plus the fleet sealing key.
func (s *Server) PublicKeys(ctx context.Context, _ *api.PublicKeysRequest) (*api.PublicKeysResponse, error) {
	return &api.PublicKeysResponse{
		Keys:           convert.ToWireKeys(s.d.Issuer.PublicKeys(ctx)),
		FleetPublicKey: s.d.FleetPublicKey,
	}, nil
}

// --- Validators ---

// Redeem performs the authoritative insert-if-absent.
func (s *Server) Redeem(ctx context.Context, req *api.RedeemRequest) (*api.RedeemResponse, error) {
	validatorID, ok := ValidatorIDFromCtx(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "no auth")
	}
	r, err := convert.FromWireRedeem(req, validatorID)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad redemption: %v", err)
	}
	res, err := s.d.Redemption.Redeem(ctx, r)
	if err != nil {
		if ctx.Err() != nil {
			return nil, status.FromContextError(ctx.Err()).Err()
		}
		return nil, status.Error(codes.Unavailable, "ledger unavailable")
	}
	return &api.RedeemResponse{Accepted: res.Accepted, Reason: string(res.Reason)}, nil
}

// SyncOffline reconciles a batch of offline acceptances.
func (s *Server) SyncOffline(ctx context.Context, req *api.SyncOfflineRequest) (*api.SyncOfflineResponse, error) {
	validatorID, ok := ValidatorIDFromCtx(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "no auth")
	}
	items, err := convert.FromWireSyncItems(req.Batch)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad batch: %v", err)
	}
	res, err := s.d.Reconciliation.Sync(ctx, validatorID, items)
	if err != nil {
		return nil, toStatus("sync", err)
	}
	return &api.SyncOfflineResponse{Results: convert.ToWireSyncResults(res)}, nil
}

// BloomSnapshot returns the latest snapshot, or only its metadata when the caller is current.
func (s *Server) BloomSnapshot(ctx context.Context, req *api.BloomSnapshotRequest) (*api.BloomSnapshotResponse, error) {
	if _, ok := ValidatorIDFromCtx(ctx); !ok {
		return nil, status.Error(codes.Unauthenticated, "no auth")
	}
	snap, ok := s.d.Bloom.Current()
	if !ok {
		return nil, status.Error(codes.Unavailable, "no snapshot yet")
	}
	out := convert.ToWireSnapshot(snap)
	if req.KnownVersion != 0 && req.KnownVersion == snap.Version {
		out.Bits = nil
		out.NotModified = true
	}
	return out, nil
}

// ListConflicts returns recorded double redemptions for operator review.
func (s *Server) ListConflicts(ctx context.Context, req *api.ListConflictsRequest) (*api.ListConflictsResponse, error) {
	if _, ok := ValidatorIDFromCtx(ctx); !ok {
		return nil, status.Error(codes.Unauthenticated, "no auth")
	}
	cs, err := s.d.Reconciliation.Conflicts(ctx, req.Since, req.Limit)
	if err != nil {
		return nil, toStatus("list conflicts", err)
	}
	return &api.ListConflictsResponse{Conflicts: convert.ToWireConflicts(cs)}, nil
}

func bearerTokenFromMD(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("no metadata")
	}
	for _, v := range md.Get("authorization") {
		v = strings.TrimSpace(v)
		if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
			t := strings.TrimSpace(v[7:])
			if t != "" {
				return t, nil
			}
		}
	}
	return "", errors.New("no bearer token")
}
