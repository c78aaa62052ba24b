package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/and161185/blindticket/internal/api"
)

type ctxKey string

const validatorIDKey ctxKey = "bt.validatorID"

// Authenticator resolves a bearer token to a validator ID.
type Authenticator interface {
	Verify(token string) (string, error)
}

// validatorMethods require a validator bearer token.
var validatorMethods = map[string]bool{
	api.FullMethodRedeem:        true,
	api.FullMethodSyncOffline:   true,
	api.FullMethodBloomSnapshot: true,
	api.FullMethodListConflicts: true,
}

// WithValidatorID stores the authenticated validator ID in context.
func WithValidatorID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, validatorIDKey, id)
}

// ValidatorIDFromCtx fetches the validator ID from context.
func ValidatorIDFromCtx(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(validatorIDKey).(string)
	return id, ok && id != ""
}

// AuthUnary verifies "authorization: Bearer <JWT>" on validator methods.
func AuthUnary(auth Authenticator) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		if !validatorMethods[info.FullMethod] {
			return next(ctx, req)
		}
		tok, err := bearerTokenFromMD(ctx)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "no auth")
		}
		id, err := auth.Verify(tok)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		return next(WithValidatorID(ctx, id), req)
	}
}
