package convert

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/and161185/blindticket/internal/errs"
)

// FromStatus maps an authority RPC error back onto the domain sentinels.
// Anything that is not a definite answer from the authority becomes errs.ErrNetwork.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	s, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%v: %w", err, errs.ErrNetwork)
	}
	switch s.Code() {
	case codes.ResourceExhausted:
		return errs.ErrRateLimited
	case codes.Unauthenticated, codes.PermissionDenied:
		return errs.ErrUnauthorized
	case codes.AlreadyExists:
		return errs.ErrAlreadyUsedPaymentRef
	case codes.NotFound:
		return errs.ErrUnknownKey
	case codes.InvalidArgument:
		return errs.ErrInvalidInput
	case codes.FailedPrecondition:
		return errs.ErrPaymentRejected
	case codes.Canceled:
		return context.Canceled
	default:
		return fmt.Errorf("%s: %w", s.Message(), errs.ErrNetwork)
	}
}
