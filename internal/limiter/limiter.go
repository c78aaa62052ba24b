// Package limiter throttles repeated failed issuance attempts per client.
package limiter

import (
	"context"
	"time"
)

// Limiter tracks failures per (subject, client) and places temporary lockouts.
type Limiter interface {
	// Allow reports whether an attempt is currently allowed and, if not, the retry-after.
	Allow(ctx context.Context, subject string, ipHash []byte) (bool, time.Duration, error)
	// Success resets counters after a successful attempt.
	Success(ctx context.Context, subject string, ipHash []byte) error
	// Failure records a failed attempt; may place a temporary block.
	Failure(ctx context.Context, subject string, ipHash []byte) (bool, time.Duration, error)
}

// Nop never blocks. It is used when the authority runs without a database-backed limiter.
type Nop struct{}

func (Nop) Allow(context.Context, string, []byte) (bool, time.Duration, error) { return true, 0, nil }
func (Nop) Success(context.Context, string, []byte) error                      { return nil }
func (Nop) Failure(context.Context, string, []byte) (bool, time.Duration, error) {
	return false, 0, nil
}
