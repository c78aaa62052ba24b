package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/blindticket/internal/metrics"
	"github.com/and161185/blindticket/internal/repository"
)

// DefaultRetention keeps spent records well beyond any ticket lifetime.
const DefaultRetention = 30 * 24 * time.Hour

// CheckRetention fails unless a record outlives every ticket that could still present it:
// the horizon must exceed the longest key lifetime plus the accepted clock skew.
func CheckRetention(horizon, maxLifetime time.Duration) error {
	if horizon <= 0 {
		horizon = DefaultRetention
	}
	if floor := maxLifetime + DefaultClockSkew; horizon <= floor {
		return fmt.Errorf("retention %s must exceed longest ticket lifetime plus clock skew (%s)", horizon, floor)
	}
	return nil
}

// Retention purges spent records older than the horizon. Conflict rows are kept forever.
type Retention struct {
	ledger  repository.LedgerRepository
	horizon time.Duration
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewRetention constructs a retention job.
func NewRetention(ledger repository.LedgerRepository, horizon time.Duration, log *zap.Logger, m *metrics.Metrics) *Retention {
	if horizon <= 0 {
		horizon = DefaultRetention
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Retention{ledger: ledger, horizon: horizon, log: log, metrics: m, now: time.Now}
}

// PurgeOnce deletes records redeemed before now-horizon.
func (r *Retention) PurgeOnce(ctx context.Context) (int64, error) {
	cutoff := r.now().UTC().Add(-r.horizon)
	n, err := r.ledger.PurgeRedeemedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	r.metrics.Purged(n)
	if n > 0 {
		r.log.Info("ledger retention purge", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}

// Run purges every interval until ctx is done.
func (r *Retention) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if _, err := r.PurgeOnce(ctx); err != nil && ctx.Err() == nil {
				r.log.Warn("retention purge failed", zap.Error(err))
			}
		}
	}
}
