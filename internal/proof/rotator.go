package proof

import (
	"context"
	"time"

	"github.com/and161185/blindticket/internal/model"
	"github.com/and161185/blindticket/internal/payload"
)

// Rotator regenerates a ticket's display payload every rotation interval.
type Rotator struct {
	base     payload.Payload
	id       model.TokenID
	secret   model.MasterSecret
	interval time.Duration
	now      func() time.Time
}

// NewRotator binds a multi-use token to its master secret for display.
func NewRotator(tok model.Token, sm model.MasterSecret, interval time.Duration) *Rotator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Rotator{base: payload.FromToken(tok), id: tok.ID, secret: sm, interval: interval, now: time.Now}
}

// At returns the payload to display at t.
func (r *Rotator) At(t time.Time) payload.Payload {
	return r.base.WithProof(Generate(r.secret, r.id, t, r.interval))
}

// Current returns the payload to display now.
func (r *Rotator) Current() payload.Payload { return r.At(r.now()) }

// Run emits the current payload immediately and again at every epoch boundary until ctx is done.
func (r *Rotator) Run(ctx context.Context, emit func(payload.Payload)) error {
	for {
		now := r.now()
		emit(r.At(now))
		next := EpochStart(Epoch(now, r.interval)+1, r.interval)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
