package validator

import (
	"context"
	"errors"
	"fmt"
	"time"

	u "github.com/gofrs/uuid/v5"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/and161185/blindticket/internal/errs"
	"github.com/and161185/blindticket/internal/model"
)

// DefaultSyncBatch matches the authority's batch cap.
const DefaultSyncBatch = 500

// DefaultMaxSyncAttempts is how many Error answers a record gets before it is parked as SyncFailed.
const DefaultMaxSyncAttempts = 5

// Reconciler uploads offline acceptances.
type Reconciler interface {
	SyncOffline(ctx context.Context, batch []model.SyncItem) ([]model.SyncResult, error)
}

// SyncReport counts the per-record outcomes of one drain.
type SyncReport struct {
	Confirmed  int
	Duplicates int
	Errors     int // left Unsynced for the next run
	Failed     int // moved to SyncFailed
}

// Syncer drains the unsynced queue into the authority. It may run concurrently with scans:
// Store.Resolve makes every record transition exactly once.
type Syncer struct {
	store   *Store
	remote  Reconciler
	batch   int
	maxTry  int
	backoff func() retry.Backoff
	log     *zap.Logger
	now     func() time.Time
}

// NewSyncer constructs a Syncer. Network failures are retried with exponential backoff.
func NewSyncer(store *Store, remote Reconciler, batch int, log *zap.Logger) *Syncer {
	if batch <= 0 {
		batch = DefaultSyncBatch
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Syncer{
		store:  store,
		remote: remote,
		batch:  batch,
		maxTry: DefaultMaxSyncAttempts,
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(4, retry.WithCappedDuration(5*time.Second, retry.NewExponential(250*time.Millisecond)))
		},
		log: log,
		now: time.Now,
	}
}

// SyncOnce uploads every record that was Unsynced when it started.
// Records with an Error status stay Unsynced for the next run until they run out of attempts.
func (s *Syncer) SyncOnce(ctx context.Context) (SyncReport, error) {
	var rep SyncReport
	pending, err := s.store.Pending(0)
	if err != nil {
		return rep, err
	}
	for start := 0; start < len(pending); start += s.batch {
		end := min(start+s.batch, len(pending))
		if err := s.syncBatch(ctx, pending[start:end], &rep); err != nil {
			return rep, err
		}
	}
	return rep, nil
}

func (s *Syncer) syncBatch(ctx context.Context, chunk []model.OfflineAcceptance, rep *SyncReport) error {
	items := make([]model.SyncItem, 0, len(chunk))
	known := make(map[u.UUID]struct{}, len(chunk))
	for _, a := range chunk {
		items = append(items, model.SyncItem{TokenHash: a.TokenHash, RedeemedAt: a.AcceptedAt, LocalID: a.LocalID})
		known[a.LocalID] = struct{}{}
	}

	results, err := retry.DoValue(ctx, s.backoff(), func(ctx context.Context) ([]model.SyncResult, error) {
		res, err := s.remote.SyncOffline(ctx, items)
		if errors.Is(err, errs.ErrNetwork) {
			return nil, retry.RetryableError(err)
		}
		return res, err
	})
	if err != nil {
		return fmt.Errorf("sync offline batch: %w", err)
	}

	now := s.now()
	for _, r := range results {
		if _, ok := known[r.LocalID]; !ok {
			s.log.Warn("sync result for unknown record", zap.String("local_id", r.LocalID.String()))
			continue
		}
		switch r.Status {
		case model.SyncConfirmed:
			if _, err := s.store.Resolve(r.LocalID, model.SyncSynced, nil, now); err != nil {
				return err
			}
			rep.Confirmed++
		case model.SyncDuplicate:
			if _, err := s.store.Resolve(r.LocalID, model.SyncDuplicateDetected, r.Canonical, now); err != nil {
				return err
			}
			rep.Duplicates++
			fields := []zap.Field{zap.String("local_id", r.LocalID.String()), zap.Error(errs.ErrDuplicateRedemption)}
			if r.Canonical != nil {
				fields = append(fields,
					zap.String("canonical_validator_id", r.Canonical.ValidatorID),
					zap.Time("canonical_redeemed_at", r.Canonical.RedeemedAt))
			}
			s.log.Warn("offline acceptance lost to an earlier redemption", fields...)
		default:
			st, err := s.store.NoteSyncError(r.LocalID, r.Error, s.maxTry, now)
			if err != nil {
				return err
			}
			if st == model.SyncFailed {
				rep.Failed++
				s.log.Error("sync record failed permanently",
					zap.String("local_id", r.LocalID.String()), zap.String("error", r.Error))
				continue
			}
			rep.Errors++
			s.log.Info("sync record left unsynced", zap.String("local_id", r.LocalID.String()), zap.String("error", r.Error))
		}
	}
	return nil
}

// Run drains the queue immediately and then every interval until ctx is done.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		rep, err := s.SyncOnce(ctx)
		switch {
		case err != nil && !errors.Is(err, context.Canceled):
			s.log.Warn("offline sync failed", zap.Error(err))
		case rep != (SyncReport{}):
			s.log.Info("offline sync", zap.Int("confirmed", rep.Confirmed),
				zap.Int("duplicates", rep.Duplicates), zap.Int("errors", rep.Errors))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
