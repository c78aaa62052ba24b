package validator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/and161185/blindticket/internal/errs"
	"github.com/and161185/blindticket/internal/keys"
	"github.com/and161185/blindticket/internal/model"
)

// Source is what a refresh downloads from.
type Source interface {
	PublicKeys(ctx context.Context) ([]keys.Info, []byte, error)
	Snapshot(ctx context.Context, known uint64) (model.BloomSnapshot, bool, error)
}

// Refresher keeps the key cache and the Bloom snapshot current, and persists both so the
// validator can start fully offline.
type Refresher struct {
	src    Source
	store  *Store
	keys   *keys.Cache
	engine *Engine
	log    *zap.Logger
}

// NewRefresher constructs a Refresher.
func NewRefresher(src Source, store *Store, keyCache *keys.Cache, engine *Engine, log *zap.Logger) *Refresher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Refresher{src: src, store: store, keys: keyCache, engine: engine, log: log}
}

// LoadCached installs whatever the store holds. Missing entries are not an error.
func (r *Refresher) LoadCached() error {
	infos, _, err := r.store.LoadKeys()
	switch {
	case err == nil:
		r.keys.Replace(infos)
	case !errors.Is(err, errs.ErrNotFound):
		return err
	}
	snap, err := r.store.LoadSnapshot()
	switch {
	case err == nil:
		_, err = r.engine.SetSnapshot(snap)
		return err
	case errors.Is(err, errs.ErrNotFound):
		return nil
	default:
		return err
	}
}

// Refresh downloads keys and, if newer, the Bloom snapshot. Network failures are retried.
// It reports whether a new snapshot was installed.
func (r *Refresher) Refresh(ctx context.Context) (bool, error) {
	b := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		infos, fleet, err := r.src.PublicKeys(ctx)
		if err != nil {
			return retryNetwork(err)
		}
		if err := r.store.SaveKeys(infos, fleet); err != nil {
			return err
		}
		r.keys.Replace(infos)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("refresh keys: %w", err)
	}

	var known uint64
	if cur, ok := r.engine.Snapshot(); ok {
		known = cur.Version
	}
	b = retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))
	got, err := retry.DoValue(ctx, b, func(ctx context.Context) (snapshotFetch, error) {
		s, m, err := r.src.Snapshot(ctx, known)
		return snapshotFetch{snap: s, modified: m}, retryNetwork(err)
	})
	if err != nil {
		return false, fmt.Errorf("refresh snapshot: %w", err)
	}
	if !got.modified {
		return false, nil
	}
	snap := got.snap
	installed, err := r.engine.SetSnapshot(snap)
	if err != nil {
		return false, err
	}
	if !installed {
		cur, _ := r.engine.Snapshot()
		r.log.Warn("bloom snapshot not newer than installed one, ignored",
			zap.Uint64("version", snap.Version), zap.Uint64("installed", cur.Version))
		return false, nil
	}
	if err := r.store.SaveSnapshot(snap); err != nil {
		return false, err
	}
	r.log.Info("bloom snapshot installed", zap.Uint64("version", snap.Version), zap.Uint64("count", snap.Count))
	return true, nil
}

// Run refreshes every interval until ctx is done. Failures keep the previous (stale) data.
func (r *Refresher) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := r.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.log.Warn("refresh failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

type snapshotFetch struct {
	snap     model.BloomSnapshot
	modified bool
}

func retryNetwork(err error) error {
	if errors.Is(err, errs.ErrNetwork) {
		return retry.RetryableError(err)
	}
	return err
}
