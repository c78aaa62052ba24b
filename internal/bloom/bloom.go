// Package bloom builds and reads probabilistic snapshots of the spent ledger.
//
// A snapshot never yields a false negative for a hash committed before its GeneratedAt;
// false positives happen at roughly the configured rate.
package bloom

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"go.uber.org/zap"

	"github.com/and161185/blindticket/internal/model"
)

// Defaults for Config.
const (
	DefaultInterval          = time.Hour
	DefaultFalsePositiveRate = 0.01
	DefaultMinCapacity       = 1024
)

// Source enumerates the cumulative set of spent ledger keys.
type Source interface {
	// CountSpent returns the current ledger size (a sizing hint).
	CountSpent(ctx context.Context) (uint64, error)
	// ForEachSpentHash streams every ledger key.
	ForEachSpentHash(ctx context.Context, fn func(model.TokenHash) error) error
}

// Config tunes the manager.
type Config struct {
	Interval          time.Duration // rebuild period
	FalsePositiveRate float64       // target false-positive rate, e.g. 0.01
	MinCapacity       uint          // lower bound for filter sizing
	Validity          time.Duration // ValidUntil = GeneratedAt + Validity; defaults to 2*Interval
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.FalsePositiveRate <= 0 || c.FalsePositiveRate >= 1 {
		c.FalsePositiveRate = DefaultFalsePositiveRate
	}
	if c.MinCapacity == 0 {
		c.MinCapacity = DefaultMinCapacity
	}
	if c.Validity <= 0 {
		c.Validity = 2 * c.Interval
	}
	return c
}

// Manager periodically rebuilds the snapshot and serves the latest one.
type Manager struct {
	src     Source
	cfg     Config
	log     *zap.Logger
	now     func() time.Time
	mu      sync.Mutex // serializes rebuilds; guards version
	version uint64
	current atomic.Pointer[model.BloomSnapshot]
	onBuild func(model.BloomSnapshot)
}

// NewManager constructs a manager; call Run or Rebuild to produce the first snapshot.
func NewManager(src Source, cfg Config, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{src: src, cfg: cfg.withDefaults(), log: log, now: time.Now}
}

// OnBuild registers a callback invoked after each successful rebuild.
func (m *Manager) OnBuild(fn func(model.BloomSnapshot)) { m.onBuild = fn }

// Rebuild produces a new immutable snapshot from the ledger and publishes it.
func (m *Manager) Rebuild(ctx context.Context) (model.BloomSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Taken before reading: everything committed before this instant is visible to the scan.
	generated := m.now().UTC()

	n, err := m.src.CountSpent(ctx)
	if err != nil {
		return model.BloomSnapshot{}, fmt.Errorf("count spent: %w", err)
	}
	capacity := uint(n + n/4)
	if capacity < m.cfg.MinCapacity {
		capacity = m.cfg.MinCapacity
	}
	f := bloom.NewWithEstimates(capacity, m.cfg.FalsePositiveRate)

	var added uint64
	err = m.src.ForEachSpentHash(ctx, func(h model.TokenHash) error {
		f.Add(h[:])
		added++
		return nil
	})
	if err != nil {
		return model.BloomSnapshot{}, fmt.Errorf("scan spent: %w", err)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return model.BloomSnapshot{}, fmt.Errorf("encode filter: %w", err)
	}
	snap := model.BloomSnapshot{
		Version:           m.nextVersion(generated),
		Bits:              buf.Bytes(),
		FalsePositiveRate: m.cfg.FalsePositiveRate,
		Count:             added,
		GeneratedAt:       generated,
		ValidUntil:        generated.Add(m.cfg.Validity),
	}
	m.current.Store(&snap)
	m.log.Info("bloom snapshot rebuilt",
		zap.Uint64("version", snap.Version),
		zap.Uint64("count", added),
		zap.Int("bytes", len(snap.Bits)),
	)
	if m.onBuild != nil {
		m.onBuild(snap)
	}
	return snap, nil
}

// nextVersion derives the version from the build time so that versions keep increasing
// across process restarts; validators ignore anything not newer than what they hold.
func (m *Manager) nextVersion(generated time.Time) uint64 {
	v := uint64(generated.UnixNano())
	if v <= m.version {
		v = m.version + 1
	}
	m.version = v
	return v
}

// Current returns the latest snapshot, if any.
func (m *Manager) Current() (model.BloomSnapshot, bool) {
	s := m.current.Load()
	if s == nil {
		return model.BloomSnapshot{}, false
	}
	return *s, true
}

// Run rebuilds immediately and then every Interval until ctx is done. Failures are logged
// and the previous snapshot keeps being served.
func (m *Manager) Run(ctx context.Context) error {
	t := time.NewTicker(m.cfg.Interval)
	defer t.Stop()
	for {
		if _, err := m.Rebuild(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.log.Warn("bloom rebuild failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Filter is a decoded snapshot used by validators for offline pre-filtering.
type Filter struct {
	snap model.BloomSnapshot
	f    *bloom.BloomFilter
}

// Open decodes a snapshot.
func Open(s model.BloomSnapshot) (*Filter, error) {
	f := &bloom.BloomFilter{}
	if _, err := f.ReadFrom(bytes.NewReader(s.Bits)); err != nil {
		return nil, fmt.Errorf("decode bloom snapshot v%d: %w", s.Version, err)
	}
	return &Filter{snap: s, f: f}, nil
}

// MayContain reports "possibly spent". A false result is definitive for hashes committed
// before the snapshot's GeneratedAt.
func (f *Filter) MayContain(h model.TokenHash) bool {
	if f == nil {
		return false
	}
	return f.f.Test(h[:])
}

// Snapshot returns the snapshot metadata and bits.
func (f *Filter) Snapshot() model.BloomSnapshot { return f.snap }

// Stale reports whether the snapshot is past ValidUntil. A stale filter is still usable.
func (f *Filter) Stale(now time.Time) bool { return now.After(f.snap.ValidUntil) }
