package service

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/blindticket/internal/errs"
	"github.com/and161185/blindticket/internal/keys"
	"github.com/and161185/blindticket/internal/limiter"
	"github.com/and161185/blindticket/internal/model"
	"github.com/and161185/blindticket/internal/repository"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

func rsaKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 1024)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	return testKey
}

func newRing(t *testing.T) *keys.Ring {
	t.Helper()
	r := keys.NewRing()
	if err := r.Add(keys.Info{ID: "k1", Kind: model.KindSingle, Lifetime: 24 * time.Hour}, rsaKey(t)); err != nil {
		t.Fatalf("ring add: %v", err)
	}
	return r
}

type fakeIssuances struct {
	mu   sync.Mutex
	rows map[string]model.Issuance
	err  error
}

var _ repository.IssuanceRepository = (*fakeIssuances)(nil)

func (f *fakeIssuances) Record(_ context.Context, iss model.Issuance) (model.Issuance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return model.Issuance{}, f.err
	}
	if f.rows == nil {
		f.rows = map[string]model.Issuance{}
	}
	if got, ok := f.rows[iss.PaymentRef]; ok {
		return got, errs.ErrAlreadyExists
	}
	f.rows[iss.PaymentRef] = iss
	return iss, nil
}

// fakeLedger mirrors the unique-key semantics of the Postgres ledger.
type fakeLedger struct {
	mu        sync.Mutex
	records   map[model.TokenHash]model.SpentRecord
	conflicts map[uuid.UUID]model.Conflict

	insertErr   error
	conflictErr error
	purgeCutoff time.Time
}

var _ repository.LedgerRepository = (*fakeLedger)(nil)

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		records:   map[model.TokenHash]model.SpentRecord{},
		conflicts: map[uuid.UUID]model.Conflict{},
	}
}

func (f *fakeLedger) InsertIfAbsent(_ context.Context, rec model.SpentRecord) (bool, model.SpentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return false, model.SpentRecord{}, f.insertErr
	}
	if got, ok := f.records[rec.TokenHash]; ok {
		return false, got, nil
	}
	f.records[rec.TokenHash] = rec
	return true, rec, nil
}

func (f *fakeLedger) Get(_ context.Context, h model.TokenHash) (model.SpentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	got, ok := f.records[h]
	if !ok {
		return model.SpentRecord{}, errs.ErrNotFound
	}
	return got, nil
}

func (f *fakeLedger) RecordConflict(_ context.Context, c model.Conflict) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conflictErr != nil {
		return false, f.conflictErr
	}
	if _, ok := f.conflicts[c.DuplicateAcceptanceID]; ok {
		return false, nil
	}
	f.conflicts[c.DuplicateAcceptanceID] = c
	return true, nil
}

func (f *fakeLedger) Conflicts(_ context.Context, since time.Time, limit int) ([]model.Conflict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Conflict
	for _, c := range f.conflicts {
		if !c.DetectedAt.Before(since) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].DetectedAt.Before(out[b].DetectedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeLedger) CountSpent(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.records)), nil
}

func (f *fakeLedger) ForEachSpentHash(_ context.Context, fn func(model.TokenHash) error) error {
	f.mu.Lock()
	hs := make([]model.TokenHash, 0, len(f.records))
	for h := range f.records {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		if err := fn(h); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeLedger) PurgeRedeemedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purgeCutoff = cutoff
	var n int64
	for h, r := range f.records {
		if r.RedeemedAt.Before(cutoff) {
			delete(f.records, h)
			n++
		}
	}
	return n, nil
}

type fakeLimiter struct {
	allowOK  bool
	allowErr error

	failBlocked bool

	failureCalls int
	successCalls int
}

var _ limiter.Limiter = (*fakeLimiter)(nil)

func (l *fakeLimiter) Allow(context.Context, string, []byte) (bool, time.Duration, error) {
	return l.allowOK, 0, l.allowErr
}
func (l *fakeLimiter) Success(context.Context, string, []byte) error {
	l.successCalls++
	return nil
}
func (l *fakeLimiter) Failure(context.Context, string, []byte) (bool, time.Duration, error) {
	l.failureCalls++
	return l.failBlocked, 0, nil
}

type fakePayments struct{ err error }

func (p fakePayments) Verify(context.Context, string, string, []byte) error { return p.err }
