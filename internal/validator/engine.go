package validator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	u "github.com/gofrs/uuid/v5"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	"github.com/and161185/blindticket/internal/bloom"
	"github.com/and161185/blindticket/internal/crypto"
	"github.com/and161185/blindticket/internal/crypto/blindsig"
	"github.com/and161185/blindticket/internal/crypto/clientcrypto"
	"github.com/and161185/blindticket/internal/errs"
	"github.com/and161185/blindticket/internal/keys"
	"github.com/and161185/blindticket/internal/model"
	"github.com/and161185/blindticket/internal/payload"
	"github.com/and161185/blindticket/internal/proof"
)

// Defaults.
const (
	DefaultOnlineTimeout = 2 * time.Second
	DefaultClockSkew     = 2 * time.Minute
	DefaultBloomRefresh  = time.Hour
	DefaultSecretTTL     = 24 * time.Hour
	secretCacheCapacity  = 50_000
)

// Authority is the online redemption endpoint.
type Authority interface {
	Redeem(ctx context.Context, r model.Redemption) (model.RedemptionResult, error)
}

// Config configures an Engine.
type Config struct {
	ValidatorID   string
	Mode          Mode
	Interval      time.Duration // proof rotation interval
	OnlineTimeout time.Duration
	ClockSkew     time.Duration
	BloomRefresh  time.Duration // duplicate cache eviction
	DupCapacity   uint64
	FleetPublic   *[clientcrypto.FleetKeySize]byte
	FleetPrivate  *[clientcrypto.FleetKeySize]byte
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = proof.DefaultInterval
	}
	if c.OnlineTimeout <= 0 {
		c.OnlineTimeout = DefaultOnlineTimeout
	}
	if c.ClockSkew <= 0 {
		c.ClockSkew = DefaultClockSkew
	}
	if c.BloomRefresh <= 0 {
		c.BloomRefresh = DefaultBloomRefresh
	}
	if c.DupCapacity == 0 {
		c.DupCapacity = DefaultDupCapacity
	}
	return c
}

// Outcome is what the operator sees, plus identifiers for the local log.
type Outcome struct {
	Accepted   bool
	Reason     model.RejectReason
	Offline    bool // accepted without an authoritative answer
	Suspicious bool // accepted offline despite a Bloom hit
	LocalID    u.UUID
	TokenHash  model.TokenHash
}

// Engine is the ValidationEngine. Scans are serialized: one scan loop per device.
type Engine struct {
	cfg       Config
	keys      *keys.Cache
	store     *Store
	authority Authority
	dup       *DupCache
	replay    *proof.ReplayGuard
	secrets   *ttlcache.Cache[string, model.MasterSecret]
	filter    atomic.Pointer[bloom.Filter]
	log       *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	state   State
	observe func(from, to State)
}

// NewEngine constructs an engine. authority may be nil in ModeOffline.
func NewEngine(cfg Config, keyCache *keys.Cache, store *Store, authority Authority, log *zap.Logger) *Engine {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	secrets := ttlcache.New[string, model.MasterSecret](
		ttlcache.WithTTL[string, model.MasterSecret](DefaultSecretTTL),
		ttlcache.WithCapacity[string, model.MasterSecret](secretCacheCapacity),
	)
	go secrets.Start()
	return &Engine{
		cfg:       cfg,
		keys:      keyCache,
		store:     store,
		authority: authority,
		dup:       NewDupCache(cfg.BloomRefresh, cfg.DupCapacity),
		replay:    proof.NewReplayGuard(cfg.Interval, cfg.DupCapacity),
		secrets:   secrets,
		log:       log,
		now:       time.Now,
		state:     StateIdle,
	}
}

// Close stops background cache loops.
func (e *Engine) Close() {
	e.dup.Close()
	e.replay.Close()
	e.secrets.Stop()
}

// OnTransition registers an observer of state changes (UI, tests).
func (e *Engine) OnTransition(fn func(from, to State)) {
	e.mu.Lock()
	e.observe = fn
	e.mu.Unlock()
}

// State returns the current scan state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Mode returns the configured mode.
func (e *Engine) Mode() Mode { return e.cfg.Mode }

// SetSnapshot installs a new Bloom snapshot and reports whether it did. Versions not newer
// than the installed one are ignored.
func (e *Engine) SetSnapshot(s model.BloomSnapshot) (bool, error) {
	f, err := bloom.Open(s)
	if err != nil {
		return false, err
	}
	for {
		cur := e.filter.Load()
		if cur != nil && cur.Snapshot().Version >= s.Version {
			return false, nil
		}
		if e.filter.CompareAndSwap(cur, f) {
			return true, nil
		}
	}
}

// Snapshot returns the installed snapshot, if any.
func (e *Engine) Snapshot() (model.BloomSnapshot, bool) {
	f := e.filter.Load()
	if f == nil {
		return model.BloomSnapshot{}, false
	}
	return f.Snapshot(), true
}

// SnapshotStale reports whether the installed snapshot is past its ValidUntil.
func (e *Engine) SnapshotStale(now time.Time) bool {
	f := e.filter.Load()
	return f != nil && f.Stale(now)
}

// Restore seeds the duplicate cache from acceptances still waiting for reconciliation.
func (e *Engine) Restore() error {
	pending, err := e.store.Pending(0)
	if err != nil {
		return err
	}
	for _, a := range pending {
		e.dup.Add(a.TokenHash, a.AcceptedAt)
	}
	return nil
}

func (e *Engine) fire(ev Event) {
	from := e.state
	to, err := Next(from, ev)
	if err != nil {
		e.log.Error("state machine", zap.Error(err))
		return
	}
	e.state = to
	if e.observe != nil {
		e.observe(from, to)
	}
}

// Scan runs one presentation through Idle → Scanning → Verifying → Accepted|Rejected → Idle.
// Cancelling ctx never undoes a ledger write the authority already committed.
func (e *Engine) Scan(ctx context.Context, raw []byte) Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.fire(EventScan)
	out := e.scan(ctx, raw)
	if out.Accepted {
		e.fire(EventAccept)
	} else {
		e.fire(EventReject)
		e.log.Debug("scan rejected", zap.Error(out.Err()))
	}
	e.fire(EventReset)
	return out
}

func reject(r model.RejectReason) Outcome { return Outcome{Reason: r} }

// ticket is a payload that passed every offline check.
type ticket struct {
	p         payload.Payload
	ledgerKey model.TokenHash
	multi     bool
}

func (e *Engine) scan(ctx context.Context, raw []byte) Outcome {
	now := e.now().UTC()

	p, err := payload.Decode(raw)
	if err != nil {
		return reject(model.ReasonInvalidFormat)
	}
	e.fire(EventParsed)

	t, reason := e.verify(p, now)
	if reason != model.ReasonNone {
		return reject(reason)
	}

	f := e.filter.Load()
	facts := localFacts{
		duplicate: e.dup.Contains(t.ledgerKey),
		bloomHit:  f != nil && f.MayContain(t.ledgerKey),
	}
	id, err := u.NewV4()
	if err != nil {
		return reject(model.ReasonInternal)
	}

	switch plan(e.cfg.Mode, facts) {
	case routeAlreadySpent:
		return Outcome{Reason: model.ReasonAlreadySpent, TokenHash: t.ledgerKey}
	case routeAuthority:
		if out, decided := e.askAuthority(ctx, t, id, now); decided {
			return out
		}
		// Network failure: degrade to the offline path with the same acceptance ID so a
		// redemption the authority did commit reconciles as Confirmed.
	}
	return e.acceptOffline(t, id, now, facts.bloomHit)
}

// verify performs every check that needs no network: format, key, signature, validity window,
// and for multi-use tickets the rotating proof.
func (e *Engine) verify(p payload.Payload, now time.Time) (ticket, model.RejectReason) {
	key, err := e.keys.Lookup(p.KeyID)
	if err != nil || !key.Verifiable(now) {
		return ticket{}, model.ReasonUnknownKey
	}
	multi := key.Kind == model.KindMulti
	switch {
	case multi && len(p.Sealed) == 0:
		return ticket{}, model.ReasonInvalidFormat
	case multi && !p.HasProof():
		return ticket{}, model.ReasonProofRequired
	case !multi && (p.HasProof() || len(p.Sealed) > 0):
		return ticket{}, model.ReasonInvalidFormat
	}

	id := p.ID()
	// Epoch window and replay set are checked before any signature work: a stale or consumed
	// (tokenId, epoch) pair is rejected whatever else the payload carries.
	if multi {
		if !proof.InWindow(p.Epoch, proof.Epoch(now, e.cfg.Interval)) {
			return ticket{}, model.ReasonStaleEpoch
		}
		if e.replay.Seen(id, p.Epoch) {
			return ticket{}, model.ReasonReplayed
		}
	}

	if !blindsig.VerifyFields(key.Public, p.Fields(), p.Signature) {
		return ticket{}, model.ReasonBadSignature
	}
	if err := key.CheckTicket(p.IssuedAtTime(), p.ExpiryTime(), e.cfg.ClockSkew); err != nil {
		return ticket{}, model.ReasonUnknownKey
	}
	if now.Add(e.cfg.ClockSkew).Before(p.IssuedAtTime()) {
		return ticket{}, model.ReasonNotYetValid
	}
	if now.After(p.ExpiryTime()) {
		return ticket{}, model.ReasonExpired
	}

	if !multi {
		return ticket{p: p, ledgerKey: crypto.TokenHash(id)}, model.ReasonNone
	}

	sm, err := e.masterSecret(p.Sealed)
	if err != nil {
		return ticket{}, model.ReasonBadProof
	}
	if !proof.Check(sm, model.RotatingProof{TokenID: id, Epoch: p.Epoch, Value: p.Proof}) {
		return ticket{}, model.ReasonBadProof
	}
	return ticket{p: p, ledgerKey: crypto.EpochHash(id, p.Epoch), multi: true}, model.ReasonNone
}

func (e *Engine) masterSecret(sealed []byte) (model.MasterSecret, error) {
	if e.cfg.FleetPublic == nil || e.cfg.FleetPrivate == nil {
		return model.MasterSecret{}, errors.New("fleet key not configured")
	}
	binding := string(crypto.SealedBinding(sealed))
	if it := e.secrets.Get(binding); it != nil {
		return it.Value(), nil
	}
	sm, err := clientcrypto.OpenSecret(e.cfg.FleetPublic, e.cfg.FleetPrivate, sealed)
	if err != nil {
		return model.MasterSecret{}, err
	}
	e.secrets.Set(binding, sm, ttlcache.DefaultTTL)
	return sm, nil
}

// askAuthority performs the bounded online check. decided is false only on a network failure;
// any other error rejects the scan so a broken credential is never hidden behind the offline path.
func (e *Engine) askAuthority(ctx context.Context, t ticket, id u.UUID, now time.Time) (Outcome, bool) {
	if e.authority == nil {
		return Outcome{}, false
	}
	cctx, cancel := context.WithTimeout(ctx, e.cfg.OnlineTimeout)
	defer cancel()

	res, err := e.authority.Redeem(cctx, model.Redemption{
		TokenHash:    t.ledgerKey,
		KeyID:        t.p.KeyID,
		Signature:    t.p.Signature,
		ValidatorID:  e.cfg.ValidatorID,
		Timestamp:    now,
		AcceptanceID: id,
	})
	if err != nil {
		if ctx.Err() != nil {
			// The scan was abandoned. The authority may have committed, so the key is treated
			// as spent locally; the holder is not let through.
			e.dup.Add(t.ledgerKey, now)
			return Outcome{Reason: model.ReasonInternal, LocalID: id, TokenHash: t.ledgerKey}, true
		}
		if errors.Is(err, errs.ErrNetwork) || errors.Is(err, context.DeadlineExceeded) {
			e.log.Warn("online redemption failed, using offline path",
				zap.String("validator_id", e.cfg.ValidatorID), zap.Error(err))
			return Outcome{}, false
		}
		e.log.Error("online redemption refused",
			zap.String("validator_id", e.cfg.ValidatorID), zap.Error(err))
		return Outcome{Reason: model.ReasonInternal, LocalID: id, TokenHash: t.ledgerKey}, true
	}
	if !res.Accepted {
		if res.Reason == model.ReasonAlreadySpent {
			e.dup.Add(t.ledgerKey, now)
		}
		return Outcome{Reason: res.Reason, LocalID: id, TokenHash: t.ledgerKey}, true
	}
	e.consume(t, now)
	e.dup.Add(t.ledgerKey, now)
	return Outcome{Accepted: true, LocalID: id, TokenHash: t.ledgerKey}, true
}

func (e *Engine) consume(t ticket, now time.Time) bool {
	if !t.multi {
		return true
	}
	return e.replay.Consume(t.p.ID(), t.p.Epoch, now)
}

func (e *Engine) acceptOffline(t ticket, id u.UUID, now time.Time, suspicious bool) Outcome {
	if !e.consume(t, now) {
		return Outcome{Reason: model.ReasonReplayed, TokenHash: t.ledgerKey}
	}
	if !e.dup.Add(t.ledgerKey, now) {
		return Outcome{Reason: model.ReasonAlreadySpent, TokenHash: t.ledgerKey}
	}
	err := e.store.Append(model.OfflineAcceptance{
		LocalID:     id,
		TokenHash:   t.ledgerKey,
		AcceptedAt:  now,
		ValidatorID: e.cfg.ValidatorID,
		SyncState:   model.SyncUnsynced,
		Suspicious:  suspicious,
	})
	if err != nil {
		e.log.Error("persist offline acceptance", zap.Error(err))
		return Outcome{Reason: model.ReasonInternal, TokenHash: t.ledgerKey}
	}
	if suspicious {
		e.log.Warn("offline acceptance despite bloom hit",
			zap.String("validator_id", e.cfg.ValidatorID), zap.String("local_id", id.String()))
	}
	return Outcome{Accepted: true, Offline: true, Suspicious: suspicious, LocalID: id, TokenHash: t.ledgerKey}
}

// Err returns the sentinel for a rejection, or nil when the ticket was accepted.
func (o Outcome) Err() error {
	if o.Accepted {
		return nil
	}
	return o.Reason.Err()
}

// String renders the operator view: Accepted or Rejected(reason).
func (o Outcome) String() string {
	if o.Accepted {
		if o.Offline {
			return "Accepted(offline)"
		}
		return "Accepted"
	}
	return fmt.Sprintf("Rejected(%s)", o.Reason)
}
