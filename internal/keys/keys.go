// Package keys manages issuer signing keys and their public distribution.
//
// Several keys may be valid at once: a key issues tickets inside [ActiveFrom, RetireAt) and stays
// verifiable until RetireAt+Lifetime so outstanding tickets survive a rotation.
package keys

import (
	"context"
	"crypto/rsa"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/and161185/blindticket/internal/crypto/blindsig"
	"github.com/and161185/blindticket/internal/errs"
	"github.com/and161185/blindticket/internal/model"
)

// Info is the public description of an issuer key.
type Info struct {
	ID         string
	Kind       model.TicketKind
	Lifetime   time.Duration // maximum expiry-issuedAt of tickets signed with this key
	ActiveFrom time.Time
	RetireAt   time.Time // zero: no planned retirement
	Public     *blindsig.PublicKey
}

// CanIssue reports whether the key may sign at now.
func (i Info) CanIssue(now time.Time) bool {
	if now.Before(i.ActiveFrom) {
		return false
	}
	return i.RetireAt.IsZero() || now.Before(i.RetireAt)
}

// Verifiable reports whether tickets under this key can still be valid at now.
func (i Info) Verifiable(now time.Time) bool {
	return i.RetireAt.IsZero() || now.Before(i.RetireAt.Add(i.Lifetime))
}

// CheckTicket validates ticket validity bounds against the key's issuance window.
func (i Info) CheckTicket(issuedAt, expiry time.Time, skew time.Duration) error {
	if !expiry.After(issuedAt) {
		return fmt.Errorf("expiry not after issuedAt: %w", errs.ErrVerification)
	}
	if expiry.Sub(issuedAt) > i.Lifetime {
		return fmt.Errorf("ticket lifetime exceeds key lifetime: %w", errs.ErrVerification)
	}
	if issuedAt.Before(i.ActiveFrom.Add(-skew)) {
		return fmt.Errorf("issued before key activation: %w", errs.ErrVerification)
	}
	if !i.RetireAt.IsZero() && issuedAt.After(i.RetireAt.Add(skew)) {
		return fmt.Errorf("issued after key retirement: %w", errs.ErrVerification)
	}
	return nil
}

// Signer signs blinded values on request. The production implementation is an HSM;
// Ring is the in-process implementation.
type Signer interface {
	// Sign computes the blind signature with the named key.
	Sign(ctx context.Context, keyID string, blinded []byte) ([]byte, error)
	// Lookup returns the key description or errs.ErrUnknownKey.
	Lookup(keyID string) (Info, error)
	// Published returns all keys verifiable at now, sorted by ID.
	Published(now time.Time) []Info
}

type entry struct {
	info Info
	priv *rsa.PrivateKey
}

// Ring is an in-memory key ring with RSA private keys.
type Ring struct {
	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time
}

var _ Signer = (*Ring)(nil)

// NewRing constructs an empty key ring.
func NewRing() *Ring {
	return &Ring{entries: map[string]entry{}, now: time.Now}
}

// Add registers a key. Info.Public is derived from priv.
func (r *Ring) Add(info Info, priv *rsa.PrivateKey) error {
	if info.ID == "" || priv == nil {
		return fmt.Errorf("key ring: empty id or key: %w", errs.ErrInvalidInput)
	}
	if info.Kind != model.KindSingle && info.Kind != model.KindMulti {
		return fmt.Errorf("key ring: key %q has unknown kind %q", info.ID, info.Kind)
	}
	if info.Lifetime <= 0 {
		return fmt.Errorf("key ring: key %q needs a positive lifetime", info.ID)
	}
	info.Public = blindsig.FromRSA(&priv.PublicKey)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[info.ID]; ok {
		return fmt.Errorf("key ring: duplicate key %q: %w", info.ID, errs.ErrAlreadyExists)
	}
	r.entries[info.ID] = entry{info: info, priv: priv}
	return nil
}

// Sign implements Signer. Only keys inside their issuance window sign.
func (r *Ring) Sign(_ context.Context, keyID string, blinded []byte) ([]byte, error) {
	r.mu.RLock()
	e, ok := r.entries[keyID]
	r.mu.RUnlock()
	if !ok || !e.info.CanIssue(r.now()) {
		return nil, errs.ErrUnknownKey
	}
	return blindsig.Sign(e.priv, blinded)
}

// Lookup implements Signer.
func (r *Ring) Lookup(keyID string) (Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[keyID]
	if !ok {
		return Info{}, errs.ErrUnknownKey
	}
	return e.info, nil
}

// MaxLifetime returns the longest ticket lifetime of any key in the ring, retired ones included.
func (r *Ring) MaxLifetime() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var longest time.Duration
	for _, e := range r.entries {
		if e.info.Lifetime > longest {
			longest = e.info.Lifetime
		}
	}
	return longest
}

// Published implements Signer.
func (r *Ring) Published(now time.Time) []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		if e.info.Verifiable(now) {
			out = append(out, e.info)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// Cache is the validator/holder-side view of published keys. Safe for concurrent use.
type Cache struct {
	mu   sync.RWMutex
	keys map[string]Info
}

// NewCache constructs a cache seeded with infos.
func NewCache(infos []Info) *Cache {
	c := &Cache{}
	c.Replace(infos)
	return c
}

// Replace swaps the cached key set wholesale.
func (c *Cache) Replace(infos []Info) {
	m := make(map[string]Info, len(infos))
	for _, i := range infos {
		m[i.ID] = i
	}
	c.mu.Lock()
	c.keys = m
	c.mu.Unlock()
}

// Lookup returns a cached key or errs.ErrUnknownKey.
func (c *Cache) Lookup(keyID string) (Info, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.keys[keyID]
	if !ok {
		return Info{}, errs.ErrUnknownKey
	}
	return i, nil
}

// All returns the cached keys sorted by ID.
func (c *Cache) All() []Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Info, 0, len(c.keys))
	for _, i := range c.keys {
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}
