package validator

import (
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/and161185/blindticket/internal/model"
)

// DefaultDupCapacity bounds the local duplicate set.
const DefaultDupCapacity = 100_000

// DupCache is the bounded local set of ledger keys this validator accepted. Entries expire one
// Bloom refresh interval after insertion: by then the next snapshot is expected to cover them.
type DupCache struct {
	cache *ttlcache.Cache[model.TokenHash, time.Time]
}

// NewDupCache constructs a cache whose eviction is tied to the snapshot refresh interval.
func NewDupCache(refresh time.Duration, capacity uint64) *DupCache {
	if capacity == 0 {
		capacity = DefaultDupCapacity
	}
	c := ttlcache.New[model.TokenHash, time.Time](
		ttlcache.WithTTL[model.TokenHash, time.Time](refresh),
		ttlcache.WithCapacity[model.TokenHash, time.Time](capacity),
		ttlcache.WithDisableTouchOnHit[model.TokenHash, time.Time](),
	)
	go c.Start()
	return &DupCache{cache: c}
}

// Contains reports whether h was accepted locally and has not expired.
func (d *DupCache) Contains(h model.TokenHash) bool { return d.cache.Has(h) }

// Add records h; it returns false if h was already present.
func (d *DupCache) Add(h model.TokenHash, at time.Time) bool {
	_, loaded := d.cache.GetOrSet(h, at)
	return !loaded
}

// Len returns the number of tracked keys.
func (d *DupCache) Len() int { return d.cache.Len() }

// Close stops the expiry loop.
func (d *DupCache) Close() { d.cache.Stop() }
