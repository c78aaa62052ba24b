package proof

import (
	"encoding/binary"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/and161185/blindticket/internal/model"
)

type replayKey [model.TokenIDSize + 8]byte

func keyOf(id model.TokenID, epoch int64) replayKey {
	var k replayKey
	copy(k[:], id[:])
	binary.BigEndian.PutUint64(k[model.TokenIDSize:], uint64(epoch))
	return k
}

// ReplayGuard remembers consumed (tokenId, epoch) pairs for as long as the epoch can be accepted.
// Entries older than the acceptance window are useless (the window check rejects them) and expire.
type ReplayGuard struct {
	cache *ttlcache.Cache[replayKey, time.Time]
}

// NewReplayGuard sizes the guard for the rotation interval; capacity bounds memory.
func NewReplayGuard(interval time.Duration, capacity uint64) *ReplayGuard {
	c := ttlcache.New[replayKey, time.Time](
		ttlcache.WithTTL[replayKey, time.Time](3*interval),
		ttlcache.WithCapacity[replayKey, time.Time](capacity),
		ttlcache.WithDisableTouchOnHit[replayKey, time.Time](),
	)
	go c.Start()
	return &ReplayGuard{cache: c}
}

// Seen reports whether the pair was already consumed.
func (g *ReplayGuard) Seen(id model.TokenID, epoch int64) bool {
	return g.cache.Has(keyOf(id, epoch))
}

// Consume atomically marks the pair consumed. It returns false if it was consumed before.
func (g *ReplayGuard) Consume(id model.TokenID, epoch int64, at time.Time) bool {
	_, loaded := g.cache.GetOrSet(keyOf(id, epoch), at)
	return !loaded
}

// Len returns the number of tracked pairs.
func (g *ReplayGuard) Len() int { return g.cache.Len() }

// Close stops the expiry loop.
func (g *ReplayGuard) Close() { g.cache.Stop() }
