// Package proof derives and checks the rotating anti-sharing proofs of multi-use tickets.
//
// epoch = floor(now / interval); Proof(epoch) = HMAC-SHA256(Sm, epoch ∥ tokenId).
// A validator accepts the current epoch and the one before it, and each (tokenId, epoch)
// pair at most once.
package proof

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/and161185/blindticket/internal/model"
)

// DefaultInterval is the rotation interval used by holders and validators.
const DefaultInterval = 30 * time.Second

// Epoch returns the epoch containing now.
func Epoch(now time.Time, interval time.Duration) int64 {
	return now.UnixNano() / int64(interval)
}

// EpochStart returns the first instant of epoch.
func EpochStart(epoch int64, interval time.Duration) time.Time {
	return time.Unix(0, epoch*int64(interval)).UTC()
}

// InWindow reports whether a presented epoch is acceptable at current:
// the same epoch or the immediately preceding one (clock-skew tolerance).
func InWindow(presented, current int64) bool {
	return presented == current || presented == current-1
}

// Derive computes Proof(epoch).
func Derive(sm model.MasterSecret, id model.TokenID, epoch int64) []byte {
	mac := hmac.New(sha256.New, sm[:])
	var e [8]byte
	binary.BigEndian.PutUint64(e[:], uint64(epoch))
	mac.Write(e[:])
	mac.Write(id[:])
	return mac.Sum(nil)
}

// Generate returns the proof for the epoch containing now.
func Generate(sm model.MasterSecret, id model.TokenID, now time.Time, interval time.Duration) model.RotatingProof {
	epoch := Epoch(now, interval)
	return model.RotatingProof{TokenID: id, Epoch: epoch, Value: Derive(sm, id, epoch)}
}

// Check verifies the proof value in constant time. It does not check the epoch window.
func Check(sm model.MasterSecret, rp model.RotatingProof) bool {
	return hmac.Equal(Derive(sm, rp.TokenID, rp.Epoch), rp.Value)
}
