// Package crypto implements hashing shared by holders, validators and the authority.
package crypto

import (
	"crypto/rand"
	"encoding/binary"

	"lukechampine.com/blake3"

	"github.com/and161185/blindticket/internal/model"
)

// Domain separation prefixes. Changing them invalidates every ledger key.
const (
	tokenDomain   = "blindticket/token/v1"
	epochDomain   = "blindticket/epoch/v1"
	blindedDomain = "blindticket/blinded/v1"
	sealedDomain  = "blindticket/sealed/v1"
)

// NewTokenID draws a fresh 256-bit token value.
func NewTokenID() (model.TokenID, error) {
	var id model.TokenID
	_, err := rand.Read(id[:])
	return id, err
}

// NewMasterSecret draws a fresh per-ticket proof key.
func NewMasterSecret() (model.MasterSecret, error) {
	var s model.MasterSecret
	_, err := rand.Read(s[:])
	return s, err
}

// TokenHash is the ledger key of a single-use token.
func TokenHash(id model.TokenID) model.TokenHash {
	buf := make([]byte, 0, len(tokenDomain)+len(id))
	buf = append(buf, tokenDomain...)
	buf = append(buf, id[:]...)
	return blake3.Sum256(buf)
}

// EpochHash is the ledger key of one ride of a multi-use token.
func EpochHash(id model.TokenID, epoch int64) model.TokenHash {
	buf := make([]byte, 0, len(epochDomain)+len(id)+8)
	buf = append(buf, epochDomain...)
	buf = append(buf, id[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(epoch))
	return blake3.Sum256(buf)
}

// BlindedHash is the issuer-side audit digest of a blinded value.
func BlindedHash(blinded []byte) []byte {
	buf := make([]byte, 0, len(blindedDomain)+len(blinded))
	buf = append(buf, blindedDomain...)
	buf = append(buf, blinded...)
	sum := blake3.Sum256(buf)
	return sum[:]
}

// SealedBinding commits to a sealed MasterSecret so it can be bound into the signed message.
func SealedBinding(sealed []byte) []byte {
	if len(sealed) == 0 {
		return nil
	}
	buf := make([]byte, 0, len(sealedDomain)+len(sealed))
	buf = append(buf, sealedDomain...)
	buf = append(buf, sealed...)
	sum := blake3.Sum256(buf)
	return sum[:]
}
