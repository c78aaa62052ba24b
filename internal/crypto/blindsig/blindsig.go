// Package blindsig implements RSA blind signatures over a full-domain-hashed ticket message.
//
// The holder computes B = m·r^e mod N, the issuer returns S = B^d mod N without learning m,
// and the holder recovers Sig = S·r⁻¹ mod N, which verifies as Sig^e mod N == m.
package blindsig

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/and161185/blindticket/internal/errs"
	"github.com/and161185/blindticket/internal/model"
)

const fdhSalt = "blindticket/fdh/v1"

var bigOne = big.NewInt(1)

// PublicKey is the verification half of an issuer key.
type PublicKey struct {
	N *big.Int
	E int
}

// FromRSA converts a stdlib RSA public key.
func FromRSA(pub *rsa.PublicKey) *PublicKey {
	return &PublicKey{N: new(big.Int).Set(pub.N), E: pub.E}
}

// Size returns the modulus length in bytes.
func (p *PublicKey) Size() int { return (p.N.BitLen() + 7) / 8 }

// Fields are the ticket attributes bound into the signed message.
type Fields struct {
	KeyID    string
	TokenID  model.TokenID
	IssuedAt time.Time
	Expiry   time.Time
	Binding  []byte // commitment to the sealed MasterSecret, nil for single-use
}

func (f Fields) encode() []byte {
	buf := make([]byte, 0, 64+len(f.KeyID)+len(f.Binding))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(f.KeyID)))
	buf = append(buf, f.KeyID...)
	buf = append(buf, f.TokenID[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(f.IssuedAt.Unix()))
	buf = binary.BigEndian.AppendUint64(buf, uint64(f.Expiry.Unix()))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(f.Binding)))
	buf = append(buf, f.Binding...)
	return buf
}

// Message maps the ticket fields onto Z_N with a full-domain hash.
func Message(pub *PublicKey, f Fields) (*big.Int, error) {
	secret := f.encode()
	k := pub.Size() + 16
	for ctr := byte(0); ctr < 16; ctr++ {
		info := append([]byte(f.KeyID), ctr)
		out := make([]byte, k)
		if _, err := io.ReadFull(hkdf.New(sha256.New, secret, []byte(fdhSalt), info), out); err != nil {
			return nil, err
		}
		m := new(big.Int).SetBytes(out)
		m.Mod(m, pub.N)
		if m.Cmp(bigOne) > 0 {
			return m, nil
		}
	}
	return nil, errors.New("fdh: no usable message")
}

// BlindingContext is the holder's ephemeral state between Blind and Unblind. Single use.
type BlindingContext struct {
	KeyID   string
	factor  *big.Int
	message *big.Int
}

// Discarded reports whether the context has already been consumed.
func (c *BlindingContext) Discarded() bool { return c == nil || c.factor == nil }

// Blind hides m behind a random factor r coprime to N.
func Blind(random io.Reader, pub *PublicKey, keyID string, m *big.Int) ([]byte, *BlindingContext, error) {
	if m.Sign() <= 0 || m.Cmp(pub.N) >= 0 {
		return nil, nil, fmt.Errorf("blind: %w", errs.ErrInvalidInput)
	}
	e := big.NewInt(int64(pub.E))
	gcd := new(big.Int)
	for {
		r, err := rand.Int(random, pub.N)
		if err != nil {
			return nil, nil, err
		}
		if r.Cmp(bigOne) <= 0 || gcd.GCD(nil, nil, r, pub.N).Cmp(bigOne) != 0 {
			continue
		}
		b := new(big.Int).Exp(r, e, pub.N)
		b.Mul(b, m).Mod(b, pub.N)
		return b.FillBytes(make([]byte, pub.Size())), &BlindingContext{KeyID: keyID, factor: r, message: m}, nil
	}
}

// Sign computes S = B^d mod N. B must be a canonical element of (1, N).
func Sign(priv *rsa.PrivateKey, blinded []byte) ([]byte, error) {
	pub := FromRSA(&priv.PublicKey)
	if len(blinded) != pub.Size() {
		return nil, fmt.Errorf("blinded value length %d: %w", len(blinded), errs.ErrInvalidInput)
	}
	b := new(big.Int).SetBytes(blinded)
	if b.Cmp(bigOne) <= 0 || b.Cmp(pub.N) >= 0 {
		return nil, fmt.Errorf("blinded value out of range: %w", errs.ErrInvalidInput)
	}
	s := new(big.Int).Exp(b, priv.D, pub.N)
	// Never hand out a signature that does not verify.
	if new(big.Int).Exp(s, big.NewInt(int64(pub.E)), pub.N).Cmp(b) != 0 {
		return nil, errors.New("blind sign: fault check failed")
	}
	return s.FillBytes(make([]byte, pub.Size())), nil
}

// Unblind recovers Sig = S·r⁻¹ mod N and self-verifies it. The context is discarded on success.
func Unblind(pub *PublicKey, blindSig []byte, bc *BlindingContext) ([]byte, error) {
	if bc.Discarded() {
		return nil, errors.New("unblind: blinding context already used")
	}
	s := new(big.Int).SetBytes(blindSig)
	if s.Sign() <= 0 || s.Cmp(pub.N) >= 0 {
		return nil, errs.ErrSelfVerification
	}
	rInv := new(big.Int).ModInverse(bc.factor, pub.N)
	if rInv == nil {
		return nil, errs.ErrSelfVerification
	}
	sig := new(big.Int).Mul(s, rInv)
	sig.Mod(sig, pub.N)
	out := sig.FillBytes(make([]byte, pub.Size()))
	if !Verify(pub, bc.message, out) {
		return nil, errs.ErrSelfVerification
	}
	bc.factor = nil
	return out, nil
}

// Verify checks Sig^e mod N == m.
func Verify(pub *PublicKey, m *big.Int, sig []byte) bool {
	if len(sig) != pub.Size() {
		return false
	}
	s := new(big.Int).SetBytes(sig)
	if s.Sign() <= 0 || s.Cmp(pub.N) >= 0 {
		return false
	}
	return new(big.Int).Exp(s, big.NewInt(int64(pub.E)), pub.N).Cmp(m) == 0
}

// VerifyFields recomputes the message from ticket fields and verifies sig against it.
func VerifyFields(pub *PublicKey, f Fields, sig []byte) bool {
	m, err := Message(pub, f)
	if err != nil {
		return false
	}
	return Verify(pub, m, sig)
}
