// Package payload encodes the ticket display payload scanned by validators (QR / NFC).
package payload

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/and161185/blindticket/internal/codec"
	"github.com/and161185/blindticket/internal/crypto"
	"github.com/and161185/blindticket/internal/crypto/blindsig"
	"github.com/and161185/blindticket/internal/errs"
	"github.com/and161185/blindticket/internal/model"
)

// Version is the current payload format.
const Version = 1

// MaxSize bounds what a validator will try to decode.
const MaxSize = 4096

// Payload is {tokenId, Sig(T), epoch, Proof(epoch)} plus the fields bound into the signature.
type Payload struct {
	Version   uint8  `cbor:"0,keyasint"`
	KeyID     string `cbor:"1,keyasint"`
	TokenID   []byte `cbor:"2,keyasint"`
	Signature []byte `cbor:"3,keyasint"`
	IssuedAt  int64  `cbor:"4,keyasint"`
	Expiry    int64  `cbor:"5,keyasint"`
	Sealed    []byte `cbor:"6,keyasint,omitempty"`
	Epoch     int64  `cbor:"7,keyasint,omitempty"`
	Proof     []byte `cbor:"8,keyasint,omitempty"`
}

// FromToken builds the static part of a payload.
func FromToken(t model.Token) Payload {
	return Payload{
		Version:   Version,
		KeyID:     t.KeyID,
		TokenID:   append([]byte(nil), t.ID[:]...),
		Signature: append([]byte(nil), t.Signature...),
		IssuedAt:  t.IssuedAt.Unix(),
		Expiry:    t.Expiry.Unix(),
		Sealed:    append([]byte(nil), t.SealedSecret...),
	}
}

// WithProof returns a copy carrying a rotating proof.
func (p Payload) WithProof(rp model.RotatingProof) Payload {
	p.Epoch = rp.Epoch
	p.Proof = append([]byte(nil), rp.Value...)
	return p
}

// HasProof reports whether a rotating proof is attached.
func (p Payload) HasProof() bool { return len(p.Proof) > 0 }

// ID returns the token ID; Validate must have succeeded.
func (p Payload) ID() model.TokenID {
	var id model.TokenID
	copy(id[:], p.TokenID)
	return id
}

// IssuedAtTime returns IssuedAt as time.
func (p Payload) IssuedAtTime() time.Time { return time.Unix(p.IssuedAt, 0).UTC() }

// ExpiryTime returns Expiry as time.
func (p Payload) ExpiryTime() time.Time { return time.Unix(p.Expiry, 0).UTC() }

// Fields returns the values the issuer signature covers.
func (p Payload) Fields() blindsig.Fields {
	return blindsig.Fields{
		KeyID:    p.KeyID,
		TokenID:  p.ID(),
		IssuedAt: p.IssuedAtTime(),
		Expiry:   p.ExpiryTime(),
		Binding:  crypto.SealedBinding(p.Sealed),
	}
}

// Validate checks structural well-formedness only; no cryptography.
func (p Payload) Validate() error {
	switch {
	case p.Version != Version:
		return fmt.Errorf("version %d: %w", p.Version, errs.ErrMalformed)
	case p.KeyID == "":
		return fmt.Errorf("empty key id: %w", errs.ErrMalformed)
	case len(p.TokenID) != model.TokenIDSize:
		return fmt.Errorf("token id length %d: %w", len(p.TokenID), errs.ErrMalformed)
	case len(p.Signature) == 0:
		return fmt.Errorf("empty signature: %w", errs.ErrMalformed)
	case p.Expiry <= p.IssuedAt:
		return fmt.Errorf("expiry before issuedAt: %w", errs.ErrMalformed)
	case p.HasProof() && p.Epoch <= 0:
		return fmt.Errorf("proof without epoch: %w", errs.ErrMalformed)
	}
	return nil
}

// Encode serializes p to compact CBOR.
func Encode(p Payload) ([]byte, error) {
	return codec.Marshal(p)
}

// Decode parses and validates a payload.
func Decode(b []byte) (Payload, error) {
	if len(b) == 0 || len(b) > MaxSize {
		return Payload{}, fmt.Errorf("payload size %d: %w", len(b), errs.ErrMalformed)
	}
	var p Payload
	if err := codec.Unmarshal(b, &p); err != nil {
		return Payload{}, fmt.Errorf("%v: %w", err, errs.ErrMalformed)
	}
	if err := p.Validate(); err != nil {
		return Payload{}, err
	}
	return p, nil
}

// EncodeText returns the unpadded base64url form used in QR codes and on the CLI.
func EncodeText(p Payload) (string, error) {
	b, err := Encode(p)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// DecodeText parses the text form.
func DecodeText(s string) (Payload, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Payload{}, fmt.Errorf("%v: %w", err, errs.ErrMalformed)
	}
	return Decode(b)
}
