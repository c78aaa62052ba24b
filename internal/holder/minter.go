// Package holder implements the passenger device: minting and blinding tokens, unblinding
// issuer signatures, the purchase flow and the encrypted local wallet.
package holder

import (
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/and161185/blindticket/internal/crypto"
	"github.com/and161185/blindticket/internal/crypto/blindsig"
	"github.com/and161185/blindticket/internal/crypto/clientcrypto"
	"github.com/and161185/blindticket/internal/errs"
	"github.com/and161185/blindticket/internal/keys"
	"github.com/and161185/blindticket/internal/model"
	"github.com/and161185/blindticket/internal/payload"
	"github.com/and161185/blindticket/internal/proof"
)

// Ticket is what the wallet stores: the token and, for multi-use tickets, its master secret.
type Ticket struct {
	Token  model.Token
	Secret *model.MasterSecret
}

// Display returns the payload to show at now. Multi-use tickets carry the proof for the current epoch.
func (t Ticket) Display(now time.Time, interval time.Duration) payload.Payload {
	if t.Token.Kind != model.KindMulti || t.Secret == nil {
		return payload.FromToken(t.Token)
	}
	return proof.NewRotator(t.Token, *t.Secret, interval).At(now)
}

// Rotator returns the live display of a multi-use ticket; nil for single-use tickets.
func (t Ticket) Rotator(interval time.Duration) *proof.Rotator {
	if t.Token.Kind != model.KindMulti || t.Secret == nil {
		return nil
	}
	return proof.NewRotator(t.Token, *t.Secret, interval)
}

// Minter is the TokenMinter: it draws token values and blinds them for a chosen key.
type Minter struct {
	random io.Reader
	now    func() time.Time
}

// NewMinter returns a minter backed by crypto/rand.
func NewMinter() *Minter {
	return &Minter{random: rand.Reader, now: time.Now}
}

// Pending is a minted, blinded token waiting for the issuer's blind signature.
// Blinded is resent unchanged on retries so the issuer can answer idempotently.
type Pending struct {
	Blinded []byte
	KeyID   string

	token  model.Token
	secret *model.MasterSecret
	pub    *blindsig.PublicKey
	bc     *blindsig.BlindingContext
}

// Mint creates a token valid for validity (capped by the key lifetime) and blinds it.
// Multi-use keys need the fleet key so the master secret can be sealed to validators.
func (m *Minter) Mint(key keys.Info, validity time.Duration, fleetPub *[clientcrypto.FleetKeySize]byte) (*Pending, error) {
	if key.Public == nil || key.ID == "" {
		return nil, fmt.Errorf("mint: key without public part: %w", errs.ErrInvalidInput)
	}
	if validity <= 0 || validity > key.Lifetime {
		validity = key.Lifetime
	}

	id, err := crypto.NewTokenID()
	if err != nil {
		return nil, fmt.Errorf("mint: token id: %w", err)
	}
	issuedAt := m.now().UTC().Truncate(time.Second)
	tok := model.Token{
		ID:       id,
		KeyID:    key.ID,
		Kind:     key.Kind,
		IssuedAt: issuedAt,
		Expiry:   issuedAt.Add(validity),
	}

	var secret *model.MasterSecret
	if key.Kind == model.KindMulti {
		if fleetPub == nil {
			return nil, fmt.Errorf("mint: multi-use key %q needs the fleet key: %w", key.ID, errs.ErrInvalidInput)
		}
		sm, err := crypto.NewMasterSecret()
		if err != nil {
			return nil, fmt.Errorf("mint: master secret: %w", err)
		}
		sealed, err := clientcrypto.SealSecret(fleetPub, sm)
		if err != nil {
			return nil, fmt.Errorf("mint: seal master secret: %w", err)
		}
		tok.SealedSecret = sealed
		secret = &sm
	}

	msg, err := blindsig.Message(key.Public, blindsig.Fields{
		KeyID:    tok.KeyID,
		TokenID:  tok.ID,
		IssuedAt: tok.IssuedAt,
		Expiry:   tok.Expiry,
		Binding:  crypto.SealedBinding(tok.SealedSecret),
	})
	if err != nil {
		return nil, fmt.Errorf("mint: message: %w", err)
	}
	blinded, bc, err := blindsig.Blind(m.random, key.Public, key.ID, msg)
	if err != nil {
		return nil, fmt.Errorf("mint: blind: %w", err)
	}
	return &Pending{Blinded: blinded, KeyID: key.ID, token: tok, secret: secret, pub: key.Public, bc: bc}, nil
}

// Finish is the Unblinder: it recovers the signature and self-verifies it.
// On errs.ErrSelfVerification the blinding context stays usable for a retry.
func (p *Pending) Finish(blindSig []byte) (Ticket, error) {
	sig, err := blindsig.Unblind(p.pub, blindSig, p.bc)
	if err != nil {
		return Ticket{}, err
	}
	tok := p.token
	tok.Signature = sig
	return Ticket{Token: tok, Secret: p.secret}, nil
}
