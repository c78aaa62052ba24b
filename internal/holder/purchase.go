package holder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/blindticket/internal/api"
	"github.com/and161185/blindticket/internal/convert"
	"github.com/and161185/blindticket/internal/crypto/clientcrypto"
	"github.com/and161185/blindticket/internal/errs"
	"github.com/and161185/blindticket/internal/keys"
)

// DefaultMaxAttempts bounds self-verification retries of one purchase.
const DefaultMaxAttempts = 3

// Issuer is the authority as seen by a holder.
type Issuer interface {
	SignBlinded(ctx context.Context, blinded []byte, paymentRef, keyID string, receipt []byte) ([]byte, error)
	PublicKeys(ctx context.Context) ([]keys.Info, []byte, error)
}

// RemoteIssuer talks to the authority over gRPC.
type RemoteIssuer struct {
	c api.AuthorityClient
}

var _ Issuer = (*RemoteIssuer)(nil)

// NewRemoteIssuer wraps an authority client.
func NewRemoteIssuer(c api.AuthorityClient) *RemoteIssuer { return &RemoteIssuer{c: c} }

// SignBlinded implements Issuer.
func (r *RemoteIssuer) SignBlinded(ctx context.Context, blinded []byte, paymentRef, keyID string, receipt []byte) ([]byte, error) {
	resp, err := r.c.SignBlinded(ctx, &api.SignBlindedRequest{
		BlindedValue: blinded,
		PaymentRef:   paymentRef,
		KeyID:        keyID,
		Receipt:      receipt,
	})
	if err != nil {
		return nil, convert.FromStatus(err)
	}
	return resp.BlindSignature, nil
}

// PublicKeys implements Issuer.
func (r *RemoteIssuer) PublicKeys(ctx context.Context) ([]keys.Info, []byte, error) {
	resp, err := r.c.PublicKeys(ctx, &api.PublicKeysRequest{})
	if err != nil {
		return nil, nil, convert.FromStatus(err)
	}
	infos, err := convert.FromWireKeys(resp.Keys)
	if err != nil {
		return nil, nil, err
	}
	return infos, resp.FleetPublicKey, nil
}

// Order describes one purchase.
type Order struct {
	KeyID      string
	PaymentRef string
	Receipt    []byte
	Validity   time.Duration // zero: the key's full lifetime
}

// Buyer runs the purchase flow: mint, blind, sign, unblind, self-verify.
type Buyer struct {
	issuer      Issuer
	minter      *Minter
	maxAttempts int
	log         *zap.Logger
}

// NewBuyer constructs a Buyer.
func NewBuyer(issuer Issuer, minter *Minter, log *zap.Logger) *Buyer {
	if minter == nil {
		minter = NewMinter()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Buyer{issuer: issuer, minter: minter, maxAttempts: DefaultMaxAttempts, log: log}
}

// Buy obtains a ticket for o. A signature that fails self-verification is never accepted:
// the same blinded value is resent (the issuer answers it idempotently) up to maxAttempts times.
func (b *Buyer) Buy(ctx context.Context, o Order) (Ticket, error) {
	if o.KeyID == "" || o.PaymentRef == "" {
		return Ticket{}, fmt.Errorf("buy: key id and payment reference required: %w", errs.ErrInvalidInput)
	}
	infos, fleet, err := b.issuer.PublicKeys(ctx)
	if err != nil {
		return Ticket{}, fmt.Errorf("buy: fetch keys: %w", err)
	}
	key, err := keys.NewCache(infos).Lookup(o.KeyID)
	if err != nil {
		return Ticket{}, fmt.Errorf("buy: %w", err)
	}
	var fleetPub *[clientcrypto.FleetKeySize]byte
	if len(fleet) > 0 {
		if fleetPub, err = clientcrypto.FleetKeyFromBytes(fleet); err != nil {
			return Ticket{}, fmt.Errorf("buy: %w", err)
		}
	}

	pending, err := b.minter.Mint(key, o.Validity, fleetPub)
	if err != nil {
		return Ticket{}, err
	}

	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		sig, err := b.issuer.SignBlinded(ctx, pending.Blinded, o.PaymentRef, o.KeyID, o.Receipt)
		if err != nil {
			return Ticket{}, fmt.Errorf("buy: sign: %w", err)
		}
		t, err := pending.Finish(sig)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, errs.ErrSelfVerification) {
			return Ticket{}, fmt.Errorf("buy: unblind: %w", err)
		}
		b.log.Warn("blind signature failed self-verification",
			zap.String("key_id", o.KeyID), zap.Int("attempt", attempt))
	}
	return Ticket{}, fmt.Errorf("buy: %d attempts: %w", b.maxAttempts, errs.ErrSelfVerification)
}
