// Package payment verifies payment receipts presented at the issuer boundary.
//
// The payment gateway hands the holder a signed receipt; the issuer only checks that the receipt
// is authentic and covers the requested paymentRef and product key. Nothing about the holder is kept.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/blindticket/internal/errs"
)

// Verifier checks a payment receipt for paymentRef and keyID.
type Verifier interface {
	Verify(ctx context.Context, paymentRef, keyID string, receipt []byte) error
}

// ReceiptClaims is the JWT body issued by the payment gateway.
type ReceiptClaims struct {
	KeyID string `json:"key_id"`
	jwt.RegisteredClaims
}

// JWTReceipts verifies HS256 receipts shared with the payment gateway.
type JWTReceipts struct {
	key    []byte
	leeway time.Duration
}

// NewJWTReceipts constructs a receipt verifier with the gateway's shared key.
func NewJWTReceipts(key []byte) *JWTReceipts {
	return &JWTReceipts{key: key, leeway: 30 * time.Second}
}

// Verify implements Verifier. The receipt's jti must equal paymentRef and key_id must equal keyID.
func (v *JWTReceipts) Verify(_ context.Context, paymentRef, keyID string, receipt []byte) error {
	if len(receipt) == 0 {
		return fmt.Errorf("empty receipt: %w", errs.ErrPaymentRejected)
	}
	var claims ReceiptClaims
	parsed, err := jwt.ParseWithClaims(string(receipt), &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return v.key, nil
	}, jwt.WithLeeway(v.leeway), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return fmt.Errorf("invalid receipt: %w", errs.ErrPaymentRejected)
	}
	if claims.ID != paymentRef {
		return fmt.Errorf("receipt is for another payment: %w", errs.ErrPaymentRejected)
	}
	if claims.KeyID != keyID {
		return fmt.Errorf("receipt is for another product: %w", errs.ErrPaymentRejected)
	}
	return nil
}

// SignReceipt produces a receipt as the gateway would. Used by the dev tooling and tests.
func SignReceipt(key []byte, paymentRef, keyID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := ReceiptClaims{
		KeyID: keyID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        paymentRef,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

// AcceptAll accepts every receipt. Development only.
type AcceptAll struct{}

// Verify implements Verifier.
func (AcceptAll) Verify(context.Context, string, string, []byte) error { return nil }
