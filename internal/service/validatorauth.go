package service

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/blindticket/internal/errs"
)

const validatorAudience = "blindticket-validator"

// ValidatorAuth issues and verifies the HS256 bearer tokens validators present to the authority.
type ValidatorAuth struct {
	signKey []byte
	ttl     time.Duration
	now     func() time.Time
}

// NewValidatorAuth constructs ValidatorAuth.
func NewValidatorAuth(signKey []byte, ttl time.Duration) *ValidatorAuth {
	return &ValidatorAuth{signKey: signKey, ttl: ttl, now: time.Now}
}

// IssueToken creates a signed HS256 JWT whose subject is the validator ID.
func (a *ValidatorAuth) IssueToken(validatorID string) (string, time.Time, error) {
	if validatorID == "" {
		return "", time.Time{}, errs.ErrInvalidInput
	}
	now := a.now()
	exp := now.Add(a.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   validatorID,
		Audience:  jwt.ClaimStrings{validatorAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(a.signKey)
	return signed, exp, err
}

// Verify returns the validator ID carried by token.
func (a *ValidatorAuth) Verify(token string) (string, error) {
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return a.signKey, nil
	},
		jwt.WithLeeway(30*time.Second),
		jwt.WithAudience(validatorAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return "", errs.ErrUnauthorized
	}
	return claims.Subject, nil
}
