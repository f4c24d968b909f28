// Package auth issues and validates the HS256 bearer tokens that identify
// search owners, and carries the owner id through request contexts.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultIssuer is set on issued tokens.
const DefaultIssuer = "medbrief"

// ErrMissingSubject is returned for valid tokens without a "sub" claim.
var ErrMissingSubject = errors.New("token has no subject")

type ownerKey struct{}

// WithOwner stores the owner id in ctx.
func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerKey{}, ownerID)
}

// OwnerFromContext returns the owner id stored by WithOwner.
func OwnerFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ownerKey{}).(string)
	return id, ok && id != ""
}

// Validator checks HS256 tokens signed with a shared secret.
type Validator struct {
	secret []byte
	now    func() time.Time
}

// NewValidator returns a Validator for secret.
func NewValidator(secret string) (*Validator, error) {
	if secret == "" {
		return nil, errors.New("JWT secret is required")
	}
	return &Validator{secret: []byte(secret), now: time.Now}, nil
}

// Validate verifies tokenString and returns its subject.
func (v *Validator) Validate(tokenString string) (string, error) {
	tok, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithLeeway(30*time.Second),
	)
	if err != nil {
		return "", fmt.Errorf("token verification failed: %w", err)
	}

	claims, ok := tok.Claims.(*jwt.RegisteredClaims)
	if !ok {
		return "", fmt.Errorf("parse claims: unsupported claim type %T", tok.Claims)
	}
	if claims.Subject == "" {
		return "", ErrMissingSubject
	}
	return claims.Subject, nil
}

// Issue mints a token for ownerID valid for ttl. A non-positive ttl issues a
// token without expiry.
func Issue(secret, ownerID string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("JWT secret is required")
	}
	if ownerID == "" {
		return "", errors.New("owner is required")
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  ownerID,
		Issuer:   DefaultIssuer,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
