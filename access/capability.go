// Package access issues and checks capability tokens for privileged
// component operations.
package access

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"covenant/domain"
)

var (
	// ErrInvalidCapability signals a missing, forged or mismatched token.
	ErrInvalidCapability = domain.NewError(domain.ErrUnauthorized, "access: invalid capability")
)

// Claims bind a capability to one component scope and one subject.
type Claims struct {
	Component string `json:"cmp"`
	Scope     string `json:"scp"`
	jwt.RegisteredClaims
}

// Issuer signs capability tokens with a shared HMAC secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// IssuerOption customizes an Issuer.
type IssuerOption func(*Issuer)

// WithTTL bounds capability lifetime. Zero means tokens never expire.
func WithTTL(ttl time.Duration) IssuerOption {
	return func(i *Issuer) { i.ttl = ttl }
}

// WithIssuerClock overrides the time source.
func WithIssuerClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) {
		if now != nil {
			i.now = now
		}
	}
}

// NewIssuer builds an Issuer for the given secret.
func NewIssuer(secret string, opts ...IssuerOption) *Issuer {
	i := &Issuer{secret: []byte(secret), now: time.Now}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Issue signs a capability for subject on component/scope.
func (i *Issuer) Issue(component, scope string, subject domain.Identity) (string, error) {
	now := i.now()
	claims := Claims{
		Component: component,
		Scope:     scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  string(subject),
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if i.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(i.ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("access: sign capability: %w", err)
	}
	return signed, nil
}

// Verify checks that raw was issued for subject on component/scope.
func (i *Issuer) Verify(raw, component, scope string, subject domain.Identity) error {
	if raw == "" {
		return ErrInvalidCapability
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithSubject(string(subject)),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCapability, err)
	}
	if claims.Component != component || claims.Scope != scope {
		return ErrInvalidCapability
	}
	return nil
}
