// Package auth checks bearer tokens on the admin API. Tokens are HS256 JWTs
// whose scopes come from the "scope" claim (space separated) or the "scp" and
// "authorities" arrays.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingToken = errors.New("missing bearer token")
)

// ScopePrefix marks authorities derived from scopes.
const ScopePrefix = "SCOPE_"

// DefaultAllowedScopes grant access to the audit endpoints.
var DefaultAllowedScopes = []string{
	"SCOPE_sys.facultad",
	"SCOPE_acme.facultad",
	"SCOPE_iam.facultad",
	"SCOPE_cartera.read",
}

type Claims struct {
	Scope       string   `json:"scope,omitempty"`
	Scp         []string `json:"scp,omitempty"`
	Authorities []string `json:"authorities,omitempty"`
	jwt.RegisteredClaims
}

// AuthoritiesGranted returns the SCOPE_ authorities carried by the claims.
func (c *Claims) AuthoritiesGranted() []string {
	var out []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		if !strings.HasPrefix(s, ScopePrefix) {
			s = ScopePrefix + s
		}
		out = append(out, s)
	}
	for _, s := range strings.Fields(c.Scope) {
		add(s)
	}
	for _, s := range c.Scp {
		add(s)
	}
	for _, s := range c.Authorities {
		add(s)
	}
	return out
}

// Validator verifies tokens signed with a shared secret.
type Validator struct {
	secret []byte
	issuer string
}

func NewValidator(secret, issuer string) *Validator {
	return &Validator{secret: []byte(secret), issuer: issuer}
}

func (v *Validator) Validate(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Issue signs a token for subject carrying scopes. Used by auditctl and
// tests.
func Issue(secret, issuer, subject string, scopes []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Scope: strings.Join(scopes, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
