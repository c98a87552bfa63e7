// Package security implements the opaque bearer-token credential validation
// adapter consumed by submitTask/registerAgent: the
// core never mints or verifies cryptographic credentials beyond checking an
// externally-issued token.
//
// The contract is deliberately narrow: does this token authenticate, and
// which agent/user does it belong to.
package security

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/arbiterhq/arbiter/internal/errs"
)

// Principal is the identity recovered from a validated credential.
type Principal struct {
	Subject     string
	Role        string
	Permissions []string
	TenantID    string
}

// Credentials is the opaque bearer token presented alongside a client
// request, registerAgent(profile,
// credentials?)).
type Credentials struct {
	Token string
}

// Validator authenticates opaque bearer tokens. nil Validator is treated as
// "authentication disabled" by callers (local/dev mode).
type Validator interface {
	Validate(creds Credentials) (Principal, error)
}

// JWTValidator validates HS256 JWTs signed with a shared secret.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator creates a JWTValidator from a shared signing secret.
func NewJWTValidator(secret []byte) *JWTValidator {
	return &JWTValidator{secret: secret}
}

// Validate parses and verifies creds.Token, returning the embedded
// principal. Expired, malformed, or mis-signed tokens fail with
// KindInvalidInput ("authentication-failed").
func (v *JWTValidator) Validate(creds Credentials) (Principal, error) {
	if creds.Token == "" {
		return Principal{}, errs.New(errs.KindInvalidInput, "authentication-failed", "no credentials supplied")
	}

	token, err := jwt.Parse(creds.Token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return Principal{}, errs.Wrap(errs.KindInvalidInput, "authentication-failed", "invalid token", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, errs.New(errs.KindInvalidInput, "authentication-failed", "invalid token claims")
	}

	return Principal{
		Subject:     claimString(claims, "sub"),
		Role:        claimString(claims, "role"),
		Permissions: claimStringSlice(claims, "permissions"),
		TenantID:    claimString(claims, "tenant_id"),
	}, nil
}

func claimString(claims jwt.MapClaims, key string) string {
	v, ok := claims[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func claimStringSlice(claims jwt.MapClaims, key string) []string {
	raw, ok := claims[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// IssueToken mints a short-lived HS256 token, used by tests and local
// tooling standing in for an external identity provider; production
// deployments are expected to authenticate against a real IdP and only
// hand the resulting opaque token to the core.
func (v *JWTValidator) IssueToken(p Principal, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub":         p.Subject,
		"role":        p.Role,
		"tenant_id":   p.TenantID,
		"permissions": p.Permissions,
		"exp":         time.Now().Add(ttl).Unix(),
		"iat":         time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", errs.Wrap(errs.KindDependencyFailure, "token-sign-failed", "failed to sign token", err)
	}
	return signed, nil
}
