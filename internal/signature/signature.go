// Package signature issues and verifies the time-bounded tokens that
// protect dynamic-signature links against URL tampering and replay
// across link variants.
package signature

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalid covers every verification failure: tampered payload,
// wrong link, expired token, wrong algorithm.
var ErrInvalid = errors.New("signature invalid")

// Signer issues and checks per-click HMAC tokens. Verification is
// constant-time through the underlying HMAC comparison.
type Signer struct {
	secret []byte
	ttl    time.Duration
}

func New(secret string, ttl time.Duration) *Signer {
	return &Signer{secret: []byte(secret), ttl: ttl}
}

type claims struct {
	LinkID string `json:"lid"`
	Scope  string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// scopeContinue marks tokens issued with a capture form or delay page.
// They are never interchangeable with click tokens.
const scopeContinue = "continue"

// Issue creates a signed click token bound to one link, valid for the
// configured TTL from now.
func (s *Signer) Issue(linkID string) (string, error) {
	return s.issue(linkID, "")
}

// IssueContinuation creates the token a capture form or delay page
// hands the visitor so the follow-up request can prove it continues an
// already-evaluated click rather than starting a fresh one.
func (s *Signer) IssueContinuation(linkID string) (string, error) {
	return s.issue(linkID, scopeContinue)
}

func (s *Signer) issue(linkID, scope string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		LinkID: linkID,
		Scope:  scope,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	})
	return token.SignedString(s.secret)
}

// Verify checks a click token's signature, expiry and link binding.
func (s *Signer) Verify(tokenString, linkID string) error {
	return s.verify(tokenString, linkID, "")
}

// VerifyContinuation checks a continuation token. A click token never
// passes here and a continuation token never passes Verify.
func (s *Signer) VerifyContinuation(tokenString, linkID string) error {
	return s.verify(tokenString, linkID, scopeContinue)
}

func (s *Signer) verify(tokenString, linkID, scope string) error {
	token, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return ErrInvalid
	}

	c, ok := token.Claims.(*claims)
	if !ok || c.LinkID != linkID || c.Scope != scope {
		return ErrInvalid
	}
	return nil
}
