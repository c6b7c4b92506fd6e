// Package state seals the caller's return context into the OAuth state parameter.
//
// state.go -- HS256 envelope bound to a provider, an expiry, and (for PKCE providers)
// the verifier's challenge. The raw page query never leaves the server unsigned.
package state

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

// DefaultTTL matches the verifier cookie lifetime.
const DefaultTTL = 600 * time.Second

// MinSecretLen is the minimum AUTH_SECRET length accepted by NewCodec.
const MinSecretLen = 32

var (
	// ErrInvalid covers malformed tokens and bad signatures.
	ErrInvalid = errors.New("state: invalid")
	// ErrExpired is returned once exp has passed.
	ErrExpired = errors.New("state: expired")
	// ErrProviderMismatch is returned when a state issued for one provider reaches another's callback.
	ErrProviderMismatch = errors.New("state: provider mismatch")
)

// Claims is the JWT body carried through the provider round-trip.
type Claims struct {
	Provider    string `json:"prv"`
	ReturnQuery string `json:"ret,omitempty"`
	Challenge   string `json:"vch,omitempty"`
	jwt.RegisteredClaims
}

// Nonce returns the single-use identifier (jti).
func (c *Claims) Nonce() string { return c.ID }

// Codec signs and verifies state envelopes. Safe for concurrent use.
type Codec struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewCodec derives the HS256 key from secret with HKDF-SHA256.
// Returns an error if secret is shorter than MinSecretLen.
func NewCodec(secret []byte, ttl time.Duration) (*Codec, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("state: secret must be at least %d bytes", MinSecretLen)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte("temto oauth state v1")), key); err != nil {
		return nil, fmt.Errorf("state: deriving key: %w", err)
	}
	return &Codec{key: key, ttl: ttl, now: time.Now}, nil
}

// TTL returns the lifetime applied to sealed states.
func (c *Codec) TTL() time.Duration { return c.ttl }

// Seal returns a signed state for provider carrying returnQuery and the optional PKCE challenge.
func (c *Codec) Seal(provider, returnQuery, challenge string) (string, error) {
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("state: generating nonce: %w", err)
	}
	now := c.now()
	claims := Claims{
		Provider:    provider,
		ReturnQuery: returnQuery,
		Challenge:   challenge,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        base64.RawURLEncoding.EncodeToString(nonce[:]),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("state: signing: %w", err)
	}
	return signed, nil
}

// Open verifies raw and checks it was issued for provider.
func (c *Codec) Open(raw, provider string) (*Claims, error) {
	if raw == "" {
		return nil, ErrInvalid
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return c.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if claims.ID == "" {
		return nil, ErrInvalid
	}
	if claims.Provider != provider {
		return nil, ErrProviderMismatch
	}
	return &claims, nil
}

// Remaining returns how long claims stay valid, never negative.
func (c *Codec) Remaining(claims *Claims) time.Duration {
	if claims.ExpiresAt == nil {
		return 0
	}
	return max(0, claims.ExpiresAt.Time.Sub(c.now()))
}
