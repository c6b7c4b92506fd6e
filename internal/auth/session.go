// session.go

// Session token generation and cookie management.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"
)

// Cookie names.
const (
	// hostSessionCookie requires Secure, Path=/ and no Domain.
	hostSessionCookie = "__Host-session"
	// devSessionCookie is used when COOKIE_SECURE=false (plain-HTTP local dev).
	devSessionCookie = "temto_session"

	verifierCookieSuffix = "_oauth_verifier"
)

// VerifierMaxAge is the verifier cookie lifetime in seconds. Matches the state TTL.
const VerifierMaxAge = 600

// CookieConfig controls cookie attributes. The zero value is insecure; main sets
// Secure from COOKIE_SECURE (default true).
type CookieConfig struct {
	Secure bool
}

// SessionCookieName is __Host-session, or temto_session when cookies are not Secure.
func (c CookieConfig) SessionCookieName() string {
	if c.Secure {
		return hostSessionCookie
	}
	return devSessionCookie
}

// VerifierCookieName returns {provider}_oauth_verifier.
func VerifierCookieName(provider string) string {
	return provider + verifierCookieSuffix
}

// GenerateToken returns 256-bit random session token and its SHA-256 hash.
// Token goes in the cookie; hash goes in storage.
func GenerateToken() (*[32]byte, *[32]byte, error) {
	var token [32]byte
	if _, err := rand.Read(token[:]); err != nil {
		return nil, nil, fmt.Errorf("generating token with rand: %w", err)
	}
	hash := sha256.Sum256(token[:])
	return &token, &hash, nil
}

// SetSessionCookie writes the session cookie with HttpOnly and SameSite=Lax.
func (c CookieConfig) SetSessionCookie(w http.ResponseWriter, rawToken [32]byte, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.SessionCookieName(),
		Value:    base64.RawURLEncoding.EncodeToString(rawToken[:]),
		Path:     "/",
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(time.Until(expiresAt).Seconds()),
	})
}

// ClearSessionCookie overwrites the session cookie with MaxAge=-1 to trigger browser deletion.
func (c CookieConfig) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.SessionCookieName(),
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// SetVerifierCookie stores the PKCE verifier for the round-trip to the provider.
// Lax lets it ride along on the provider's top-level GET redirect back to us.
func (c CookieConfig) SetVerifierCookie(w http.ResponseWriter, provider, verifier string) {
	http.SetCookie(w, &http.Cookie{
		Name:     VerifierCookieName(provider),
		Value:    verifier,
		Path:     "/",
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   VerifierMaxAge,
	})
}

// ClearVerifierCookie deletes the PKCE verifier cookie.
func (c CookieConfig) ClearVerifierCookie(w http.ResponseWriter, provider string) {
	http.SetCookie(w, &http.Cookie{
		Name:     VerifierCookieName(provider),
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}
