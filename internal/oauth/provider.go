// provider.go -- OAuth provider interface and shared types.
package oauth

import (
	"context"
	"errors"
	"strings"
)

// Provider names, also the {provider} URL segment and the identities.provider column.
const (
	Google   = "google"
	Facebook = "facebook"
	Apple    = "apple"
	X        = "x"
)

// CallbackPrefix is the fixed path every provider redirects back to.
const CallbackPrefix = "/api/auth/callback/"

// ErrNoSubject is returned when a provider answers without a stable user id.
var ErrNoSubject = errors.New("oauth: provider returned no subject")

// Claims holds the normalized identity returned by a provider after code exchange.
// Email is optional: X never returns one, Apple only on first consent.
type Claims struct {
	Sub           string // provider-specific stable user ID
	Email         string
	EmailVerified bool
	Name          string
	Picture       string // avatar URL
}

// Provider is one row of the strategy table: everything the start and callback
// handlers need to know about an identity provider.
type Provider interface {
	// Name returns the provider identifier used in URLs, cookies and the DB.
	Name() string

	// DisplayName is the human label shown on the signup page.
	DisplayName() string

	// RequiresPKCE reports whether the flow must carry an S256 code challenge.
	RequiresPKCE() bool

	// CallbackPath returns /api/auth/callback/{name}.
	CallbackPath() string

	// Enabled reports whether a client identifier is configured.
	Enabled() bool

	// LandingURL is the provider's public page, used when the flow cannot start.
	LandingURL() string

	// AuthCodeURL returns the authorization URL. state is passed verbatim;
	// challenge is ignored unless RequiresPKCE.
	AuthCodeURL(redirectURI, state, challenge string) string

	// Exchange trades the code for verified identity claims. Server-side only.
	// verifier must be the PKCE verifier for PKCE providers, empty otherwise.
	Exchange(ctx context.Context, code, redirectURI, verifier string) (*Claims, error)
}

// RedirectURI returns {origin}/api/auth/callback/{provider}.
func RedirectURI(origin string, p Provider) string {
	return strings.TrimRight(origin, "/") + p.CallbackPath()
}

// AuthURL builds the browser redirect for p. A missing client id or origin yields the
// provider's landing page instead of a half-formed authorization URL.
func AuthURL(p Provider, origin, state, challenge string) string {
	if !p.Enabled() || origin == "" {
		return p.LandingURL()
	}
	return p.AuthCodeURL(RedirectURI(origin, p), state, challenge)
}
