// registry.go -- the static provider table (google, facebook, apple, x).
//
// Adding a provider: add a Settings literal + Identifier here and a case in Defaults.
package oauth

import (
	"context"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// Well-known provider endpoints.
const (
	googleIssuer  = "https://accounts.google.com"
	googleJWKS    = "https://www.googleapis.com/oauth2/v3/certs"
	appleIssuer   = "https://appleid.apple.com"
	appleJWKS     = "https://appleid.apple.com/auth/keys"
	facebookMeURL = "https://graph.facebook.com/v18.0/me?fields=id,name,email,picture"
	xMeURL        = "https://api.twitter.com/2/users/me?user.fields=profile_image_url"
)

// GoogleSettings returns the Google table row.
func GoogleSettings(clientID, clientSecret string) Settings {
	return Settings{
		Name:         Google,
		DisplayName:  "Google",
		AuthURL:      "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:     "https://oauth2.googleapis.com/token",
		LandingURL:   "https://accounts.google.com",
		Scopes:       []string{"openid", "email", "profile"},
		AuthStyle:    oauth2.AuthStyleInParams,
		ClientID:     clientID,
		ClientSecret: clientSecret,
	}
}

// FacebookSettings returns the Facebook table row. Facebook's scope list is
// comma-separated, so it is a single scope string.
func FacebookSettings(appID, appSecret string) Settings {
	return Settings{
		Name:         Facebook,
		DisplayName:  "Facebook",
		AuthURL:      "https://www.facebook.com/v18.0/dialog/oauth",
		TokenURL:     "https://graph.facebook.com/v18.0/oauth/access_token",
		LandingURL:   "https://www.facebook.com",
		Scopes:       []string{"email,public_profile"},
		AuthStyle:    oauth2.AuthStyleInParams,
		ClientID:     appID,
		ClientSecret: appSecret,
	}
}

// AppleSettings returns the Apple table row.
func AppleSettings(clientID, clientSecret string) Settings {
	return Settings{
		Name:         Apple,
		DisplayName:  "Apple",
		AuthURL:      "https://appleid.apple.com/auth/authorize",
		TokenURL:     "https://appleid.apple.com/auth/token",
		LandingURL:   "https://appleid.apple.com",
		Scopes:       []string{"name", "email"},
		AuthParams:   map[string]string{"response_mode": "query"},
		AuthStyle:    oauth2.AuthStyleInParams,
		ClientID:     clientID,
		ClientSecret: clientSecret,
	}
}

// XSettings returns the X (Twitter) table row. Confidential clients authenticate with Basic.
func XSettings(clientID, clientSecret string) Settings {
	return Settings{
		Name:         X,
		DisplayName:  "X",
		AuthURL:      "https://twitter.com/i/oauth2/authorize",
		TokenURL:     "https://api.twitter.com/2/oauth2/token",
		LandingURL:   "https://twitter.com",
		Scopes:       []string{"tweet.read", "users.read", "offline.access"},
		AuthStyle:    oauth2.AuthStyleInHeader,
		PKCE:         true,
		ClientID:     clientID,
		ClientSecret: clientSecret,
	}
}

// Credentials is a client id/secret pair.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// Options configures Defaults.
type Options struct {
	Google   Credentials
	Facebook Credentials
	Apple    Credentials
	X        Credentials

	// AppleKey, when set, mints Apple's client secret and overrides Apple.ClientSecret.
	AppleKey *AppleKey

	HTTPClient *http.Client
	Retry      RetryPolicy
}

// Defaults builds the four providers in display order. ctx scopes JWKS fetches
// for the id_token verifiers and should live as long as the server.
func Defaults(ctx context.Context, o Options) []Provider {
	var common []Option
	if o.Retry != (RetryPolicy{}) {
		common = append(common, WithRetryPolicy(o.Retry))
	}
	if o.HTTPClient != nil {
		common = append(common, WithHTTPClient(o.HTTPClient))
		ctx = oidc.ClientContext(ctx, o.HTTPClient)
	}

	appleOpts := common
	if o.AppleKey != nil {
		appleOpts = append(append([]Option{}, common...), WithSecretFunc(o.AppleKey.SecretFunc(o.Apple.ClientID)))
	}

	return []Provider{
		NewOAuth2Provider(GoogleSettings(o.Google.ClientID, o.Google.ClientSecret),
			NewIDTokenIdentifier(ctx, googleIssuer, googleJWKS, o.Google.ClientID), common...),
		NewOAuth2Provider(FacebookSettings(o.Facebook.ClientID, o.Facebook.ClientSecret),
			FacebookIdentifier(facebookMeURL), common...),
		NewOAuth2Provider(AppleSettings(o.Apple.ClientID, o.Apple.ClientSecret),
			NewIDTokenIdentifier(ctx, appleIssuer, appleJWKS, o.Apple.ClientID), appleOpts...),
		NewOAuth2Provider(XSettings(o.X.ClientID, o.X.ClientSecret),
			XIdentifier(xMeURL), common...),
	}
}

// Registry looks providers up by name and keeps their display order.
type Registry struct {
	order  []Provider
	byName map[string]Provider
}

// NewRegistry indexes providers. Later duplicates replace earlier ones.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{byName: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		if _, dup := r.byName[p.Name()]; !dup {
			r.order = append(r.order, p)
		} else {
			for i, existing := range r.order {
				if existing.Name() == p.Name() {
					r.order[i] = p
				}
			}
		}
		r.byName[p.Name()] = p
	}
	return r
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// All returns providers in registration order.
func (r *Registry) All() []Provider {
	return append([]Provider(nil), r.order...)
}
