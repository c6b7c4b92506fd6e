// oauth2.go -- golang.org/x/oauth2 backed Provider shared by all four providers.
// Provider-specific behaviour is data (Settings) plus an Identifier.
package oauth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// Settings is the immutable per-provider configuration.
type Settings struct {
	Name        string
	DisplayName string
	AuthURL     string
	TokenURL    string
	LandingURL  string
	Scopes      []string
	// AuthParams are extra authorization query params (e.g. Apple's response_mode).
	AuthParams map[string]string
	// AuthStyle is pinned per provider. AutoDetect would retry with the other style
	// and spend a single-use code twice.
	AuthStyle oauth2.AuthStyle
	PKCE      bool

	ClientID     string
	ClientSecret string
}

// Identifier turns a token response into identity claims.
type Identifier interface {
	Identify(ctx context.Context, cfg *oauth2.Config, token *oauth2.Token) (*Claims, error)
}

// IdentifierFunc adapts a function to Identifier.
type IdentifierFunc func(ctx context.Context, cfg *oauth2.Config, token *oauth2.Token) (*Claims, error)

// Identify calls f.
func (f IdentifierFunc) Identify(ctx context.Context, cfg *oauth2.Config, token *oauth2.Token) (*Claims, error) {
	return f(ctx, cfg, token)
}

// SecretFunc returns the client secret used at exchange time (Apple mints a JWT per call).
type SecretFunc func() (string, error)

// OAuth2Provider implements Provider on top of oauth2.Config.
type OAuth2Provider struct {
	settings   Settings
	identifier Identifier
	secret     SecretFunc
	httpClient *http.Client
	retry      RetryPolicy
}

// Option customizes an OAuth2Provider.
type Option func(*OAuth2Provider)

// WithHTTPClient sets the client used for token and userinfo calls.
func WithHTTPClient(c *http.Client) Option {
	return func(p *OAuth2Provider) { p.httpClient = c }
}

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(rp RetryPolicy) Option {
	return func(p *OAuth2Provider) { p.retry = rp }
}

// WithSecretFunc computes the client secret per exchange instead of using Settings.ClientSecret.
func WithSecretFunc(fn SecretFunc) Option {
	return func(p *OAuth2Provider) { p.secret = fn }
}

// NewOAuth2Provider returns a Provider for s, resolving identity with id.
func NewOAuth2Provider(s Settings, id Identifier, opts ...Option) *OAuth2Provider {
	p := &OAuth2Provider{
		settings:   s,
		identifier: id,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		retry:      DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *OAuth2Provider) Name() string         { return p.settings.Name }
func (p *OAuth2Provider) DisplayName() string  { return p.settings.DisplayName }
func (p *OAuth2Provider) RequiresPKCE() bool   { return p.settings.PKCE }
func (p *OAuth2Provider) CallbackPath() string { return CallbackPrefix + p.settings.Name }
func (p *OAuth2Provider) Enabled() bool        { return p.settings.ClientID != "" }
func (p *OAuth2Provider) LandingURL() string   { return p.settings.LandingURL }

// config returns a fresh oauth2.Config; redirect URIs are per-origin so it is never shared.
func (p *OAuth2Provider) config(redirectURI, secret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.settings.ClientID,
		ClientSecret: secret,
		RedirectURL:  redirectURI,
		Scopes:       p.settings.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.settings.AuthURL,
			TokenURL:  p.settings.TokenURL,
			AuthStyle: p.settings.AuthStyle,
		},
	}
}

// AuthCodeURL builds the provider consent URL.
func (p *OAuth2Provider) AuthCodeURL(redirectURI, state, challenge string) string {
	var opts []oauth2.AuthCodeOption
	for k, v := range p.settings.AuthParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	if p.settings.PKCE {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", challenge),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		)
	}
	return p.config(redirectURI, "").AuthCodeURL(state, opts...)
}

// Exchange posts the code to the token endpoint (one retry on transient failure),
// then resolves the identity.
func (p *OAuth2Provider) Exchange(ctx context.Context, code, redirectURI, verifier string) (*Claims, error) {
	if p.settings.PKCE && verifier == "" {
		return nil, fmt.Errorf("%s: missing code verifier", p.settings.Name)
	}

	secret := p.settings.ClientSecret
	if p.secret != nil {
		var err error
		if secret, err = p.secret(); err != nil {
			return nil, fmt.Errorf("%s: client secret: %w", p.settings.Name, err)
		}
	}
	cfg := p.config(redirectURI, secret)

	var opts []oauth2.AuthCodeOption
	if p.settings.PKCE {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	token, err := exchangeWithRetry(ctx, p.retry, func(actx context.Context) (*oauth2.Token, error) {
		return cfg.Exchange(actx, code, opts...)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: exchanging code: %w", p.settings.Name, err)
	}

	claims, err := p.identifier.Identify(ctx, cfg, token)
	if err != nil {
		return nil, fmt.Errorf("%s: resolving identity: %w", p.settings.Name, err)
	}
	if claims == nil || claims.Sub == "" {
		return nil, fmt.Errorf("%s: %w", p.settings.Name, ErrNoSubject)
	}
	return claims, nil
}
