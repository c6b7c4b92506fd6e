// handler.go -- AuthHandler and the collaborators it consumes.
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/temto-app/auth/internal/metrics"
	"github.com/temto-app/auth/internal/oauth"
	"github.com/temto-app/auth/internal/state"
	"github.com/temto-app/auth/internal/store"
	"github.com/temto-app/auth/internal/tracing"
)

// Store defines database operations needed by auth handlers.
// Satisfied by *store.PostgresStore.
type Store interface {
	// FindOrCreateIdentity resolves (provider, subject) to a local user, creating one on first sign-in.
	FindOrCreateIdentity(ctx context.Context, in store.IdentityInput) (uuid.UUID, bool, error)

	// CreateSession inserts a new session row.
	CreateSession(ctx context.Context, sess store.Session) error

	// GetSessionByTokenHash fetches a non-expired session by token hash.
	// Returns pgx.ErrNoRows if not found or expired.
	GetSessionByTokenHash(ctx context.Context, tokenHash []byte) (*store.Session, error)

	// DeleteSession removes a single session row by token hash.
	DeleteSession(ctx context.Context, tokenHash []byte) error

	// WriteAuditLog appends an audit entry.
	WriteAuditLog(ctx context.Context, e store.AuditEntry) error

	// CheckHealth pings the database.
	CheckHealth(ctx context.Context) error
}

// SessionCache defines session cache operations needed by auth handlers.
// Satisfied by *store.RedisStore and store.NoopSessionCache.
type SessionCache interface {
	GetSession(ctx context.Context, tokenHash string) (*store.CachedSession, error)
	SetSession(ctx context.Context, tokenHash string, sess store.Session, ttl time.Duration) error
	DeleteSession(ctx context.Context, tokenHash string) error
	CheckHealth(ctx context.Context) error
}

// NonceGuard makes each state usable once.
// Satisfied by *store.RedisStore and *store.MemoryNonceGuard.
type NonceGuard interface {
	// ClaimNonce returns store.ErrNonceReplayed if nonce was already claimed.
	ClaimNonce(ctx context.Context, nonce string, ttl time.Duration) error
}

// DefaultExchangeTimeout bounds the token exchange when ExchangeTimeout is unset.
const DefaultExchangeTimeout = 10 * time.Second

// AuthHandler holds dependencies for all /api/auth/* handlers and middleware.
type AuthHandler struct {
	PS Store
	RS SessionCache

	Providers *oauth.Registry
	States    *state.Codec
	Nonces    NonceGuard
	Sessions  SessionIssuer
	Redirects *Resolver
	Cookies   CookieConfig

	// PublicOrigin is the scheme://host the browser sees. Empty derives it from the request.
	PublicOrigin    string
	ExchangeTimeout time.Duration

	Metrics *metrics.Metrics
	Tracer  trace.Tracer
}

func (h *AuthHandler) tracer() trace.Tracer {
	if h.Tracer != nil {
		return h.Tracer
	}
	return tracing.Tracer()
}

func (h *AuthHandler) exchangeTimeout() time.Duration {
	if h.ExchangeTimeout > 0 {
		return h.ExchangeTimeout
	}
	return DefaultExchangeTimeout
}

func (h *AuthHandler) resolver() *Resolver {
	if h.Redirects != nil {
		return h.Redirects
	}
	return NewResolver("")
}

// provider resolves the {provider} URL param, writing a 404 if it is unknown.
func (h *AuthHandler) provider(w http.ResponseWriter, r *http.Request) (oauth.Provider, bool) {
	name := chi.URLParam(r, "provider")
	p, ok := h.Providers.Get(name)
	if !ok {
		logInfo(r, "unknown oauth provider requested", "provider", name)
		NotFound(w, r, "unknown provider")
		return nil, false
	}
	return p, true
}

// origin returns PublicOrigin, or derives scheme://host from the request.
func (h *AuthHandler) origin(r *http.Request) string {
	if h.PublicOrigin != "" {
		return strings.TrimRight(h.PublicOrigin, "/")
	}
	if r.Host == "" {
		return ""
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		fwd = strings.ToLower(strings.TrimSpace(strings.Split(fwd, ",")[0]))
		if fwd == "http" || fwd == "https" {
			scheme = fwd
		}
	}
	return scheme + "://" + r.Host
}
