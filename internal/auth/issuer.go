// issuer.go -- turns verified provider claims into a local session.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/temto-app/auth/internal/oauth"
	"github.com/temto-app/auth/internal/store"
)

// DefaultSessionTTL is used when StoreIssuer.TTL is unset.
const DefaultSessionTTL = 24 * time.Hour

// IssuedSession describes a session the issuer just created.
type IssuedSession struct {
	UserID    uuid.UUID
	NewUser   bool
	ExpiresAt time.Time
}

// SessionIssuer establishes the application session once a provider identity is verified.
// Implementations set their own cookies on w; nothing may be written to w on error.
type SessionIssuer interface {
	Issue(w http.ResponseWriter, r *http.Request, provider string, claims *oauth.Claims) (*IssuedSession, error)
}

// StoreIssuer is the Postgres-backed SessionIssuer. The session row is the source
// of truth; the cache is best-effort.
type StoreIssuer struct {
	PS      Store
	RS      SessionCache
	Cookies CookieConfig
	TTL     time.Duration
}

// Issue resolves (provider, subject) to a user, creates a session, caches it, sets
// the session cookie and writes the sign-in audit entry.
func (s *StoreIssuer) Issue(w http.ResponseWriter, r *http.Request, provider string, claims *oauth.Claims) (*IssuedSession, error) {
	ctx := r.Context()
	userID, created, err := s.PS.FindOrCreateIdentity(ctx, store.IdentityInput{
		Provider:      provider,
		Subject:       claims.Sub,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		Name:          claims.Name,
		Picture:       claims.Picture,
	})
	if err != nil {
		return nil, fmt.Errorf("resolving identity: %w", err)
	}

	token, tokenHash, err := GenerateToken()
	if err != nil {
		return nil, err
	}
	csrfToken, err := GenerateCSRFToken()
	if err != nil {
		return nil, err
	}
	sessionID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating session id: %w", err)
	}

	ttl := s.TTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	expiresAt := time.Now().Add(ttl)
	ip := clientIP(r)
	ua := r.UserAgent()
	sess := store.Session{
		ID:        sessionID,
		UserID:    userID,
		TokenHash: tokenHash[:],
		CSRFToken: csrfToken[:],
		Provider:  provider,
		ExpiresAt: expiresAt,
		IPAddress: optional(ip),
		UserAgent: optional(ua),
	}
	if err := s.PS.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	if err := s.RS.SetSession(ctx, base64.RawURLEncoding.EncodeToString(tokenHash[:]), sess, ttl); err != nil {
		logWarn(r, "failed to cache session", "error", err)
	}

	s.Cookies.SetSessionCookie(w, *token, expiresAt)

	action := store.AuditSignIn
	if created {
		action = store.AuditSignUp
	}
	writeAudit(ctx, r, s.PS, store.AuditEntry{
		UserID:   &userID,
		Action:   action,
		Provider: provider,
		Metadata: auditMetadata(map[string]any{"session_id": sessionID.String()}),
	})

	return &IssuedSession{UserID: userID, NewUser: created, ExpiresAt: expiresAt}, nil
}

// writeAudit appends an audit entry, filling in the request's ip and user agent.
// Audit failures are logged and never fail the request.
func writeAudit(ctx context.Context, r *http.Request, ps Store, e store.AuditEntry) {
	if e.IPAddress == nil {
		e.IPAddress = optional(clientIP(r))
	}
	if e.UserAgent == nil {
		e.UserAgent = optional(r.UserAgent())
	}
	if err := ps.WriteAuditLog(ctx, e); err != nil {
		logWarn(r, "failed to write audit log", "action", e.Action, "error", err)
	}
}

func auditMetadata(m map[string]any) []byte {
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return b
}

// clientIP returns the host part of RemoteAddr (rewritten by RealIP only when
// proxy headers are trusted),
// or "" if it is not an IP address.
func clientIP(r *http.Request) string {
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if net.ParseIP(host) == nil {
		return ""
	}
	return host
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
