// middleware.go

// Session authentication middleware.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/temto-app/auth/internal/store"
)

// contextKey is unexported to prevent collisions with other packages using the same context.
type contextKey string

const (
	userIDKey    contextKey = "user_id"
	tokenHashKey contextKey = "token_hash"
	csrfTokenKey contextKey = "csrf_token"
	providerKey  contextKey = "provider"
	expiresAtKey contextKey = "expires_at"
)

// UserIDFromContext retrieves authenticated user's ID from context.
// Returns zero UUID and false if RequireAuth hasn't run.
func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(userIDKey).(uuid.UUID)
	return id, ok
}

// TokenHashFromContext retrieves session token hash from context.
// Returns nil and false if RequireAuth hasn't run.
func TokenHashFromContext(ctx context.Context) ([]byte, bool) {
	hash, ok := ctx.Value(tokenHashKey).([]byte)
	return hash, ok
}

// CSRFTokenFromContext retrieves session CSRF token from context.
// Returns nil and false if RequireAuth hasn't run.
func CSRFTokenFromContext(ctx context.Context) ([]byte, bool) {
	token, ok := ctx.Value(csrfTokenKey).([]byte)
	return token, ok
}

// ProviderFromContext returns the provider the session was issued through.
func ProviderFromContext(ctx context.Context) (string, bool) {
	p, ok := ctx.Value(providerKey).(string)
	return p, ok
}

// ExpiresAtFromContext returns the session's expiry.
func ExpiresAtFromContext(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(expiresAtKey).(time.Time)
	return t, ok
}

// errNoSession marks a lookup that found no live session; anything else is a store failure.
var errNoSession = errors.New("session not found")

// RequireAuth validates the session cookie, checking the cache then Postgres as fallback.
// Injects user_id, token_hash, csrf_token, provider and expires_at into context on success;
// returns 401 on failure.
func (h *AuthHandler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessCookie, err := r.Cookie(h.Cookies.SessionCookieName())
		if err != nil || sessCookie.Value == "" {
			logWarn(r, "require auth failed", "reason", "missing_session_cookie")
			Unauthorized(w, r, "unauthorized")
			return
		}
		decoded, err := base64.RawURLEncoding.DecodeString(sessCookie.Value)
		if err != nil {
			logWarn(r, "require auth failed", "reason", "invalid_cookie_encoding")
			Unauthorized(w, r, "unauthorized")
			return
		}
		tokenHash := sha256.Sum256(decoded)

		sess, err := h.lookupSession(r, tokenHash[:])
		if err != nil {
			if errors.Is(err, errNoSession) {
				logWarn(r, "require auth failed", "reason", "session_not_found")
			} else {
				logError(r, "require auth failed fetching session from db", "error", err)
			}
			Unauthorized(w, r, "unauthorized")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, sess.UserID)
		ctx = context.WithValue(ctx, tokenHashKey, tokenHash[:])
		ctx = context.WithValue(ctx, csrfTokenKey, sess.CSRFToken)
		ctx = context.WithValue(ctx, providerKey, sess.Provider)
		ctx = context.WithValue(ctx, expiresAtKey, sess.ExpiresAt)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// lookupSession reads the session from the cache, falling back to Postgres and
// repopulating the cache on a miss. Cache TTL expiry already handles stale keys.
func (h *AuthHandler) lookupSession(r *http.Request, tokenHash []byte) (*store.CachedSession, error) {
	ctx := r.Context()
	cacheKey := base64.RawURLEncoding.EncodeToString(tokenHash)

	sess, err := h.RS.GetSession(ctx, cacheKey)
	if err == nil {
		return sess, nil
	}
	if errors.Is(err, store.ErrCacheMiss) {
		logDebug(r, "session cache miss")
	} else {
		logError(r, "session cache lookup failed, falling back to postgres", "error", err)
	}

	pgSess, err := h.PS.GetSessionByTokenHash(ctx, tokenHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errNoSession
	}
	if err != nil {
		return nil, err
	}

	// Skip if TTL <= 0: SET with TTL=0 means no expiry, not immediate expiry.
	if ttl := time.Until(pgSess.ExpiresAt).Truncate(time.Second); ttl > 0 {
		if err := h.RS.SetSession(ctx, cacheKey, *pgSess, ttl); err != nil {
			logWarn(r, "failed to repopulate session cache", "error", err)
		}
	}
	return &store.CachedSession{
		UserID:    pgSess.UserID,
		CSRFToken: pgSess.CSRFToken,
		Provider:  pgSess.Provider,
		ExpiresAt: pgSess.ExpiresAt,
	}, nil
}
