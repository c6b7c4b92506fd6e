// session_handler.go -- GET /api/auth/session and POST /api/auth/logout.
package auth

import (
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/temto-app/auth/internal/store"
)

type sessionResponse struct {
	UserID    string    `json:"user_id"`
	Provider  string    `json:"provider"`
	CSRFToken string    `json:"csrf_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// GetSession returns the caller's session. Requires RequireAuth.
// csrf_token is what the client sends back in X-CSRF-Token.
func (h *AuthHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		Unauthorized(w, r, "unauthorized")
		return
	}
	csrfToken, _ := CSRFTokenFromContext(r.Context())
	provider, _ := ProviderFromContext(r.Context())
	expiresAt, _ := ExpiresAtFromContext(r.Context())

	writeJSON(w, http.StatusOK, sessionResponse{
		UserID:    userID.String(),
		Provider:  provider,
		CSRFToken: base64.RawURLEncoding.EncodeToString(csrfToken),
		ExpiresAt: expiresAt.UTC(),
	})
}

// Logout deletes the caller's session from the cache and Postgres and clears the
// cookie. Requires RequireAuth and CSRFMiddleware.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("user id missing from context"))
		return
	}
	tokenHash, ok := TokenHashFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("token hash missing from context"))
		return
	}
	provider, _ := ProviderFromContext(r.Context())

	// Redis failure is non-fatal, the cached entry expires with its TTL.
	if err := h.RS.DeleteSession(r.Context(), base64.RawURLEncoding.EncodeToString(tokenHash)); err != nil {
		logWarn(r, "failed to delete cached session", "error", err)
	}
	if err := h.PS.DeleteSession(r.Context(), tokenHash); err != nil {
		InternalServerError(w, r, err)
		return
	}
	h.Cookies.ClearSessionCookie(w)

	writeAudit(r.Context(), r, h.PS, store.AuditEntry{
		UserID:   &userID,
		Action:   store.AuditLogout,
		Provider: provider,
	})
	logInfo(r, "user logged out", "user_id", userID)
	OK(w, "logged out")
}
