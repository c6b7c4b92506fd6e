// providers_handler.go -- GET /api/auth/providers.
package auth

import (
	"net/http"
	"path"
)

// LoginPrefix is where StartLogin is mounted.
const LoginPrefix = "/api/auth/login/"

type providerInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Enabled  bool   `json:"enabled"`
	PKCE     bool   `json:"pkce"`
	LoginURL string `json:"login_url"`
}

// ListProviders returns the provider table in display order so the signup page
// can render its buttons. login_url is relative; append the page's own query to it.
func (h *AuthHandler) ListProviders(w http.ResponseWriter, r *http.Request) {
	all := h.Providers.All()
	out := make([]providerInfo, 0, len(all))
	for _, p := range all {
		out = append(out, providerInfo{
			ID:       p.Name(),
			Name:     p.DisplayName(),
			Enabled:  p.Enabled(),
			PKCE:     p.RequiresPKCE(),
			LoginURL: path.Join(LoginPrefix, p.Name()),
		})
	}
	writeJSON(w, http.StatusOK, struct {
		Providers []providerInfo `json:"providers"`
	}{out})
}
