// start_handler.go -- GET /api/auth/login/{provider}.
package auth

import (
	"net/http"

	"github.com/temto-app/auth/internal/oauth"
	"github.com/temto-app/auth/internal/pkce"
)

// StartLogin redirects the browser to the provider's authorization endpoint.
// The request's own query (e.g. plan=navigator) is the return context sealed into state.
// An unconfigured provider, or no known origin, sends the browser to the provider's
// landing page without setting any cookie.
func (h *AuthHandler) StartLogin(w http.ResponseWriter, r *http.Request) {
	p, ok := h.provider(w, r)
	if !ok {
		return
	}
	origin := h.origin(r)
	if !p.Enabled() || origin == "" {
		logWarn(r, "oauth flow not started", "provider", p.Name(), "reason", "unconfigured")
		h.Metrics.FlowStarted(p.Name(), "unconfigured")
		Found(w, r, p.LandingURL())
		return
	}

	var verifier, challenge string
	if p.RequiresPKCE() {
		v, err := pkce.GenerateVerifier()
		if err != nil {
			h.Metrics.FlowStarted(p.Name(), "error")
			InternalServerError(w, r, err)
			return
		}
		verifier, challenge = v, pkce.Challenge(v)
	}

	ret := SanitizeReturnQuery(r.URL.RawQuery)
	st, err := h.States.Seal(p.Name(), ret, challenge)
	if err != nil {
		h.Metrics.FlowStarted(p.Name(), "error")
		InternalServerError(w, r, err)
		return
	}

	if verifier != "" {
		h.Cookies.SetVerifierCookie(w, p.Name(), verifier)
	}
	h.Metrics.FlowStarted(p.Name(), "redirected")
	logInfo(r, "oauth flow started", "provider", p.Name(), "pkce", p.RequiresPKCE())
	Found(w, r, oauth.AuthURL(p, origin, st, challenge))
}
