// callback_handler.go -- GET /api/auth/callback/{provider}.
package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/temto-app/auth/internal/oauth"
	"github.com/temto-app/auth/internal/store"
	"github.com/temto-app/auth/internal/tracing"
)

// Callback drives a Flow from the provider's redirect to a terminal phase and
// always answers with a same-origin 302. Provider bodies, codes, verifiers and
// secrets never reach the browser or the logs.
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	p, ok := h.provider(w, r)
	if !ok {
		return
	}
	ctx, span := h.tracer().Start(r.Context(), "oauth.callback",
		trace.WithAttributes(attribute.String("oauth.provider", p.Name())))
	defer span.End()
	r = r.WithContext(ctx)

	// Verifier is single-use whatever the outcome.
	var verifier string
	if p.RequiresPKCE() {
		if c, err := r.Cookie(VerifierCookieName(p.Name())); err == nil {
			verifier = c.Value
		}
		h.Cookies.ClearVerifierCookie(w, p.Name())
	}

	f := Receive(r.URL.Query())
	if f.Phase == PhaseReceived {
		f = f.Validate(h.validationInput(ctx, p, f, verifier))
	}

	if f.Phase == PhaseExchanging {
		claims, err := h.exchange(ctx, r, p, f)
		f = f.Exchanged(claims, err)
	}

	var issued *IssuedSession
	if f.ReadyForSession() {
		var err error
		issued, err = h.Sessions.Issue(w, r, p.Name(), f.Identity)
		if err != nil {
			logError(r, "session issuance failed", "provider", p.Name(), "error", err)
			tracing.Fail(span, err)
		}
		f = f.SessionIssued(err)
	}

	h.Metrics.CallbackFinished(p.Name(), f.Outcome())
	span.SetAttributes(attribute.String("oauth.outcome", f.Outcome()))

	if f.Phase == PhaseSessionEstablished {
		h.Metrics.SessionIssued(p.Name(), issued.NewUser)
		logInfo(r, "oauth sign-in succeeded", "provider", p.Name(),
			"user_id", issued.UserID, "new_user", issued.NewUser)
	} else {
		span.SetStatus(codes.Error, string(f.Reason))
		logWarn(r, "oauth callback failed", "provider", p.Name(), "reason", f.Reason, "phase", f.Phase.String())
		writeAudit(ctx, r, h.PS, store.AuditEntry{
			Action:   store.AuditSignInError,
			Provider: p.Name(),
			Metadata: auditMetadata(map[string]any{"reason": f.Reason}),
		})
	}

	Found(w, r, f.Destination(h.resolver()))
}

// validationInput opens the state and claims its nonce. The nonce is only
// claimed once the state is authentic, so forged states cannot burn nonces.
func (h *AuthHandler) validationInput(ctx context.Context, p oauth.Provider, f Flow, verifier string) ValidationInput {
	in := ValidationInput{PKCE: p.RequiresPKCE(), Verifier: verifier}
	if f.Code == "" {
		return in
	}
	in.State, in.StateErr = h.States.Open(f.RawState, p.Name())
	if in.StateErr != nil {
		return in
	}
	in.NonceErr = h.Nonces.ClaimNonce(ctx, in.State.Nonce(), h.States.Remaining(in.State))
	return in
}

// exchange runs the provider's code exchange under EXCHANGE_TIMEOUT.
func (h *AuthHandler) exchange(ctx context.Context, r *http.Request, p oauth.Provider, f Flow) (*oauth.Claims, error) {
	ctx, span := h.tracer().Start(ctx, "oauth.exchange",
		trace.WithAttributes(attribute.String("oauth.provider", p.Name())))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, h.exchangeTimeout())
	defer cancel()

	start := time.Now()
	claims, err := p.Exchange(ctx, f.Code, oauth.RedirectURI(h.origin(r), p), f.Verifier)
	h.Metrics.ExchangeObserved(p.Name(), time.Since(start), err)
	if err != nil {
		tracing.Fail(span, errors.New(exchangeErrorKind(err)))
		logWarn(r, "oauth code exchange failed", append([]any{"provider", p.Name()}, exchangeErrorAttrs(err)...)...)
	}
	return claims, err
}

// exchangeErrorKind classifies an exchange failure for spans.
func exchangeErrorKind(err error) string {
	var re *oauth2.RetrieveError
	switch {
	case errors.As(err, &re):
		return "token_endpoint_rejected"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, oauth.ErrNoSubject):
		return "no_subject"
	}
	return "exchange_error"
}

// exchangeErrorAttrs keeps the provider's response body out of the logs: a token
// endpoint rejection is reduced to its status and OAuth error code.
func exchangeErrorAttrs(err error) []any {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		return []any{"kind", exchangeErrorKind(err), "status", status, "error_code", re.ErrorCode}
	}
	return []any{"kind", exchangeErrorKind(err), "error", err}
}
