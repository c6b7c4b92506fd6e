// flow.go -- the provider callback as an explicit state machine.
//
// Transitions are pure: the callback handler performs the I/O (opening the state,
// claiming the nonce, reading the verifier cookie, exchanging the code, issuing the
// session) and feeds each result to the next transition.
//
//	received -> validating -> exchanging -> session_established
//	    \            \             \
//	     +------------+-------------+--> failed(reason)
package auth

import (
	"errors"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/temto-app/auth/internal/oauth"
	"github.com/temto-app/auth/internal/pkce"
	"github.com/temto-app/auth/internal/state"
	"github.com/temto-app/auth/internal/store"
)

// Phase is where a callback is in the flow.
type Phase int

const (
	PhaseReceived Phase = iota
	PhaseValidating
	PhaseExchanging
	PhaseSessionEstablished
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseReceived:
		return "received"
	case PhaseValidating:
		return "validating"
	case PhaseExchanging:
		return "exchanging"
	case PhaseSessionEstablished:
		return "session_established"
	case PhaseFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether no further transition applies.
func (p Phase) Terminal() bool {
	return p == PhaseSessionEstablished || p == PhaseFailed
}

// Reason says why a flow failed. Also the metrics outcome label.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonProviderDenied    Reason = "provider_denied"
	ReasonMalformedCallback Reason = "malformed_callback"
	ReasonInvalidState      Reason = "invalid_state"
	ReasonVerifierMissing   Reason = "verifier_missing"
	ReasonExchangeFailed    Reason = "exchange_failed"
	ReasonSessionFailed     Reason = "session_failed"
)

// errorCodes are the ?error= values the signup page renders. provider_denied
// carries the provider's own code instead.
var errorCodes = map[Reason]string{
	ReasonMalformedCallback: "invalid_callback",
	ReasonInvalidState:      "invalid_state",
	ReasonVerifierMissing:   "session_expired",
	ReasonExchangeFailed:    "authentication_failed",
	ReasonSessionFailed:     "try_again",
}

// maxProviderErrorLen caps the provider's error code echoed back to the signup page.
const maxProviderErrorLen = 64

// Flow is one callback's progress. The zero value is not meaningful; start with Receive.
type Flow struct {
	Phase  Phase
	Reason Reason

	// ProviderError is the provider's ?error= value, set on provider_denied.
	ProviderError string

	Code     string
	RawState string

	// Set once validation passes.
	ReturnQuery string
	Verifier    string

	// Set once the exchange succeeds.
	Identity *oauth.Claims
}

// Outcome is the metrics/log label for a terminal flow.
func (f Flow) Outcome() string {
	if f.Phase == PhaseFailed {
		return string(f.Reason)
	}
	return f.Phase.String()
}

// truncateRunes cuts s to at most n bytes without splitting a rune.
// Invalid UTF-8 is dropped first.
func truncateRunes(s string, n int) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func (f Flow) fail(r Reason) Flow {
	f.Phase = PhaseFailed
	f.Reason = r
	return f
}

// Receive parses the callback query. A provider error fails the flow immediately;
// nothing else in the query is looked at.
func Receive(q url.Values) Flow {
	f := Flow{Phase: PhaseReceived}
	if q.Has("error") {
		e := q.Get("error")
		e = truncateRunes(e, maxProviderErrorLen)
		if e == "" {
			e = "access_denied"
		}
		f.ProviderError = e
		return f.fail(ReasonProviderDenied)
	}
	f.Code = q.Get("code")
	f.RawState = q.Get("state")
	return f
}

// ValidationInput carries everything Validate needs, already fetched by the caller.
type ValidationInput struct {
	// State and StateErr are the result of state.Codec.Open on Flow.RawState.
	State    *state.Claims
	StateErr error
	// NonceErr is the result of claiming State's nonce.
	NonceErr error

	PKCE bool
	// Verifier is the {provider}_oauth_verifier cookie value, "" if absent.
	Verifier string
}

// Validate moves a received flow to exchanging, or fails it.
// Checks run in order: code, state signature/expiry/provider, nonce, PKCE verifier.
func (f Flow) Validate(in ValidationInput) Flow {
	if f.Phase != PhaseReceived {
		return f
	}
	f.Phase = PhaseValidating

	if f.Code == "" {
		return f.fail(ReasonMalformedCallback)
	}
	if in.StateErr != nil || in.State == nil {
		return f.fail(ReasonInvalidState)
	}
	if in.NonceErr != nil {
		if errors.Is(in.NonceErr, store.ErrNonceReplayed) {
			return f.fail(ReasonInvalidState)
		}
		// Nonce store unreachable: cannot prove single use, fail closed.
		return f.fail(ReasonSessionFailed)
	}
	if in.PKCE {
		if in.Verifier == "" || !pkce.Matches(in.Verifier, in.State.Challenge) {
			return f.fail(ReasonVerifierMissing)
		}
		f.Verifier = in.Verifier
	}

	f.ReturnQuery = in.State.ReturnQuery
	f.Phase = PhaseExchanging
	return f
}

// Exchanged records the token exchange result. On success the flow stays in
// exchanging with Identity set, ready for SessionIssued.
func (f Flow) Exchanged(claims *oauth.Claims, err error) Flow {
	if f.Phase != PhaseExchanging || f.Identity != nil {
		return f
	}
	if err != nil || claims == nil || claims.Sub == "" {
		return f.fail(ReasonExchangeFailed)
	}
	f.Identity = claims
	return f
}

// ReadyForSession reports whether the exchange succeeded and a session should be issued.
func (f Flow) ReadyForSession() bool {
	return f.Phase == PhaseExchanging && f.Identity != nil
}

// SessionIssued records the session issuer's result.
func (f Flow) SessionIssued(err error) Flow {
	if !f.ReadyForSession() {
		return f
	}
	if err != nil {
		return f.fail(ReasonSessionFailed)
	}
	f.Phase = PhaseSessionEstablished
	return f
}

// Destination is the same-origin Location for a terminal flow.
// Failures after state validation keep the caller's return query so the signup
// page can restore its selection.
func (f Flow) Destination(res *Resolver) string {
	switch f.Phase {
	case PhaseSessionEstablished:
		return res.AfterLogin(f.ReturnQuery)
	case PhaseFailed:
		if f.Reason == ReasonProviderDenied {
			return res.SignupError(f.ProviderError, "")
		}
		keep := ""
		if f.Reason == ReasonExchangeFailed || f.Reason == ReasonSessionFailed {
			keep = f.ReturnQuery
		}
		return res.SignupError(errorCodes[f.Reason], keep)
	}
	// Not terminal: never redirect anywhere but the signup page.
	return res.Signup("")
}
