// redirect.go -- same-origin redirect targets built from the caller's return query.
package auth

import (
	"net/url"
	"strings"
)

const (
	// SignupPath is where failures land and where the flow was started from.
	SignupPath = "/signup"
	// DefaultAfterLoginPath is the session-established landing page.
	DefaultAfterLoginPath = "/dashboard"

	// maxReturnQueryLen bounds what is sealed into the state.
	maxReturnQueryLen = 1024
)

// Plans the signup page offers. Other plan values are dropped from the return query.
var validPlans = map[string]bool{"scout": true, "navigator": true, "captain": true}

// reservedParams are set by the server on the signup page and never restored from state.
var reservedParams = []string{"error"}

// Resolver builds same-origin redirect targets.
type Resolver struct {
	signupPath     string
	afterLoginPath string
}

// NewResolver returns a Resolver landing successful sign-ins on afterLogin.
// An empty or non-local afterLogin falls back to DefaultAfterLoginPath.
func NewResolver(afterLogin string) *Resolver {
	if !IsLocalPath(afterLogin) {
		afterLogin = DefaultAfterLoginPath
	}
	return &Resolver{signupPath: SignupPath, afterLoginPath: afterLogin}
}

// IsLocalPath reports whether p is an absolute path on this origin: one leading
// slash, no scheme, no host, no backslash tricks.
func IsLocalPath(p string) bool {
	if p == "" || p[0] != '/' {
		return false
	}
	if len(p) > 1 && (p[1] == '/' || p[1] == '\\') {
		return false
	}
	if strings.ContainsAny(p, "\\\r\n\t") {
		return false
	}
	u, err := url.Parse(p)
	if err != nil {
		return false
	}
	return u.Scheme == "" && u.Host == "" && u.Opaque == "" && u.User == nil
}

// Resolve joins base with query after re-parsing and re-encoding the query, so its
// content only ever lands in the query component. Results that are not local
// paths collapse to base.
func (res *Resolver) Resolve(base, query string) string {
	if query == "" {
		return base
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return base
	}
	encoded := values.Encode()
	if encoded == "" {
		return base
	}
	target := base + "?" + encoded
	if !IsLocalPath(target) {
		return base
	}
	return target
}

// Signup returns /signup?{query}, or /signup when query is empty or unusable.
func (res *Resolver) Signup(query string) string {
	return res.Resolve(res.signupPath, query)
}

// SignupError returns the signup page with ?error=code added to query.
func (res *Resolver) SignupError(code, query string) string {
	values, err := url.ParseQuery(query)
	if err != nil {
		values = url.Values{}
	}
	values.Set("error", code)
	return res.Resolve(res.signupPath, values.Encode())
}

// AfterLogin returns the post-sign-in landing page with query restored.
func (res *Resolver) AfterLogin(query string) string {
	return res.Resolve(res.afterLoginPath, query)
}

// SanitizeReturnQuery normalizes the start request's query before it is sealed
// into the state: unknown plans and reserved params are dropped, and oversized
// or unparseable queries are discarded.
func SanitizeReturnQuery(raw string) string {
	if raw == "" || len(raw) > maxReturnQueryLen {
		return ""
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return ""
	}
	for _, k := range reservedParams {
		values.Del(k)
	}
	if values.Has("plan") {
		plan := strings.ToLower(values.Get("plan"))
		if validPlans[plan] {
			values.Set("plan", plan)
		} else {
			values.Del("plan")
		}
	}
	return values.Encode()
}
