// start_handler_test.go

// unit tests for StartLogin.
package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/temto-app/auth/internal/oauth"
	"github.com/temto-app/auth/internal/pkce"
)

func startRequest(provider, query string) *http.Request {
	target := "/api/auth/login/" + provider
	if query != "" {
		target += "?" + query
	}
	return withProvider(httptest.NewRequest(http.MethodGet, target, nil), provider)
}

func TestStartLogin(t *testing.T) {
	providers := oauth.Defaults(context.Background(), oauth.Options{
		Google:   oauth.Credentials{ClientID: "google-client", ClientSecret: "g-secret"},
		Facebook: oauth.Credentials{ClientID: "fb-app", ClientSecret: "fb-secret"},
		Apple:    oauth.Credentials{ClientID: "com.temto.web", ClientSecret: "a-secret"},
		X:        oauth.Credentials{ClientID: "x-client", ClientSecret: "x-secret"},
	})

	t.Run("every provider redirects with the fixed callback", func(t *testing.T) {
		for _, p := range providers {
			h, _, _ := newTestHandler(t, providers...)
			w := httptest.NewRecorder()

			h.StartLogin(w, startRequest(p.Name(), "plan=navigator"))

			if w.Code != http.StatusFound {
				t.Fatalf("%s: status: expected 302, got %d", p.Name(), w.Code)
			}
			loc, err := url.Parse(w.Header().Get("Location"))
			if err != nil {
				t.Fatalf("%s: parsing Location: %v", p.Name(), err)
			}
			q := loc.Query()
			if got, want := q.Get("redirect_uri"), testOrigin+"/api/auth/callback/"+p.Name(); got != want {
				t.Errorf("%s: redirect_uri: expected %q, got %q", p.Name(), want, got)
			}

			claims, err := h.States.Open(q.Get("state"), p.Name())
			if err != nil {
				t.Fatalf("%s: state does not open: %v", p.Name(), err)
			}
			if claims.ReturnQuery != "plan=navigator" {
				t.Errorf("%s: return query: expected plan=navigator, got %q", p.Name(), claims.ReturnQuery)
			}
		}
	})

	t.Run("x sets verifier cookie matching the challenge", func(t *testing.T) {
		h, _, _ := newTestHandler(t, providers...)
		w := httptest.NewRecorder()

		h.StartLogin(w, startRequest(oauth.X, ""))

		c := responseCookie(w, "x_oauth_verifier")
		if c == nil {
			t.Fatal("x_oauth_verifier cookie not set")
		}
		if !c.HttpOnly || !c.Secure || c.SameSite != http.SameSiteLaxMode || c.Path != "/" || c.MaxAge != VerifierMaxAge {
			t.Errorf("verifier cookie attributes: %+v", c)
		}
		loc, _ := url.Parse(w.Header().Get("Location"))
		q := loc.Query()
		if q.Get("code_challenge") != pkce.Challenge(c.Value) {
			t.Error("code_challenge does not match SHA-256 of the verifier cookie")
		}
		if q.Get("code_challenge_method") != "S256" {
			t.Errorf("code_challenge_method: expected S256, got %q", q.Get("code_challenge_method"))
		}
		claims, err := h.States.Open(q.Get("state"), oauth.X)
		if err != nil {
			t.Fatalf("state does not open: %v", err)
		}
		if claims.Challenge != q.Get("code_challenge") {
			t.Error("state is not bound to the challenge")
		}
	})

	t.Run("fresh verifier per attempt", func(t *testing.T) {
		h, _, _ := newTestHandler(t, providers...)
		w1, w2 := httptest.NewRecorder(), httptest.NewRecorder()

		h.StartLogin(w1, startRequest(oauth.X, ""))
		h.StartLogin(w2, startRequest(oauth.X, ""))

		if responseCookie(w1, "x_oauth_verifier").Value == responseCookie(w2, "x_oauth_verifier").Value {
			t.Error("two attempts reused the same verifier")
		}
	})

	t.Run("non-pkce providers set no cookie", func(t *testing.T) {
		h, _, _ := newTestHandler(t, providers...)
		w := httptest.NewRecorder()

		h.StartLogin(w, startRequest(oauth.Google, ""))

		if len(w.Result().Cookies()) != 0 {
			t.Errorf("expected no cookies, got %v", w.Result().Cookies())
		}
	})

	t.Run("return query is sanitized", func(t *testing.T) {
		h, _, _ := newTestHandler(t, providers...)
		w := httptest.NewRecorder()

		h.StartLogin(w, startRequest(oauth.Google, "plan=enterprise&error=spoofed&ref=nav"))

		loc, _ := url.Parse(w.Header().Get("Location"))
		claims, err := h.States.Open(loc.Query().Get("state"), oauth.Google)
		if err != nil {
			t.Fatalf("state does not open: %v", err)
		}
		if claims.ReturnQuery != "ref=nav" {
			t.Errorf("return query: expected ref=nav, got %q", claims.ReturnQuery)
		}
	})

	t.Run("unconfigured provider goes to landing page without cookie", func(t *testing.T) {
		unconfigured := oauth.Defaults(context.Background(), oauth.Options{})
		h, _, _ := newTestHandler(t, unconfigured...)
		w := httptest.NewRecorder()

		h.StartLogin(w, startRequest(oauth.X, "plan=scout"))

		assertRedirect(t, w, "https://twitter.com")
		if len(w.Result().Cookies()) != 0 {
			t.Errorf("expected no cookies, got %v", w.Result().Cookies())
		}
	})

	t.Run("no origin goes to landing page", func(t *testing.T) {
		h, _, _ := newTestHandler(t, providers...)
		h.PublicOrigin = ""
		r := startRequest(oauth.Google, "")
		r.Host = ""
		w := httptest.NewRecorder()

		h.StartLogin(w, r)

		assertRedirect(t, w, "https://accounts.google.com")
	})
}
