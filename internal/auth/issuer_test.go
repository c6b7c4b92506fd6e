// issuer_test.go

// unit tests for StoreIssuer and clientIP.
package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/temto-app/auth/internal/oauth"
	"github.com/temto-app/auth/internal/store"
	"github.com/temto-app/auth/internal/testutil"
)

func TestStoreIssuer(t *testing.T) {
	claims := &oauth.Claims{Sub: "10769150350006150715113082367", Email: "ada@example.com", EmailVerified: true}

	newIssuer := func() (*StoreIssuer, *testutil.MockStore, *testutil.MockCache) {
		ms, mc := testutil.NewMockStore(), testutil.NewMockCache()
		return &StoreIssuer{PS: ms, RS: mc, Cookies: CookieConfig{Secure: true}, TTL: 2 * time.Hour}, ms, mc
	}
	request := func() *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/api/auth/callback/google", nil)
		r.RemoteAddr = "203.0.113.9:51234"
		r.Header.Set("User-Agent", "test-agent")
		return r
	}

	t.Run("first sign-in creates a user and a session", func(t *testing.T) {
		iss, ms, mc := newIssuer()
		w := httptest.NewRecorder()

		got, err := iss.Issue(w, request(), oauth.Google, claims)
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		if !got.NewUser {
			t.Error("expected NewUser on first sign-in")
		}
		if d := time.Until(got.ExpiresAt); d < time.Hour || d > 2*time.Hour {
			t.Errorf("ExpiresAt: expected ~2h out, got %s", d)
		}
		assertSessionCookie(t, w)

		// The cookie's token must hash to the stored session.
		raw, _ := base64.RawURLEncoding.DecodeString(responseCookie(w, hostSessionCookie).Value)
		hash := sha256.Sum256(raw)
		sess, ok := ms.Sessions[string(hash[:])]
		if !ok {
			t.Fatal("no session stored under the cookie's token hash")
		}
		if sess.UserID != got.UserID || sess.Provider != oauth.Google || len(sess.CSRFToken) != 32 {
			t.Errorf("unexpected session %+v", sess)
		}
		if sess.IPAddress == nil || *sess.IPAddress != "203.0.113.9" {
			t.Errorf("IPAddress: expected 203.0.113.9, got %v", sess.IPAddress)
		}
		if sess.UserAgent == nil || *sess.UserAgent != "test-agent" {
			t.Errorf("UserAgent: expected test-agent, got %v", sess.UserAgent)
		}
		if sess.ID.Version() != 7 {
			t.Errorf("session id: expected UUIDv7, got v%d", sess.ID.Version())
		}
		if _, ok := mc.Sessions[base64.RawURLEncoding.EncodeToString(hash[:])]; !ok {
			t.Error("session not cached")
		}
		if acts := ms.AuditActions(); len(acts) != 1 || acts[0] != store.AuditSignUp {
			t.Errorf("audit: expected [%s], got %v", store.AuditSignUp, acts)
		}
	})

	t.Run("same subject on another provider is a different user", func(t *testing.T) {
		iss, _, _ := newIssuer()
		a, err := iss.Issue(httptest.NewRecorder(), request(), oauth.Google, claims)
		if err != nil {
			t.Fatalf("Issue google: %v", err)
		}
		b, err := iss.Issue(httptest.NewRecorder(), request(), oauth.Apple, claims)
		if err != nil {
			t.Fatalf("Issue apple: %v", err)
		}
		if a.UserID == b.UserID {
			t.Error("identities from different providers must not be linked, even with the same email")
		}
		if !b.NewUser {
			t.Error("expected NewUser for the second provider")
		}
	})

	t.Run("cache failure is non-fatal", func(t *testing.T) {
		iss, ms, mc := newIssuer()
		mc.SetSessionErr = errors.New("redis unavailable")
		w := httptest.NewRecorder()

		if _, err := iss.Issue(w, request(), oauth.Google, claims); err != nil {
			t.Fatalf("Issue: %v", err)
		}
		if ms.SessionCount() != 1 {
			t.Error("session should still be stored")
		}
		assertSessionCookie(t, w)
	})

	t.Run("audit failure is non-fatal", func(t *testing.T) {
		iss, ms, _ := newIssuer()
		ms.AuditErr = errors.New("audit table locked")

		if _, err := iss.Issue(httptest.NewRecorder(), request(), oauth.Google, claims); err != nil {
			t.Fatalf("Issue: %v", err)
		}
	})

	t.Run("store failures write nothing to the response", func(t *testing.T) {
		for name, set := range map[string]func(*testutil.MockStore){
			"identity": func(ms *testutil.MockStore) { ms.FindOrCreateErr = errors.New("db down") },
			"session":  func(ms *testutil.MockStore) { ms.CreateSessionErr = errors.New("db down") },
		} {
			iss, ms, _ := newIssuer()
			set(ms)
			w := httptest.NewRecorder()

			if _, err := iss.Issue(w, request(), oauth.Google, claims); err == nil {
				t.Errorf("%s: expected error", name)
			}
			if len(w.Result().Cookies()) != 0 {
				t.Errorf("%s: cookies set on failure: %v", name, w.Result().Cookies())
			}
		}
	})

	t.Run("zero TTL uses the default", func(t *testing.T) {
		iss, _, _ := newIssuer()
		iss.TTL = 0

		got, err := iss.Issue(httptest.NewRecorder(), request(), oauth.Google, claims)
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		if d := time.Until(got.ExpiresAt); d < DefaultSessionTTL-time.Minute {
			t.Errorf("ExpiresAt: expected ~%s out, got %s", DefaultSessionTTL, d)
		}
	})
}

func TestClientIP(t *testing.T) {
	for addr, want := range map[string]string{
		"203.0.113.9:443":    "203.0.113.9",
		"203.0.113.9":        "203.0.113.9",
		"[2001:db8::1]:8080": "2001:db8::1",
		"not-an-ip":          "",
		"":                   "",
	} {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = addr
		if got := clientIP(r); got != want {
			t.Errorf("clientIP(%q): expected %q, got %q", addr, want, got)
		}
	}
}
