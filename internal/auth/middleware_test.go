// middleware_test.go

// unit tests for RequireAuth middleware.
package auth

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/temto-app/auth/internal/store"
	"github.com/temto-app/auth/internal/testutil"
)

// contextCapture records context values injected by RequireAuth for downstream assertion.
type contextCapture struct {
	called      bool
	userID      uuid.UUID
	userIDOK    bool
	tokenHash   []byte
	tokenHashOK bool
	csrfToken   []byte
	csrfTokenOK bool
	provider    string
}

// capturingHandler records context values then responds 200.
func capturingHandler(cap *contextCapture) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cap.called = true
		cap.userID, cap.userIDOK = UserIDFromContext(r.Context())
		cap.tokenHash, cap.tokenHashOK = TokenHashFromContext(r.Context())
		cap.csrfToken, cap.csrfTokenOK = CSRFTokenFromContext(r.Context())
		cap.provider, _ = ProviderFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

// sessionFixture returns deterministic session material for RequireAuth tests.
//   - cookie: base64-encoded raw token (for the __Host-session cookie value)
//   - wantHash: SHA-256(token) as bytes (what should appear in context)
//   - cacheKey: base64-encoded wantHash (cache lookup key used by middleware)
func sessionFixture() (cookie string, wantHash []byte, cacheKey string) {
	var token [32]byte
	for i := range token {
		token[i] = byte(i + 1)
	}
	h := sha256.Sum256(token[:])
	wantHash = h[:]
	cacheKey = base64.RawURLEncoding.EncodeToString(wantHash)
	cookie = base64.RawURLEncoding.EncodeToString(token[:])
	return
}

// addSessionCookie adds __Host-session cookie to request.
func addSessionCookie(r *http.Request, value string) {
	r.AddCookie(&http.Cookie{Name: hostSessionCookie, Value: value})
}

func authHandler(ps Store, rs SessionCache) *AuthHandler {
	return &AuthHandler{PS: ps, RS: rs, Cookies: CookieConfig{Secure: true}}
}

// --- RequireAuth ---

func TestRequireAuth(t *testing.T) {
	rejects := []struct {
		name   string
		cookie *string
	}{
		{"missing cookie returns Unauthorized", nil},
		{"empty cookie value returns Unauthorized", new(string)},
		{"invalid base64 cookie returns Unauthorized", func() *string { s := "not!!valid!!base64!!"; return &s }()},
	}
	for _, tt := range rejects {
		t.Run(tt.name, func(t *testing.T) {
			h := authHandler(testutil.NewMockStore(), testutil.NewMockCache())
			cap := &contextCapture{}
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.cookie != nil {
				addSessionCookie(r, *tt.cookie)
			}

			h.RequireAuth(capturingHandler(cap)).ServeHTTP(w, r)

			assertUnauthorized(t, w, "unauthorized")
			if cap.called {
				t.Error("next handler should not have been called")
			}
		})
	}

	t.Run("dev cookie name is ignored when cookies are Secure", func(t *testing.T) {
		cookie, _, cacheKey := sessionFixture()
		mc := testutil.NewMockCache()
		mc.Sessions[cacheKey] = &store.CachedSession{UserID: uuid.Must(uuid.NewV7()), ExpiresAt: time.Now().Add(time.Hour)}
		h := authHandler(testutil.NewMockStore(), mc)
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.AddCookie(&http.Cookie{Name: devSessionCookie, Value: cookie})

		h.RequireAuth(capturingHandler(&contextCapture{})).ServeHTTP(w, r)

		assertUnauthorized(t, w, "unauthorized")
	})

	t.Run("cache hit calls next with userID, tokenHash, csrfToken and provider in context", func(t *testing.T) {
		cookie, wantHash, cacheKey := sessionFixture()
		wantUserID := uuid.Must(uuid.NewV7())
		wantCSRF := []byte("csrf-token-value")

		mc := &testutil.MockCache{
			Sessions: map[string]*store.CachedSession{
				cacheKey: {
					UserID:    wantUserID,
					CSRFToken: wantCSRF,
					Provider:  "google",
					ExpiresAt: time.Now().Add(time.Hour),
				},
			},
		}
		h := authHandler(testutil.NewMockStore(), mc)
		cap := &contextCapture{}
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		addSessionCookie(r, cookie)

		h.RequireAuth(capturingHandler(cap)).ServeHTTP(w, r)

		if w.Code != http.StatusOK {
			t.Errorf("status: expected 200, got %d", w.Code)
		}
		if !cap.called {
			t.Fatal("next handler was not called")
		}
		if !cap.userIDOK || cap.userID != wantUserID {
			t.Errorf("userID: expected %v, got %v (ok=%v)", wantUserID, cap.userID, cap.userIDOK)
		}
		if !cap.tokenHashOK || !bytes.Equal(cap.tokenHash, wantHash) {
			t.Errorf("tokenHash: expected %x, got %x (ok=%v)", wantHash, cap.tokenHash, cap.tokenHashOK)
		}
		if !cap.csrfTokenOK || !bytes.Equal(cap.csrfToken, wantCSRF) {
			t.Errorf("csrfToken: expected %x, got %x (ok=%v)", wantCSRF, cap.csrfToken, cap.csrfTokenOK)
		}
		if cap.provider != "google" {
			t.Errorf("provider: expected google, got %q", cap.provider)
		}
	})

	t.Run("cache miss Postgres hit calls next and repopulates cache", func(t *testing.T) {
		cookie, wantHash, cacheKey := sessionFixture()
		wantUserID := uuid.Must(uuid.NewV7())
		wantCSRF := []byte("csrf-token-value")

		mc := testutil.NewMockCache() // empty, forces a miss
		ms := &testutil.MockStore{
			Sessions: map[string]*store.Session{
				string(wantHash): {
					ID:        uuid.Must(uuid.NewV7()),
					UserID:    wantUserID,
					TokenHash: wantHash,
					CSRFToken: wantCSRF,
					Provider:  "apple",
					ExpiresAt: time.Now().Add(time.Hour),
				},
			},
		}
		h := authHandler(ms, mc)
		cap := &contextCapture{}
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		addSessionCookie(r, cookie)

		h.RequireAuth(capturingHandler(cap)).ServeHTTP(w, r)

		if w.Code != http.StatusOK {
			t.Errorf("status: expected 200, got %d", w.Code)
		}
		if !cap.called {
			t.Fatal("next handler was not called")
		}
		if !cap.userIDOK || cap.userID != wantUserID {
			t.Errorf("userID: expected %v, got %v (ok=%v)", wantUserID, cap.userID, cap.userIDOK)
		}
		if !cap.csrfTokenOK || !bytes.Equal(cap.csrfToken, wantCSRF) {
			t.Errorf("csrfToken: expected %x, got %x (ok=%v)", wantCSRF, cap.csrfToken, cap.csrfTokenOK)
		}
		if cap.provider != "apple" {
			t.Errorf("provider: expected apple, got %q", cap.provider)
		}
		cached, ok := mc.Sessions[cacheKey]
		if !ok {
			t.Fatal("expected cache to be repopulated after Postgres fallback")
		}
		if cached.Provider != "apple" {
			t.Errorf("cached provider: expected apple, got %q", cached.Provider)
		}
	})

	t.Run("cache failure falls back to Postgres", func(t *testing.T) {
		cookie, wantHash, _ := sessionFixture()
		wantUserID := uuid.Must(uuid.NewV7())
		mc := &testutil.MockCache{GetSessionErr: errors.New("redis: connection pool timeout")}
		ms := &testutil.MockStore{
			Sessions: map[string]*store.Session{
				string(wantHash): {UserID: wantUserID, TokenHash: wantHash, ExpiresAt: time.Now().Add(time.Hour)},
			},
		}
		h := authHandler(ms, mc)
		cap := &contextCapture{}
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		addSessionCookie(r, cookie)

		h.RequireAuth(capturingHandler(cap)).ServeHTTP(w, r)

		if !cap.called || cap.userID != wantUserID {
			t.Errorf("expected next to run for %v, called=%v user=%v", wantUserID, cap.called, cap.userID)
		}
	})

	t.Run("expired Postgres session returns Unauthorized", func(t *testing.T) {
		cookie, wantHash, _ := sessionFixture()
		ms := &testutil.MockStore{
			Sessions: map[string]*store.Session{
				string(wantHash): {UserID: uuid.Must(uuid.NewV7()), TokenHash: wantHash, ExpiresAt: time.Now().Add(-time.Minute)},
			},
		}
		h := authHandler(ms, testutil.NewMockCache())
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		addSessionCookie(r, cookie)

		h.RequireAuth(capturingHandler(&contextCapture{})).ServeHTTP(w, r)

		assertUnauthorized(t, w, "unauthorized")
	})

	t.Run("cache miss Postgres ErrNoRows returns Unauthorized", func(t *testing.T) {
		cookie, _, _ := sessionFixture()
		h := authHandler(&testutil.MockStore{GetSessionErr: pgx.ErrNoRows}, testutil.NewMockCache())
		cap := &contextCapture{}
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		addSessionCookie(r, cookie)

		h.RequireAuth(capturingHandler(cap)).ServeHTTP(w, r)

		assertUnauthorized(t, w, "unauthorized")
		if cap.called {
			t.Error("next handler should not have been called")
		}
	})

	t.Run("cache miss Postgres error returns Unauthorized", func(t *testing.T) {
		cookie, _, _ := sessionFixture()
		h := authHandler(&testutil.MockStore{GetSessionErr: errors.New("database connection failed")}, testutil.NewMockCache())
		cap := &contextCapture{}
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		addSessionCookie(r, cookie)

		h.RequireAuth(capturingHandler(cap)).ServeHTTP(w, r)

		assertUnauthorized(t, w, "unauthorized")
		if cap.called {
			t.Error("next handler should not have been called")
		}
	})

	t.Run("cache repopulate failure is non-fatal", func(t *testing.T) {
		cookie, wantHash, _ := sessionFixture()
		wantUserID := uuid.Must(uuid.NewV7())

		// Cache miss + SetSession fails, but Postgres succeeds: request should still pass.
		mc := &testutil.MockCache{SetSessionErr: errors.New("redis unavailable")}
		ms := &testutil.MockStore{
			Sessions: map[string]*store.Session{
				string(wantHash): {
					ID:        uuid.Must(uuid.NewV7()),
					UserID:    wantUserID,
					TokenHash: wantHash,
					ExpiresAt: time.Now().Add(time.Hour),
				},
			},
		}
		h := authHandler(ms, mc)
		cap := &contextCapture{}
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		addSessionCookie(r, cookie)

		h.RequireAuth(capturingHandler(cap)).ServeHTTP(w, r)

		if w.Code != http.StatusOK {
			t.Errorf("status: expected 200, got %d", w.Code)
		}
		if !cap.called || cap.userID != wantUserID {
			t.Errorf("expected next to run for %v", wantUserID)
		}
	})
}
