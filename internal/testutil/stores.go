// stores.go
//
// Shared mock implementations of auth.Store, auth.SessionCache and auth.NonceGuard.
// Imported by test files across packages to avoid duplicate mock definitions.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/temto-app/auth/internal/store"
)

// MockStore implements auth.Store for tests.
// Always stateful: identities and sessions are maps, like a real store.
// Use *Err fields to inject errors for specific operations.
type MockStore struct {
	// Error injection, zero value means no error
	FindOrCreateErr  error
	CreateSessionErr error
	GetSessionErr    error
	DeleteSessionErr error
	AuditErr         error
	HealthErr        error

	Identities map[string]uuid.UUID     // keyed by provider + "|" + subject
	Sessions   map[string]*store.Session // keyed by string(tokenHash)
	Audit      []store.AuditEntry

	mu sync.Mutex
}

// NewMockStore returns an empty MockStore ready for use.
func NewMockStore() *MockStore {
	return &MockStore{
		Identities: make(map[string]uuid.UUID),
		Sessions:   make(map[string]*store.Session),
	}
}

func (m *MockStore) FindOrCreateIdentity(_ context.Context, in store.IdentityInput) (uuid.UUID, bool, error) {
	if m.FindOrCreateErr != nil {
		return uuid.Nil, false, m.FindOrCreateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Identities == nil {
		m.Identities = make(map[string]uuid.UUID)
	}
	key := in.Provider + "|" + in.Subject
	if id, ok := m.Identities[key]; ok {
		return id, false, nil
	}
	id := uuid.Must(uuid.NewV7())
	m.Identities[key] = id
	return id, true, nil
}

func (m *MockStore) CreateSession(_ context.Context, sess store.Session) error {
	if m.CreateSessionErr != nil {
		return m.CreateSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Sessions == nil {
		m.Sessions = make(map[string]*store.Session)
	}
	m.Sessions[string(sess.TokenHash)] = &sess
	return nil
}

// GetSessionByTokenHash mirrors Postgres: expired or absent sessions are pgx.ErrNoRows.
func (m *MockStore) GetSessionByTokenHash(_ context.Context, tokenHash []byte) (*store.Session, error) {
	if m.GetSessionErr != nil {
		return nil, m.GetSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sessions[string(tokenHash)]
	if !ok || !s.ExpiresAt.After(time.Now()) {
		return nil, pgx.ErrNoRows
	}
	return s, nil
}

func (m *MockStore) DeleteSession(_ context.Context, tokenHash []byte) error {
	if m.DeleteSessionErr != nil {
		return m.DeleteSessionErr
	}
	m.mu.Lock()
	delete(m.Sessions, string(tokenHash))
	m.mu.Unlock()
	return nil
}

func (m *MockStore) WriteAuditLog(_ context.Context, e store.AuditEntry) error {
	if m.AuditErr != nil {
		return m.AuditErr
	}
	m.mu.Lock()
	m.Audit = append(m.Audit, e)
	m.mu.Unlock()
	return nil
}

func (m *MockStore) CheckHealth(context.Context) error { return m.HealthErr }

// AuditActions returns the recorded audit actions in order.
func (m *MockStore) AuditActions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Audit))
	for i, e := range m.Audit {
		out[i] = e.Action
	}
	return out
}

// SessionCount returns the number of stored sessions.
func (m *MockStore) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sessions)
}

// MockCache implements auth.SessionCache for tests.
// Always stateful: Sessions is a map, like a real cache.
// Use *Err fields to inject errors for specific operations.
type MockCache struct {
	// Error injection, zero value means no error
	GetSessionErr    error
	SetSessionErr    error
	DeleteSessionErr error
	HealthErr        error

	Sessions map[string]*store.CachedSession // keyed by base64 token hash

	mu sync.Mutex
}

// NewMockCache returns an empty MockCache ready for use.
func NewMockCache() *MockCache {
	return &MockCache{
		Sessions: make(map[string]*store.CachedSession),
	}
}

func (m *MockCache) GetSession(_ context.Context, tokenHash string) (*store.CachedSession, error) {
	if m.GetSessionErr != nil {
		return nil, m.GetSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sessions[tokenHash]
	if !ok {
		return nil, store.ErrCacheMiss
	}
	return s, nil
}

func (m *MockCache) SetSession(_ context.Context, tokenHash string, sess store.Session, _ time.Duration) error {
	if m.SetSessionErr != nil {
		return m.SetSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Sessions == nil {
		m.Sessions = make(map[string]*store.CachedSession)
	}
	m.Sessions[tokenHash] = &store.CachedSession{
		UserID:    sess.UserID,
		CSRFToken: sess.CSRFToken,
		Provider:  sess.Provider,
		ExpiresAt: sess.ExpiresAt,
	}
	return nil
}

func (m *MockCache) DeleteSession(_ context.Context, tokenHash string) error {
	if m.DeleteSessionErr != nil {
		return m.DeleteSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Sessions, tokenHash)
	return nil
}

func (m *MockCache) CheckHealth(context.Context) error { return m.HealthErr }

// Len returns the number of cached sessions.
func (m *MockCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sessions)
}

// MockNonceGuard implements auth.NonceGuard. Err, when set, is returned from every claim.
type MockNonceGuard struct {
	Err error

	claimed map[string]bool
	mu      sync.Mutex
}

func (g *MockNonceGuard) ClaimNonce(_ context.Context, nonce string, _ time.Duration) error {
	if g.Err != nil {
		return g.Err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.claimed == nil {
		g.claimed = make(map[string]bool)
	}
	if g.claimed[nonce] {
		return store.ErrNonceReplayed
	}
	g.claimed[nonce] = true
	return nil
}
