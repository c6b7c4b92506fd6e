// models.go -- Shared domain types for the store package.
// Used by both Postgres (durable store) and Redis (cache layer).
package store

import (
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
)

// ErrCacheMiss is returned by GetSession when the key is not in Redis.
// Callers use errors.Is to distinguish a true miss from a Redis infrastructure failure.
var ErrCacheMiss = errors.New("cache miss")

// ErrCacheDisabled is returned by NoopSessionCache.CheckHealth when Redis is not configured.
// Callers use errors.Is to distinguish "not configured" from a real infrastructure failure.
var ErrCacheDisabled = errors.New("cache disabled")

// ErrNonceReplayed is returned by ClaimNonce when the nonce was already claimed.
var ErrNonceReplayed = errors.New("state nonce already used")

// User represents a row in the users table.
// Nullable columns are pointers; nil means SQL NULL.
type User struct {
	ID               uuid.UUID
	Email            *string
	EmailConfirmedAt *time.Time
	DisplayName      *string
	AvatarURL        *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Identity links a provider's stable subject to a local user.
// (Provider, Subject) is unique; email is never used to link accounts.
type Identity struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Provider    string
	Subject     string
	Email       *string
	CreatedAt   time.Time
	LastLoginAt time.Time
}

// IdentityInput is what a provider tells us about the person signing in.
type IdentityInput struct {
	Provider      string
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	Picture       string
}

// Session represents a row in the sessions table.
// Nullable columns are pointers; nil means SQL NULL.
type Session struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	TokenHash []byte
	CSRFToken []byte
	Provider  string
	ExpiresAt time.Time
	IPAddress *string
	UserAgent *string
	CreatedAt time.Time
}

// CachedSession is the JSON shape stored in Redis for cached sessions.
// Only the fields needed for fast session validation; full metadata lives in Postgres.
type CachedSession struct {
	UserID    uuid.UUID `json:"user_id"`
	CSRFToken []byte    `json:"csrf_token"`
	Provider  string    `json:"provider"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Audit actions written by the auth handlers.
const (
	AuditSignIn      = "oauth.sign_in"
	AuditSignUp      = "oauth.sign_up"
	AuditSignInError = "oauth.sign_in_failed"
	AuditLogout      = "session.logout"
)

// AuditEntry represents a row in the audit_logs table.
// UserID is nil for failures where no user is identified.
// Metadata holds optional event context as a raw JSON blob (e.g. session_id, reason).
type AuditEntry struct {
	UserID    *uuid.UUID
	Action    string
	Provider  string
	IPAddress *string
	UserAgent *string
	Metadata  []byte
}
