// Package store handles all database and cache interactions.
//
// postgres.go -- pgxpool connection setup and queries.
// Creates a connection pool at startup, shared across all handlers.
// All queries use parameterized statements (no string concatenation).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the durable store: users, identities, sessions, audit log.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a connection pool and pings it before returning.
// Call once at startup from main.go; the returned store is safe for concurrent use.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	return &PostgresStore{pool}, nil
}

// Close shuts down the connection pool and releases all resources.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// CheckHealth pings Postgres.
func (s *PostgresStore) CheckHealth(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// FindOrCreateIdentity returns the user linked to (provider, subject), creating the
// user and identity on first sign-in. created reports whether a new user was made.
// Runs in one transaction; a concurrent first sign-in for the same subject
// resolves to whichever insert won.
func (s *PostgresStore) FindOrCreateIdentity(ctx context.Context, in IdentityInput) (userID uuid.UUID, created bool, err error) {
	if in.Provider == "" || in.Subject == "" {
		return uuid.Nil, false, errors.New("provider and subject are required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`UPDATE oauth_identities SET last_login_at = now()
		 WHERE provider = $1 AND subject = $2
		 RETURNING user_id`,
		in.Provider, in.Subject,
	).Scan(&userID)
	switch {
	case err == nil:
		if err := tx.Commit(ctx); err != nil {
			return uuid.Nil, false, fmt.Errorf("committing identity lookup: %w", err)
		}
		return userID, false, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return uuid.Nil, false, fmt.Errorf("looking up identity: %w", err)
	}

	newUserID, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("generating user id: %w", err)
	}
	identityID, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("generating identity id: %w", err)
	}

	var confirmedAt *time.Time
	if in.Email != "" && in.EmailVerified {
		now := time.Now()
		confirmedAt = &now
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO users (id, email, email_confirmed_at, display_name, avatar_url)
		 VALUES ($1, $2, $3, $4, $5)`,
		newUserID, nullable(in.Email), confirmedAt, nullable(in.Name), nullable(in.Picture),
	); err != nil {
		return uuid.Nil, false, fmt.Errorf("creating user: %w", err)
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO oauth_identities (id, user_id, provider, subject, email)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (provider, subject) DO NOTHING
		 RETURNING user_id`,
		identityID, newUserID, in.Provider, in.Subject, nullable(in.Email),
	).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		// Lost the race; drop our user row with the transaction and use the winner's.
		tx.Rollback(ctx)
		err = s.pool.QueryRow(ctx,
			"SELECT user_id FROM oauth_identities WHERE provider = $1 AND subject = $2",
			in.Provider, in.Subject,
		).Scan(&userID)
		if err != nil {
			return uuid.Nil, false, fmt.Errorf("reading concurrent identity: %w", err)
		}
		return userID, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("creating identity: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, false, fmt.Errorf("committing new identity: %w", err)
	}
	return userID, true, nil
}

// GetUserByID fetches a user row. Returns pgx.ErrNoRows if absent.
func (s *PostgresStore) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	var u User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, email_confirmed_at, display_name, avatar_url, created_at, updated_at
		 FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Email, &u.EmailConfirmedAt, &u.DisplayName, &u.AvatarURL, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ListIdentities returns every identity linked to userID, oldest first.
func (s *PostgresStore) ListIdentities(ctx context.Context, userID uuid.UUID) ([]Identity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, provider, subject, email, created_at, last_login_at
		 FROM oauth_identities WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing identities: %w", err)
	}
	defer rows.Close()

	var out []Identity
	for rows.Next() {
		var i Identity
		if err := rows.Scan(&i.ID, &i.UserID, &i.Provider, &i.Subject, &i.Email, &i.CreatedAt, &i.LastLoginAt); err != nil {
			return nil, fmt.Errorf("scanning identity: %w", err)
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// CreateSession inserts a new session row. The caller generates the id, the token
// hash and the CSRF token.
func (s *PostgresStore) CreateSession(ctx context.Context, sess Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, user_id, token_hash, csrf_token, provider, expires_at, ip_address, user_agent)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sess.ID, sess.UserID, sess.TokenHash, sess.CSRFToken, sess.Provider, sess.ExpiresAt, sess.IPAddress, sess.UserAgent)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	return nil
}

// GetSessionByTokenHash fetches a non-expired session. Returns pgx.ErrNoRows if
// not found or expired.
func (s *PostgresStore) GetSessionByTokenHash(ctx context.Context, tokenHash []byte) (*Session, error) {
	var sess Session
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, token_hash, csrf_token, provider, expires_at, host(ip_address), user_agent, created_at
		 FROM sessions WHERE token_hash = $1 AND expires_at > now()`, tokenHash,
	).Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &sess.CSRFToken, &sess.Provider, &sess.ExpiresAt,
		&sess.IPAddress, &sess.UserAgent, &sess.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// DeleteSession removes a single session row by token hash. Deleting a missing
// session is not an error.
func (s *PostgresStore) DeleteSession(ctx context.Context, tokenHash []byte) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM sessions WHERE token_hash = $1", tokenHash); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// CleanupExpiredSessions deletes sessions that expired more than retention ago.
func (s *PostgresStore) CleanupExpiredSessions(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM sessions WHERE expires_at < $1", time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("cleaning up sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// WriteAuditLog appends one audit entry.
func (s *PostgresStore) WriteAuditLog(ctx context.Context, e AuditEntry) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generating audit id: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO audit_logs (id, user_id, action, provider, ip_address, user_agent, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, e.UserID, e.Action, nullable(e.Provider), e.IPAddress, e.UserAgent, e.Metadata)
	if err != nil {
		return fmt.Errorf("writing audit log: %w", err)
	}
	return nil
}

// nullable maps "" to SQL NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
