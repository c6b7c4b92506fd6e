// redis.go -- go-redis client for session caching and state nonce claims.
//
// Stores session data with TTL matching session expiry.
// Fast path for session validation (~0.1ms vs ~1-5ms for Postgres).
// If Redis is unavailable, falls back to Postgres.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore wraps a Redis client for session cache operations.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects to Redis and pings it before returning.
// Call once at startup from main.go; the returned store is safe for concurrent use.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &RedisStore{rdb}, nil
}

// Close shuts down the Redis client and releases all resources.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// CheckHealth pings Redis.
func (s *RedisStore) CheckHealth(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func sessionKey(tokenHash string) string { return "session:" + tokenHash }

func nonceKey(nonce string) string { return "oauth_state:" + nonce }

// SetSession caches a session under its encoded token hash for ttl.
func (s *RedisStore) SetSession(ctx context.Context, tokenHash string, sess Session, ttl time.Duration) error {
	out, err := json.Marshal(CachedSession{
		UserID:    sess.UserID,
		CSRFToken: sess.CSRFToken,
		Provider:  sess.Provider,
		ExpiresAt: sess.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}
	if err := s.rdb.Set(ctx, sessionKey(tokenHash), out, ttl).Err(); err != nil {
		return fmt.Errorf("caching session: %w", err)
	}
	return nil
}

// GetSession retrieves a cached session. Returns ErrCacheMiss when the key is absent.
func (s *RedisStore) GetSession(ctx context.Context, tokenHash string) (*CachedSession, error) {
	raw, err := s.rdb.Get(ctx, sessionKey(tokenHash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("fetching session: %w", err)
	}

	var cached CachedSession
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, fmt.Errorf("parsing session: %w", err)
	}
	return &cached, nil
}

// DeleteSession removes a cached session.
func (s *RedisStore) DeleteSession(ctx context.Context, tokenHash string) error {
	if err := s.rdb.Del(ctx, sessionKey(tokenHash)).Err(); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// ClaimNonce marks a state nonce as used for ttl. Returns ErrNonceReplayed if it
// was already claimed. SET NX makes the claim atomic across instances.
func (s *RedisStore) ClaimNonce(ctx context.Context, nonce string, ttl time.Duration) error {
	if ttl < time.Second {
		ttl = time.Second
	}
	ok, err := s.rdb.SetNX(ctx, nonceKey(nonce), 1, ttl).Result()
	if err != nil {
		return fmt.Errorf("claiming nonce: %w", err)
	}
	if !ok {
		return ErrNonceReplayed
	}
	return nil
}

// NoopSessionCache stands in for Redis when REDIS_URL is unset. Every lookup misses
// so RequireAuth always falls through to Postgres.
type NoopSessionCache struct{}

func (NoopSessionCache) SetSession(context.Context, string, Session, time.Duration) error {
	return nil
}

func (NoopSessionCache) GetSession(context.Context, string) (*CachedSession, error) {
	return nil, ErrCacheMiss
}

func (NoopSessionCache) DeleteSession(context.Context, string) error { return nil }

// CheckHealth reports ErrCacheDisabled so /health can show "disabled" rather than "ok".
func (NoopSessionCache) CheckHealth(context.Context) error { return ErrCacheDisabled }
