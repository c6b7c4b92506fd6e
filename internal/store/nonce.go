// nonce.go -- in-process state nonce guard for single-instance deployments
// without Redis.
package store

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryNonceGuard claims nonces in a process-local go-cache. Claims are lost on
// restart and not shared between replicas; use RedisStore when running more than one.
type MemoryNonceGuard struct {
	c *cache.Cache
}

// NewMemoryNonceGuard returns a guard whose expired entries are swept every cleanup.
func NewMemoryNonceGuard(cleanup time.Duration) *MemoryNonceGuard {
	return &MemoryNonceGuard{c: cache.New(cache.NoExpiration, cleanup)}
}

// ClaimNonce marks nonce used for ttl. Returns ErrNonceReplayed if already claimed.
func (g *MemoryNonceGuard) ClaimNonce(_ context.Context, nonce string, ttl time.Duration) error {
	if ttl < time.Second {
		ttl = time.Second
	}
	// Add fails if the key exists and has not expired.
	if err := g.c.Add(nonceKey(nonce), struct{}{}, ttl); err != nil {
		return ErrNonceReplayed
	}
	return nil
}

// Len reports how many claims are held, counting expired ones not yet swept.
func (g *MemoryNonceGuard) Len() int {
	return g.c.ItemCount()
}
