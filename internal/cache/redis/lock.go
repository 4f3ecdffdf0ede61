package redis

import (
	"context"
	_ "embed"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/vaultd/internal/domain"
)

//go:embed scripts/release_lock.lua
var releaseLockLua string

// releaseTimeout bounds the release round trip after the caller's context
// is gone.
const releaseTimeout = 5 * time.Second

// LockManager serialises ledger mutations across vaultd replicas. Services
// take "vault:<id>", "position:<vault>:<user>" and "arb:<user>" keys; each
// lands under "<prefix>lock:" holding a random token. Acquire never waits,
// so a held key surfaces to the caller as domain.ErrLockHeld.
type LockManager struct {
	c       *Client
	release *redis.Script
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		c:       c,
		release: redis.NewScript(releaseLockLua),
	}
}

// Acquire holds key for at most ttl. The returned unlock may be called more
// than once.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	lk := lm.c.key("lock", key)
	token := uuid.NewString()

	held, err := lm.c.rdb.SetNX(ctx, lk, token, ttl).Result()
	switch {
	case err != nil:
		return nil, fmt.Errorf("redis: lock %s: %w", key, err)
	case !held:
		return nil, fmt.Errorf("redis: lock %s: %w", key, domain.ErrLockHeld)
	}

	var once sync.Once
	return func() { once.Do(func() { lm.releaseToken(lk, token) }) }, nil
}

// releaseToken runs on its own context: services unlock on the way out of
// requests whose context may already be cancelled. A lost token means the
// ttl lapsed and another holder owns the key, which is left alone.
func (lm *LockManager) releaseToken(lk, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	_ = lm.release.Run(ctx, lm.c.rdb, []string{lk}, token).Err()
}

var _ domain.LockManager = (*LockManager)(nil)
