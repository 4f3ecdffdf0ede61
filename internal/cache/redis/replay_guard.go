package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/vaultd/internal/domain"
)

// ReplayGuard implements domain.ReplayGuard with SET NX, so every API
// replica sharing the Redis instance sees the same claimed signatures.
type ReplayGuard struct {
	c *Client
}

// NewReplayGuard creates a ReplayGuard backed by the given Client.
func NewReplayGuard(c *Client) *ReplayGuard {
	return &ReplayGuard{c: c}
}

// Claim stores key under "replay:" until ttl elapses.
func (g *ReplayGuard) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := g.c.rdb.SetNX(ctx, g.c.key("replay", key), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: replay claim: %w", err)
	}
	return ok, nil
}

var _ domain.ReplayGuard = (*ReplayGuard)(nil)
