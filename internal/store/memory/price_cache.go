package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/alanyoungcy/vaultd/internal/domain"
)

// PriceCache is a process-local domain.PriceCache for deployments without Redis.
type PriceCache struct {
	mu     sync.RWMutex
	quotes map[string]domain.PriceQuote
}

// NewPriceCache returns an empty PriceCache.
func NewPriceCache() *PriceCache {
	return &PriceCache{quotes: make(map[string]domain.PriceQuote)}
}

// SetQuote replaces the quote for asset.
func (c *PriceCache) SetQuote(_ context.Context, asset string, q domain.PriceQuote) error {
	c.mu.Lock()
	c.quotes[asset] = q
	c.mu.Unlock()
	return nil
}

// GetQuote returns domain.ErrNotFound when asset has no quote.
func (c *PriceCache) GetQuote(_ context.Context, asset string) (domain.PriceQuote, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[asset]
	if !ok {
		return domain.PriceQuote{}, fmt.Errorf("memory: quote %q: %w", asset, domain.ErrNotFound)
	}
	return q, nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
