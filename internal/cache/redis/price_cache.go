package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/vaultd/internal/domain"
)

// PriceCache implements domain.PriceCache with one hash per asset at
// "<prefix>price:<asset>" holding the fields price, confidence and ts (unix
// seconds).
type PriceCache struct {
	c *Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{c: c}
}

// SetQuote replaces the quote for asset.
func (pc *PriceCache) SetQuote(ctx context.Context, asset string, q domain.PriceQuote) error {
	fields := map[string]any{
		"price":      strconv.FormatUint(q.Price, 10),
		"confidence": strconv.FormatUint(q.Confidence, 10),
		"ts":         strconv.FormatInt(q.UpdatedAt.Unix(), 10),
	}
	if err := pc.c.rdb.HSet(ctx, pc.c.key("price", asset), fields).Err(); err != nil {
		return fmt.Errorf("redis: set quote %s: %w", asset, err)
	}
	return nil
}

// GetQuote returns domain.ErrNotFound when asset has no complete quote.
func (pc *PriceCache) GetQuote(ctx context.Context, asset string) (domain.PriceQuote, error) {
	vals, err := pc.c.rdb.HGetAll(ctx, pc.c.key("price", asset)).Result()
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("redis: get quote %s: %w", asset, err)
	}

	var (
		q      domain.PriceQuote
		fields = []struct {
			name string
			dst  *uint64
		}{{"price", &q.Price}, {"confidence", &q.Confidence}}
	)
	for _, f := range fields {
		raw, ok := vals[f.name]
		if !ok {
			return domain.PriceQuote{}, fmt.Errorf("redis: quote %s missing %s: %w", asset, f.name, domain.ErrNotFound)
		}
		if *f.dst, err = strconv.ParseUint(raw, 10, 64); err != nil {
			return domain.PriceQuote{}, fmt.Errorf("redis: parse %s %s: %w", f.name, asset, err)
		}
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return domain.PriceQuote{}, fmt.Errorf("redis: quote %s missing ts: %w", asset, domain.ErrNotFound)
	}
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("redis: parse ts %s: %w", asset, err)
	}
	q.UpdatedAt = time.Unix(ts, 0).UTC()
	return q, nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
