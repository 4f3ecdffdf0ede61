package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/vaultd/internal/domain"
)

// PricesChannel carries quote updates pushed by keepers.
const PricesChannel = "prices"

// PriceService records oracle quotes pushed by keepers and serves them to
// rebalances that arrive without one.
type PriceService struct {
	cache  domain.PriceCache
	bus    domain.SignalBus
	maxAge time.Duration
	clock  func() time.Time
	logger *slog.Logger
}

// NewPriceService creates a PriceService. Quotes older than maxAge are
// served with zero confidence; maxAge <= 0 disables the check.
func NewPriceService(cache domain.PriceCache, maxAge time.Duration, logger *slog.Logger) *PriceService {
	return &PriceService{
		cache:  cache,
		maxAge: maxAge,
		clock:  time.Now,
		logger: logger,
	}
}

// WithBus publishes every recorded quote on PricesChannel.
func (s *PriceService) WithBus(bus domain.SignalBus) *PriceService {
	s.bus = bus
	return s
}

// WithClock overrides the time source.
func (s *PriceService) WithClock(clock func() time.Time) *PriceService {
	s.clock = clock
	return s
}

// SetQuote stores q as the latest quote for asset. A zero UpdatedAt is
// stamped with the current time.
func (s *PriceService) SetQuote(ctx context.Context, asset string, q domain.PriceQuote) (domain.PriceQuote, error) {
	if q.UpdatedAt.IsZero() {
		q.UpdatedAt = s.clock().UTC().Truncate(time.Second)
	}
	if err := s.cache.SetQuote(ctx, asset, q); err != nil {
		return domain.PriceQuote{}, fmt.Errorf("price_service: set quote for %q: %w", asset, err)
	}

	if s.bus != nil {
		evt, _ := json.Marshal(map[string]any{
			"event":      "price_update",
			"asset":      asset,
			"price":      q.Price,
			"confidence": q.Confidence,
			"updated_at": q.UpdatedAt.Format(time.RFC3339),
		})
		if pubErr := s.bus.Publish(ctx, PricesChannel, evt); pubErr != nil {
			s.logger.WarnContext(ctx, "price_service: publish price update failed",
				slog.String("asset", asset),
				slog.String("error", pubErr.Error()),
			)
		}
	}
	return q, nil
}

// LatestQuote returns the cached quote for asset. A missing quote is
// ErrPriceStale; a quote older than the max age has its confidence zeroed.
func (s *PriceService) LatestQuote(ctx context.Context, asset string) (domain.PriceQuote, error) {
	q, err := s.cache.GetQuote(ctx, asset)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.PriceQuote{}, fmt.Errorf("price_service: no quote for %q: %w", asset, domain.ErrPriceStale)
	}
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("price_service: get quote for %q: %w", asset, err)
	}
	if s.maxAge > 0 && s.clock().Sub(q.UpdatedAt) > s.maxAge {
		s.logger.WarnContext(ctx, "price_service: quote expired",
			slog.String("asset", asset),
			slog.Time("updated_at", q.UpdatedAt),
		)
		q.Confidence = 0
	}
	return q, nil
}
