package domain

import (
	"context"
	"time"
)

// PriceCache provides fast access to the latest oracle quotes.
type PriceCache interface {
	SetQuote(ctx context.Context, asset string, q PriceQuote) error
	// GetQuote returns ErrNotFound when no quote has been recorded.
	GetQuote(ctx context.Context, asset string) (PriceQuote, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// ReplayGuard remembers keys for a bounded time.
type ReplayGuard interface {
	// Claim records key for ttl. It reports false when key is already held.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// LockManager provides exclusive access to a key.
type LockManager interface {
	// Acquire returns ErrLockHeld when the key is held elsewhere and the
	// implementation does not wait.
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
