package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/vaultd/internal/domain"
)

// ReplayGuard is a process-local domain.ReplayGuard. Expired keys are
// swept on each Claim.
type ReplayGuard struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewReplayGuard returns an empty ReplayGuard.
func NewReplayGuard() *ReplayGuard {
	return &ReplayGuard{seen: make(map[string]time.Time), now: time.Now}
}

// WithClock overrides the time source.
func (g *ReplayGuard) WithClock(now func() time.Time) *ReplayGuard {
	g.now = now
	return g
}

// Claim records key until ttl elapses.
func (g *ReplayGuard) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	for k, exp := range g.seen {
		if !now.Before(exp) {
			delete(g.seen, k)
		}
	}
	if _, ok := g.seen[key]; ok {
		return false, nil
	}
	g.seen[key] = now.Add(ttl)
	return true, nil
}

var _ domain.ReplayGuard = (*ReplayGuard)(nil)
