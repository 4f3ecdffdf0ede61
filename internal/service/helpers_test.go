package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/vaultd/internal/domain"
	"github.com/alanyoungcy/vaultd/internal/lock"
	"github.com/alanyoungcy/vaultd/internal/store/memory"
)

var (
	ownerAddr  = common.HexToAddress("0x1000000000000000000000000000000000000001")
	aliceAddr  = common.HexToAddress("0x2000000000000000000000000000000000000002")
	bobAddr    = common.HexToAddress("0x3000000000000000000000000000000000000003")
	keeperAddr = common.HexToAddress("0x4000000000000000000000000000000000000004")
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordingSink collects published events.
type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recordingSink) HandleEvent(_ context.Context, e domain.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *recordingSink) kinds() []domain.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventKind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

func (r *recordingSink) last() domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type testEnv struct {
	ledger *memory.Ledger
	vaults *VaultService
	arb    *ArbService
	prices *PriceService
	sink   *recordingSink
	clock  *fakeClock
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ledger := memory.NewLedger()
	_, err := ledger.Init(context.Background(), ownerAddr)
	require.NoError(t, err)

	logger := discardLogger()
	clock := newFakeClock()
	sink := &recordingSink{}
	pub := NewPublisher(logger).WithSink("test", sink)
	locks := lock.NewKeyedMutex()

	prices := NewPriceService(memory.NewPriceCache(), time.Minute, logger).WithClock(clock.Now)
	return &testEnv{
		ledger: ledger,
		vaults: NewVaultService(ledger, locks, pub, DefaultLockConfig(), logger).
			WithClock(clock.Now).
			WithQuoteSource(prices),
		arb:    NewArbService(ledger, locks, pub, DefaultLockConfig(), logger).WithClock(clock.Now),
		prices: prices,
		sink:   sink,
		clock:  clock,
	}
}

func defaultParams(asset string) domain.VaultParams {
	return domain.VaultParams{
		Asset:             asset,
		Strategy:          domain.StrategyCLMM,
		RebalanceInterval: time.Hour,
		TargetLeverageBps: 20_000,
		MaxSlippageBps:    50,
	}
}

func (e *testEnv) createVault(t *testing.T, p domain.VaultParams) domain.Vault {
	t.Helper()
	v, err := e.vaults.CreateVault(context.Background(), ownerAddr, p)
	require.NoError(t, err)
	return v
}
