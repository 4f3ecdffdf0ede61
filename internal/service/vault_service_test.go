package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/vaultd/internal/domain"
)

func TestCreateVault(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.vaults.CreateVault(ctx, aliceAddr, defaultParams("SUI"))
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)

	bad := defaultParams("SUI")
	bad.PerformanceFeeBps = 10_001
	_, err = env.vaults.CreateVault(ctx, ownerAddr, bad)
	assert.ErrorIs(t, err, domain.ErrInvalidParams)

	v := env.createVault(t, defaultParams("SUI"))
	assert.Equal(t, uint64(1), v.ID)
	assert.Equal(t, ownerAddr, v.Admin)
	assert.Equal(t, env.clock.Now(), v.CreatedAt)
	assert.Equal(t, v.CreatedAt, v.LastRebalance)
	assert.Equal(t, v.CreatedAt, v.LastHarvest)
	assert.Zero(t, v.TotalShares)
	assert.Zero(t, v.TotalAssets)

	_, err = env.vaults.CreateVault(ctx, ownerAddr, defaultParams("SUI"))
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	v2 := env.createVault(t, defaultParams("USDC"))
	assert.Greater(t, v2.ID, v.ID)

	reg, err := env.vaults.Registry(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), reg.TotalVaults)
	assert.Equal(t, ownerAddr, reg.Owner)

	assert.Equal(t, []domain.EventKind{domain.EventVaultCreated, domain.EventVaultCreated}, env.sink.kinds())
}

func TestDepositWithdraw_Scenario(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	v := env.createVault(t, defaultParams("SUI"))

	res, err := env.vaults.Deposit(ctx, aliceAddr, v.ID, 1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), res.SharesMinted)
	assert.Equal(t, uint64(1000), res.Vault.TotalShares)
	assert.Equal(t, uint64(1000), res.Vault.TotalAssets)
	firstDeposit := res.Position.DepositedAt

	env.clock.Advance(time.Minute)
	res, err = env.vaults.Deposit(ctx, aliceAddr, v.ID, 500)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), res.SharesMinted)
	assert.Equal(t, uint64(1500), res.Vault.TotalShares)
	assert.Equal(t, uint64(1500), res.Vault.TotalAssets)
	assert.Equal(t, firstDeposit, res.Position.DepositedAt, "top-up keeps the first deposit time")

	out, err := env.vaults.Withdraw(ctx, aliceAddr, v.ID, 750)
	require.NoError(t, err)
	assert.Equal(t, uint64(750), out.AmountOut)
	assert.Equal(t, uint64(750), out.Vault.TotalShares)
	assert.Equal(t, uint64(750), out.Vault.TotalAssets)
	assert.Equal(t, uint64(750), out.Position.Shares)

	ev := env.sink.last()
	assert.Equal(t, domain.EventWithdraw, ev.Kind)
	assert.Equal(t, uint64(750), ev.Amount)
	assert.Equal(t, uint64(750), ev.Shares)
	assert.NotZero(t, ev.Seq)
}

func TestDeposit_Validation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	v := env.createVault(t, defaultParams("SUI"))

	_, err := env.vaults.Deposit(ctx, aliceAddr, v.ID, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = env.vaults.Deposit(ctx, aliceAddr, 99, 10)
	assert.ErrorIs(t, err, domain.ErrVaultNotFound)
}

func TestPauseGating(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	v := env.createVault(t, defaultParams("SUI"))

	_, err := env.vaults.Deposit(ctx, aliceAddr, v.ID, 100)
	require.NoError(t, err)

	_, err = env.vaults.Pause(ctx, aliceAddr, v.ID)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)

	paused, err := env.vaults.Pause(ctx, ownerAddr, v.ID)
	require.NoError(t, err)
	assert.True(t, paused.Paused)

	_, err = env.vaults.Deposit(ctx, aliceAddr, v.ID, 100)
	assert.ErrorIs(t, err, domain.ErrVaultPaused)

	out, err := env.vaults.Withdraw(ctx, aliceAddr, v.ID, 40)
	require.NoError(t, err, "withdrawals stay open while paused")
	assert.Equal(t, uint64(40), out.AmountOut)

	_, err = env.vaults.Unpause(ctx, ownerAddr, v.ID)
	require.NoError(t, err)
	_, err = env.vaults.Deposit(ctx, aliceAddr, v.ID, 100)
	assert.NoError(t, err)

	assert.Contains(t, env.sink.kinds(), domain.EventVaultPaused)
	assert.Contains(t, env.sink.kinds(), domain.EventVaultUnpaused)
}

func TestWithdraw_InsufficientBalance(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	v := env.createVault(t, defaultParams("SUI"))

	_, err := env.vaults.Withdraw(ctx, aliceAddr, v.ID, 1)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	_, err = env.vaults.Deposit(ctx, aliceAddr, v.ID, 100)
	require.NoError(t, err)

	_, err = env.vaults.Withdraw(ctx, aliceAddr, v.ID, 101)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	_, err = env.vaults.Withdraw(ctx, aliceAddr, v.ID, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	got, err := env.vaults.Vault(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), got.TotalShares, "failed withdrawals leave no trace")
	assert.Equal(t, uint64(100), got.TotalAssets)
}

func TestHarvest(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	p := defaultParams("SUI")
	p.PerformanceFeeBps = 1000
	v := env.createVault(t, p)

	_, err := env.vaults.Deposit(ctx, aliceAddr, v.ID, 1000)
	require.NoError(t, err)

	_, err = env.vaults.Harvest(ctx, aliceAddr, v.ID, 200)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)

	env.clock.Advance(time.Hour)
	res, err := env.vaults.Harvest(ctx, ownerAddr, v.ID, 200)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), res.Fee)
	assert.Equal(t, uint64(180), res.NetProfit)
	assert.Equal(t, uint64(1180), res.Vault.TotalAssets)
	assert.Equal(t, uint64(1000), res.Vault.TotalShares)
	assert.Equal(t, env.clock.Now(), res.Vault.LastHarvest)

	ev := env.sink.last()
	assert.Equal(t, domain.EventHarvest, ev.Kind)
	assert.Equal(t, uint64(180), ev.Profit)
	assert.Equal(t, uint64(20), ev.Fee)

	preview, err := env.vaults.PreviewWithdraw(ctx, v.ID, 500)
	require.NoError(t, err)
	assert.Equal(t, uint64(590), preview)

	price, err := env.vaults.SharePrice(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_180_000), price)

	out, err := env.vaults.Withdraw(ctx, aliceAddr, v.ID, 1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(1180), out.AmountOut)
}

func TestHarvest_FeeMonotonicity(t *testing.T) {
	tests := []struct {
		name   string
		feeBps uint64
		profit uint64
		net    uint64
	}{
		{"zero fee keeps all profit", 0, 777, 777},
		{"full fee keeps nothing", 10_000, 777, 0},
		{"fee floors toward holders", 333, 10, 10},
		{"zero profit", 2_000, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			env := newTestEnv(t)
			p := defaultParams("SUI")
			p.PerformanceFeeBps = tt.feeBps
			v := env.createVault(t, p)

			res, err := env.vaults.Harvest(ctx, ownerAddr, v.ID, tt.profit)
			require.NoError(t, err)
			assert.Equal(t, tt.net, res.NetProfit)
			assert.LessOrEqual(t, res.NetProfit, tt.profit)
			assert.Equal(t, tt.profit, res.NetProfit+res.Fee)
		})
	}
}

func TestRebalance_Cadence(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	v := env.createVault(t, defaultParams("SUI"))
	quote := &domain.PriceQuote{Price: 1_250_000, Confidence: 95}

	ok, err := env.vaults.CanRebalance(ctx, v.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = env.vaults.Rebalance(ctx, keeperAddr, v.ID, quote)
	assert.ErrorIs(t, err, domain.ErrRebalanceTooSoon)

	env.clock.Advance(time.Hour)
	ok, err = env.vaults.CanRebalance(ctx, v.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = env.vaults.Rebalance(ctx, keeperAddr, v.ID, &domain.PriceQuote{Price: 1, Confidence: 0})
	assert.ErrorIs(t, err, domain.ErrPriceStale)

	res, err := env.vaults.Rebalance(ctx, keeperAddr, v.ID, quote)
	require.NoError(t, err)
	assert.Equal(t, "adjust_range", res.Action)
	assert.Equal(t, env.clock.Now(), res.Vault.LastRebalance)

	ev := env.sink.last()
	assert.Equal(t, domain.EventHarvest, ev.Kind)
	assert.Zero(t, ev.Profit)
	assert.Equal(t, quote.Price, ev.Price)

	env.clock.Advance(30 * time.Minute)
	_, err = env.vaults.Rebalance(ctx, keeperAddr, v.ID, quote)
	assert.ErrorIs(t, err, domain.ErrRebalanceTooSoon)
}

func TestRebalance_CachedQuote(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	p := defaultParams("ETH")
	p.Strategy = domain.StrategyDeltaNeutral
	p.RebalanceInterval = 0
	v := env.createVault(t, p)

	_, err := env.vaults.Rebalance(ctx, keeperAddr, v.ID, nil)
	assert.ErrorIs(t, err, domain.ErrPriceStale, "no quote recorded yet")

	_, err = env.prices.SetQuote(ctx, "ETH", domain.PriceQuote{Price: 3000, Confidence: 80})
	require.NoError(t, err)

	res, err := env.vaults.Rebalance(ctx, keeperAddr, v.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "hedge_delta", res.Action)
	assert.Equal(t, uint64(3000), res.Price)

	env.clock.Advance(2 * time.Minute)
	_, err = env.vaults.Rebalance(ctx, keeperAddr, v.ID, nil)
	assert.ErrorIs(t, err, domain.ErrPriceStale, "expired quote has no confidence")
}

func TestRebalance_CadenceBeforeQuoteLookup(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	v := env.createVault(t, defaultParams("SUI"))

	_, err := env.vaults.Rebalance(ctx, keeperAddr, v.ID, nil)
	assert.ErrorIs(t, err, domain.ErrRebalanceTooSoon)
	assert.NotErrorIs(t, err, domain.ErrPriceStale)

	env.clock.Advance(time.Hour)
	_, err = env.vaults.Rebalance(ctx, keeperAddr, v.ID, nil)
	assert.ErrorIs(t, err, domain.ErrPriceStale, "due vault with no cached quote")
}

func TestUpdateParams(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	v := env.createVault(t, defaultParams("SUI"))

	rp := domain.RiskParams{RebalanceInterval: 10 * time.Minute, TargetLeverageBps: 15_000, MaxSlippageBps: 30}
	_, err := env.vaults.UpdateParams(ctx, bobAddr, v.ID, rp)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)

	_, err = env.vaults.UpdateParams(ctx, ownerAddr, v.ID, domain.RiskParams{RebalanceInterval: -time.Second})
	assert.ErrorIs(t, err, domain.ErrInvalidParams)

	got, err := env.vaults.UpdateParams(ctx, ownerAddr, v.ID, rp)
	require.NoError(t, err)
	assert.Equal(t, rp.RebalanceInterval, got.RebalanceInterval)
	assert.Equal(t, rp.TargetLeverageBps, got.TargetLeverageBps)
	assert.Equal(t, rp.MaxSlippageBps, got.MaxSlippageBps)

	env.clock.Advance(10 * time.Minute)
	ok, err := env.vaults.CanRebalance(ctx, v.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestViews(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	p := defaultParams("SUI")
	p.Strategy = domain.StrategyFundingRateArb
	v := env.createVault(t, p)

	_, err := env.vaults.UserPosition(ctx, v.ID, aliceAddr)
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)

	st, err := env.vaults.StrategyType(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StrategyFundingRateArb, st)

	shares, err := env.vaults.PreviewDeposit(ctx, v.ID, 250)
	require.NoError(t, err)
	assert.Equal(t, uint64(250), shares)

	price, err := env.vaults.SharePrice(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, SharePriceScale, price)

	_, err = env.vaults.Deposit(ctx, aliceAddr, v.ID, 250)
	require.NoError(t, err)
	pos, err := env.vaults.UserPosition(ctx, v.ID, aliceAddr)
	require.NoError(t, err)
	assert.Equal(t, uint64(250), pos.Shares)

	events, err := env.vaults.Events(ctx, domain.EventQuery{VaultID: v.ID})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventVaultCreated, events[0].Kind)
	assert.Equal(t, domain.EventDeposit, events[1].Kind)
	assert.Less(t, events[0].Seq, events[1].Seq)

	_, err = env.vaults.Vault(ctx, 42)
	assert.ErrorIs(t, err, domain.ErrVaultNotFound)
}

func TestShareConservation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	p := defaultParams("SUI")
	p.PerformanceFeeBps = 700
	v := env.createVault(t, p)

	_, err := env.vaults.Deposit(ctx, aliceAddr, v.ID, 1_337)
	require.NoError(t, err)
	_, err = env.vaults.Harvest(ctx, ownerAddr, v.ID, 91)
	require.NoError(t, err)
	_, err = env.vaults.Deposit(ctx, bobAddr, v.ID, 4_001)
	require.NoError(t, err)
	_, err = env.vaults.Harvest(ctx, ownerAddr, v.ID, 13)
	require.NoError(t, err)

	for _, user := range []struct {
		addr  common.Address
		first uint64
	}{{aliceAddr, 333}, {bobAddr, 1_000}} {
		_, err := env.vaults.Withdraw(ctx, user.addr, v.ID, user.first)
		require.NoError(t, err)
	}
	for _, addr := range []common.Address{aliceAddr, bobAddr} {
		pos, err := env.vaults.UserPosition(ctx, v.ID, addr)
		require.NoError(t, err)
		_, err = env.vaults.Withdraw(ctx, addr, v.ID, pos.Shares)
		require.NoError(t, err)
	}

	got, err := env.vaults.Vault(ctx, v.ID)
	require.NoError(t, err)
	assert.Zero(t, got.TotalShares)
	assert.Zero(t, got.TotalAssets)
}

func TestDeposit_Concurrent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	v := env.createVault(t, defaultParams("SUI"))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.vaults.Deposit(ctx, aliceAddr, v.ID, 10)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := env.vaults.Vault(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), got.TotalShares)
	assert.Equal(t, uint64(500), got.TotalAssets)

	pos, err := env.vaults.UserPosition(ctx, v.ID, aliceAddr)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), pos.Shares)
}
