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

func openReq(rate, size uint64) domain.OpenPositionRequest {
	return domain.OpenPositionRequest{
		Market:         "BTC-PERP",
		FundingRateBps: rate,
		Size:           size,
		Collateral:     size / 5,
		EntryPrice:     65_000,
	}
}

func TestOpenPosition_Validation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.arb.OpenPosition(ctx, aliceAddr, openReq(5, 1000))
	assert.ErrorIs(t, err, domain.ErrInvalidFundingRate)

	_, err = env.arb.OpenPosition(ctx, aliceAddr, openReq(10, 0))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	reg, err := env.arb.Registry(ctx)
	require.NoError(t, err)
	assert.Zero(t, reg.TotalPositions)
	assert.Empty(t, env.sink.kinds())
}

func TestOpenClosePosition(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	res, err := env.arb.OpenPosition(ctx, aliceAddr, openReq(50, 10_000))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), res.Index)
	assert.Equal(t, uint64(1), res.Position.ID)
	assert.Equal(t, domain.SideLong, res.Position.Side)
	assert.Equal(t, uint64(50), res.Position.ExpectedProfit)
	assert.True(t, res.Position.Active)

	reg, err := env.arb.Registry(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), reg.TotalPositions)
	assert.Equal(t, uint64(10_000), reg.TotalVolume)
	assert.Equal(t, uint64(2), reg.NextPositionID)

	st, err := env.arb.UserState(ctx, aliceAddr)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.PositionCount)
	assert.Equal(t, uint64(2_000), st.TotalCollateral)

	env.clock.Advance(24 * time.Hour)
	closed, err := env.arb.ClosePosition(ctx, aliceAddr, 0, 70_000)
	require.NoError(t, err)
	// 50 bps * 10000 * 86400s / (10000 * 86400)
	assert.Equal(t, uint64(50), closed.RealizedProfit)
	assert.False(t, closed.Active)
	assert.Equal(t, uint64(70_000), closed.ExitPrice)
	require.NotNil(t, closed.ClosedAt)

	profit, err := env.arb.UserTotalProfit(ctx, aliceAddr)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), profit)

	st, err = env.arb.UserState(ctx, aliceAddr)
	require.NoError(t, err)
	assert.Zero(t, st.TotalCollateral)
	require.Len(t, st.Positions, 1, "closed positions stay in the list")

	_, err = env.arb.ClosePosition(ctx, aliceAddr, 0, 70_000)
	assert.ErrorIs(t, err, domain.ErrPositionNotFound, "already closed")

	_, err = env.arb.ClosePosition(ctx, aliceAddr, 7, 70_000)
	assert.ErrorIs(t, err, domain.ErrPositionNotFound, "index out of range")

	_, err = env.arb.ClosePosition(ctx, bobAddr, 0, 70_000)
	assert.ErrorIs(t, err, domain.ErrPositionNotFound, "no arbitrage state")

	assert.Equal(t, []domain.EventKind{domain.EventPositionOpened, domain.EventPositionClosed}, env.sink.kinds())
}

func TestClosePosition_ProfitFloors(t *testing.T) {
	tests := []struct {
		name string
		rate uint64
		size uint64
		held time.Duration
		want uint64
	}{
		{"immediate close", 100, 1_000_000, 0, 0},
		{"one hour", 100, 1_000_000, time.Hour, 416},
		{"half day", 25, 40_000, 12 * time.Hour, 50},
		{"below one unit", 10, 100, time.Minute, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			env := newTestEnv(t)

			_, err := env.arb.OpenPosition(ctx, aliceAddr, openReq(tt.rate, tt.size))
			require.NoError(t, err)
			env.clock.Advance(tt.held)

			closed, err := env.arb.ClosePosition(ctx, aliceAddr, 0, 1)
			require.NoError(t, err)
			assert.Equal(t, tt.want, closed.RealizedProfit)
		})
	}
}

func TestRecordOpportunity(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	ok, err := env.arb.RecordOpportunity(ctx, keeperAddr, domain.Opportunity{Market: "ETH-PERP", FundingRateBps: 9, PredictedProfit: 5})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, env.sink.kinds())

	ok, err = env.arb.RecordOpportunity(ctx, keeperAddr, domain.Opportunity{Market: "ETH-PERP", FundingRateBps: 10, PredictedProfit: 5})
	require.NoError(t, err)
	assert.True(t, ok)

	ev := env.sink.last()
	assert.Equal(t, domain.EventOpportunityFound, ev.Kind)
	assert.Equal(t, "ETH-PERP", ev.Market)
	assert.Equal(t, uint64(10), ev.FundingRateBps)
	assert.Equal(t, uint64(5), ev.Profit)
}

func TestArbViews_AbsentUser(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	count, err := env.arb.UserPositionCount(ctx, bobAddr)
	require.NoError(t, err)
	assert.Zero(t, count)

	profit, err := env.arb.UserTotalProfit(ctx, bobAddr)
	require.NoError(t, err)
	assert.Zero(t, profit)

	st, err := env.arb.UserState(ctx, bobAddr)
	require.NoError(t, err)
	assert.Equal(t, bobAddr, st.User)
	assert.Empty(t, st.Positions)
}

func TestOpenPosition_ConcurrentIDs(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[uint64]bool)
	)
	for _, user := range []common.Address{aliceAddr, bobAddr, keeperAddr} {
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := env.arb.OpenPosition(ctx, user, openReq(20, 100))
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				ids[res.Position.ID] = true
				mu.Unlock()
			}()
		}
	}
	wg.Wait()

	assert.Len(t, ids, 30)
	reg, err := env.arb.Registry(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(30), reg.TotalPositions)
	assert.Equal(t, uint64(3_000), reg.TotalVolume)

	count, err := env.arb.UserPositionCount(ctx, aliceAddr)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), count)
}
