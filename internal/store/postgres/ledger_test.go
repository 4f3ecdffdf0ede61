package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/alanyoungcy/vaultd/internal/domain"
)

var (
	owner = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	alice = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

// setupClient starts a disposable PostgreSQL container and applies the
// embedded migrations.
func setupClient(t *testing.T) *Client {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres integration test skipped in -short mode")
	}
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("vaultd"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	client, err := New(ctx, ClientConfig{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	require.NoError(t, client.RunMigrations(ctx))
	require.NoError(t, client.RunMigrations(ctx), "migrations are idempotent")
	return client
}

func testVault(id uint64, asset string) domain.Vault {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return domain.Vault{
		ID:                id,
		Admin:             owner,
		Asset:             asset,
		Strategy:          domain.StrategyDeltaNeutral,
		PerformanceFeeBps: 1000,
		LastHarvest:       now,
		LastRebalance:     now,
		RebalanceInterval: time.Hour,
		CreatedAt:         now,
	}
}

func TestLedger_Postgres(t *testing.T) {
	client := setupClient(t)
	ctx := context.Background()
	ledger := NewLedger(client.Pool())

	reg, err := ledger.Init(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, owner, reg.Owner)
	assert.Equal(t, uint64(1), reg.NextVaultID)

	reg, err = ledger.Init(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, owner, reg.Owner, "init is once-only")

	t.Run("vault round trip", func(t *testing.T) {
		var ev domain.Event
		err := ledger.Update(ctx, func(tx domain.LedgerTx) error {
			id, err := tx.NextVaultID(ctx)
			if err != nil {
				return err
			}
			v := testVault(id, "SUI")
			if err := tx.InsertVault(ctx, v); err != nil {
				return err
			}
			v.TotalShares, v.TotalAssets = 1000, 1000
			if err := tx.PutVault(ctx, v); err != nil {
				return err
			}
			if err := tx.PutUserPosition(ctx, domain.UserPosition{
				VaultID: id, User: alice, Shares: 1000, DepositedAt: v.CreatedAt,
			}); err != nil {
				return err
			}
			ev = domain.NewEvent(domain.EventDeposit, alice, v.CreatedAt)
			ev.VaultID = id
			ev.Amount = 1000
			ev.Shares = 1000
			return tx.AppendEvent(ctx, &ev)
		})
		require.NoError(t, err)
		assert.NotZero(t, ev.Seq)

		require.NoError(t, ledger.View(ctx, func(r domain.LedgerReader) error {
			v, err := r.Vault(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, uint64(1000), v.TotalAssets)
			assert.Equal(t, time.Hour, v.RebalanceInterval)
			assert.Equal(t, domain.StrategyDeltaNeutral, v.Strategy)

			pos, ok, err := r.UserPosition(ctx, 1, alice)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, uint64(1000), pos.Shares)

			events, err := r.Events(ctx, domain.EventQuery{VaultID: 1})
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Equal(t, ev.ID, events[0].ID)
			assert.Equal(t, alice, events[0].User)

			reg, err := r.VaultRegistry(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(1), reg.TotalVaults)
			return nil
		}))
	})

	t.Run("duplicate asset rejected", func(t *testing.T) {
		err := ledger.Update(ctx, func(tx domain.LedgerTx) error {
			id, err := tx.NextVaultID(ctx)
			if err != nil {
				return err
			}
			return tx.InsertVault(ctx, testVault(id, "SUI"))
		})
		assert.ErrorIs(t, err, domain.ErrAlreadyExists)
	})

	t.Run("rollback keeps id gap", func(t *testing.T) {
		boom := errors.New("boom")
		err := ledger.Update(ctx, func(tx domain.LedgerTx) error {
			if _, err := tx.NextVaultID(ctx); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		require.NoError(t, ledger.View(ctx, func(r domain.LedgerReader) error {
			reg, err := r.VaultRegistry(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(4), reg.NextVaultID)
			assert.Equal(t, uint64(1), reg.TotalVaults)
			return nil
		}))
	})

	t.Run("arb state round trip", func(t *testing.T) {
		entry := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
		err := ledger.Update(ctx, func(tx domain.LedgerTx) error {
			id, err := tx.NextPositionID(ctx)
			if err != nil {
				return err
			}
			state := domain.UserArbState{
				User:            alice,
				PositionCount:   1,
				TotalCollateral: 200,
				Positions: []domain.ArbPosition{{
					ID: id, Market: "BTC-PERP", Side: domain.SideLong, Size: 1000,
					EntryTimestamp: entry, FundingRateBps: 30, ExpectedProfit: 3,
					Collateral: 200, Active: true,
				}},
			}
			if err := tx.PutArbState(ctx, state); err != nil {
				return err
			}
			return tx.AddArbTotals(ctx, 1, 1000)
		})
		require.NoError(t, err)

		closedAt := entry.Add(24 * time.Hour)
		err = ledger.Update(ctx, func(tx domain.LedgerTx) error {
			state, ok, err := tx.ArbState(ctx, alice)
			if err != nil || !ok {
				return errors.Join(err, domain.ErrPositionNotFound)
			}
			state.Positions[0].Active = false
			state.Positions[0].ClosedAt = &closedAt
			state.Positions[0].RealizedProfit = 3
			state.TotalProfit = 3
			state.TotalCollateral = 0
			return tx.PutArbState(ctx, state)
		})
		require.NoError(t, err)

		require.NoError(t, ledger.View(ctx, func(r domain.LedgerReader) error {
			state, ok, err := r.ArbState(ctx, alice)
			require.NoError(t, err)
			require.True(t, ok)
			require.Len(t, state.Positions, 1)
			assert.False(t, state.Positions[0].Active)
			require.NotNil(t, state.Positions[0].ClosedAt)
			assert.True(t, closedAt.Equal(*state.Positions[0].ClosedAt))
			assert.Equal(t, uint64(3), state.TotalProfit)

			reg, err := r.ArbRegistry(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(1), reg.TotalPositions)
			assert.Equal(t, uint64(1000), reg.TotalVolume)
			assert.Equal(t, uint64(2), reg.NextPositionID)
			return nil
		}))
	})

	t.Run("audit log", func(t *testing.T) {
		audit := NewAuditStore(client.Pool())
		require.NoError(t, audit.Log(ctx, "deposit", map[string]any{"vault_id": uint64(7), "amount": 10}))
		require.NoError(t, audit.Log(ctx, "archive.events", map[string]any{"count": 3}))
		require.NoError(t, audit.Log(ctx, "withdraw", map[string]any{"vault_id": uint64(7)}))

		entries, err := audit.List(ctx, domain.AuditQuery{VaultID: 7})
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "withdraw", entries[0].Event)
		assert.Equal(t, uint64(7), entries[1].VaultID)
		assert.EqualValues(t, 10, entries[1].Detail["amount"])

		entries, err = audit.List(ctx, domain.AuditQuery{Event: "archive.events", Limit: 10})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Zero(t, entries[0].VaultID)
	})
}
