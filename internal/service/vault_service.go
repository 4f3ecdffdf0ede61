package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/vaultd/internal/domain"
	"github.com/alanyoungcy/vaultd/internal/fixedpoint"
)

// SharePriceScale is the share quantity SharePrice quotes a price for.
const SharePriceScale uint64 = 1_000_000

// QuoteSource supplies the latest oracle quote for an asset when a keeper
// triggers a rebalance without one.
type QuoteSource interface {
	LatestQuote(ctx context.Context, asset string) (domain.PriceQuote, error)
}

// DepositResult is returned by Deposit.
type DepositResult struct {
	Vault        domain.Vault        `json:"vault"`
	Position     domain.UserPosition `json:"position"`
	SharesMinted uint64              `json:"shares_minted"`
	Event        domain.Event        `json:"event"`
}

// WithdrawResult is returned by Withdraw.
type WithdrawResult struct {
	Vault     domain.Vault        `json:"vault"`
	Position  domain.UserPosition `json:"position"`
	AmountOut uint64              `json:"amount_out"`
	Event     domain.Event        `json:"event"`
}

// HarvestResult is returned by Harvest.
type HarvestResult struct {
	Vault     domain.Vault `json:"vault"`
	Fee       uint64       `json:"fee"`
	NetProfit uint64       `json:"net_profit"`
	Event     domain.Event `json:"event"`
}

// RebalanceResult is returned by Rebalance.
type RebalanceResult struct {
	Vault  domain.Vault `json:"vault"`
	Action string       `json:"action"`
	Price  uint64       `json:"price"`
	Event  domain.Event `json:"event"`
}

// VaultService owns vault share accounting: creation, deposits,
// withdrawals, fee harvests, rebalance cadence and admin controls.
type VaultService struct {
	ledger domain.Ledger
	locks  locker
	pub    *Publisher
	quotes QuoteSource
	clock  func() time.Time
	logger *slog.Logger
}

// NewVaultService creates a VaultService with all required dependencies.
func NewVaultService(
	ledger domain.Ledger,
	locks domain.LockManager,
	pub *Publisher,
	lockCfg LockConfig,
	logger *slog.Logger,
) *VaultService {
	return &VaultService{
		ledger: ledger,
		locks:  locker{mgr: locks, cfg: lockCfg},
		pub:    pub,
		clock:  time.Now,
		logger: logger,
	}
}

// WithQuoteSource lets Rebalance run without a caller-supplied quote.
func (s *VaultService) WithQuoteSource(q QuoteSource) *VaultService {
	s.quotes = q
	return s
}

// WithClock overrides the time source.
func (s *VaultService) WithClock(clock func() time.Time) *VaultService {
	s.clock = clock
	return s
}

// now is second-resolution UTC; every cadence comparison uses it.
func (s *VaultService) now() time.Time {
	return s.clock().UTC().Truncate(time.Second)
}

// CreateVault registers a new vault administered by caller, who must be the
// registry owner.
func (s *VaultService) CreateVault(ctx context.Context, caller common.Address, p domain.VaultParams) (domain.Vault, error) {
	unlock, err := s.locks.acquire(ctx, registryLockKey)
	if err != nil {
		return domain.Vault{}, fmt.Errorf("vault_service: create vault: %w", err)
	}
	defer unlock()

	now := s.now()
	var (
		vault domain.Vault
		ev    domain.Event
	)
	err = s.ledger.Update(ctx, func(tx domain.LedgerTx) error {
		reg, err := tx.VaultRegistry(ctx)
		if err != nil {
			return err
		}
		if caller != reg.Owner {
			return domain.ErrNotAuthorized
		}
		if err := p.Validate(); err != nil {
			return err
		}
		id, err := tx.NextVaultID(ctx)
		if err != nil {
			return err
		}
		vault = domain.Vault{
			ID:                id,
			Admin:             caller,
			Asset:             p.Asset,
			Strategy:          p.Strategy,
			PerformanceFeeBps: p.PerformanceFeeBps,
			ManagementFeeBps:  p.ManagementFeeBps,
			LastHarvest:       now,
			LastRebalance:     now,
			RebalanceInterval: p.RebalanceInterval,
			TargetLeverageBps: p.TargetLeverageBps,
			MaxSlippageBps:    p.MaxSlippageBps,
			CreatedAt:         now,
		}
		if err := tx.InsertVault(ctx, vault); err != nil {
			return err
		}
		ev = domain.NewEvent(domain.EventVaultCreated, caller, now)
		ev.VaultID = id
		return tx.AppendEvent(ctx, &ev)
	})
	if err != nil {
		return domain.Vault{}, fmt.Errorf("vault_service: create vault: %w", err)
	}
	unlock()

	s.logger.InfoContext(ctx, "vault_service: vault created",
		slog.Uint64("vault_id", vault.ID),
		slog.String("admin", caller.Hex()),
		slog.String("asset", vault.Asset),
		slog.String("strategy", vault.Strategy.String()),
	)
	s.pub.Publish(ctx, ev)
	return vault, nil
}

// Deposit adds amount to the vault and mints shares to caller. An empty
// vault mints 1:1; otherwise shares = floor(amount*total_shares/total_assets).
func (s *VaultService) Deposit(ctx context.Context, caller common.Address, vaultID, amount uint64) (DepositResult, error) {
	if amount == 0 {
		return DepositResult{}, fmt.Errorf("vault_service: deposit vault %d: %w", vaultID, domain.ErrInvalidAmount)
	}
	unlock, err := s.locks.acquire(ctx, vaultLockKey(vaultID), positionLockKey(vaultID, caller))
	if err != nil {
		return DepositResult{}, fmt.Errorf("vault_service: deposit vault %d: %w", vaultID, err)
	}
	defer unlock()

	now := s.now()
	var res DepositResult
	err = s.ledger.Update(ctx, func(tx domain.LedgerTx) error {
		v, err := tx.Vault(ctx, vaultID)
		if err != nil {
			return err
		}
		if v.Paused {
			return domain.ErrVaultPaused
		}

		minted := amount
		if v.TotalShares != 0 {
			if minted, err = fixedpoint.MulDiv(amount, v.TotalShares, v.TotalAssets); err != nil {
				return err
			}
		}
		if v.TotalShares, err = fixedpoint.Add(v.TotalShares, minted); err != nil {
			return err
		}
		if v.TotalAssets, err = fixedpoint.Add(v.TotalAssets, amount); err != nil {
			return err
		}

		pos, ok, err := tx.UserPosition(ctx, vaultID, caller)
		if err != nil {
			return err
		}
		if !ok {
			pos = domain.UserPosition{VaultID: vaultID, User: caller, DepositedAt: now}
		}
		if pos.Shares, err = fixedpoint.Add(pos.Shares, minted); err != nil {
			return err
		}

		if err := tx.PutVault(ctx, v); err != nil {
			return err
		}
		if err := tx.PutUserPosition(ctx, pos); err != nil {
			return err
		}

		res = DepositResult{Vault: v, Position: pos, SharesMinted: minted}
		res.Event = domain.NewEvent(domain.EventDeposit, caller, now)
		res.Event.VaultID = vaultID
		res.Event.Amount = amount
		res.Event.Shares = minted
		return tx.AppendEvent(ctx, &res.Event)
	})
	if err != nil {
		return DepositResult{}, fmt.Errorf("vault_service: deposit vault %d: %w", vaultID, err)
	}
	unlock()

	s.logger.InfoContext(ctx, "vault_service: deposit",
		slog.Uint64("vault_id", vaultID),
		slog.String("user", caller.Hex()),
		slog.Uint64("amount", amount),
		slog.Uint64("shares_minted", res.SharesMinted),
	)
	s.pub.Publish(ctx, res.Event)
	return res, nil
}

// Withdraw redeems shares for floor(shares*total_assets/total_shares).
// It is allowed while the vault is paused.
func (s *VaultService) Withdraw(ctx context.Context, caller common.Address, vaultID, shares uint64) (WithdrawResult, error) {
	if shares == 0 {
		return WithdrawResult{}, fmt.Errorf("vault_service: withdraw vault %d: %w", vaultID, domain.ErrInvalidAmount)
	}
	unlock, err := s.locks.acquire(ctx, vaultLockKey(vaultID), positionLockKey(vaultID, caller))
	if err != nil {
		return WithdrawResult{}, fmt.Errorf("vault_service: withdraw vault %d: %w", vaultID, err)
	}
	defer unlock()

	now := s.now()
	var res WithdrawResult
	err = s.ledger.Update(ctx, func(tx domain.LedgerTx) error {
		v, err := tx.Vault(ctx, vaultID)
		if err != nil {
			return err
		}
		pos, ok, err := tx.UserPosition(ctx, vaultID, caller)
		if err != nil {
			return err
		}
		if !ok || pos.Shares < shares {
			return domain.ErrInsufficientBalance
		}

		out, err := fixedpoint.MulDiv(shares, v.TotalAssets, v.TotalShares)
		if err != nil {
			return err
		}
		if v.TotalShares, err = fixedpoint.Sub(v.TotalShares, shares); err != nil {
			return err
		}
		if v.TotalAssets, err = fixedpoint.Sub(v.TotalAssets, out); err != nil {
			return err
		}
		pos.Shares -= shares

		if err := tx.PutVault(ctx, v); err != nil {
			return err
		}
		if err := tx.PutUserPosition(ctx, pos); err != nil {
			return err
		}

		res = WithdrawResult{Vault: v, Position: pos, AmountOut: out}
		res.Event = domain.NewEvent(domain.EventWithdraw, caller, now)
		res.Event.VaultID = vaultID
		res.Event.Amount = out
		res.Event.Shares = shares
		return tx.AppendEvent(ctx, &res.Event)
	})
	if err != nil {
		return WithdrawResult{}, fmt.Errorf("vault_service: withdraw vault %d: %w", vaultID, err)
	}
	unlock()

	s.logger.InfoContext(ctx, "vault_service: withdraw",
		slog.Uint64("vault_id", vaultID),
		slog.String("user", caller.Hex()),
		slog.Uint64("shares", shares),
		slog.Uint64("amount_out", res.AmountOut),
	)
	s.pub.Publish(ctx, res.Event)
	return res, nil
}

// Harvest books externally realised profit net of the performance fee.
func (s *VaultService) Harvest(ctx context.Context, caller common.Address, vaultID, profit uint64) (HarvestResult, error) {
	unlock, err := s.locks.acquire(ctx, vaultLockKey(vaultID))
	if err != nil {
		return HarvestResult{}, fmt.Errorf("vault_service: harvest vault %d: %w", vaultID, err)
	}
	defer unlock()

	now := s.now()
	var res HarvestResult
	err = s.ledger.Update(ctx, func(tx domain.LedgerTx) error {
		v, err := tx.Vault(ctx, vaultID)
		if err != nil {
			return err
		}
		if caller != v.Admin {
			return domain.ErrNotAuthorized
		}

		fee, err := fixedpoint.ApplyBps(profit, v.PerformanceFeeBps)
		if err != nil {
			return err
		}
		net, err := fixedpoint.Sub(profit, fee)
		if err != nil {
			return err
		}
		if v.TotalAssets, err = fixedpoint.Add(v.TotalAssets, net); err != nil {
			return err
		}
		v.LastHarvest = now

		if err := tx.PutVault(ctx, v); err != nil {
			return err
		}

		res = HarvestResult{Vault: v, Fee: fee, NetProfit: net}
		res.Event = domain.NewEvent(domain.EventHarvest, caller, now)
		res.Event.VaultID = vaultID
		res.Event.Profit = net
		res.Event.Fee = fee
		return tx.AppendEvent(ctx, &res.Event)
	})
	if err != nil {
		return HarvestResult{}, fmt.Errorf("vault_service: harvest vault %d: %w", vaultID, err)
	}
	unlock()

	s.logger.InfoContext(ctx, "vault_service: harvest",
		slog.Uint64("vault_id", vaultID),
		slog.Uint64("profit", profit),
		slog.Uint64("fee", res.Fee),
		slog.Uint64("net_profit", res.NetProfit),
	)
	s.pub.Publish(ctx, res.Event)
	return res, nil
}

// Rebalance records a keeper's rebalance attempt. When quote is nil the
// latest quote for the vault's asset is taken from the quote source.
func (s *VaultService) Rebalance(ctx context.Context, caller common.Address, vaultID uint64, quote *domain.PriceQuote) (RebalanceResult, error) {
	unlock, err := s.locks.acquire(ctx, vaultLockKey(vaultID))
	if err != nil {
		return RebalanceResult{}, fmt.Errorf("vault_service: rebalance vault %d: %w", vaultID, err)
	}
	defer unlock()

	now := s.now()
	var res RebalanceResult
	err = s.ledger.Update(ctx, func(tx domain.LedgerTx) error {
		v, err := tx.Vault(ctx, vaultID)
		if err != nil {
			return err
		}
		if !v.CanRebalance(now) {
			return domain.ErrRebalanceTooSoon
		}
		if quote == nil {
			q, err := s.lookupQuote(ctx, v.Asset)
			if err != nil {
				return err
			}
			quote = &q
		}
		if quote.Confidence == 0 {
			return domain.ErrPriceStale
		}

		v.LastRebalance = now
		if err := tx.PutVault(ctx, v); err != nil {
			return err
		}

		res = RebalanceResult{Vault: v, Action: rebalanceAction(v.Strategy), Price: quote.Price}
		res.Event = domain.NewEvent(domain.EventHarvest, caller, now)
		res.Event.VaultID = vaultID
		res.Event.Price = quote.Price
		return tx.AppendEvent(ctx, &res.Event)
	})
	if err != nil {
		return RebalanceResult{}, fmt.Errorf("vault_service: rebalance vault %d: %w", vaultID, err)
	}
	unlock()

	s.logger.InfoContext(ctx, "vault_service: rebalance",
		slog.Uint64("vault_id", vaultID),
		slog.String("keeper", caller.Hex()),
		slog.String("strategy", res.Vault.Strategy.String()),
		slog.String("action", res.Action),
		slog.Uint64("price", quote.Price),
		slog.Uint64("confidence", quote.Confidence),
	)
	s.pub.Publish(ctx, res.Event)
	return res, nil
}

func (s *VaultService) lookupQuote(ctx context.Context, asset string) (domain.PriceQuote, error) {
	if s.quotes == nil {
		return domain.PriceQuote{}, fmt.Errorf("no quote for %s: %w", asset, domain.ErrPriceStale)
	}
	return s.quotes.LatestQuote(ctx, asset)
}

// rebalanceAction names the off-chain adjustment a strategy calls for.
// Execution itself happens outside this service.
func rebalanceAction(st domain.StrategyType) string {
	switch st {
	case domain.StrategyCLMM:
		return "adjust_range"
	case domain.StrategyDeltaNeutral:
		return "hedge_delta"
	case domain.StrategyFundingRateArb:
		return "rotate_funding"
	default:
		return "none"
	}
}

// Pause blocks further deposits. Withdrawals stay open.
func (s *VaultService) Pause(ctx context.Context, caller common.Address, vaultID uint64) (domain.Vault, error) {
	return s.adminUpdate(ctx, "pause", caller, vaultID, func(v *domain.Vault) (domain.EventKind, error) {
		v.Paused = true
		return domain.EventVaultPaused, nil
	})
}

// Unpause re-opens deposits.
func (s *VaultService) Unpause(ctx context.Context, caller common.Address, vaultID uint64) (domain.Vault, error) {
	return s.adminUpdate(ctx, "unpause", caller, vaultID, func(v *domain.Vault) (domain.EventKind, error) {
		v.Paused = false
		return domain.EventVaultUnpaused, nil
	})
}

// UpdateParams overwrites the vault's risk parameters.
func (s *VaultService) UpdateParams(ctx context.Context, caller common.Address, vaultID uint64, p domain.RiskParams) (domain.Vault, error) {
	return s.adminUpdate(ctx, "update params", caller, vaultID, func(v *domain.Vault) (domain.EventKind, error) {
		if err := p.Validate(); err != nil {
			return "", err
		}
		v.RebalanceInterval = p.RebalanceInterval
		v.TargetLeverageBps = p.TargetLeverageBps
		v.MaxSlippageBps = p.MaxSlippageBps
		return domain.EventVaultParamsUpdated, nil
	})
}

func (s *VaultService) adminUpdate(
	ctx context.Context,
	op string,
	caller common.Address,
	vaultID uint64,
	mutate func(v *domain.Vault) (domain.EventKind, error),
) (domain.Vault, error) {
	unlock, err := s.locks.acquire(ctx, vaultLockKey(vaultID))
	if err != nil {
		return domain.Vault{}, fmt.Errorf("vault_service: %s vault %d: %w", op, vaultID, err)
	}
	defer unlock()

	now := s.now()
	var (
		vault domain.Vault
		ev    domain.Event
	)
	err = s.ledger.Update(ctx, func(tx domain.LedgerTx) error {
		v, err := tx.Vault(ctx, vaultID)
		if err != nil {
			return err
		}
		if caller != v.Admin {
			return domain.ErrNotAuthorized
		}
		kind, err := mutate(&v)
		if err != nil {
			return err
		}
		if err := tx.PutVault(ctx, v); err != nil {
			return err
		}
		vault = v
		ev = domain.NewEvent(kind, caller, now)
		ev.VaultID = vaultID
		return tx.AppendEvent(ctx, &ev)
	})
	if err != nil {
		return domain.Vault{}, fmt.Errorf("vault_service: %s vault %d: %w", op, vaultID, err)
	}
	unlock()

	s.logger.InfoContext(ctx, "vault_service: "+op,
		slog.Uint64("vault_id", vaultID),
		slog.String("admin", caller.Hex()),
	)
	s.pub.Publish(ctx, ev)
	return vault, nil
}

// Vault returns the vault with the given id.
func (s *VaultService) Vault(ctx context.Context, vaultID uint64) (domain.Vault, error) {
	var v domain.Vault
	err := s.ledger.View(ctx, func(r domain.LedgerReader) error {
		var err error
		v, err = r.Vault(ctx, vaultID)
		return err
	})
	if err != nil {
		return domain.Vault{}, fmt.Errorf("vault_service: get vault %d: %w", vaultID, err)
	}
	return v, nil
}

// UserPosition returns ErrPositionNotFound when user never deposited.
func (s *VaultService) UserPosition(ctx context.Context, vaultID uint64, user common.Address) (domain.UserPosition, error) {
	var pos domain.UserPosition
	err := s.ledger.View(ctx, func(r domain.LedgerReader) error {
		if _, err := r.Vault(ctx, vaultID); err != nil {
			return err
		}
		p, ok, err := r.UserPosition(ctx, vaultID, user)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrPositionNotFound
		}
		pos = p
		return nil
	})
	if err != nil {
		return domain.UserPosition{}, fmt.Errorf("vault_service: position %d/%s: %w", vaultID, user.Hex(), err)
	}
	return pos, nil
}

// PreviewWithdraw returns the assets shares would redeem right now.
func (s *VaultService) PreviewWithdraw(ctx context.Context, vaultID, shares uint64) (uint64, error) {
	v, err := s.Vault(ctx, vaultID)
	if err != nil {
		return 0, err
	}
	return fixedpoint.MulDiv(shares, v.TotalAssets, v.TotalShares)
}

// PreviewDeposit returns the shares amount would mint right now.
func (s *VaultService) PreviewDeposit(ctx context.Context, vaultID, amount uint64) (uint64, error) {
	v, err := s.Vault(ctx, vaultID)
	if err != nil {
		return 0, err
	}
	if v.TotalShares == 0 {
		return amount, nil
	}
	return fixedpoint.MulDiv(amount, v.TotalShares, v.TotalAssets)
}

// StrategyType returns the vault's strategy.
func (s *VaultService) StrategyType(ctx context.Context, vaultID uint64) (domain.StrategyType, error) {
	v, err := s.Vault(ctx, vaultID)
	if err != nil {
		return 0, err
	}
	return v.Strategy, nil
}

// CanRebalance reports whether a rebalance would pass the cadence gate now.
func (s *VaultService) CanRebalance(ctx context.Context, vaultID uint64) (bool, error) {
	v, err := s.Vault(ctx, vaultID)
	if err != nil {
		return false, err
	}
	return v.CanRebalance(s.now()), nil
}

// SharePrice returns the assets redeemable for SharePriceScale shares. An
// empty vault prices shares 1:1.
func (s *VaultService) SharePrice(ctx context.Context, vaultID uint64) (uint64, error) {
	v, err := s.Vault(ctx, vaultID)
	if err != nil {
		return 0, err
	}
	if v.TotalShares == 0 {
		return SharePriceScale, nil
	}
	return fixedpoint.MulDiv(SharePriceScale, v.TotalAssets, v.TotalShares)
}

// Registry returns the vault registry totals.
func (s *VaultService) Registry(ctx context.Context) (domain.VaultRegistry, error) {
	var reg domain.VaultRegistry
	err := s.ledger.View(ctx, func(r domain.LedgerReader) error {
		var err error
		reg, err = r.VaultRegistry(ctx)
		return err
	})
	if err != nil {
		return domain.VaultRegistry{}, fmt.Errorf("vault_service: registry: %w", err)
	}
	return reg, nil
}

// Events queries the committed event log.
func (s *VaultService) Events(ctx context.Context, q domain.EventQuery) ([]domain.Event, error) {
	var events []domain.Event
	err := s.ledger.View(ctx, func(r domain.LedgerReader) error {
		var err error
		events, err = r.Events(ctx, q)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("vault_service: events: %w", err)
	}
	return events, nil
}
