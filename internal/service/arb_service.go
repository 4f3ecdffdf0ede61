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

// OpenPositionResult is returned by OpenPosition. Index addresses the
// position in the owner's list for ClosePosition.
type OpenPositionResult struct {
	Index    uint64             `json:"index"`
	Position domain.ArbPosition `json:"position"`
	Event    domain.Event       `json:"event"`
}

// ArbService keeps the funding-rate arbitrage position ledger: per-user
// position lists, realised funding profit and the global arb registry.
type ArbService struct {
	ledger domain.Ledger
	locks  locker
	pub    *Publisher
	clock  func() time.Time
	logger *slog.Logger
}

// NewArbService creates an ArbService with all required dependencies.
func NewArbService(
	ledger domain.Ledger,
	locks domain.LockManager,
	pub *Publisher,
	lockCfg LockConfig,
	logger *slog.Logger,
) *ArbService {
	return &ArbService{
		ledger: ledger,
		locks:  locker{mgr: locks, cfg: lockCfg},
		pub:    pub,
		clock:  time.Now,
		logger: logger,
	}
}

// WithClock overrides the time source.
func (s *ArbService) WithClock(clock func() time.Time) *ArbService {
	s.clock = clock
	return s
}

func (s *ArbService) now() time.Time {
	return s.clock().UTC().Truncate(time.Second)
}

// OpenPosition appends an active position to caller's list. The side is
// always long regardless of the funding rate's direction.
func (s *ArbService) OpenPosition(ctx context.Context, caller common.Address, req domain.OpenPositionRequest) (OpenPositionResult, error) {
	if req.FundingRateBps < domain.MinFundingRateBps {
		return OpenPositionResult{}, fmt.Errorf("arb_service: open position rate %d bps: %w", req.FundingRateBps, domain.ErrInvalidFundingRate)
	}
	if req.Size == 0 {
		return OpenPositionResult{}, fmt.Errorf("arb_service: open position: %w", domain.ErrInvalidAmount)
	}

	unlock, err := s.locks.acquire(ctx, arbLockKey(caller))
	if err != nil {
		return OpenPositionResult{}, fmt.Errorf("arb_service: open position: %w", err)
	}
	defer unlock()

	now := s.now()
	var res OpenPositionResult
	err = s.ledger.Update(ctx, func(tx domain.LedgerTx) error {
		expected, err := fixedpoint.ApplyBps(req.Size, req.FundingRateBps)
		if err != nil {
			return err
		}
		reg, err := tx.ArbRegistry(ctx)
		if err != nil {
			return err
		}
		if _, err := fixedpoint.Add(reg.TotalVolume, req.Size); err != nil {
			return err
		}

		state, ok, err := tx.ArbState(ctx, caller)
		if err != nil {
			return err
		}
		if !ok {
			state = domain.UserArbState{User: caller}
		}
		if state.TotalCollateral, err = fixedpoint.Add(state.TotalCollateral, req.Collateral); err != nil {
			return err
		}

		id, err := tx.NextPositionID(ctx)
		if err != nil {
			return err
		}
		pos := domain.ArbPosition{
			ID:             id,
			Market:         req.Market,
			Side:           domain.SideLong,
			Size:           req.Size,
			EntryPrice:     req.EntryPrice,
			EntryTimestamp: now,
			FundingRateBps: req.FundingRateBps,
			ExpectedProfit: expected,
			Collateral:     req.Collateral,
			Active:         true,
		}
		state.Positions = append(state.Positions, pos)
		state.PositionCount++

		if err := tx.PutArbState(ctx, state); err != nil {
			return err
		}
		if err := tx.AddArbTotals(ctx, 1, req.Size); err != nil {
			return err
		}

		res = OpenPositionResult{Index: uint64(len(state.Positions) - 1), Position: pos}
		res.Event = domain.NewEvent(domain.EventPositionOpened, caller, now)
		res.Event.PositionID = id
		res.Event.Market = req.Market
		res.Event.Amount = req.Size
		res.Event.FundingRateBps = req.FundingRateBps
		res.Event.Price = req.EntryPrice
		res.Event.Profit = expected
		return tx.AppendEvent(ctx, &res.Event)
	})
	if err != nil {
		return OpenPositionResult{}, fmt.Errorf("arb_service: open position: %w", err)
	}
	unlock()

	s.logger.InfoContext(ctx, "arb_service: position opened",
		slog.String("user", caller.Hex()),
		slog.Uint64("position_id", res.Position.ID),
		slog.String("market", req.Market),
		slog.Uint64("size", req.Size),
		slog.Uint64("funding_rate_bps", req.FundingRateBps),
		slog.Uint64("expected_profit", res.Position.ExpectedProfit),
	)
	s.pub.Publish(ctx, res.Event)
	return res, nil
}

// ClosePosition deactivates the position at index and books funding
// accrued while it was held: floor(rate*size*seconds/(10000*86400)). The
// exit price is recorded but does not enter the profit.
func (s *ArbService) ClosePosition(ctx context.Context, caller common.Address, index, exitPrice uint64) (domain.ArbPosition, error) {
	unlock, err := s.locks.acquire(ctx, arbLockKey(caller))
	if err != nil {
		return domain.ArbPosition{}, fmt.Errorf("arb_service: close position %d: %w", index, err)
	}
	defer unlock()

	now := s.now()
	var (
		closed domain.ArbPosition
		ev     domain.Event
	)
	err = s.ledger.Update(ctx, func(tx domain.LedgerTx) error {
		state, ok, err := tx.ArbState(ctx, caller)
		if err != nil {
			return err
		}
		if !ok || index >= uint64(len(state.Positions)) || !state.Positions[index].Active {
			return domain.ErrPositionNotFound
		}
		pos := state.Positions[index]

		var held uint64
		if d := now.Sub(pos.EntryTimestamp); d > 0 {
			held = uint64(d / time.Second)
		}
		profit, err := fixedpoint.MulDiv3(pos.FundingRateBps, pos.Size, held, domain.MaxBps*domain.SecondsPerDay)
		if err != nil {
			return err
		}
		if state.TotalProfit, err = fixedpoint.Add(state.TotalProfit, profit); err != nil {
			return err
		}
		if state.TotalCollateral, err = fixedpoint.Sub(state.TotalCollateral, pos.Collateral); err != nil {
			return err
		}

		closedAt := now
		pos.Active = false
		pos.ExitPrice = exitPrice
		pos.ClosedAt = &closedAt
		pos.RealizedProfit = profit
		state.Positions[index] = pos

		if err := tx.PutArbState(ctx, state); err != nil {
			return err
		}
		closed = pos
		ev = domain.NewEvent(domain.EventPositionClosed, caller, now)
		ev.PositionID = pos.ID
		ev.Market = pos.Market
		ev.Amount = pos.Size
		ev.FundingRateBps = pos.FundingRateBps
		ev.Price = exitPrice
		ev.Profit = profit
		return tx.AppendEvent(ctx, &ev)
	})
	if err != nil {
		return domain.ArbPosition{}, fmt.Errorf("arb_service: close position %d: %w", index, err)
	}
	unlock()

	s.logger.InfoContext(ctx, "arb_service: position closed",
		slog.String("user", caller.Hex()),
		slog.Uint64("position_id", closed.ID),
		slog.Uint64("realized_profit", closed.RealizedProfit),
		slog.Uint64("exit_price", exitPrice),
	)
	s.pub.Publish(ctx, ev)
	return closed, nil
}

// RecordOpportunity logs a keeper-reported opportunity. Rates below
// MinFundingRateBps are dropped without error and report false.
func (s *ArbService) RecordOpportunity(ctx context.Context, caller common.Address, opp domain.Opportunity) (bool, error) {
	if opp.FundingRateBps < domain.MinFundingRateBps {
		s.logger.DebugContext(ctx, "arb_service: opportunity below threshold",
			slog.String("market", opp.Market),
			slog.Uint64("funding_rate_bps", opp.FundingRateBps),
		)
		return false, nil
	}

	ev := domain.NewEvent(domain.EventOpportunityFound, caller, s.now())
	ev.Market = opp.Market
	ev.FundingRateBps = opp.FundingRateBps
	ev.Profit = opp.PredictedProfit
	err := s.ledger.Update(ctx, func(tx domain.LedgerTx) error {
		return tx.AppendEvent(ctx, &ev)
	})
	if err != nil {
		return false, fmt.Errorf("arb_service: record opportunity: %w", err)
	}

	s.pub.Publish(ctx, ev)
	return true, nil
}

// UserState returns the user's arbitrage state, empty when none exists.
func (s *ArbService) UserState(ctx context.Context, user common.Address) (domain.UserArbState, error) {
	state := domain.UserArbState{User: user, Positions: []domain.ArbPosition{}}
	err := s.ledger.View(ctx, func(r domain.LedgerReader) error {
		st, ok, err := r.ArbState(ctx, user)
		if err != nil {
			return err
		}
		if ok {
			state = st
		}
		return nil
	})
	if err != nil {
		return domain.UserArbState{}, fmt.Errorf("arb_service: user state %s: %w", user.Hex(), err)
	}
	return state, nil
}

// UserPositionCount returns 0 for users that never opened a position.
func (s *ArbService) UserPositionCount(ctx context.Context, user common.Address) (uint64, error) {
	st, err := s.UserState(ctx, user)
	if err != nil {
		return 0, err
	}
	return st.PositionCount, nil
}

// UserTotalProfit returns 0 for users that never opened a position.
func (s *ArbService) UserTotalProfit(ctx context.Context, user common.Address) (uint64, error) {
	st, err := s.UserState(ctx, user)
	if err != nil {
		return 0, err
	}
	return st.TotalProfit, nil
}

// Registry returns the arbitrage registry totals.
func (s *ArbService) Registry(ctx context.Context) (domain.ArbRegistry, error) {
	var reg domain.ArbRegistry
	err := s.ledger.View(ctx, func(r domain.LedgerReader) error {
		var err error
		reg, err = r.ArbRegistry(ctx)
		return err
	})
	if err != nil {
		return domain.ArbRegistry{}, fmt.Errorf("arb_service: registry: %w", err)
	}
	return reg, nil
}
