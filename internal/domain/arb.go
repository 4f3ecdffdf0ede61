package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MinFundingRateBps is the smallest funding rate worth opening or reporting.
const MinFundingRateBps uint64 = 10

// SecondsPerDay is the accrual period of the recorded funding rate.
const SecondsPerDay uint64 = 86_400

// PositionSide is the perpetual leg direction of an arbitrage position.
type PositionSide string

const (
	SideLong  PositionSide = "long"
	SideShort PositionSide = "short"
)

// ArbPosition is one funding-rate arbitrage position. Closed positions stay
// in the owner's list with Active=false.
type ArbPosition struct {
	ID             uint64       `json:"position_id"`
	Market         string       `json:"market"`
	Side           PositionSide `json:"side"`
	Size           uint64       `json:"size"`
	EntryPrice     uint64       `json:"entry_price"`
	EntryTimestamp time.Time    `json:"entry_timestamp"`
	FundingRateBps uint64       `json:"funding_rate_bps"`
	ExpectedProfit uint64       `json:"expected_profit"`
	Collateral     uint64       `json:"collateral"`
	Active         bool         `json:"is_active"`
	ExitPrice      uint64       `json:"exit_price,omitempty"`
	ClosedAt       *time.Time   `json:"closed_at,omitempty"`
	RealizedProfit uint64       `json:"realized_profit,omitempty"`
}

// UserArbState owns a user's arbitrage history and running totals.
type UserArbState struct {
	User            common.Address `json:"user"`
	Positions       []ArbPosition  `json:"positions"`
	PositionCount   uint64         `json:"position_count"`
	TotalProfit     uint64         `json:"total_profit"`
	TotalCollateral uint64         `json:"total_collateral"`
}

// Clone returns a deep copy so staged writes never alias committed state.
func (s UserArbState) Clone() UserArbState {
	out := s
	out.Positions = make([]ArbPosition, len(s.Positions))
	copy(out.Positions, s.Positions)
	return out
}

// ArbRegistry holds the deployment-wide arbitrage counters.
type ArbRegistry struct {
	NextPositionID uint64 `json:"next_position_id"`
	TotalPositions uint64 `json:"total_positions"`
	TotalVolume    uint64 `json:"total_volume"`
}

// OpenPositionRequest carries the inputs of an open-position call.
type OpenPositionRequest struct {
	Market         string `json:"market"`
	FundingRateBps uint64 `json:"funding_rate"`
	Size           uint64 `json:"size"`
	Collateral     uint64 `json:"collateral"`
	EntryPrice     uint64 `json:"entry_price"`
}

// Opportunity is a keeper-reported funding-rate opportunity.
type Opportunity struct {
	Market          string `json:"market"`
	FundingRateBps  uint64 `json:"funding_rate"`
	PredictedProfit uint64 `json:"predicted_profit"`
}
