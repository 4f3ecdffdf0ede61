package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MaxBps is 100% expressed in basis points.
const MaxBps uint64 = 10_000

// StrategyType selects how a vault deploys its pooled assets.
type StrategyType uint8

const (
	StrategyCLMM StrategyType = iota
	StrategyDeltaNeutral
	StrategyArbitrage
	StrategyFundingRateArb
)

var strategyNames = map[StrategyType]string{
	StrategyCLMM:           "clmm",
	StrategyDeltaNeutral:   "delta_neutral",
	StrategyArbitrage:      "arbitrage",
	StrategyFundingRateArb: "funding_rate_arb",
}

func (s StrategyType) String() string {
	if n, ok := strategyNames[s]; ok {
		return n
	}
	return fmt.Sprintf("strategy(%d)", uint8(s))
}

// Valid reports whether s is one of the known strategies.
func (s StrategyType) Valid() bool {
	_, ok := strategyNames[s]
	return ok
}

// ParseStrategyType parses the text form produced by String.
func ParseStrategyType(v string) (StrategyType, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	for s, n := range strategyNames {
		if n == v {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown strategy %q: %w", v, ErrInvalidParams)
}

// MarshalText implements encoding.TextMarshaler.
func (s StrategyType) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("unknown strategy %d: %w", uint8(s), ErrInvalidParams)
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *StrategyType) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategyType(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Vault is a pooled-fund account. TotalAssets can grow without TotalShares
// growing (harvest), which is how yield accrues to existing holders.
type Vault struct {
	ID                uint64         `json:"vault_id"`
	Admin             common.Address `json:"admin"`
	Asset             string         `json:"asset"`
	Strategy          StrategyType   `json:"strategy"`
	TotalShares       uint64         `json:"total_shares"`
	TotalAssets       uint64         `json:"total_assets"`
	PerformanceFeeBps uint64         `json:"performance_fee_bps"`
	ManagementFeeBps  uint64         `json:"management_fee_bps"`
	LastHarvest       time.Time      `json:"last_harvest"`
	LastRebalance     time.Time      `json:"last_rebalance"`
	RebalanceInterval time.Duration  `json:"rebalance_interval"`
	TargetLeverageBps uint64         `json:"target_leverage_bps"`
	MaxSlippageBps    uint64         `json:"max_slippage_bps"`
	Paused            bool           `json:"paused"`
	CreatedAt         time.Time      `json:"created_at"`
}

// NextRebalanceAt is the earliest instant a rebalance is accepted.
func (v Vault) NextRebalanceAt() time.Time {
	return v.LastRebalance.Add(v.RebalanceInterval)
}

// CanRebalance reports whether the rebalance interval has elapsed at now.
func (v Vault) CanRebalance(now time.Time) bool {
	return !now.Before(v.NextRebalanceAt())
}

// VaultParams are the inputs to vault creation.
type VaultParams struct {
	Asset             string        `json:"asset"`
	Strategy          StrategyType  `json:"strategy"`
	PerformanceFeeBps uint64        `json:"performance_fee_bps"`
	ManagementFeeBps  uint64        `json:"management_fee_bps"`
	RebalanceInterval time.Duration `json:"rebalance_interval"`
	TargetLeverageBps uint64        `json:"target_leverage_bps"`
	MaxSlippageBps    uint64        `json:"max_slippage_bps"`
}

// Validate checks the creation-time configuration invariants.
func (p VaultParams) Validate() error {
	var problems []string
	if strings.TrimSpace(p.Asset) == "" {
		problems = append(problems, "asset must not be empty")
	}
	if !p.Strategy.Valid() {
		problems = append(problems, fmt.Sprintf("unknown strategy %d", uint8(p.Strategy)))
	}
	if p.PerformanceFeeBps > MaxBps {
		problems = append(problems, fmt.Sprintf("performance_fee_bps %d exceeds %d", p.PerformanceFeeBps, MaxBps))
	}
	if p.ManagementFeeBps > MaxBps {
		problems = append(problems, fmt.Sprintf("management_fee_bps %d exceeds %d", p.ManagementFeeBps, MaxBps))
	}
	if p.RebalanceInterval < 0 {
		problems = append(problems, "rebalance_interval must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%s: %w", strings.Join(problems, "; "), ErrInvalidParams)
	}
	return nil
}

// RiskParams are the admin-updatable strategy parameters.
type RiskParams struct {
	RebalanceInterval time.Duration `json:"rebalance_interval"`
	TargetLeverageBps uint64        `json:"target_leverage_bps"`
	MaxSlippageBps    uint64        `json:"max_slippage_bps"`
}

// Validate rejects a negative rebalance interval.
func (p RiskParams) Validate() error {
	if p.RebalanceInterval < 0 {
		return fmt.Errorf("rebalance_interval must not be negative: %w", ErrInvalidParams)
	}
	return nil
}

// UserPosition is one user's share balance in one vault.
type UserPosition struct {
	VaultID     uint64         `json:"vault_id"`
	User        common.Address `json:"user"`
	Shares      uint64         `json:"shares"`
	DepositedAt time.Time      `json:"deposited_at"`
}

// VaultRegistry is the deployment-wide vault catalog.
type VaultRegistry struct {
	Owner       common.Address `json:"owner"`
	NextVaultID uint64         `json:"next_vault_id"`
	TotalVaults uint64         `json:"total_vaults"`
}

// PriceQuote is an oracle reading supplied by a keeper or the price cache.
type PriceQuote struct {
	Price      uint64    `json:"price"`
	Confidence uint64    `json:"confidence"`
	UpdatedAt  time.Time `json:"updated_at"`
}
