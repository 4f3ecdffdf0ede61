package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// EventKind names a state transition recorded in the event log.
type EventKind string

const (
	EventDeposit            EventKind = "deposit"
	EventWithdraw           EventKind = "withdraw"
	EventHarvest            EventKind = "harvest"
	EventPositionOpened     EventKind = "position_opened"
	EventPositionClosed     EventKind = "position_closed"
	EventOpportunityFound   EventKind = "opportunity_found"
	EventVaultCreated       EventKind = "vault_created"
	EventVaultPaused        EventKind = "vault_paused"
	EventVaultUnpaused      EventKind = "vault_unpaused"
	EventVaultParamsUpdated EventKind = "vault_params_updated"
)

// Event is an immutable record of a committed state transition. Seq is
// assigned by the ledger on commit and increases strictly.
type Event struct {
	Seq            uint64         `json:"seq"`
	ID             uuid.UUID      `json:"id"`
	Kind           EventKind      `json:"kind"`
	VaultID        uint64         `json:"vault_id,omitempty"`
	User           common.Address `json:"user"`
	Amount         uint64         `json:"amount,omitempty"`
	Shares         uint64         `json:"shares,omitempty"`
	Profit         uint64         `json:"profit,omitempty"`
	Fee            uint64         `json:"fee,omitempty"`
	PositionID     uint64         `json:"position_id,omitempty"`
	Market         string         `json:"market,omitempty"`
	FundingRateBps uint64         `json:"funding_rate_bps,omitempty"`
	Price          uint64         `json:"price,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// NewEvent stamps a fresh event of the given kind.
func NewEvent(kind EventKind, user common.Address, ts time.Time) Event {
	return Event{
		ID:        uuid.New(),
		Kind:      kind,
		User:      user,
		Timestamp: ts,
	}
}

// Detail flattens the event into the map form used by the audit log.
func (e Event) Detail() map[string]any {
	d := map[string]any{
		"event_id":  e.ID.String(),
		"seq":       e.Seq,
		"user":      e.User.Hex(),
		"timestamp": e.Timestamp.UTC().Format(time.RFC3339),
	}
	if e.VaultID != 0 {
		d["vault_id"] = e.VaultID
	}
	if e.Amount != 0 {
		d["amount"] = e.Amount
	}
	if e.Shares != 0 {
		d["shares"] = e.Shares
	}
	if e.Profit != 0 {
		d["profit"] = e.Profit
	}
	if e.Fee != 0 {
		d["fee"] = e.Fee
	}
	if e.PositionID != 0 {
		d["position_id"] = e.PositionID
	}
	if e.Market != "" {
		d["market"] = e.Market
	}
	if e.FundingRateBps != 0 {
		d["funding_rate_bps"] = e.FundingRateBps
	}
	if e.Price != 0 {
		d["price"] = e.Price
	}
	return d
}

// EventQuery filters event log reads. Zero values mean "no filter".
type EventQuery struct {
	VaultID  uint64
	User     *common.Address
	AfterSeq uint64
	Before   *time.Time
	Limit    int
}

// Matches reports whether e passes every filter in q other than Limit.
func (q EventQuery) Matches(e Event) bool {
	if q.VaultID != 0 && e.VaultID != q.VaultID {
		return false
	}
	if q.User != nil && e.User != *q.User {
		return false
	}
	if e.Seq <= q.AfterSeq {
		return false
	}
	if q.Before != nil && !e.Timestamp.Before(*q.Before) {
		return false
	}
	return true
}
