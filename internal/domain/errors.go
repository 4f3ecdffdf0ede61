package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrLockHeld      = errors.New("lock already held")
	ErrContextDone   = errors.New("context cancelled")

	ErrNotAuthorized       = errors.New("not authorized")
	ErrVaultNotFound       = errors.New("vault not found")
	ErrPositionNotFound    = errors.New("position not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrVaultPaused         = errors.New("vault paused")
	ErrPriceStale          = errors.New("price stale")
	ErrRebalanceTooSoon    = errors.New("rebalance too soon")
	ErrInvalidFundingRate  = errors.New("invalid funding rate")
	ErrInvalidParams       = errors.New("invalid vault parameters")
	ErrOverflow            = errors.New("arithmetic overflow")
)

// errorCodes maps each sentinel to the stable code surfaced to API callers.
var errorCodes = []struct {
	err  error
	code string
}{
	{ErrNotAuthorized, "NOT_AUTHORIZED"},
	{ErrVaultNotFound, "VAULT_NOT_FOUND"},
	{ErrPositionNotFound, "POSITION_NOT_FOUND"},
	{ErrInsufficientBalance, "INSUFFICIENT_BALANCE"},
	{ErrInvalidAmount, "INVALID_AMOUNT"},
	{ErrVaultPaused, "VAULT_PAUSED"},
	{ErrPriceStale, "PRICE_STALE"},
	{ErrRebalanceTooSoon, "REBALANCE_TOO_SOON"},
	{ErrInvalidFundingRate, "INVALID_FUNDING_RATE"},
	{ErrInvalidParams, "INVALID_PARAMS"},
	{ErrOverflow, "OVERFLOW"},
	{ErrAlreadyExists, "ALREADY_EXISTS"},
	{ErrNotFound, "NOT_FOUND"},
	{ErrLockHeld, "LOCK_HELD"},
	{ErrRateLimited, "RATE_LIMITED"},
}

// ErrorCode returns the stable code for the first sentinel err wraps, or
// "INTERNAL" when it wraps none of them.
func ErrorCode(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return "INTERNAL"
}
