package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// AuditQuery filters audit log reads. Zero fields match everything.
type AuditQuery struct {
	Event   string
	VaultID uint64
	Since   *time.Time
	Until   *time.Time
	Limit   int
	Offset  int
}

// LedgerReader is the read side of the ledger. Inside a write transaction
// reads observe the transaction's own staged writes.
type LedgerReader interface {
	VaultRegistry(ctx context.Context) (VaultRegistry, error)
	ArbRegistry(ctx context.Context) (ArbRegistry, error)
	// Vault returns ErrVaultNotFound when id is unknown.
	Vault(ctx context.Context, id uint64) (Vault, error)
	// UserPosition reports whether the (vault, user) position exists.
	UserPosition(ctx context.Context, vaultID uint64, user common.Address) (UserPosition, bool, error)
	// ArbState reports whether the user has arbitrage state.
	ArbState(ctx context.Context, user common.Address) (UserArbState, bool, error)
	Events(ctx context.Context, q EventQuery) ([]Event, error)
}

// LedgerTx is a single all-or-nothing unit of work.
type LedgerTx interface {
	LedgerReader

	// NextVaultID and NextPositionID hand out monotonic identifiers that are
	// never reused, even when the surrounding transaction aborts.
	NextVaultID(ctx context.Context) (uint64, error)
	NextPositionID(ctx context.Context) (uint64, error)

	// InsertVault returns ErrAlreadyExists when the admin already owns a
	// vault for the same asset.
	InsertVault(ctx context.Context, v Vault) error
	PutVault(ctx context.Context, v Vault) error
	PutUserPosition(ctx context.Context, p UserPosition) error
	PutArbState(ctx context.Context, s UserArbState) error
	AddArbTotals(ctx context.Context, positions, volume uint64) error
	// AppendEvent stages e; e.Seq is set no later than commit.
	AppendEvent(ctx context.Context, e *Event) error
}

// Ledger is the keyed store holding vaults, positions, arbitrage state,
// registries and the event log.
type Ledger interface {
	// Init creates the registry singletons once. Later calls leave the
	// existing registry untouched and return it.
	Init(ctx context.Context, owner common.Address) (VaultRegistry, error)
	// Update runs fn in a transaction committed only when fn returns nil.
	Update(ctx context.Context, fn func(tx LedgerTx) error) error
	View(ctx context.Context, fn func(r LedgerReader) error) error
}

// AuditEntry is a single audit log row. VaultID is lifted out of the
// detail's "vault_id" when present.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	VaultID   uint64         `json:"vault_id,omitempty"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	// List returns matching entries newest first.
	List(ctx context.Context, q AuditQuery) ([]AuditEntry, error)
}
