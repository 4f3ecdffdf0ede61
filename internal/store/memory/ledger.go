// Package memory implements domain.Ledger in process memory. Writes made
// inside Update are staged on the transaction and applied in a single
// critical section only when the closure succeeds.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/vaultd/internal/domain"
	"github.com/alanyoungcy/vaultd/internal/registry"
)

type positionKey struct {
	vaultID uint64
	user    common.Address
}

type assetKey struct {
	admin common.Address
	asset string
}

// Ledger is an in-memory domain.Ledger.
type Ledger struct {
	mu sync.RWMutex

	initialized bool
	owner       common.Address
	totalVaults uint64
	arbTotals   domain.ArbRegistry

	vaultSeq    *registry.Sequence
	positionSeq *registry.Sequence

	vaults       map[uint64]domain.Vault
	byAdminAsset map[assetKey]uint64
	positions    map[positionKey]domain.UserPosition
	arb          map[common.Address]domain.UserArbState
	events       []domain.Event
	lastSeq      uint64
}

// NewLedger returns an empty, uninitialised ledger.
func NewLedger() *Ledger {
	return &Ledger{
		vaultSeq:     registry.NewSequence(1),
		positionSeq:  registry.NewSequence(1),
		vaults:       make(map[uint64]domain.Vault),
		byAdminAsset: make(map[assetKey]uint64),
		positions:    make(map[positionKey]domain.UserPosition),
		arb:          make(map[common.Address]domain.UserArbState),
	}
}

// Init records the registry owner on first call only.
func (l *Ledger) Init(_ context.Context, owner common.Address) (domain.VaultRegistry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.initialized {
		l.initialized = true
		l.owner = owner
	}
	return l.vaultRegistryLocked(), nil
}

// Update runs fn against a staging transaction and commits on success.
func (l *Ledger) Update(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	t := newTx(l)
	if err := fn(t); err != nil {
		return err
	}
	return l.commit(t)
}

// View runs fn against the committed state.
func (l *Ledger) View(_ context.Context, fn func(r domain.LedgerReader) error) error {
	return fn(newTx(l))
}

func (l *Ledger) vaultRegistryLocked() domain.VaultRegistry {
	return domain.VaultRegistry{
		Owner:       l.owner,
		NextVaultID: l.vaultSeq.Peek(),
		TotalVaults: l.totalVaults,
	}
}

func (l *Ledger) commit(t *tx) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, id := range t.inserted {
		v := t.vaults[id]
		k := assetKey{admin: v.Admin, asset: v.Asset}
		if existing, ok := l.byAdminAsset[k]; ok && existing != id {
			return fmt.Errorf("memory: vault for %s/%s: %w", v.Admin.Hex(), v.Asset, domain.ErrAlreadyExists)
		}
	}

	for _, id := range t.inserted {
		v := t.vaults[id]
		l.byAdminAsset[assetKey{admin: v.Admin, asset: v.Asset}] = id
		l.totalVaults++
	}
	for id, v := range t.vaults {
		l.vaults[id] = v
	}
	for k, p := range t.positions {
		l.positions[k] = p
	}
	for u, s := range t.arb {
		l.arb[u] = s
	}
	l.arbTotals.TotalPositions += t.arbPositions
	l.arbTotals.TotalVolume += t.arbVolume
	for _, e := range t.events {
		l.lastSeq++
		e.Seq = l.lastSeq
		l.events = append(l.events, *e)
	}
	return nil
}

// tx stages writes over the committed state of its ledger.
type tx struct {
	l *Ledger

	vaults       map[uint64]domain.Vault
	inserted     []uint64
	positions    map[positionKey]domain.UserPosition
	arb          map[common.Address]domain.UserArbState
	arbPositions uint64
	arbVolume    uint64
	events       []*domain.Event
}

func newTx(l *Ledger) *tx {
	return &tx{
		l:         l,
		vaults:    make(map[uint64]domain.Vault),
		positions: make(map[positionKey]domain.UserPosition),
		arb:       make(map[common.Address]domain.UserArbState),
	}
}

func (t *tx) VaultRegistry(_ context.Context) (domain.VaultRegistry, error) {
	t.l.mu.RLock()
	defer t.l.mu.RUnlock()
	if !t.l.initialized {
		return domain.VaultRegistry{}, fmt.Errorf("memory: vault registry: %w", domain.ErrNotFound)
	}
	reg := t.l.vaultRegistryLocked()
	reg.TotalVaults += uint64(len(t.inserted))
	return reg, nil
}

func (t *tx) ArbRegistry(_ context.Context) (domain.ArbRegistry, error) {
	t.l.mu.RLock()
	defer t.l.mu.RUnlock()
	return domain.ArbRegistry{
		NextPositionID: t.l.positionSeq.Peek(),
		TotalPositions: t.l.arbTotals.TotalPositions + t.arbPositions,
		TotalVolume:    t.l.arbTotals.TotalVolume + t.arbVolume,
	}, nil
}

func (t *tx) Vault(_ context.Context, id uint64) (domain.Vault, error) {
	if v, ok := t.vaults[id]; ok {
		return v, nil
	}
	t.l.mu.RLock()
	defer t.l.mu.RUnlock()
	v, ok := t.l.vaults[id]
	if !ok {
		return domain.Vault{}, fmt.Errorf("memory: vault %d: %w", id, domain.ErrVaultNotFound)
	}
	return v, nil
}

func (t *tx) UserPosition(_ context.Context, vaultID uint64, user common.Address) (domain.UserPosition, bool, error) {
	k := positionKey{vaultID: vaultID, user: user}
	if p, ok := t.positions[k]; ok {
		return p, true, nil
	}
	t.l.mu.RLock()
	defer t.l.mu.RUnlock()
	p, ok := t.l.positions[k]
	return p, ok, nil
}

func (t *tx) ArbState(_ context.Context, user common.Address) (domain.UserArbState, bool, error) {
	if s, ok := t.arb[user]; ok {
		return s.Clone(), true, nil
	}
	t.l.mu.RLock()
	defer t.l.mu.RUnlock()
	s, ok := t.l.arb[user]
	if !ok {
		return domain.UserArbState{}, false, nil
	}
	return s.Clone(), true, nil
}

func (t *tx) Events(_ context.Context, q domain.EventQuery) ([]domain.Event, error) {
	t.l.mu.RLock()
	defer t.l.mu.RUnlock()

	out := make([]domain.Event, 0)
	for _, e := range t.l.events {
		if !q.Matches(e) {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (t *tx) NextVaultID(_ context.Context) (uint64, error) {
	return t.l.vaultSeq.Next(), nil
}

func (t *tx) NextPositionID(_ context.Context) (uint64, error) {
	return t.l.positionSeq.Next(), nil
}

func (t *tx) InsertVault(_ context.Context, v domain.Vault) error {
	for _, id := range t.inserted {
		s := t.vaults[id]
		if s.Admin == v.Admin && s.Asset == v.Asset {
			return fmt.Errorf("memory: vault for %s/%s: %w", v.Admin.Hex(), v.Asset, domain.ErrAlreadyExists)
		}
	}
	t.l.mu.RLock()
	_, dup := t.l.byAdminAsset[assetKey{admin: v.Admin, asset: v.Asset}]
	_, taken := t.l.vaults[v.ID]
	t.l.mu.RUnlock()
	if dup || taken {
		return fmt.Errorf("memory: vault for %s/%s: %w", v.Admin.Hex(), v.Asset, domain.ErrAlreadyExists)
	}
	t.vaults[v.ID] = v
	t.inserted = append(t.inserted, v.ID)
	return nil
}

func (t *tx) PutVault(ctx context.Context, v domain.Vault) error {
	if _, err := t.Vault(ctx, v.ID); err != nil {
		return err
	}
	t.vaults[v.ID] = v
	return nil
}

func (t *tx) PutUserPosition(_ context.Context, p domain.UserPosition) error {
	t.positions[positionKey{vaultID: p.VaultID, user: p.User}] = p
	return nil
}

func (t *tx) PutArbState(_ context.Context, s domain.UserArbState) error {
	t.arb[s.User] = s.Clone()
	return nil
}

func (t *tx) AddArbTotals(_ context.Context, positions, volume uint64) error {
	t.arbPositions += positions
	t.arbVolume += volume
	return nil
}

func (t *tx) AppendEvent(_ context.Context, e *domain.Event) error {
	t.events = append(t.events, e)
	return nil
}

var _ domain.Ledger = (*Ledger)(nil)
