package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/vaultd/internal/domain"
)

// eventsLockKey serialises event appends so seq order matches commit order.
const eventsLockKey = 0x7661756c74 // "vault"

// Ledger implements domain.Ledger. Every Update runs in one pgx transaction;
// rows read inside it are locked with SELECT ... FOR UPDATE.
type Ledger struct {
	pool *pgxpool.Pool
}

// NewLedger creates a Ledger backed by the given connection pool.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Init inserts the registry rows if they are missing.
func (l *Ledger) Init(ctx context.Context, owner common.Address) (domain.VaultRegistry, error) {
	var reg domain.VaultRegistry
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO vault_registry (id, owner) VALUES (1, $1) ON CONFLICT (id) DO NOTHING`,
			owner.Hex(),
		); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `INSERT INTO arb_registry (id) VALUES (1) ON CONFLICT (id) DO NOTHING`); err != nil {
			return err
		}
		var err error
		reg, err = (&ledgerTx{q: tx}).VaultRegistry(ctx)
		return err
	})
	if err != nil {
		return domain.VaultRegistry{}, fmt.Errorf("postgres: init registries: %w", err)
	}
	return reg, nil
}

// Update runs fn in a read-write transaction.
func (l *Ledger) Update(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	return pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		return fn(&ledgerTx{q: tx, forUpdate: true})
	})
}

// View runs fn in a read-only repeatable-read transaction.
func (l *Ledger) View(ctx context.Context, fn func(r domain.LedgerReader) error) error {
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	return pgx.BeginTxFunc(ctx, l.pool, opts, func(tx pgx.Tx) error {
		return fn(&ledgerTx{q: tx})
	})
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type ledgerTx struct {
	q            querier
	forUpdate    bool
	eventsLocked bool
}

func (t *ledgerTx) lockClause() string {
	if t.forUpdate {
		return " FOR UPDATE"
	}
	return ""
}

// nextFromSequence reports the value nextval would return without
// consuming it.
func (t *ledgerTx) nextFromSequence(ctx context.Context, seq string) (uint64, error) {
	var (
		last     int64
		isCalled bool
	)
	if err := t.q.QueryRow(ctx, "SELECT last_value, is_called FROM "+seq).Scan(&last, &isCalled); err != nil {
		return 0, err
	}
	if isCalled {
		last++
	}
	return uint64(last), nil
}

func (t *ledgerTx) VaultRegistry(ctx context.Context) (domain.VaultRegistry, error) {
	var (
		reg   domain.VaultRegistry
		owner string
	)
	err := t.q.QueryRow(ctx, `SELECT owner, total_vaults FROM vault_registry WHERE id = 1`).Scan(&owner, &reg.TotalVaults)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.VaultRegistry{}, fmt.Errorf("postgres: vault registry: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.VaultRegistry{}, fmt.Errorf("postgres: vault registry: %w", err)
	}
	reg.Owner = common.HexToAddress(owner)
	if reg.NextVaultID, err = t.nextFromSequence(ctx, "vault_id_seq"); err != nil {
		return domain.VaultRegistry{}, fmt.Errorf("postgres: vault id sequence: %w", err)
	}
	return reg, nil
}

func (t *ledgerTx) ArbRegistry(ctx context.Context) (domain.ArbRegistry, error) {
	var reg domain.ArbRegistry
	err := t.q.QueryRow(ctx,
		`SELECT total_positions, total_volume FROM arb_registry WHERE id = 1`,
	).Scan(&reg.TotalPositions, &reg.TotalVolume)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ArbRegistry{}, fmt.Errorf("postgres: arb registry: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.ArbRegistry{}, fmt.Errorf("postgres: arb registry: %w", err)
	}
	if reg.NextPositionID, err = t.nextFromSequence(ctx, "arb_position_id_seq"); err != nil {
		return domain.ArbRegistry{}, fmt.Errorf("postgres: position id sequence: %w", err)
	}
	return reg, nil
}

const vaultSelectCols = `id, admin, asset, strategy, total_shares, total_assets,
	performance_fee_bps, management_fee_bps, last_harvest, last_rebalance,
	rebalance_interval_secs, target_leverage_bps, max_slippage_bps, paused, created_at`

func (t *ledgerTx) Vault(ctx context.Context, id uint64) (domain.Vault, error) {
	var (
		v            domain.Vault
		admin        string
		strategy     string
		intervalSecs int64
	)
	err := t.q.QueryRow(ctx,
		`SELECT `+vaultSelectCols+` FROM vaults WHERE id = $1`+t.lockClause(), id,
	).Scan(
		&v.ID, &admin, &v.Asset, &strategy, &v.TotalShares, &v.TotalAssets,
		&v.PerformanceFeeBps, &v.ManagementFeeBps, &v.LastHarvest, &v.LastRebalance,
		&intervalSecs, &v.TargetLeverageBps, &v.MaxSlippageBps, &v.Paused, &v.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Vault{}, fmt.Errorf("postgres: vault %d: %w", id, domain.ErrVaultNotFound)
	}
	if err != nil {
		return domain.Vault{}, fmt.Errorf("postgres: vault %d: %w", id, err)
	}
	v.Admin = common.HexToAddress(admin)
	if v.Strategy, err = domain.ParseStrategyType(strategy); err != nil {
		return domain.Vault{}, fmt.Errorf("postgres: vault %d: %w", id, err)
	}
	v.RebalanceInterval = time.Duration(intervalSecs) * time.Second
	v.LastHarvest = v.LastHarvest.UTC()
	v.LastRebalance = v.LastRebalance.UTC()
	v.CreatedAt = v.CreatedAt.UTC()
	return v, nil
}

func (t *ledgerTx) UserPosition(ctx context.Context, vaultID uint64, user common.Address) (domain.UserPosition, bool, error) {
	p := domain.UserPosition{VaultID: vaultID, User: user}
	err := t.q.QueryRow(ctx,
		`SELECT shares, deposited_at FROM user_positions WHERE vault_id = $1 AND user_addr = $2`+t.lockClause(),
		vaultID, user.Hex(),
	).Scan(&p.Shares, &p.DepositedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.UserPosition{}, false, nil
	}
	if err != nil {
		return domain.UserPosition{}, false, fmt.Errorf("postgres: position %d/%s: %w", vaultID, user.Hex(), err)
	}
	p.DepositedAt = p.DepositedAt.UTC()
	return p, true, nil
}

const arbPositionCols = `id, market, side, size, entry_price, entry_timestamp,
	funding_rate_bps, expected_profit, collateral, active, exit_price, closed_at, realized_profit`

func (t *ledgerTx) ArbState(ctx context.Context, user common.Address) (domain.UserArbState, bool, error) {
	s := domain.UserArbState{User: user}
	err := t.q.QueryRow(ctx,
		`SELECT position_count, total_profit, total_collateral FROM arb_states WHERE user_addr = $1`+t.lockClause(),
		user.Hex(),
	).Scan(&s.PositionCount, &s.TotalProfit, &s.TotalCollateral)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.UserArbState{}, false, nil
	}
	if err != nil {
		return domain.UserArbState{}, false, fmt.Errorf("postgres: arb state %s: %w", user.Hex(), err)
	}

	rows, err := t.q.Query(ctx,
		`SELECT `+arbPositionCols+` FROM arb_positions WHERE user_addr = $1 ORDER BY idx`,
		user.Hex(),
	)
	if err != nil {
		return domain.UserArbState{}, false, fmt.Errorf("postgres: arb positions %s: %w", user.Hex(), err)
	}
	s.Positions, err = pgx.CollectRows(rows, scanArbPosition)
	if err != nil {
		return domain.UserArbState{}, false, fmt.Errorf("postgres: scan arb positions %s: %w", user.Hex(), err)
	}
	return s, true, nil
}

func scanArbPosition(row pgx.CollectableRow) (domain.ArbPosition, error) {
	var (
		p    domain.ArbPosition
		side string
	)
	err := row.Scan(
		&p.ID, &p.Market, &side, &p.Size, &p.EntryPrice, &p.EntryTimestamp,
		&p.FundingRateBps, &p.ExpectedProfit, &p.Collateral, &p.Active,
		&p.ExitPrice, &p.ClosedAt, &p.RealizedProfit,
	)
	if err != nil {
		return domain.ArbPosition{}, err
	}
	p.Side = domain.PositionSide(side)
	p.EntryTimestamp = p.EntryTimestamp.UTC()
	if p.ClosedAt != nil {
		c := p.ClosedAt.UTC()
		p.ClosedAt = &c
	}
	return p, nil
}

const eventCols = `seq, id, kind, vault_id, user_addr, amount, shares, profit, fee,
	position_id, market, funding_rate_bps, price, ts`

func (t *ledgerTx) Events(ctx context.Context, q domain.EventQuery) ([]domain.Event, error) {
	query := `SELECT ` + eventCols + ` FROM events WHERE seq > $1`
	args := []any{q.AfterSeq}
	argIdx := 2

	if q.VaultID != 0 {
		query += fmt.Sprintf(" AND vault_id = $%d", argIdx)
		args = append(args, q.VaultID)
		argIdx++
	}
	if q.User != nil {
		query += fmt.Sprintf(" AND user_addr = $%d", argIdx)
		args = append(args, q.User.Hex())
		argIdx++
	}
	if q.Before != nil {
		query += fmt.Sprintf(" AND ts < $%d", argIdx)
		args = append(args, *q.Before)
		argIdx++
	}
	query += " ORDER BY seq"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, q.Limit)
	}

	rows, err := t.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Event, error) {
		var (
			e    domain.Event
			kind string
			user string
		)
		err := row.Scan(
			&e.Seq, &e.ID, &kind, &e.VaultID, &user, &e.Amount, &e.Shares, &e.Profit, &e.Fee,
			&e.PositionID, &e.Market, &e.FundingRateBps, &e.Price, &e.Timestamp,
		)
		e.Kind = domain.EventKind(kind)
		e.User = common.HexToAddress(user)
		e.Timestamp = e.Timestamp.UTC()
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan events: %w", err)
	}
	return events, nil
}

func (t *ledgerTx) NextVaultID(ctx context.Context) (uint64, error) {
	var id uint64
	if err := t.q.QueryRow(ctx, `SELECT nextval('vault_id_seq')`).Scan(&id); err != nil {
		return 0, fmt.Errorf("postgres: next vault id: %w", err)
	}
	return id, nil
}

func (t *ledgerTx) NextPositionID(ctx context.Context) (uint64, error) {
	var id uint64
	if err := t.q.QueryRow(ctx, `SELECT nextval('arb_position_id_seq')`).Scan(&id); err != nil {
		return 0, fmt.Errorf("postgres: next position id: %w", err)
	}
	return id, nil
}

func (t *ledgerTx) InsertVault(ctx context.Context, v domain.Vault) error {
	const query = `
		INSERT INTO vaults (` + vaultSelectCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err := t.q.Exec(ctx, query,
		v.ID, v.Admin.Hex(), v.Asset, v.Strategy.String(), v.TotalShares, v.TotalAssets,
		v.PerformanceFeeBps, v.ManagementFeeBps, v.LastHarvest, v.LastRebalance,
		int64(v.RebalanceInterval/time.Second), v.TargetLeverageBps, v.MaxSlippageBps, v.Paused, v.CreatedAt,
	)
	if isDuplicateKeyError(err) {
		return fmt.Errorf("postgres: vault for %s/%s: %w", v.Admin.Hex(), v.Asset, domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("postgres: insert vault %d: %w", v.ID, err)
	}
	if _, err := t.q.Exec(ctx, `UPDATE vault_registry SET total_vaults = total_vaults + 1 WHERE id = 1`); err != nil {
		return fmt.Errorf("postgres: bump total vaults: %w", err)
	}
	return nil
}

func (t *ledgerTx) PutVault(ctx context.Context, v domain.Vault) error {
	const query = `
		UPDATE vaults SET
			total_shares = $2, total_assets = $3, last_harvest = $4, last_rebalance = $5,
			rebalance_interval_secs = $6, target_leverage_bps = $7, max_slippage_bps = $8,
			paused = $9, updated_at = NOW()
		WHERE id = $1`
	tag, err := t.q.Exec(ctx, query,
		v.ID, v.TotalShares, v.TotalAssets, v.LastHarvest, v.LastRebalance,
		int64(v.RebalanceInterval/time.Second), v.TargetLeverageBps, v.MaxSlippageBps, v.Paused,
	)
	if err != nil {
		return fmt.Errorf("postgres: update vault %d: %w", v.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update vault %d: %w", v.ID, domain.ErrVaultNotFound)
	}
	return nil
}

func (t *ledgerTx) PutUserPosition(ctx context.Context, p domain.UserPosition) error {
	const query = `
		INSERT INTO user_positions (vault_id, user_addr, shares, deposited_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (vault_id, user_addr) DO UPDATE SET
			shares = EXCLUDED.shares,
			updated_at = NOW()`
	if _, err := t.q.Exec(ctx, query, p.VaultID, p.User.Hex(), p.Shares, p.DepositedAt); err != nil {
		return fmt.Errorf("postgres: upsert position %d/%s: %w", p.VaultID, p.User.Hex(), err)
	}
	return nil
}

func (t *ledgerTx) PutArbState(ctx context.Context, s domain.UserArbState) error {
	const stateQuery = `
		INSERT INTO arb_states (user_addr, position_count, total_profit, total_collateral)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_addr) DO UPDATE SET
			position_count = EXCLUDED.position_count,
			total_profit = EXCLUDED.total_profit,
			total_collateral = EXCLUDED.total_collateral,
			updated_at = NOW()`
	user := s.User.Hex()
	if _, err := t.q.Exec(ctx, stateQuery, user, s.PositionCount, s.TotalProfit, s.TotalCollateral); err != nil {
		return fmt.Errorf("postgres: upsert arb state %s: %w", user, err)
	}

	const posQuery = `
		INSERT INTO arb_positions (user_addr, idx, ` + arbPositionCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (user_addr, idx) DO UPDATE SET
			active = EXCLUDED.active,
			exit_price = EXCLUDED.exit_price,
			closed_at = EXCLUDED.closed_at,
			realized_profit = EXCLUDED.realized_profit`
	for i, p := range s.Positions {
		if _, err := t.q.Exec(ctx, posQuery,
			user, i, p.ID, p.Market, string(p.Side), p.Size, p.EntryPrice, p.EntryTimestamp,
			p.FundingRateBps, p.ExpectedProfit, p.Collateral, p.Active, p.ExitPrice, p.ClosedAt, p.RealizedProfit,
		); err != nil {
			return fmt.Errorf("postgres: upsert arb position %s/%d: %w", user, i, err)
		}
	}
	return nil
}

func (t *ledgerTx) AddArbTotals(ctx context.Context, positions, volume uint64) error {
	const query = `
		UPDATE arb_registry SET
			total_positions = total_positions + $1,
			total_volume = total_volume + $2
		WHERE id = 1`
	tag, err := t.q.Exec(ctx, query, positions, volume)
	if err != nil {
		return fmt.Errorf("postgres: add arb totals: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: add arb totals: %w", domain.ErrNotFound)
	}
	return nil
}

func (t *ledgerTx) AppendEvent(ctx context.Context, e *domain.Event) error {
	if !t.eventsLocked {
		if _, err := t.q.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(eventsLockKey)); err != nil {
			return fmt.Errorf("postgres: lock event log: %w", err)
		}
		t.eventsLocked = true
	}
	const query = `
		INSERT INTO events (id, kind, vault_id, user_addr, amount, shares, profit, fee,
			position_id, market, funding_rate_bps, price, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING seq`
	err := t.q.QueryRow(ctx, query,
		e.ID, string(e.Kind), e.VaultID, e.User.Hex(), e.Amount, e.Shares, e.Profit, e.Fee,
		e.PositionID, e.Market, e.FundingRateBps, e.Price, e.Timestamp,
	).Scan(&e.Seq)
	if err != nil {
		return fmt.Errorf("postgres: append %s event: %w", e.Kind, err)
	}
	return nil
}

var _ domain.Ledger = (*Ledger)(nil)
