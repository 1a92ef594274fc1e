package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bardlex/poolcore/internal/metrics"
	"github.com/bardlex/poolcore/internal/pool"
	"github.com/bardlex/poolcore/internal/treasury"
)

// BalanceRepository handles miner balances.
type BalanceRepository struct {
	db *DB
}

// NewBalanceRepository creates a new balance repository
func NewBalanceRepository(db *DB) *BalanceRepository {
	return &BalanceRepository{db: db}
}

// AddBalance adds delta to the miner's row and to the wallet total in one
// transaction.
func (r *BalanceRepository) AddBalance(ctx context.Context, minerID, wallet string, delta int64) error {
	return r.db.inTx(ctx, func(tx *sql.Tx) error {
		_, err := r.db.exec(ctx, tx, `
			INSERT INTO miners_balance (id, miner_id, wallet, balance)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET balance = miners_balance.balance + excluded.balance`,
			balanceKey(minerID, wallet), minerID, wallet, delta)
		if err != nil {
			return fmt.Errorf("failed to update miner balance: %w", err)
		}

		_, err = r.db.exec(ctx, tx, `
			INSERT INTO wallet_total (address, total)
			VALUES ($1, $2)
			ON CONFLICT (address) DO UPDATE SET total = wallet_total.total + excluded.total`,
			wallet, delta)
		if err != nil {
			return fmt.Errorf("failed to update wallet total: %w", err)
		}
		return nil
	})
}

// GetUser returns the miner's balance, zero when the miner is unknown.
func (r *BalanceRepository) GetUser(ctx context.Context, minerID, wallet string) (*User, error) {
	u := &User{MinerID: minerID, Wallet: wallet}
	err := r.db.queryRow(ctx, r.db.db, `SELECT balance FROM miners_balance WHERE id = $1`,
		balanceKey(minerID, wallet)).Scan(&u.Balance)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// ResetBalanceByAddress zeroes every miner balance for the address. The
// wallet total is a lifetime figure and is left alone.
func (r *BalanceRepository) ResetBalanceByAddress(ctx context.Context, wallet string) error {
	_, err := r.db.exec(ctx, r.db.db, `UPDATE miners_balance SET balance = 0 WHERE wallet = $1`, wallet)
	if err != nil {
		return fmt.Errorf("failed to reset balance: %w", err)
	}
	return nil
}

// GetAllBalances lists every miner balance ordered by wallet and miner.
func (r *BalanceRepository) GetAllBalances(ctx context.Context) ([]Balance, error) {
	rows, err := r.db.query(ctx, r.db.db, `
		SELECT miner_id, wallet, balance FROM miners_balance ORDER BY wallet, miner_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Balance
	for rows.Next() {
		var b Balance
		if err := rows.Scan(&b.MinerID, &b.Wallet, &b.Balance); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetWalletTotals lists lifetime totals per address.
func (r *BalanceRepository) GetWalletTotals(ctx context.Context) ([]WalletTotal, error) {
	rows, err := r.db.query(ctx, r.db.db, `SELECT address, total FROM wallet_total ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("failed to query wallet totals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []WalletTotal
	for rows.Next() {
		var w WalletTotal
		if err := rows.Scan(&w.Address, &w.Total); err != nil {
			return nil, fmt.Errorf("failed to scan wallet total: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// GetMinerIDsAndWallets lists the distinct (miner, wallet) pairs with a
// balance row.
func (r *BalanceRepository) GetMinerIDsAndWallets(ctx context.Context) ([]metrics.MinerWallet, error) {
	rows, err := r.db.query(ctx, r.db.db, `
		SELECT DISTINCT miner_id, wallet FROM miners_balance ORDER BY wallet, miner_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query miners: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []metrics.MinerWallet
	for rows.Next() {
		var mw metrics.MinerWallet
		if err := rows.Scan(&mw.MinerID, &mw.Wallet); err != nil {
			return nil, fmt.Errorf("failed to scan miner: %w", err)
		}
		out = append(out, mw)
	}
	return out, rows.Err()
}

// MetricRepository keeps the last value of each gauge series.
type MetricRepository struct {
	db  *DB
	now func() time.Time
}

// NewMetricRepository creates a new metric repository
func NewMetricRepository(db *DB) *MetricRepository {
	return &MetricRepository{db: db, now: time.Now}
}

// SaveMetric overwrites the stored value of the series.
func (r *MetricRepository) SaveMetric(ctx context.Context, name, minerID, wallet string, value float64) error {
	_, err := r.db.exec(ctx, r.db.db, `
		INSERT INTO last_metrics (metric_name, miner_id, wallet_address, value, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (metric_name, miner_id, wallet_address)
		DO UPDATE SET value = excluded.value, recorded_at = excluded.recorded_at`,
		name, minerID, wallet, value, r.now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save metric: %w", err)
	}
	return nil
}

// GetLastMetric returns the stored value, ok=false when there is none.
func (r *MetricRepository) GetLastMetric(ctx context.Context, name, minerID, wallet string) (float64, bool, error) {
	var value float64
	err := r.db.queryRow(ctx, r.db.db, `
		SELECT value FROM last_metrics
		WHERE metric_name = $1 AND miner_id = $2 AND wallet_address = $3`,
		name, minerID, wallet).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get metric: %w", err)
	}
	return value, true, nil
}

// BlockRepository handles found-block bookkeeping.
type BlockRepository struct {
	db *DB
}

// NewBlockRepository creates a new block repository
func NewBlockRepository(db *DB) *BlockRepository {
	return &BlockRepository{db: db}
}

// AddFoundBlock records a block. Recording the same hash twice is a no-op.
func (r *BlockRepository) AddFoundBlock(ctx context.Context, b treasury.FoundBlock) error {
	_, err := r.db.exec(ctx, r.db.db, `
		INSERT INTO found_blocks (hash, height, reward, address, worker, found_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (hash) DO NOTHING`,
		b.Hash, b.Height, b.Reward, b.Address, b.Worker, b.FoundAt.Unix(), string(b.Status))
	if err != nil {
		return fmt.Errorf("failed to add found block: %w", err)
	}
	return nil
}

// PendingFoundBlocks lists blocks still waiting for maturity, oldest first.
func (r *BlockRepository) PendingFoundBlocks(ctx context.Context) ([]treasury.FoundBlock, error) {
	rows, err := r.db.query(ctx, r.db.db, `
		SELECT hash, height, reward, address, worker, found_at, status
		FROM found_blocks WHERE status = $1 ORDER BY height`,
		string(treasury.BlockPending))
	if err != nil {
		return nil, fmt.Errorf("failed to query found blocks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []treasury.FoundBlock
	for rows.Next() {
		var (
			b       treasury.FoundBlock
			foundAt int64
			status  string
		)
		if err := rows.Scan(&b.Hash, &b.Height, &b.Reward, &b.Address, &b.Worker, &foundAt, &status); err != nil {
			return nil, fmt.Errorf("failed to scan found block: %w", err)
		}
		b.FoundAt = time.Unix(foundAt, 0)
		b.Status = treasury.BlockStatus(status)
		out = append(out, b)
	}
	return out, rows.Err()
}

// UpdateFoundBlockStatus sets the block's status.
func (r *BlockRepository) UpdateFoundBlockStatus(ctx context.Context, hash string, status treasury.BlockStatus) error {
	res, err := r.db.exec(ctx, r.db.db, `UPDATE found_blocks SET status = $1 WHERE hash = $2`, string(status), hash)
	if err != nil {
		return fmt.Errorf("failed to update found block: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("found block %s not recorded", hash)
	}
	return nil
}

// StateRepository stores pool-wide counters.
type StateRepository struct {
	db *DB
}

// NewStateRepository creates a new state repository
func NewStateRepository(db *DB) *StateRepository {
	return &StateRepository{db: db}
}

// LoadCarry returns the payout amount carried into the next cycle.
func (r *StateRepository) LoadCarry(ctx context.Context) (int64, error) {
	var amount int64
	err := r.db.queryRow(ctx, r.db.db, `SELECT amount FROM pool_state WHERE name = $1`, carryName).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load carry: %w", err)
	}
	return amount, nil
}

// SaveCarry stores the carried payout amount.
func (r *StateRepository) SaveCarry(ctx context.Context, amount int64) error {
	_, err := r.db.exec(ctx, r.db.db, `
		INSERT INTO pool_state (name, amount) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET amount = excluded.amount`,
		carryName, amount)
	if err != nil {
		return fmt.Errorf("failed to save carry: %w", err)
	}
	return nil
}

// LoadOwed returns payments that failed to credit, per miner.
func (r *StateRepository) LoadOwed(ctx context.Context) ([]pool.Payment, error) {
	rows, err := r.db.query(ctx, r.db.db, `
		SELECT wallet, miner_id, amount FROM payout_owed ORDER BY wallet, miner_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load owed payments: %w", err)
	}
	defer rows.Close()

	var out []pool.Payment
	for rows.Next() {
		var p pool.Payment
		if err := rows.Scan(&p.Address, &p.MinerID, &p.Amount); err != nil {
			return nil, fmt.Errorf("failed to scan owed payment: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveOwed replaces the stored owed payments.
func (r *StateRepository) SaveOwed(ctx context.Context, owed []pool.Payment) error {
	return r.db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := r.db.exec(ctx, tx, `DELETE FROM payout_owed`); err != nil {
			return fmt.Errorf("failed to clear owed payments: %w", err)
		}
		for _, p := range owed {
			_, err := r.db.exec(ctx, tx, `
				INSERT INTO payout_owed (miner_id, wallet, amount) VALUES ($1, $2, $3)`,
				p.MinerID, p.Address, p.Amount)
			if err != nil {
				return fmt.Errorf("failed to save owed payment: %w", err)
			}
		}
		return nil
	})
}
