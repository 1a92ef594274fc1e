// Package database provides pool persistence. Balances, gauge snapshots,
// found blocks and the payout carry live in PostgreSQL or SQLite; Redis and
// InfluxDB are optional.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/bardlex/poolcore/internal/database/influx"
	"github.com/bardlex/poolcore/internal/database/redis"
	"github.com/bardlex/poolcore/internal/metrics"
	"github.com/bardlex/poolcore/internal/pool"
	"github.com/bardlex/poolcore/internal/shares"
	"github.com/bardlex/poolcore/internal/treasury"
	"github.com/bardlex/poolcore/pkg/circuit"
	"github.com/bardlex/poolcore/pkg/errors"
	"github.com/bardlex/poolcore/pkg/log"
)

// Manager coordinates the SQL store with the optional Redis and InfluxDB
// backends. Every SQL call runs behind a circuit breaker.
type Manager struct {
	DB     *DB
	Redis  *redis.Client
	Influx *influx.Client

	// Repositories
	Balances *BalanceRepository
	Metrics  *MetricRepository
	Blocks   *BlockRepository
	State    *StateRepository

	circuitBreaker *circuit.Breaker
	logger         *log.Logger
}

var (
	_ pool.Balances        = (*Manager)(nil)
	_ pool.CarryStore      = (*Manager)(nil)
	_ pool.FoundBlockStore = (*Manager)(nil)
	_ treasury.BlockStore  = (*Manager)(nil)
	_ metrics.MetricStore  = (*Manager)(nil)
)

// Config holds configuration for all database systems. Nil Redis or Influx
// disables that backend.
type Config struct {
	SQL    *SQLConfig
	Redis  *redis.Config
	Influx *influx.Config
}

// NewManager opens every configured backend. Anything already opened is
// closed again when a later backend fails.
func NewManager(ctx context.Context, cfg *Config, logger *log.Logger) (*Manager, error) {
	db, err := Open(ctx, cfg.SQL)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "sql_connection",
			"failed to connect to SQL database").WithContext("driver", cfg.SQL.Driver)
	}

	m := &Manager{
		DB:       db,
		Balances: NewBalanceRepository(db),
		Metrics:  NewMetricRepository(db),
		Blocks:   NewBlockRepository(db),
		State:    NewStateRepository(db),
		circuitBreaker: circuit.New(&circuit.Config{
			Name:            "database",
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         30 * time.Second,
			ResetTimeout:    60 * time.Second,
		}),
		logger: logger.WithComponent("database"),
	}

	if cfg.Redis != nil {
		m.Redis, err = redis.NewClient(ctx, cfg.Redis, logger)
		if err != nil {
			_ = m.Close()
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
				"failed to connect to Redis database")
		}
	}

	if cfg.Influx != nil {
		m.Influx, err = influx.NewClient(ctx, cfg.Influx, logger)
		if err != nil {
			_ = m.Close()
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
				"failed to connect to InfluxDB database")
		}
	}

	return m, nil
}

// Close closes all database connections
func (m *Manager) Close() error {
	var errs []error

	if m.Influx != nil {
		m.Influx.Close()
	}
	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}
	if err := m.DB.Close(); err != nil {
		errs = append(errs, fmt.Errorf("sql close error: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}
	return nil
}

// Health checks the health of all database connections
func (m *Manager) Health(ctx context.Context) error {
	if err := m.DB.Health(ctx); err != nil {
		return fmt.Errorf("%s health check failed: %w", m.DB.Driver(), err)
	}
	if m.Redis != nil {
		if err := m.Redis.Health(ctx); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
	}
	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
	}
	return nil
}

// DifficultyStore is Redis when configured, otherwise nil.
func (m *Manager) DifficultyStore() shares.DifficultyStore {
	if m.Redis == nil {
		return nil
	}
	return m.Redis
}

// Recorders returns the metrics sinks of the optional backends.
func (m *Manager) Recorders() []metrics.Recorder {
	var out []metrics.Recorder
	if m.Influx != nil {
		out = append(out, m.Influx)
	}
	if m.Redis != nil {
		out = append(out, m.Redis.Recorder())
	}
	return out
}

// Run drives the background work of the optional backends: Redis hashrate
// samples and periodic InfluxDB flushes. It returns when ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	done := make(chan struct{})
	if m.Redis != nil {
		go func() {
			defer close(done)
			_ = m.Redis.Run(ctx)
		}()
	} else {
		close(done)
	}

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			<-done
			return ctx.Err()
		case <-ticker.C:
			if m.Influx != nil {
				m.Influx.Flush()
			}
		}
	}
}

func (m *Manager) execute(ctx context.Context, op string, fn func() error) error {
	if err := m.circuitBreaker.Execute(ctx, fn); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, op, "database operation failed")
	}
	return nil
}

func query[T any](ctx context.Context, m *Manager, op string, fn func() (T, error)) (T, error) {
	v, err := circuit.ExecuteWithResult(ctx, m.circuitBreaker, fn)
	if err != nil {
		return v, errors.Wrap(err, errors.ErrorTypeDatabase, op, "database query failed")
	}
	return v, nil
}

// AddBalance credits delta satoshis to the miner and its wallet total.
func (m *Manager) AddBalance(ctx context.Context, minerID, wallet string, delta int64) error {
	err := m.execute(ctx, "add_balance", func() error {
		return m.Balances.AddBalance(ctx, minerID, wallet, delta)
	})
	if err != nil {
		return err.(*errors.ServiceError).WithContext("miner_id", minerID).WithContext("wallet", wallet)
	}
	return nil
}

// GetUser returns the miner's balance.
func (m *Manager) GetUser(ctx context.Context, minerID, wallet string) (*User, error) {
	return query(ctx, m, "get_user", func() (*User, error) {
		return m.Balances.GetUser(ctx, minerID, wallet)
	})
}

// ResetBalanceByAddress zeroes the address's miner balances.
func (m *Manager) ResetBalanceByAddress(ctx context.Context, wallet string) error {
	return m.execute(ctx, "reset_balance", func() error {
		return m.Balances.ResetBalanceByAddress(ctx, wallet)
	})
}

// GetAllBalances lists every miner balance.
func (m *Manager) GetAllBalances(ctx context.Context) ([]Balance, error) {
	return query(ctx, m, "get_all_balances", func() ([]Balance, error) {
		return m.Balances.GetAllBalances(ctx)
	})
}

// GetWalletTotals lists lifetime totals per address.
func (m *Manager) GetWalletTotals(ctx context.Context) ([]WalletTotal, error) {
	return query(ctx, m, "get_wallet_totals", func() ([]WalletTotal, error) {
		return m.Balances.GetWalletTotals(ctx)
	})
}

// GetMinerIDsAndWallets lists known (miner, wallet) pairs.
func (m *Manager) GetMinerIDsAndWallets(ctx context.Context) ([]metrics.MinerWallet, error) {
	return query(ctx, m, "get_miners", func() ([]metrics.MinerWallet, error) {
		return m.Balances.GetMinerIDsAndWallets(ctx)
	})
}

// SaveMetric stores the latest value of a gauge series.
func (m *Manager) SaveMetric(ctx context.Context, name, minerID, wallet string, value float64) error {
	return m.execute(ctx, "save_metric", func() error {
		return m.Metrics.SaveMetric(ctx, name, minerID, wallet, value)
	})
}

type lastMetric struct {
	value float64
	ok    bool
}

// GetLastMetric reads the stored value of a gauge series.
func (m *Manager) GetLastMetric(ctx context.Context, name, minerID, wallet string) (float64, bool, error) {
	lm, err := query(ctx, m, "get_last_metric", func() (lastMetric, error) {
		v, ok, err := m.Metrics.GetLastMetric(ctx, name, minerID, wallet)
		return lastMetric{v, ok}, err
	})
	return lm.value, lm.ok, err
}

// AddFoundBlock records a block pending maturity.
func (m *Manager) AddFoundBlock(ctx context.Context, b treasury.FoundBlock) error {
	err := m.execute(ctx, "add_found_block", func() error {
		return m.Blocks.AddFoundBlock(ctx, b)
	})
	if err != nil {
		return err.(*errors.ServiceError).
			WithContext("block_hash", b.Hash).
			WithContext("block_height", b.Height).
			AsCritical()
	}
	return nil
}

// PendingFoundBlocks lists blocks waiting for maturity.
func (m *Manager) PendingFoundBlocks(ctx context.Context) ([]treasury.FoundBlock, error) {
	return query(ctx, m, "pending_found_blocks", func() ([]treasury.FoundBlock, error) {
		return m.Blocks.PendingFoundBlocks(ctx)
	})
}

// UpdateFoundBlockStatus records a maturity decision.
func (m *Manager) UpdateFoundBlockStatus(ctx context.Context, hash string, status treasury.BlockStatus) error {
	return m.execute(ctx, "update_found_block", func() error {
		return m.Blocks.UpdateFoundBlockStatus(ctx, hash, status)
	})
}

// LoadCarry reads the carried payout amount.
func (m *Manager) LoadCarry(ctx context.Context) (int64, error) {
	return query(ctx, m, "load_carry", func() (int64, error) {
		return m.State.LoadCarry(ctx)
	})
}

// SaveCarry stores the carried payout amount.
func (m *Manager) SaveCarry(ctx context.Context, amount int64) error {
	return m.execute(ctx, "save_carry", func() error {
		return m.State.SaveCarry(ctx, amount)
	})
}

// LoadOwed reads payments held for miners after failed credits.
func (m *Manager) LoadOwed(ctx context.Context) ([]pool.Payment, error) {
	return query(ctx, m, "load_owed", func() ([]pool.Payment, error) {
		return m.State.LoadOwed(ctx)
	})
}

// SaveOwed stores payments held for miners.
func (m *Manager) SaveOwed(ctx context.Context, owed []pool.Payment) error {
	return m.execute(ctx, "save_owed", func() error {
		return m.State.SaveOwed(ctx, owed)
	})
}
