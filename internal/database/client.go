package database

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	// PostgreSQL driver for database/sql
	_ "github.com/lib/pq"
	// pure Go SQLite driver for database/sql
	_ "modernc.org/sqlite"
)

// Driver names accepted by Open.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DB wraps a sql.DB and rewrites $n placeholders for drivers that spell
// them differently.
type DB struct {
	db     *sql.DB
	driver string
}

// SQLConfig holds SQL connection configuration
type SQLConfig struct {
	Driver       string
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS miners_balance (
		id TEXT PRIMARY KEY,
		miner_id TEXT NOT NULL,
		wallet TEXT NOT NULL,
		balance BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS miners_balance_wallet ON miners_balance (wallet)`,
	`CREATE TABLE IF NOT EXISTS wallet_total (
		address TEXT PRIMARY KEY,
		total BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS last_metrics (
		metric_name TEXT NOT NULL,
		miner_id TEXT NOT NULL,
		wallet_address TEXT NOT NULL,
		value DOUBLE PRECISION NOT NULL,
		recorded_at BIGINT NOT NULL,
		PRIMARY KEY (metric_name, miner_id, wallet_address)
	)`,
	`CREATE TABLE IF NOT EXISTS found_blocks (
		hash TEXT PRIMARY KEY,
		height BIGINT NOT NULL,
		reward BIGINT NOT NULL,
		address TEXT NOT NULL,
		worker TEXT NOT NULL,
		found_at BIGINT NOT NULL,
		status TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS found_blocks_status ON found_blocks (status)`,
	`CREATE TABLE IF NOT EXISTS pool_state (
		name TEXT PRIMARY KEY,
		amount BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS payout_owed (
		miner_id TEXT NOT NULL,
		wallet TEXT NOT NULL,
		amount BIGINT NOT NULL,
		PRIMARY KEY (miner_id, wallet)
	)`,
}

// Open connects, pings and creates missing tables.
func Open(ctx context.Context, cfg *SQLConfig) (*DB, error) {
	switch cfg.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.MaxLifetime)
	}
	if cfg.Driver == DriverSQLite {
		// SQLite has a single writer and :memory: databases are per connection
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	d := &DB{db: db, driver: cfg.Driver}
	if err := d.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.db.Close()
}

// Health checks database connectivity
func (d *DB) Health(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Driver reports the driver name.
func (d *DB) Driver() string { return d.driver }

var placeholder = regexp.MustCompile(`\$(\d+)`)

// rebind turns $n into ?n for SQLite.
func (d *DB) rebind(query string) string {
	if d.driver != DriverSQLite {
		return query
	}
	return placeholder.ReplaceAllString(query, "?$1")
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (d *DB) exec(ctx context.Context, q execer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, d.rebind(query), args...)
}

func (d *DB) query(ctx context.Context, q execer, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, d.rebind(query), args...)
}

func (d *DB) queryRow(ctx context.Context, q execer, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, d.rebind(query), args...)
}

// inTx runs fn in a transaction, rolling back on error.
func (d *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
