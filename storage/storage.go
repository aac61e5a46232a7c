package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/sqlite"

	"loanzzz/native/assets"
)

var (
	// ErrPathRequired is returned when the backing store path is missing.
	ErrPathRequired = errors.New("ledger storage path must be configured")
	// ErrNotFound marks a lookup that matched no row.
	ErrNotFound = errors.New("ledger: not found")
	// ErrConflict marks a transaction abort the caller may retry once.
	ErrConflict = errors.New("ledger: transaction conflict")
)

const defaultFilePragmas = "mode=rwc&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"

// FileDSN converts a filesystem path into an on-disk SQLite DSN.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrPathRequired
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve storage path: %w", err)
	}
	return fmt.Sprintf("file:%s?%s", abs, defaultFilePragmas), nil
}

// Store owns the durable ledger. All writes funnel through Transaction which
// serialises them behind a single mutex; the embedded engine is a single
// writer and every unit of work is atomic.
type Store struct {
	db *sql.DB
	mu sync.Mutex
	queries
}

// Tx is one writer-exclusive unit of work. All typed accessors are available
// on both Store (autocommitted reads) and Tx.
type Tx struct {
	queries
}

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	q dbtx
}

// Open initialises the backing store using a sqlite-compatible DSN, applies
// the schema and seeds the staking pool and default prices on first run.
func Open(dsn string) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps the writer single even before the mutex.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	store := &Store{db: db, queries: queries{q: db}}
	if err := store.seed(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Transaction runs fn inside one writer-exclusive unit of work. Any error
// from fn rolls the unit back entirely.
func (s *Store) Transaction(ctx context.Context, fn func(*Tx) error) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("storage not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	unit := &Tx{queries: queries{q: tx}}
	if err := fn(unit); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return nil
}

func (s *Store) seed(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO staking_pool(id, platform_base, user_contributed, total, total_rewards_distributed, updated_at)
        VALUES(1, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO NOTHING
    `, "50000", "0", "50000", "0", time.Now().UTC())
	if err != nil {
		return fmt.Errorf("seed staking pool: %w", err)
	}
	defaults := map[assets.Asset]string{
		assets.XEC:   "0.00003",
		assets.FIRMA: "1",
		assets.XECX:  "0.00003",
	}
	for _, asset := range assets.All() {
		_, err := s.db.ExecContext(ctx, `
            INSERT INTO price_cache(asset, price_usd, source, updated_at)
            VALUES(?, ?, 'default', ?)
            ON CONFLICT(asset) DO NOTHING
        `, string(asset), defaults[asset], time.Now().UTC())
		if err != nil {
			return fmt.Errorf("seed price %s: %w", asset, err)
		}
	}
	return nil
}

func ratColumn(r *big.Rat) string { return assets.RatString(r) }

func ratFromColumn(raw string) (*big.Rat, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return new(big.Rat), nil
	}
	r, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return nil, fmt.Errorf("parse stored amount %q", raw)
	}
	return r, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    ecash_address TEXT UNIQUE,
    solana_address TEXT UNIQUE,
    balance_xec TEXT NOT NULL DEFAULT '0',
    balance_firma TEXT NOT NULL DEFAULT '0',
    balance_xecx TEXT NOT NULL DEFAULT '0',
    staking_rewards_earned TEXT NOT NULL DEFAULT '0',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS loans (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL REFERENCES users(id),
    status TEXT NOT NULL,
    collateral_type TEXT NOT NULL,
    collateral_amount TEXT NOT NULL,
    collateral_value_usd TEXT NOT NULL,
    borrowed_type TEXT NOT NULL,
    borrowed_amount TEXT NOT NULL,
    borrowed_value_usd TEXT NOT NULL,
    interest_rate TEXT NOT NULL,
    accrued_interest TEXT NOT NULL DEFAULT '0',
    initial_ltv TEXT NOT NULL,
    current_ltv TEXT NOT NULL,
    staking_yield_earned TEXT NOT NULL DEFAULT '0',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    last_interest_update TIMESTAMP NOT NULL,
    closed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_loans_user ON loans(user_id);
CREATE INDEX IF NOT EXISTS idx_loans_status ON loans(status);

CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL REFERENCES users(id),
    loan_id TEXT,
    kind TEXT NOT NULL,
    asset TEXT NOT NULL,
    amount TEXT NOT NULL,
    value_usd TEXT,
    tx_hash TEXT,
    status TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_transactions_kind ON transactions(kind, created_at);

CREATE TABLE IF NOT EXISTS escrow_wallets (
    id TEXT PRIMARY KEY,
    chain TEXT NOT NULL,
    address TEXT NOT NULL UNIQUE,
    balance_xec TEXT NOT NULL DEFAULT '0',
    balance_firma TEXT NOT NULL DEFAULT '0',
    balance_xecx TEXT NOT NULL DEFAULT '0',
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS staking_pool (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    platform_base TEXT NOT NULL,
    user_contributed TEXT NOT NULL,
    total TEXT NOT NULL,
    last_reward_distribution TIMESTAMP,
    total_rewards_distributed TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS margin_calls (
    id TEXT PRIMARY KEY,
    loan_id TEXT NOT NULL REFERENCES loans(id),
    user_id TEXT NOT NULL,
    ltv TEXT NOT NULL,
    alert_type TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_margin_calls_loan ON margin_calls(loan_id, created_at);

CREATE TABLE IF NOT EXISTS price_cache (
    asset TEXT PRIMARY KEY,
    price_usd TEXT NOT NULL,
    source TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`
