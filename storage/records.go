package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"loanzzz/native/assets"
	"loanzzz/native/ledger"
)

const txColumns = `id, user_id, loan_id, kind, asset, amount, value_usd, tx_hash, status, created_at`

// AppendTransaction records one financial action. The log is append-only;
// rows are never updated or deleted.
func (q queries) AppendTransaction(ctx context.Context, tx *ledger.Transaction) error {
	if tx == nil || strings.TrimSpace(tx.ID) == "" {
		return fmt.Errorf("transaction id required")
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	var valueUSD any
	if tx.ValueUSD != nil {
		valueUSD = ratColumn(tx.ValueUSD)
	}
	_, err := q.q.ExecContext(ctx, `
        INSERT INTO transactions(`+txColumns+`)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, tx.ID, tx.UserID, nullable(tx.LoanID), string(tx.Kind), string(tx.Asset),
		ratColumn(tx.Amount), valueUSD, nullable(tx.TxHash), string(tx.Status), tx.CreatedAt)
	if err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

// TransactionsByUser lists a user's transactions, newest first. A limit of
// zero or less means no limit.
func (q queries) TransactionsByUser(ctx context.Context, userID string, limit int) ([]*ledger.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions WHERE user_id = ? ORDER BY created_at DESC`
	args := []any{strings.TrimSpace(userID)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query user transactions: %w", err)
	}
	return collectTransactions(rows)
}

// TransactionsByKind lists the newest transactions matching any of the given
// kinds across all users.
func (q queries) TransactionsByKind(ctx context.Context, kinds []ledger.TxKind, limit int) ([]*ledger.Transaction, error) {
	if len(kinds) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?, ", len(kinds)), ", ")
	query := `SELECT ` + txColumns + ` FROM transactions WHERE kind IN (` + placeholders + `) ORDER BY created_at DESC`
	args := make([]any, 0, len(kinds)+1)
	for _, kind := range kinds {
		args = append(args, string(kind))
	}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions by kind: %w", err)
	}
	return collectTransactions(rows)
}

// RecentTransactions lists the newest transactions across all users.
func (q queries) RecentTransactions(ctx context.Context, limit int) ([]*ledger.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions ORDER BY created_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recent transactions: %w", err)
	}
	return collectTransactions(rows)
}

func collectTransactions(rows *sql.Rows) ([]*ledger.Transaction, error) {
	defer rows.Close()
	var out []*ledger.Transaction
	for rows.Next() {
		var (
			tx           ledger.Transaction
			loanID, hash sql.NullString
			kind, asset  string
			amount       string
			valueUSD     sql.NullString
			status       string
		)
		err := rows.Scan(&tx.ID, &tx.UserID, &loanID, &kind, &asset, &amount, &valueUSD, &hash, &status, &tx.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		tx.LoanID = loanID.String
		tx.TxHash = hash.String
		tx.Kind = ledger.TxKind(kind)
		tx.Status = ledger.TxStatus(status)
		if tx.Asset, err = assets.Parse(asset); err != nil {
			return nil, err
		}
		if tx.Amount, err = ratFromColumn(amount); err != nil {
			return nil, err
		}
		if valueUSD.Valid {
			if tx.ValueUSD, err = ratFromColumn(valueUSD.String); err != nil {
				return nil, err
			}
		}
		out = append(out, &tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return out, nil
}

// AppendMarginCall records an LTV crossing into the margin band.
func (q queries) AppendMarginCall(ctx context.Context, event *ledger.MarginCallEvent) error {
	if event == nil || strings.TrimSpace(event.ID) == "" {
		return fmt.Errorf("margin call id required")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	_, err := q.q.ExecContext(ctx, `
        INSERT INTO margin_calls(id, loan_id, user_id, ltv, alert_type, created_at)
        VALUES(?, ?, ?, ?, ?, ?)
    `, event.ID, event.LoanID, event.UserID, ratColumn(event.LTV), string(event.AlertType), event.CreatedAt)
	if err != nil {
		return fmt.Errorf("append margin call: %w", err)
	}
	return nil
}

// MarginCallsByLoan lists the margin-call history of one loan, newest first.
func (q queries) MarginCallsByLoan(ctx context.Context, loanID string) ([]*ledger.MarginCallEvent, error) {
	rows, err := q.q.QueryContext(ctx, `
        SELECT id, loan_id, user_id, ltv, alert_type, created_at
        FROM margin_calls WHERE loan_id = ? ORDER BY created_at DESC
    `, strings.TrimSpace(loanID))
	if err != nil {
		return nil, fmt.Errorf("query margin calls: %w", err)
	}
	defer rows.Close()
	var out []*ledger.MarginCallEvent
	for rows.Next() {
		var (
			event     ledger.MarginCallEvent
			ltv, kind string
		)
		if err := rows.Scan(&event.ID, &event.LoanID, &event.UserID, &ltv, &kind, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan margin call: %w", err)
		}
		event.AlertType = ledger.AlertType(kind)
		if event.LTV, err = ratFromColumn(ltv); err != nil {
			return nil, err
		}
		out = append(out, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate margin calls: %w", err)
	}
	return out, nil
}

// UpsertEscrowWallet records the latest observed balances of a platform
// wallet. Escrow rows are transparency data only and never drive user
// balances.
func (q queries) UpsertEscrowWallet(ctx context.Context, wallet *ledger.EscrowWallet) error {
	if wallet == nil || strings.TrimSpace(wallet.Address) == "" {
		return fmt.Errorf("escrow wallet address required")
	}
	wallet.UpdatedAt = time.Now().UTC()
	_, err := q.q.ExecContext(ctx, `
        INSERT INTO escrow_wallets(id, chain, address, balance_xec, balance_firma, balance_xecx, updated_at)
        VALUES(?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(address) DO UPDATE SET
            chain = excluded.chain,
            balance_xec = excluded.balance_xec,
            balance_firma = excluded.balance_firma,
            balance_xecx = excluded.balance_xecx,
            updated_at = excluded.updated_at
    `, wallet.ID, wallet.Chain, strings.TrimSpace(wallet.Address),
		ratColumn(wallet.BalanceXEC), ratColumn(wallet.BalanceFIRMA), ratColumn(wallet.BalanceXECX),
		wallet.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert escrow wallet: %w", err)
	}
	return nil
}

// EscrowWallets lists every known platform wallet.
func (q queries) EscrowWallets(ctx context.Context) ([]*ledger.EscrowWallet, error) {
	rows, err := q.q.QueryContext(ctx, `
        SELECT id, chain, address, balance_xec, balance_firma, balance_xecx, updated_at
        FROM escrow_wallets ORDER BY chain, address
    `)
	if err != nil {
		return nil, fmt.Errorf("query escrow wallets: %w", err)
	}
	defer rows.Close()
	var out []*ledger.EscrowWallet
	for rows.Next() {
		var (
			wallet           ledger.EscrowWallet
			xec, firma, xecx string
		)
		if err := rows.Scan(&wallet.ID, &wallet.Chain, &wallet.Address, &xec, &firma, &xecx, &wallet.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan escrow wallet: %w", err)
		}
		if wallet.BalanceXEC, err = ratFromColumn(xec); err != nil {
			return nil, err
		}
		if wallet.BalanceFIRMA, err = ratFromColumn(firma); err != nil {
			return nil, err
		}
		if wallet.BalanceXECX, err = ratFromColumn(xecx); err != nil {
			return nil, err
		}
		out = append(out, &wallet)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate escrow wallets: %w", err)
	}
	return out, nil
}

// GetStakingPool loads the singleton pool row.
func (q queries) GetStakingPool(ctx context.Context) (*ledger.StakingPool, error) {
	row := q.q.QueryRowContext(ctx, `
        SELECT platform_base, user_contributed, total, last_reward_distribution, total_rewards_distributed
        FROM staking_pool WHERE id = 1
    `)
	var (
		pool                     ledger.StakingPool
		base, contributed, total string
		rewards                  string
		lastDistribution         sql.NullTime
	)
	err := row.Scan(&base, &contributed, &total, &lastDistribution, &rewards)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan staking pool: %w", err)
	}
	if pool.PlatformBase, err = ratFromColumn(base); err != nil {
		return nil, err
	}
	if pool.UserContributed, err = ratFromColumn(contributed); err != nil {
		return nil, err
	}
	if pool.Total, err = ratFromColumn(total); err != nil {
		return nil, err
	}
	if pool.TotalRewardsDistributed, err = ratFromColumn(rewards); err != nil {
		return nil, err
	}
	if lastDistribution.Valid {
		t := lastDistribution.Time.UTC()
		pool.LastRewardDistribution = &t
	}
	return &pool, nil
}

// PutStakingPool rewrites the singleton pool row.
func (q queries) PutStakingPool(ctx context.Context, pool *ledger.StakingPool) error {
	if pool == nil {
		return fmt.Errorf("staking pool required")
	}
	var lastDistribution any
	if pool.LastRewardDistribution != nil {
		lastDistribution = pool.LastRewardDistribution.UTC()
	}
	res, err := q.q.ExecContext(ctx, `
        UPDATE staking_pool SET
            platform_base = ?,
            user_contributed = ?,
            total = ?,
            last_reward_distribution = ?,
            total_rewards_distributed = ?,
            updated_at = ?
        WHERE id = 1
    `, ratColumn(pool.PlatformBase), ratColumn(pool.UserContributed), ratColumn(pool.Total),
		lastDistribution, ratColumn(pool.TotalRewardsDistributed), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update staking pool: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update staking pool rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetPrice reads the durable price cache entry for the asset.
func (q queries) GetPrice(ctx context.Context, asset assets.Asset) (*ledger.PriceEntry, error) {
	row := q.q.QueryRowContext(ctx, `
        SELECT asset, price_usd, source, updated_at FROM price_cache WHERE asset = ?
    `, string(asset))
	return scanPrice(row)
}

// PutPrice upserts the durable price cache entry for the asset.
func (q queries) PutPrice(ctx context.Context, entry *ledger.PriceEntry) error {
	if entry == nil || !entry.Asset.Valid() {
		return fmt.Errorf("price entry asset required")
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now().UTC()
	}
	_, err := q.q.ExecContext(ctx, `
        INSERT INTO price_cache(asset, price_usd, source, updated_at)
        VALUES(?, ?, ?, ?)
        ON CONFLICT(asset) DO UPDATE SET
            price_usd = excluded.price_usd,
            source = excluded.source,
            updated_at = excluded.updated_at
    `, string(entry.Asset), ratColumn(entry.PriceUSD), entry.Source, entry.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put price: %w", err)
	}
	return nil
}

// AllPrices lists every durable price cache entry.
func (q queries) AllPrices(ctx context.Context) ([]*ledger.PriceEntry, error) {
	rows, err := q.q.QueryContext(ctx, `
        SELECT asset, price_usd, source, updated_at FROM price_cache ORDER BY asset
    `)
	if err != nil {
		return nil, fmt.Errorf("query prices: %w", err)
	}
	defer rows.Close()
	var out []*ledger.PriceEntry
	for rows.Next() {
		entry, err := scanPrice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate prices: %w", err)
	}
	return out, nil
}

func scanPrice(row rowScanner) (*ledger.PriceEntry, error) {
	var (
		entry ledger.PriceEntry
		asset string
		price string
	)
	err := row.Scan(&asset, &price, &entry.Source, &entry.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan price: %w", err)
	}
	if entry.Asset, err = assets.Parse(asset); err != nil {
		return nil, err
	}
	if entry.PriceUSD, err = ratFromColumn(price); err != nil {
		return nil, err
	}
	return &entry, nil
}
