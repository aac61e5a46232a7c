package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"loanzzz/native/ledger"
)

const userColumns = `id, ecash_address, solana_address, balance_xec, balance_firma, balance_xecx, staking_rewards_earned, created_at, updated_at`

// InsertUser persists a new user row.
func (q queries) InsertUser(ctx context.Context, user *ledger.User) error {
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return fmt.Errorf("user id required")
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	_, err := q.q.ExecContext(ctx, `
        INSERT INTO users(`+userColumns+`)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, user.ID, nullable(user.ECashAddress), nullable(user.SolanaAddress),
		ratColumn(user.BalanceXEC), ratColumn(user.BalanceFIRMA), ratColumn(user.BalanceXECX),
		ratColumn(user.StakingRewardsEarned), user.CreatedAt, user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// UpdateUser rewrites the mutable user fields.
func (q queries) UpdateUser(ctx context.Context, user *ledger.User) error {
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return fmt.Errorf("user id required")
	}
	user.UpdatedAt = time.Now().UTC()
	res, err := q.q.ExecContext(ctx, `
        UPDATE users SET
            ecash_address = ?,
            solana_address = ?,
            balance_xec = ?,
            balance_firma = ?,
            balance_xecx = ?,
            staking_rewards_earned = ?,
            updated_at = ?
        WHERE id = ?
    `, nullable(user.ECashAddress), nullable(user.SolanaAddress),
		ratColumn(user.BalanceXEC), ratColumn(user.BalanceFIRMA), ratColumn(user.BalanceXECX),
		ratColumn(user.StakingRewardsEarned), user.UpdatedAt, user.ID)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update user rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetUser loads a user by id.
func (q queries) GetUser(ctx context.Context, id string) (*ledger.User, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, strings.TrimSpace(id))
	return scanUser(row)
}

// GetUserByECashAddress resolves a user by their eCash address.
func (q queries) GetUserByECashAddress(ctx context.Context, address string) (*ledger.User, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE ecash_address = ?`, strings.TrimSpace(address))
	return scanUser(row)
}

// GetUserBySolanaAddress resolves a user by their Solana address.
func (q queries) GetUserBySolanaAddress(ctx context.Context, address string) (*ledger.User, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE solana_address = ?`, strings.TrimSpace(address))
	return scanUser(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*ledger.User, error) {
	var (
		user                      ledger.User
		ecash, sol                sql.NullString
		xec, firma, xecx, rewards string
	)
	err := row.Scan(&user.ID, &ecash, &sol, &xec, &firma, &xecx, &rewards, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	user.ECashAddress = ecash.String
	user.SolanaAddress = sol.String
	if user.BalanceXEC, err = ratFromColumn(xec); err != nil {
		return nil, err
	}
	if user.BalanceFIRMA, err = ratFromColumn(firma); err != nil {
		return nil, err
	}
	if user.BalanceXECX, err = ratFromColumn(xecx); err != nil {
		return nil, err
	}
	if user.StakingRewardsEarned, err = ratFromColumn(rewards); err != nil {
		return nil, err
	}
	return &user, nil
}

func nullable(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return strings.TrimSpace(value)
}
