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

const loanColumns = `id, user_id, status, collateral_type, collateral_amount, collateral_value_usd,
    borrowed_type, borrowed_amount, borrowed_value_usd, interest_rate, accrued_interest,
    initial_ltv, current_ltv, staking_yield_earned, created_at, updated_at, last_interest_update, closed_at`

// InsertLoan persists a new loan row.
func (q queries) InsertLoan(ctx context.Context, loan *ledger.Loan) error {
	if loan == nil || strings.TrimSpace(loan.ID) == "" {
		return fmt.Errorf("loan id required")
	}
	now := time.Now().UTC()
	if loan.CreatedAt.IsZero() {
		loan.CreatedAt = now
	}
	loan.UpdatedAt = now
	if loan.LastInterestUpdate.IsZero() {
		loan.LastInterestUpdate = now
	}
	_, err := q.q.ExecContext(ctx, `
        INSERT INTO loans(`+loanColumns+`)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, loan.ID, loan.UserID, string(loan.Status),
		string(loan.CollateralType), ratColumn(loan.CollateralAmount), ratColumn(loan.CollateralValueUSD),
		string(loan.BorrowedType), ratColumn(loan.BorrowedAmount), ratColumn(loan.BorrowedValueUSD),
		ratColumn(loan.InterestRate), ratColumn(loan.AccruedInterest),
		ratColumn(loan.InitialLTV), ratColumn(loan.CurrentLTV), ratColumn(loan.StakingYieldEarned),
		loan.CreatedAt, loan.UpdatedAt, loan.LastInterestUpdate, nullableTime(loan.ClosedAt))
	if err != nil {
		return fmt.Errorf("insert loan: %w", err)
	}
	return nil
}

// UpdateLoan rewrites the mutable loan fields.
func (q queries) UpdateLoan(ctx context.Context, loan *ledger.Loan) error {
	if loan == nil || strings.TrimSpace(loan.ID) == "" {
		return fmt.Errorf("loan id required")
	}
	loan.UpdatedAt = time.Now().UTC()
	res, err := q.q.ExecContext(ctx, `
        UPDATE loans SET
            status = ?,
            collateral_amount = ?,
            collateral_value_usd = ?,
            borrowed_amount = ?,
            borrowed_value_usd = ?,
            accrued_interest = ?,
            current_ltv = ?,
            staking_yield_earned = ?,
            updated_at = ?,
            last_interest_update = ?,
            closed_at = ?
        WHERE id = ?
    `, string(loan.Status),
		ratColumn(loan.CollateralAmount), ratColumn(loan.CollateralValueUSD),
		ratColumn(loan.BorrowedAmount), ratColumn(loan.BorrowedValueUSD),
		ratColumn(loan.AccruedInterest), ratColumn(loan.CurrentLTV), ratColumn(loan.StakingYieldEarned),
		loan.UpdatedAt, loan.LastInterestUpdate, nullableTime(loan.ClosedAt), loan.ID)
	if err != nil {
		return fmt.Errorf("update loan: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update loan rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetLoan loads a loan by id.
func (q queries) GetLoan(ctx context.Context, id string) (*ledger.Loan, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, strings.TrimSpace(id))
	loan, err := scanLoan(row)
	if err != nil {
		return nil, err
	}
	return loan, nil
}

// LoansByUser lists a user's loans, newest first.
func (q queries) LoansByUser(ctx context.Context, userID string) ([]*ledger.Loan, error) {
	rows, err := q.q.QueryContext(ctx, `
        SELECT `+loanColumns+` FROM loans WHERE user_id = ? ORDER BY created_at DESC
    `, strings.TrimSpace(userID))
	if err != nil {
		return nil, fmt.Errorf("query loans: %w", err)
	}
	return collectLoans(rows)
}

// OpenLoans lists every loan in a non-terminal state.
func (q queries) OpenLoans(ctx context.Context) ([]*ledger.Loan, error) {
	rows, err := q.q.QueryContext(ctx, `
        SELECT `+loanColumns+` FROM loans
        WHERE status IN (?, ?)
        ORDER BY created_at ASC
    `, string(ledger.StatusActive), string(ledger.StatusMarginCall))
	if err != nil {
		return nil, fmt.Errorf("query open loans: %w", err)
	}
	return collectLoans(rows)
}

// OpenLoansByCollateral lists non-terminal loans backed by the given asset.
func (q queries) OpenLoansByCollateral(ctx context.Context, collateral assets.Asset) ([]*ledger.Loan, error) {
	rows, err := q.q.QueryContext(ctx, `
        SELECT `+loanColumns+` FROM loans
        WHERE status IN (?, ?) AND collateral_type = ?
        ORDER BY created_at ASC
    `, string(ledger.StatusActive), string(ledger.StatusMarginCall), string(collateral))
	if err != nil {
		return nil, fmt.Errorf("query collateral loans: %w", err)
	}
	return collectLoans(rows)
}

// CountLoans returns total and open loan counts.
func (q queries) CountLoans(ctx context.Context) (total, open int, err error) {
	row := q.q.QueryRowContext(ctx, `
        SELECT COUNT(*), COALESCE(SUM(CASE WHEN status IN (?, ?) THEN 1 ELSE 0 END), 0)
        FROM loans
    `, string(ledger.StatusActive), string(ledger.StatusMarginCall))
	if err := row.Scan(&total, &open); err != nil {
		return 0, 0, fmt.Errorf("count loans: %w", err)
	}
	return total, open, nil
}

func collectLoans(rows *sql.Rows) ([]*ledger.Loan, error) {
	defer rows.Close()
	var loans []*ledger.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate loans: %w", err)
	}
	return loans, nil
}

func scanLoan(row rowScanner) (*ledger.Loan, error) {
	var (
		loan                                         ledger.Loan
		status, collatType, borrowType               string
		collatAmt, collatUSD, borrowAmt, borrowUSD   string
		rate, accrued, initialLTV, currentLTV, yield string
		closedAt                                     sql.NullTime
	)
	err := row.Scan(&loan.ID, &loan.UserID, &status, &collatType, &collatAmt, &collatUSD,
		&borrowType, &borrowAmt, &borrowUSD, &rate, &accrued,
		&initialLTV, &currentLTV, &yield,
		&loan.CreatedAt, &loan.UpdatedAt, &loan.LastInterestUpdate, &closedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan loan: %w", err)
	}
	loan.Status = ledger.LoanStatus(status)
	if loan.CollateralType, err = assets.Parse(collatType); err != nil {
		return nil, err
	}
	if loan.BorrowedType, err = assets.Parse(borrowType); err != nil {
		return nil, err
	}
	if loan.CollateralAmount, err = ratFromColumn(collatAmt); err != nil {
		return nil, err
	}
	if loan.CollateralValueUSD, err = ratFromColumn(collatUSD); err != nil {
		return nil, err
	}
	if loan.BorrowedAmount, err = ratFromColumn(borrowAmt); err != nil {
		return nil, err
	}
	if loan.BorrowedValueUSD, err = ratFromColumn(borrowUSD); err != nil {
		return nil, err
	}
	if loan.InterestRate, err = ratFromColumn(rate); err != nil {
		return nil, err
	}
	if loan.AccruedInterest, err = ratFromColumn(accrued); err != nil {
		return nil, err
	}
	if loan.InitialLTV, err = ratFromColumn(initialLTV); err != nil {
		return nil, err
	}
	if loan.CurrentLTV, err = ratFromColumn(currentLTV); err != nil {
		return nil, err
	}
	if loan.StakingYieldEarned, err = ratFromColumn(yield); err != nil {
		return nil, err
	}
	if closedAt.Valid {
		t := closedAt.Time.UTC()
		loan.ClosedAt = &t
	}
	return &loan, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
