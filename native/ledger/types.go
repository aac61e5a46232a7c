package ledger

import (
	"math/big"
	"time"

	"loanzzz/native/assets"
)

// User is a platform account. Balances only move through recorded
// transactions; addresses are globally unique per chain when set.
type User struct {
	ID                   string
	ECashAddress         string
	SolanaAddress        string
	BalanceXEC           *big.Rat
	BalanceFIRMA         *big.Rat
	BalanceXECX          *big.Rat
	StakingRewardsEarned *big.Rat
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Balance returns the live balance for the asset. The returned value is the
// stored rational; callers mutate through SetBalance.
func (u *User) Balance(asset assets.Asset) *big.Rat {
	if u == nil {
		return new(big.Rat)
	}
	switch asset {
	case assets.XEC:
		if u.BalanceXEC == nil {
			u.BalanceXEC = new(big.Rat)
		}
		return u.BalanceXEC
	case assets.FIRMA:
		if u.BalanceFIRMA == nil {
			u.BalanceFIRMA = new(big.Rat)
		}
		return u.BalanceFIRMA
	case assets.XECX:
		if u.BalanceXECX == nil {
			u.BalanceXECX = new(big.Rat)
		}
		return u.BalanceXECX
	}
	return new(big.Rat)
}

// SetBalance replaces the balance for the asset.
func (u *User) SetBalance(asset assets.Asset, value *big.Rat) {
	if u == nil {
		return
	}
	v := assets.Clone(value)
	switch asset {
	case assets.XEC:
		u.BalanceXEC = v
	case assets.FIRMA:
		u.BalanceFIRMA = v
	case assets.XECX:
		u.BalanceXECX = v
	}
}

// LoanStatus enumerates the loan lifecycle states.
type LoanStatus string

const (
	StatusActive     LoanStatus = "active"
	StatusMarginCall LoanStatus = "margin_call"
	StatusRepaid     LoanStatus = "repaid"
	StatusLiquidated LoanStatus = "liquidated"
)

// Terminal reports whether the status closes the loan.
func (s LoanStatus) Terminal() bool {
	return s == StatusRepaid || s == StatusLiquidated
}

// Loan is a single over-collateralised position owned by one user.
type Loan struct {
	ID                 string
	UserID             string
	Status             LoanStatus
	CollateralType     assets.Asset
	CollateralAmount   *big.Rat
	CollateralValueUSD *big.Rat
	BorrowedType       assets.Asset
	BorrowedAmount     *big.Rat
	BorrowedValueUSD   *big.Rat
	// InterestRate is the per-hour interest fraction fixed at creation.
	InterestRate       *big.Rat
	AccruedInterest    *big.Rat
	InitialLTV         *big.Rat
	CurrentLTV         *big.Rat
	StakingYieldEarned *big.Rat
	CreatedAt          time.Time
	UpdatedAt          time.Time
	LastInterestUpdate time.Time
	ClosedAt           *time.Time
}

// Debt returns principal plus accrued interest.
func (l *Loan) Debt() *big.Rat {
	if l == nil {
		return new(big.Rat)
	}
	debt := assets.Clone(l.BorrowedAmount)
	if l.AccruedInterest != nil {
		debt.Add(debt, l.AccruedInterest)
	}
	return debt
}

// Clone deep-copies the loan so callers can mutate without aliasing ledger
// state.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := *l
	clone.CollateralAmount = assets.Clone(l.CollateralAmount)
	clone.CollateralValueUSD = assets.Clone(l.CollateralValueUSD)
	clone.BorrowedAmount = assets.Clone(l.BorrowedAmount)
	clone.BorrowedValueUSD = assets.Clone(l.BorrowedValueUSD)
	clone.InterestRate = assets.Clone(l.InterestRate)
	clone.AccruedInterest = assets.Clone(l.AccruedInterest)
	clone.InitialLTV = assets.Clone(l.InitialLTV)
	clone.CurrentLTV = assets.Clone(l.CurrentLTV)
	clone.StakingYieldEarned = assets.Clone(l.StakingYieldEarned)
	if l.ClosedAt != nil {
		closed := *l.ClosedAt
		clone.ClosedAt = &closed
	}
	return &clone
}

// TxKind enumerates the recorded financial actions.
type TxKind string

const (
	TxDepositXEC      TxKind = "deposit_xec"
	TxDepositFIRMA    TxKind = "deposit_firma"
	TxBorrow          TxKind = "borrow"
	TxRepay           TxKind = "repay"
	TxAddCollateral   TxKind = "add_collateral"
	TxLiquidation     TxKind = "liquidation"
	TxInterestPayment TxKind = "interest_payment"
	TxStakingReward   TxKind = "staking_reward"
	TxFirmaSwap       TxKind = "firma_swap"
	TxWithdrawXEC     TxKind = "withdraw_xec"
	TxWithdrawFIRMA   TxKind = "withdraw_firma"
)

// TxStatus tracks settlement of a recorded transaction.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// Transaction is an append-only record of a state-changing financial action.
type Transaction struct {
	ID        string
	UserID    string
	LoanID    string
	Kind      TxKind
	Asset     assets.Asset
	Amount    *big.Rat
	ValueUSD  *big.Rat
	TxHash    string
	Status    TxStatus
	CreatedAt time.Time
}

// EscrowWallet is a platform-controlled on-chain address whose observed
// balances are surfaced for transparency. It never drives user balances.
type EscrowWallet struct {
	ID           string
	Chain        string
	Address      string
	BalanceXEC   *big.Rat
	BalanceFIRMA *big.Rat
	BalanceXECX  *big.Rat
	UpdatedAt    time.Time
}

// StakingPool is the singleton pool backing daily yield distribution.
type StakingPool struct {
	PlatformBase            *big.Rat
	UserContributed         *big.Rat
	Total                   *big.Rat
	LastRewardDistribution  *time.Time
	TotalRewardsDistributed *big.Rat
}

// Clone deep-copies the pool.
func (p *StakingPool) Clone() *StakingPool {
	if p == nil {
		return nil
	}
	clone := &StakingPool{
		PlatformBase:            assets.Clone(p.PlatformBase),
		UserContributed:         assets.Clone(p.UserContributed),
		Total:                   assets.Clone(p.Total),
		TotalRewardsDistributed: assets.Clone(p.TotalRewardsDistributed),
	}
	if p.LastRewardDistribution != nil {
		last := *p.LastRewardDistribution
		clone.LastRewardDistribution = &last
	}
	return clone
}

// AlertType grades a margin-call log entry.
type AlertType string

const (
	AlertWarning  AlertType = "warning"
	AlertCritical AlertType = "critical"
)

// MarginCallEvent records an LTV crossing into the margin band.
type MarginCallEvent struct {
	ID        string
	LoanID    string
	UserID    string
	LTV       *big.Rat
	AlertType AlertType
	CreatedAt time.Time
}

// PriceEntry is the durable price cache row for one asset.
type PriceEntry struct {
	Asset     assets.Asset
	PriceUSD  *big.Rat
	Source    string
	UpdatedAt time.Time
}
