package server

import (
	"time"

	"loanzzz/native/assets"
	"loanzzz/native/ledger"
)

// API views render ledger state as floats. Exact rationals stay internal;
// the HTTP boundary is display-only.

type userView struct {
	ID                   string             `json:"id"`
	ECashAddress         string             `json:"ecash_address,omitempty"`
	SolanaAddress        string             `json:"solana_address,omitempty"`
	Balances             map[string]float64 `json:"balances"`
	StakingRewardsEarned float64            `json:"staking_rewards_earned"`
}

func viewUser(user *ledger.User) userView {
	return userView{
		ID:            user.ID,
		ECashAddress:  user.ECashAddress,
		SolanaAddress: user.SolanaAddress,
		Balances: map[string]float64{
			assets.XEC.String():   assets.Float(user.BalanceXEC),
			assets.FIRMA.String(): assets.Float(user.BalanceFIRMA),
			assets.XECX.String():  assets.Float(user.BalanceXECX),
		},
		StakingRewardsEarned: assets.Float(user.StakingRewardsEarned),
	}
}

type loanView struct {
	ID                 string     `json:"id"`
	UserID             string     `json:"user_id"`
	Status             string     `json:"status"`
	CollateralType     string     `json:"collateral_type"`
	CollateralAmount   float64    `json:"collateral_amount"`
	CollateralValueUSD float64    `json:"collateral_value_usd"`
	BorrowedType       string     `json:"borrowed_type"`
	BorrowedAmount     float64    `json:"borrowed_amount"`
	InterestRate       float64    `json:"interest_rate"`
	AccruedInterest    float64    `json:"accrued_interest"`
	InitialLTV         float64    `json:"initial_ltv"`
	CurrentLTV         float64    `json:"current_ltv"`
	StakingYieldEarned float64    `json:"staking_yield_earned"`
	CreatedAt          time.Time  `json:"created_at"`
	ClosedAt           *time.Time `json:"closed_at,omitempty"`
}

func viewLoan(l *ledger.Loan) loanView {
	return loanView{
		ID:                 l.ID,
		UserID:             l.UserID,
		Status:             string(l.Status),
		CollateralType:     l.CollateralType.String(),
		CollateralAmount:   assets.Float(l.CollateralAmount),
		CollateralValueUSD: assets.Float(l.CollateralValueUSD),
		BorrowedType:       l.BorrowedType.String(),
		BorrowedAmount:     assets.Float(l.BorrowedAmount),
		InterestRate:       assets.Float(l.InterestRate),
		AccruedInterest:    assets.Float(l.AccruedInterest),
		InitialLTV:         assets.Float(l.InitialLTV),
		CurrentLTV:         assets.Float(l.CurrentLTV),
		StakingYieldEarned: assets.Float(l.StakingYieldEarned),
		CreatedAt:          l.CreatedAt,
		ClosedAt:           l.ClosedAt,
	}
}

func viewLoans(loans []*ledger.Loan) []loanView {
	out := make([]loanView, 0, len(loans))
	for _, l := range loans {
		out = append(out, viewLoan(l))
	}
	return out
}

type transactionView struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	LoanID    string    `json:"loan_id,omitempty"`
	Kind      string    `json:"type"`
	Asset     string    `json:"asset"`
	Amount    float64   `json:"amount"`
	ValueUSD  float64   `json:"value_usd"`
	TxHash    string    `json:"tx_hash,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func viewTransaction(tx *ledger.Transaction) transactionView {
	return transactionView{
		ID:        tx.ID,
		UserID:    tx.UserID,
		LoanID:    tx.LoanID,
		Kind:      string(tx.Kind),
		Asset:     tx.Asset.String(),
		Amount:    assets.Float(tx.Amount),
		ValueUSD:  assets.Float(tx.ValueUSD),
		TxHash:    tx.TxHash,
		Status:    string(tx.Status),
		CreatedAt: tx.CreatedAt,
	}
}

func viewTransactions(txs []*ledger.Transaction) []transactionView {
	out := make([]transactionView, 0, len(txs))
	for _, tx := range txs {
		out = append(out, viewTransaction(tx))
	}
	return out
}

type walletView struct {
	Chain        string    `json:"chain"`
	Address      string    `json:"address"`
	BalanceXEC   float64   `json:"balance_xec"`
	BalanceFIRMA float64   `json:"balance_firma"`
	BalanceXECX  float64   `json:"balance_xecx"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func viewWallets(wallets []*ledger.EscrowWallet) []walletView {
	out := make([]walletView, 0, len(wallets))
	for _, w := range wallets {
		out = append(out, walletView{
			Chain:        w.Chain,
			Address:      w.Address,
			BalanceXEC:   assets.Float(w.BalanceXEC),
			BalanceFIRMA: assets.Float(w.BalanceFIRMA),
			BalanceXECX:  assets.Float(w.BalanceXECX),
			UpdatedAt:    w.UpdatedAt,
		})
	}
	return out
}
