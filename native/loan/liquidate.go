package loan

import (
	"context"
	"math/big"

	"loanzzz/native/assets"
	"loanzzz/native/ledger"
	"loanzzz/native/oracle"
	"loanzzz/native/staking"
	"loanzzz/observability"
	"loanzzz/storage"
)

// Liquidation summarises one executed liquidation.
type Liquidation struct {
	LoanID      string
	UserID      string
	Sold        *big.Rat
	DebtCovered *big.Rat
	Fee         *big.Rat
	Returned    *big.Rat
}

// ScanAndLiquidate sweeps every open loan and liquidates those at or above
// the liquidation threshold at the view prices. Each liquidation is its own
// all-or-nothing transaction; a failed loan is logged and the sweep moves
// on.
func (e *Engine) ScanAndLiquidate(ctx context.Context, view oracle.View) ([]Liquidation, error) {
	loans, err := e.ledger.OpenLoans(ctx)
	if err != nil {
		return nil, err
	}
	var executed []Liquidation
	for _, candidate := range loans {
		ltv := LTV(view, candidate.BorrowedType, candidate.BorrowedAmount, candidate.AccruedInterest, candidate.CollateralType, candidate.CollateralAmount)
		if ltv.Cmp(e.params.LiquidationLTV) < 0 {
			continue
		}
		outcome, err := e.liquidate(ctx, view, candidate.ID)
		if err != nil {
			e.log.Error("liquidation failed", "loan", candidate.ID, "error", err)
			continue
		}
		if outcome != nil {
			executed = append(executed, *outcome)
		}
	}
	return executed, nil
}

// liquidate closes one underwater loan: sells enough collateral to cover the
// debt plus the liquidation fee, returns the rest to the owner and records
// the event. Residual bad debt is accepted and counted.
func (e *Engine) liquidate(ctx context.Context, view oracle.View, loanID string) (outcome *Liquidation, err error) {
	defer func() { e.countOp("liquidate", err) }()
	now := e.now()
	var events []event
	err = e.ledger.Transaction(ctx, func(tx *storage.Tx) error {
		loan, err := tx.GetLoan(ctx, loanID)
		if err != nil {
			return err
		}
		if loan.Status.Terminal() {
			return nil
		}
		e.reprice(view, loan)
		if loan.CurrentLTV.Cmp(e.params.LiquidationLTV) < 0 {
			// Prices moved between the scan and this transaction.
			return tx.UpdateLoan(ctx, loan)
		}

		totalDebt := loan.Debt()
		debtUSD := view.ToUSD(loan.BorrowedType, totalDebt)
		feeUSD := new(big.Rat).Mul(debtUSD, e.params.LiquidationFee)
		recoverUSD := new(big.Rat).Add(debtUSD, feeUSD)

		collateral := assets.Clone(loan.CollateralAmount)
		price := view.Price(loan.CollateralType)
		toSell := assets.Clone(collateral)
		if price.Sign() > 0 {
			need := new(big.Rat).Quo(assets.Clone(recoverUSD), price)
			if need.Cmp(collateral) < 0 {
				toSell = need
			}
		}
		returned := new(big.Rat).Sub(collateral, toSell)
		if returned.Sign() < 0 {
			returned.SetInt64(0)
		}
		onePlusFee := new(big.Rat).Add(big.NewRat(1, 1), e.params.LiquidationFee)
		feeInCollat := new(big.Rat).Mul(assets.Clone(toSell), e.params.LiquidationFee)
		feeInCollat.Quo(feeInCollat, onePlusFee)

		soldUSD := new(big.Rat).Mul(assets.Clone(toSell), price)
		if soldUSD.Cmp(recoverUSD) < 0 {
			badDebt := new(big.Rat).Sub(assets.Clone(recoverUSD), soldUSD)
			observability.Loans().BadDebtUSD.Add(assets.Float(badDebt))
		}

		user, err := tx.GetUser(ctx, loan.UserID)
		if err != nil {
			return userErr(err)
		}
		balance := user.Balance(loan.CollateralType)
		balance.Add(balance, returned)
		if loan.CollateralType == assets.XEC {
			if err := staking.RemoveCollateral(ctx, tx, collateral); err != nil {
				return err
			}
		}

		closeLoan(loan, ledger.StatusLiquidated, now)
		if err := tx.UpdateLoan(ctx, loan); err != nil {
			return err
		}
		if err := tx.UpdateUser(ctx, user); err != nil {
			return err
		}
		if err := tx.AppendTransaction(ctx, &ledger.Transaction{
			ID:        e.newID(),
			UserID:    loan.UserID,
			LoanID:    loan.ID,
			Kind:      ledger.TxLiquidation,
			Asset:     loan.CollateralType,
			Amount:    assets.Clone(toSell),
			ValueUSD:  recoverUSD,
			Status:    ledger.TxConfirmed,
			CreatedAt: now,
		}); err != nil {
			return err
		}

		outcome = &Liquidation{
			LoanID:      loan.ID,
			UserID:      loan.UserID,
			Sold:        toSell,
			DebtCovered: debtUSD,
			Fee:         feeInCollat,
			Returned:    returned,
		}
		events = append(events,
			event{userID: loan.UserID, name: "loan:liquidation", payload: map[string]any{
				"loanId":      loan.ID,
				"sold":        assets.Float(toSell),
				"debtCovered": assets.Float(debtUSD),
				"fee":         assets.Float(feeInCollat),
				"returned":    assets.Float(returned),
			}},
			event{userID: loan.UserID, name: "balance:update", payload: balancePayload(user)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if outcome != nil {
		observability.Loans().Liquidations.Inc()
		e.log.Warn("loan liquidated",
			"loan", outcome.LoanID,
			"sold", outcome.Sold.FloatString(8),
			"returned", outcome.Returned.FloatString(8))
	}
	e.emit(events)
	return outcome, nil
}
