package loan

import (
	"fmt"
	"math/big"

	"loanzzz/native/assets"
)

// Params are the risk thresholds the engine enforces. LTV thresholds are
// percentages; rates and fees are fractions.
type Params struct {
	InitialLTV         *big.Rat
	MarginCallLTV      *big.Rat
	LiquidationLTV     *big.Rat
	HourlyInterestRate *big.Rat
	LiquidationFee     *big.Rat
}

// DefaultParams returns the production thresholds.
func DefaultParams() Params {
	return Params{
		InitialLTV:         assets.MustRat("65"),
		MarginCallLTV:      assets.MustRat("75"),
		LiquidationLTV:     assets.MustRat("83"),
		HourlyInterestRate: assets.MustRat("0.0001"),
		LiquidationFee:     assets.MustRat("0.02"),
	}
}

// Validate rejects threshold sets that would break the loan state machine.
func (p Params) Validate() error {
	for name, value := range map[string]*big.Rat{
		"initial ltv":          p.InitialLTV,
		"margin call ltv":      p.MarginCallLTV,
		"liquidation ltv":      p.LiquidationLTV,
		"hourly interest rate": p.HourlyInterestRate,
		"liquidation fee":      p.LiquidationFee,
	} {
		if value == nil || value.Sign() < 0 {
			return fmt.Errorf("loan: %s must be a non-negative number", name)
		}
	}
	if p.InitialLTV.Cmp(p.MarginCallLTV) >= 0 {
		return fmt.Errorf("loan: initial ltv must sit below the margin call ltv")
	}
	if p.MarginCallLTV.Cmp(p.LiquidationLTV) >= 0 {
		return fmt.Errorf("loan: margin call ltv must sit below the liquidation ltv")
	}
	return nil
}

// criticalAlertLTV is the band above which a margin call is graded critical.
var criticalAlertLTV = big.NewRat(80, 1)

var hundred = big.NewRat(100, 1)
