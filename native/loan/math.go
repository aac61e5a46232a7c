package loan

import (
	"math/big"

	"loanzzz/native/assets"
	"loanzzz/native/oracle"
)

// MaxBorrow returns the largest borrowable amount for the collateral at the
// initial LTV cap, zero when the borrow asset has no price.
func (p Params) MaxBorrow(view oracle.View, collatType assets.Asset, collatAmount *big.Rat, borrowType assets.Asset) *big.Rat {
	borrowPrice := view.Price(borrowType)
	if borrowPrice.Sign() == 0 {
		return new(big.Rat)
	}
	collatUSD := view.ToUSD(collatType, collatAmount)
	max := new(big.Rat).Mul(collatUSD, p.InitialLTV)
	max.Quo(max, hundred)
	return max.Quo(max, borrowPrice)
}

// LTV returns the loan-to-value percentage for the given debt and
// collateral. Worthless collateral values as fully underwater (100).
func LTV(view oracle.View, borrowType assets.Asset, principal, accrued *big.Rat, collatType assets.Asset, collatAmount *big.Rat) *big.Rat {
	collatUSD := view.ToUSD(collatType, collatAmount)
	if collatUSD.Sign() <= 0 {
		return assets.Clone(hundred)
	}
	debt := new(big.Rat).Add(assets.Clone(principal), assets.Clone(accrued))
	debtUSD := new(big.Rat).Mul(debt, view.Price(borrowType))
	ltv := debtUSD.Quo(debtUSD, collatUSD)
	return ltv.Mul(ltv, hundred)
}
