package assets

import (
	"fmt"
	"math/big"
	"strings"
)

// Asset enumerates the coins the platform accounts for. The set is closed:
// persistence maps each asset to a fixed column and never interpolates the
// symbol into SQL.
type Asset string

const (
	// XEC is the volatile native coin.
	XEC Asset = "XEC"
	// FIRMA is the USD-pegged stablecoin, always valued at 1 USD.
	FIRMA Asset = "FIRMA"
	// XECX is the staking-wrapped form of XEC and shadows its price.
	XECX Asset = "XECX"
)

// All lists every supported asset in a stable order.
func All() []Asset {
	return []Asset{XEC, FIRMA, XECX}
}

// Parse resolves a symbol to its Asset, case-insensitively.
func Parse(symbol string) (Asset, error) {
	switch strings.ToUpper(strings.TrimSpace(symbol)) {
	case string(XEC):
		return XEC, nil
	case string(FIRMA):
		return FIRMA, nil
	case string(XECX):
		return XECX, nil
	}
	return "", fmt.Errorf("assets: unsupported asset %q", symbol)
}

// Valid reports whether the asset belongs to the closed set.
func (a Asset) Valid() bool {
	switch a {
	case XEC, FIRMA, XECX:
		return true
	}
	return false
}

// PriceKey returns the asset whose oracle price governs valuation. XECX is a
// wrapped XEC and carries the XEC price.
func (a Asset) PriceKey() Asset {
	if a == XECX {
		return XEC
	}
	return a
}

// String implements fmt.Stringer.
func (a Asset) String() string { return string(a) }

// Rat parses a decimal string into an exact rational amount. Empty input is
// rejected; negative values are allowed so callers can validate sign
// themselves.
func Rat(value string) (*big.Rat, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("assets: amount required")
	}
	r, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return nil, fmt.Errorf("assets: invalid amount %q", value)
	}
	return r, nil
}

// MustRat parses a decimal constant and panics on malformed input. Reserved
// for package-level defaults validated at review time.
func MustRat(value string) *big.Rat {
	r, err := Rat(value)
	if err != nil {
		panic(err)
	}
	return r
}

// RatString renders an amount with 18 decimal places, the precision the
// ledger persists.
func RatString(r *big.Rat) string {
	if r == nil {
		return "0"
	}
	return r.FloatString(18)
}

// Float renders an amount as float64 for API views. Precision loss is
// confined to the serialisation boundary.
func Float(r *big.Rat) float64 {
	if r == nil {
		return 0
	}
	f, _ := r.Float64()
	return f
}

// Zero returns a fresh zero amount.
func Zero() *big.Rat { return new(big.Rat) }

// Clone copies an amount, treating nil as zero.
func Clone(r *big.Rat) *big.Rat {
	if r == nil {
		return new(big.Rat)
	}
	return new(big.Rat).Set(r)
}

// IsPositive reports amount > 0, treating nil as zero.
func IsPositive(r *big.Rat) bool { return r != nil && r.Sign() > 0 }
