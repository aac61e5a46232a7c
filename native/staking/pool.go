// Package staking maintains the singleton staking pool and pays the daily
// proportional yield to users whose loans are collateralised with the native
// coin.
package staking

import (
	"context"
	"fmt"
	"math/big"

	"loanzzz/native/assets"
	"loanzzz/native/ledger"
)

// PoolState is the slice of ledger accessors the pool mutations run
// through. Both *storage.Store and *storage.Tx satisfy it.
type PoolState interface {
	GetStakingPool(ctx context.Context) (*ledger.StakingPool, error)
	PutStakingPool(ctx context.Context, pool *ledger.StakingPool) error
}

// AddCollateral grows the user-contributed share when XEC collateral enters
// a loan. Call it inside the same ledger transaction as the loan mutation.
func AddCollateral(ctx context.Context, state PoolState, amount *big.Rat) error {
	if !assets.IsPositive(amount) {
		return nil
	}
	return adjust(ctx, state, amount)
}

// RemoveCollateral shrinks the user-contributed share when XEC collateral
// leaves a loan through repayment or liquidation. The pool is clamped so
// user_contributed never goes negative and total never drops below the
// platform base.
func RemoveCollateral(ctx context.Context, state PoolState, amount *big.Rat) error {
	if !assets.IsPositive(amount) {
		return nil
	}
	return adjust(ctx, state, new(big.Rat).Neg(amount))
}

func adjust(ctx context.Context, state PoolState, delta *big.Rat) error {
	pool, err := state.GetStakingPool(ctx)
	if err != nil {
		return fmt.Errorf("load staking pool: %w", err)
	}
	contributed := assets.Clone(pool.UserContributed)
	contributed.Add(contributed, delta)
	if contributed.Sign() < 0 {
		contributed.SetInt64(0)
	}
	pool.UserContributed = contributed
	pool.Total = new(big.Rat).Add(assets.Clone(pool.PlatformBase), contributed)
	if err := state.PutStakingPool(ctx, pool); err != nil {
		return fmt.Errorf("store staking pool: %w", err)
	}
	return nil
}

// EffectiveRate is the hourly borrow cost net of staking yield, floored at
// zero. dailyYieldRate is spread over 24 hours.
func EffectiveRate(hourlyInterestRate, dailyYieldRate *big.Rat) *big.Rat {
	hourlyYield := new(big.Rat).Quo(assets.Clone(dailyYieldRate), big.NewRat(24, 1))
	net := new(big.Rat).Sub(assets.Clone(hourlyInterestRate), hourlyYield)
	if net.Sign() < 0 {
		net.SetInt64(0)
	}
	return net
}
