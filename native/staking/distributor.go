package staking

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"loanzzz/native/assets"
	"loanzzz/native/ledger"
	"loanzzz/storage"
)

// Ledger is the persistence surface the distributor needs. *storage.Store
// satisfies it.
type Ledger interface {
	Transaction(ctx context.Context, fn func(*storage.Tx) error) error
	GetStakingPool(ctx context.Context) (*ledger.StakingPool, error)
	OpenLoansByCollateral(ctx context.Context, collateral assets.Asset) ([]*ledger.Loan, error)
}

// Notifier pushes per-user reward events after the distribution commits.
type Notifier interface {
	NotifyUser(userID, event string, payload any)
}

// Result summarises one distribution run.
type Result struct {
	Distributed *big.Rat
	Recipients  int
	Skipped     bool
}

// Distributor pays the daily staking yield. One distribution per UTC day;
// the whole payout is a single ledger transaction.
type Distributor struct {
	ledger    Ledger
	yieldRate *big.Rat
	notifier  Notifier
	log       *slog.Logger
	now       func() time.Time
	newID     func() string
}

// Option configures a Distributor.
type Option func(*Distributor)

// WithNotifier attaches the notification bus.
func WithNotifier(n Notifier) Option {
	return func(d *Distributor) { d.notifier = n }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Distributor) {
		if now != nil {
			d.now = now
		}
	}
}

// New constructs a distributor. yieldRate is the daily fraction of the pool
// total paid out (default 0.0001 when nil).
func New(l Ledger, yieldRate *big.Rat, log *slog.Logger, opts ...Option) *Distributor {
	if log == nil {
		log = slog.Default()
	}
	if yieldRate == nil {
		yieldRate = assets.MustRat("0.0001")
	}
	d := &Distributor{
		ledger:    l,
		yieldRate: assets.Clone(yieldRate),
		log:       log.With("component", "staking"),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type rewardNote struct {
	userID string
	amount *big.Rat
	total  *big.Rat
}

// DistributeDaily pays every open XEC-collateralised loan its proportional
// share of the day's yield. A second call on the same UTC day is a no-op.
func (d *Distributor) DistributeDaily(ctx context.Context) (Result, error) {
	now := d.now().UTC()
	result := Result{Distributed: new(big.Rat)}
	var notes []rewardNote

	err := d.ledger.Transaction(ctx, func(tx *storage.Tx) error {
		pool, err := tx.GetStakingPool(ctx)
		if err != nil {
			return fmt.Errorf("load staking pool: %w", err)
		}
		if last := pool.LastRewardDistribution; last != nil && sameUTCDay(*last, now) {
			result.Skipped = true
			return nil
		}

		loans, err := tx.OpenLoansByCollateral(ctx, assets.XEC)
		if err != nil {
			return fmt.Errorf("load staked loans: %w", err)
		}
		collateralSum := new(big.Rat)
		for _, l := range loans {
			collateralSum.Add(collateralSum, assets.Clone(l.CollateralAmount))
		}
		if collateralSum.Sign() == 0 {
			return nil
		}

		dailyReward := new(big.Rat).Mul(assets.Clone(pool.Total), d.yieldRate)
		perUser := make(map[string]*big.Rat)
		var userOrder []string
		for _, l := range loans {
			reward := new(big.Rat).Mul(dailyReward, assets.Clone(l.CollateralAmount))
			reward.Quo(reward, collateralSum)
			l.StakingYieldEarned = new(big.Rat).Add(assets.Clone(l.StakingYieldEarned), reward)
			if err := tx.UpdateLoan(ctx, l); err != nil {
				return fmt.Errorf("update loan yield: %w", err)
			}
			if _, seen := perUser[l.UserID]; !seen {
				userOrder = append(userOrder, l.UserID)
				perUser[l.UserID] = new(big.Rat)
			}
			perUser[l.UserID].Add(perUser[l.UserID], reward)
			result.Distributed.Add(result.Distributed, reward)
		}

		for _, userID := range userOrder {
			reward := perUser[userID]
			user, err := tx.GetUser(ctx, userID)
			if err != nil {
				return fmt.Errorf("load recipient %s: %w", userID, err)
			}
			user.StakingRewardsEarned = new(big.Rat).Add(assets.Clone(user.StakingRewardsEarned), reward)
			if err := tx.UpdateUser(ctx, user); err != nil {
				return fmt.Errorf("update recipient %s: %w", userID, err)
			}
			if err := tx.AppendTransaction(ctx, &ledger.Transaction{
				ID:        d.newID(),
				UserID:    userID,
				Kind:      ledger.TxStakingReward,
				Asset:     assets.XEC,
				Amount:    assets.Clone(reward),
				Status:    ledger.TxConfirmed,
				CreatedAt: now,
			}); err != nil {
				return fmt.Errorf("record reward %s: %w", userID, err)
			}
			notes = append(notes, rewardNote{userID: userID, amount: assets.Clone(reward), total: assets.Clone(user.StakingRewardsEarned)})
		}
		result.Recipients = len(userOrder)

		pool.LastRewardDistribution = &now
		pool.TotalRewardsDistributed = new(big.Rat).Add(assets.Clone(pool.TotalRewardsDistributed), result.Distributed)
		if err := tx.PutStakingPool(ctx, pool); err != nil {
			return fmt.Errorf("store staking pool: %w", err)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if d.notifier != nil {
		for _, note := range notes {
			d.notifier.NotifyUser(note.userID, "staking:reward", map[string]any{
				"amount":      assets.Float(note.amount),
				"totalEarned": assets.Float(note.total),
			})
		}
	}
	if !result.Skipped && result.Recipients > 0 {
		d.log.Info("staking rewards distributed",
			"recipients", result.Recipients,
			"distributed", result.Distributed.FloatString(8))
	}
	return result, nil
}

// UserShare is the user's fraction of the pool total, summed over their open
// XEC-collateralised loans. Zero when the pool is empty.
func (d *Distributor) UserShare(ctx context.Context, userID string) (*big.Rat, error) {
	pool, err := d.ledger.GetStakingPool(ctx)
	if err != nil {
		return nil, fmt.Errorf("load staking pool: %w", err)
	}
	if pool.Total == nil || pool.Total.Sign() == 0 {
		return new(big.Rat), nil
	}
	loans, err := d.ledger.OpenLoansByCollateral(ctx, assets.XEC)
	if err != nil {
		return nil, fmt.Errorf("load staked loans: %w", err)
	}
	share := new(big.Rat)
	for _, l := range loans {
		if l.UserID == userID {
			share.Add(share, assets.Clone(l.CollateralAmount))
		}
	}
	return share.Quo(share, pool.Total), nil
}

// PoolStats is the public staking summary surfaced by the API.
type PoolStats struct {
	PlatformBase            float64    `json:"platformBase"`
	UserContributed         float64    `json:"userContributed"`
	Total                   float64    `json:"total"`
	DailyYieldRate          float64    `json:"dailyYieldRate"`
	TotalRewardsDistributed float64    `json:"totalRewardsDistributed"`
	LastDistribution        *time.Time `json:"lastDistribution,omitempty"`
}

// Stats snapshots the pool for API views.
func (d *Distributor) Stats(ctx context.Context) (PoolStats, error) {
	pool, err := d.ledger.GetStakingPool(ctx)
	if err != nil {
		return PoolStats{}, fmt.Errorf("load staking pool: %w", err)
	}
	return PoolStats{
		PlatformBase:            assets.Float(pool.PlatformBase),
		UserContributed:         assets.Float(pool.UserContributed),
		Total:                   assets.Float(pool.Total),
		DailyYieldRate:          assets.Float(d.yieldRate),
		TotalRewardsDistributed: assets.Float(pool.TotalRewardsDistributed),
		LastDistribution:        pool.LastRewardDistribution,
	}, nil
}

func sameUTCDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
