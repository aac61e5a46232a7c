package staking

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"loanzzz/native/assets"
	"loanzzz/native/ledger"
	"loanzzz/storage"
)

type captureNotifier struct {
	mu     sync.Mutex
	events map[string][]string
}

func (n *captureNotifier) NotifyUser(userID, event string, _ any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.events == nil {
		n.events = make(map[string][]string)
	}
	n.events[userID] = append(n.events[userID], event)
}

func rat(t *testing.T, value string) *big.Rat {
	t.Helper()
	r, err := assets.Rat(value)
	if err != nil {
		t.Fatalf("parse %q: %v", value, err)
	}
	return r
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seedStakedLoan(t *testing.T, store *storage.Store, id, userID, collateral string) {
	t.Helper()
	ctx := context.Background()
	loan := &ledger.Loan{
		ID:                 id,
		UserID:             userID,
		Status:             ledger.StatusActive,
		CollateralType:     assets.XEC,
		CollateralAmount:   rat(t, collateral),
		CollateralValueUSD: rat(t, "1"),
		BorrowedType:       assets.FIRMA,
		BorrowedAmount:     rat(t, "1"),
		BorrowedValueUSD:   rat(t, "1"),
		InterestRate:       rat(t, "0.0001"),
		AccruedInterest:    assets.Zero(),
		InitialLTV:         rat(t, "50"),
		CurrentLTV:         rat(t, "50"),
		StakingYieldEarned: assets.Zero(),
	}
	if err := store.InsertLoan(ctx, loan); err != nil {
		t.Fatalf("seed loan %s: %v", id, err)
	}
	if err := store.Transaction(ctx, func(tx *storage.Tx) error {
		return AddCollateral(ctx, tx, rat(t, collateral))
	}); err != nil {
		t.Fatalf("grow pool: %v", err)
	}
}

func TestDailyDistributionIsProportional(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	if err := store.InsertUser(ctx, &ledger.User{ID: "u1"}); err != nil {
		t.Fatalf("seed u1: %v", err)
	}
	if err := store.InsertUser(ctx, &ledger.User{ID: "u2"}); err != nil {
		t.Fatalf("seed u2: %v", err)
	}
	seedStakedLoan(t, store, "l1", "u1", "1000000")
	seedStakedLoan(t, store, "l2", "u2", "3000000")

	notifier := &captureNotifier{}
	now := time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)
	d := New(store, rat(t, "0.0001"), nil, WithNotifier(notifier), WithClock(func() time.Time { return now }))

	pool, err := store.GetStakingPool(ctx)
	if err != nil {
		t.Fatalf("get pool: %v", err)
	}
	if pool.Total.Cmp(rat(t, "4050000")) != 0 {
		t.Fatalf("pool total = %s, want 4050000", pool.Total.FloatString(2))
	}

	result, err := d.DistributeDaily(ctx)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if result.Skipped {
		t.Fatal("first run skipped")
	}
	if result.Recipients != 2 {
		t.Fatalf("recipients = %d, want 2", result.Recipients)
	}
	if result.Distributed.Cmp(rat(t, "405")) != 0 {
		t.Fatalf("distributed = %s, want 405", result.Distributed.FloatString(4))
	}

	l1, err := store.GetLoan(ctx, "l1")
	if err != nil {
		t.Fatalf("reload l1: %v", err)
	}
	if l1.StakingYieldEarned.Cmp(rat(t, "101.25")) != 0 {
		t.Fatalf("l1 yield = %s, want 101.25", l1.StakingYieldEarned.FloatString(4))
	}
	l2, err := store.GetLoan(ctx, "l2")
	if err != nil {
		t.Fatalf("reload l2: %v", err)
	}
	if l2.StakingYieldEarned.Cmp(rat(t, "303.75")) != 0 {
		t.Fatalf("l2 yield = %s, want 303.75", l2.StakingYieldEarned.FloatString(4))
	}

	u1, err := store.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("reload u1: %v", err)
	}
	if u1.StakingRewardsEarned.Cmp(rat(t, "101.25")) != 0 {
		t.Fatalf("u1 rewards = %s", u1.StakingRewardsEarned.FloatString(4))
	}

	rewards, err := store.TransactionsByKind(ctx, []ledger.TxKind{ledger.TxStakingReward}, 10)
	if err != nil {
		t.Fatalf("reward log: %v", err)
	}
	if len(rewards) != 2 {
		t.Fatalf("reward entries = %d, want 2", len(rewards))
	}

	pool, err = store.GetStakingPool(ctx)
	if err != nil {
		t.Fatalf("reload pool: %v", err)
	}
	if pool.LastRewardDistribution == nil || !pool.LastRewardDistribution.Equal(now) {
		t.Fatalf("last distribution = %v", pool.LastRewardDistribution)
	}
	if pool.TotalRewardsDistributed.Cmp(rat(t, "405")) != 0 {
		t.Fatalf("total distributed = %s", pool.TotalRewardsDistributed.FloatString(4))
	}

	if len(notifier.events["u1"]) != 1 || len(notifier.events["u2"]) != 1 {
		t.Fatalf("reward notifications = %v", notifier.events)
	}

	// A second run on the same UTC day pays nothing.
	again, err := d.DistributeDaily(ctx)
	if err != nil {
		t.Fatalf("second distribute: %v", err)
	}
	if !again.Skipped {
		t.Fatal("same-day rerun not skipped")
	}
	u1, err = store.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("reload u1: %v", err)
	}
	if u1.StakingRewardsEarned.Cmp(rat(t, "101.25")) != 0 {
		t.Fatal("same-day rerun double-paid")
	}
}

func TestDistributionWithNoStakedLoans(t *testing.T) {
	store := openStore(t)
	d := New(store, rat(t, "0.0001"), nil)

	result, err := d.DistributeDaily(context.Background())
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if result.Recipients != 0 || result.Distributed.Sign() != 0 {
		t.Fatalf("empty pool distributed %s to %d users", result.Distributed.FloatString(4), result.Recipients)
	}

	pool, err := store.GetStakingPool(context.Background())
	if err != nil {
		t.Fatalf("get pool: %v", err)
	}
	if pool.LastRewardDistribution != nil {
		t.Fatal("empty run stamped the distribution date")
	}
}

func TestPoolClamps(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	if err := store.Transaction(ctx, func(tx *storage.Tx) error {
		if err := AddCollateral(ctx, tx, rat(t, "1000")); err != nil {
			return err
		}
		return RemoveCollateral(ctx, tx, rat(t, "5000"))
	}); err != nil {
		t.Fatalf("adjust pool: %v", err)
	}

	pool, err := store.GetStakingPool(ctx)
	if err != nil {
		t.Fatalf("get pool: %v", err)
	}
	if pool.UserContributed.Sign() != 0 {
		t.Fatalf("contribution = %s, want clamped to 0", pool.UserContributed.FloatString(2))
	}
	if pool.Total.Cmp(pool.PlatformBase) != 0 {
		t.Fatalf("total = %s, want the platform base", pool.Total.FloatString(2))
	}
}

func TestUserShare(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	if err := store.InsertUser(ctx, &ledger.User{ID: "u1"}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	seedStakedLoan(t, store, "l1", "u1", "1000000")

	d := New(store, rat(t, "0.0001"), nil)
	share, err := d.UserShare(ctx, "u1")
	if err != nil {
		t.Fatalf("user share: %v", err)
	}
	// 1,000,000 of a 1,050,000 pool.
	want := new(big.Rat).Quo(rat(t, "1000000"), rat(t, "1050000"))
	if share.Cmp(want) != 0 {
		t.Fatalf("share = %s, want %s", share.FloatString(6), want.FloatString(6))
	}

	none, err := d.UserShare(ctx, "u2")
	if err != nil {
		t.Fatalf("stranger share: %v", err)
	}
	if none.Sign() != 0 {
		t.Fatalf("stranger share = %s, want 0", none.FloatString(6))
	}
}

func TestEffectiveRateFloorsAtZero(t *testing.T) {
	net := EffectiveRate(rat(t, "0.0001"), rat(t, "0.0001"))
	// 0.0001 - 0.0001/24 is still positive.
	want := new(big.Rat).Sub(rat(t, "0.0001"), new(big.Rat).Quo(rat(t, "0.0001"), big.NewRat(24, 1)))
	if net.Cmp(want) != 0 {
		t.Fatalf("net rate = %s, want %s", net.FloatString(10), want.FloatString(10))
	}
	floored := EffectiveRate(rat(t, "0.0001"), rat(t, "1"))
	if floored.Sign() != 0 {
		t.Fatalf("floored rate = %s, want 0", floored.FloatString(10))
	}
}
