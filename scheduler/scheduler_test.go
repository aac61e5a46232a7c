package scheduler

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"loanzzz/native/assets"
	"loanzzz/native/loan"
	"loanzzz/native/oracle"
	"loanzzz/native/staking"
)

type fakePrices struct {
	mu        sync.Mutex
	refreshes int
	snapshots int
}

func (p *fakePrices) view() oracle.View {
	return oracle.NewView(map[assets.Asset]*big.Rat{assets.XEC: assets.MustRat("0.00003")}, time.Now())
}

func (p *fakePrices) Refresh(context.Context) oracle.View {
	p.mu.Lock()
	p.refreshes++
	p.mu.Unlock()
	return p.view()
}

func (p *fakePrices) Snapshot(context.Context) oracle.View {
	p.mu.Lock()
	p.snapshots++
	p.mu.Unlock()
	return p.view()
}

type fakeEngine struct {
	sweeps   chan struct{}
	scans    chan struct{}
	accruals chan struct{}
	sweepErr error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		sweeps:   make(chan struct{}, 16),
		scans:    make(chan struct{}, 16),
		accruals: make(chan struct{}, 16),
	}
}

func (e *fakeEngine) UpdateAllLTVs(context.Context, oracle.View) error {
	e.sweeps <- struct{}{}
	return e.sweepErr
}

func (e *fakeEngine) ScanAndLiquidate(context.Context, oracle.View) ([]loan.Liquidation, error) {
	e.scans <- struct{}{}
	return nil, nil
}

func (e *fakeEngine) AccrueInterest(context.Context, oracle.View) error {
	e.accruals <- struct{}{}
	return nil
}

type fakeDistributor struct {
	runs    chan struct{}
	skipped bool
	err     error
}

func (d *fakeDistributor) DistributeDaily(context.Context) (staking.Result, error) {
	if d.runs != nil {
		d.runs <- struct{}{}
	}
	if d.err != nil {
		return staking.Result{}, d.err
	}
	return staking.Result{Distributed: new(big.Rat), Skipped: d.skipped}, nil
}

type fakeReconciler struct {
	runs chan struct{}
}

func (r *fakeReconciler) Reconcile(context.Context) error {
	r.runs <- struct{}{}
	return nil
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []string
}

func (b *fakeBroadcaster) Broadcast(event string, _ any) {
	b.mu.Lock()
	b.events = append(b.events, event)
	b.mu.Unlock()
}

func (b *fakeBroadcaster) count(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e == event {
			n++
		}
	}
	return n
}

func waitSignal(t *testing.T, ch chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestRunDrivesAllTickers(t *testing.T) {
	prices := &fakePrices{}
	engine := newFakeEngine()
	rec := &fakeReconciler{runs: make(chan struct{}, 16)}
	bcast := &fakeBroadcaster{}
	sched := New(prices, engine, &fakeDistributor{}, nil,
		WithIntervals(10*time.Millisecond, 10*time.Millisecond, 10*time.Millisecond),
		WithReconciler(rec),
		WithBroadcaster(bcast))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	waitSignal(t, engine.sweeps, "startup market sweep")
	waitSignal(t, engine.sweeps, "ticked market sweep")
	waitSignal(t, engine.scans, "liquidation scan")
	waitSignal(t, engine.accruals, "interest accrual")
	waitSignal(t, rec.runs, "escrow reconcile")

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v", err)
	}
	if bcast.count("prices:update") == 0 {
		t.Fatal("prices never broadcast")
	}
}

func TestMarketSweepJoinsErrors(t *testing.T) {
	prices := &fakePrices{}
	engine := newFakeEngine()
	engine.sweepErr = errors.New("sweep failed")
	sched := New(prices, engine, &fakeDistributor{}, nil)

	if err := sched.marketSweep(context.Background()); !errors.Is(err, engine.sweepErr) {
		t.Fatalf("expected sweep error, got %v", err)
	}
	<-engine.sweeps
	if prices.refreshes != 1 {
		t.Fatalf("refreshes = %d", prices.refreshes)
	}
}

func TestStakingDistributionOutcomes(t *testing.T) {
	sched := New(&fakePrices{}, newFakeEngine(), &fakeDistributor{skipped: true}, nil)
	if err := sched.stakingDistribution(context.Background()); err != nil {
		t.Fatalf("skipped run errored: %v", err)
	}

	boom := errors.New("pool read failed")
	sched = New(&fakePrices{}, newFakeEngine(), &fakeDistributor{err: boom}, nil)
	if err := sched.stakingDistribution(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected distributor error, got %v", err)
	}
}

func TestUntilNextMidnightUTC(t *testing.T) {
	at := time.Date(2026, 8, 26, 23, 59, 30, 0, time.UTC)
	sched := New(&fakePrices{}, newFakeEngine(), &fakeDistributor{}, nil, WithClock(func() time.Time { return at }))
	if got := sched.untilNextMidnightUTC(); got != 30*time.Second {
		t.Fatalf("until midnight = %s", got)
	}

	at = time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)
	if got := sched.untilNextMidnightUTC(); got != 24*time.Hour {
		t.Fatalf("until midnight at midnight = %s", got)
	}
}
