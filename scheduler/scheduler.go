// Package scheduler drives the periodic maintenance loops: price refresh and
// LTV sweeps, liquidation scans, hourly interest accrual and the daily
// staking distribution. Tasks are fire-and-forget; failures are logged and
// the next tick retries.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"loanzzz/native/loan"
	"loanzzz/native/oracle"
	"loanzzz/native/staking"
	"loanzzz/observability"
)

// Engine is the slice of the loan engine the scheduler drives.
type Engine interface {
	UpdateAllLTVs(ctx context.Context, view oracle.View) error
	AccrueInterest(ctx context.Context, view oracle.View) error
	ScanAndLiquidate(ctx context.Context, view oracle.View) ([]loan.Liquidation, error)
}

// Prices produces price snapshots for the sweeps.
type Prices interface {
	Refresh(ctx context.Context) oracle.View
	Snapshot(ctx context.Context) oracle.View
}

// Distributor runs the daily staking payout.
type Distributor interface {
	DistributeDaily(ctx context.Context) (staking.Result, error)
}

// Reconciler refreshes escrow transparency balances.
type Reconciler interface {
	Reconcile(ctx context.Context) error
}

// Broadcaster fans events out to every connected client.
type Broadcaster interface {
	Broadcast(event string, payload any)
}

const (
	defaultMarketInterval   = time.Minute
	defaultRiskInterval     = time.Minute
	defaultInterestInterval = time.Hour
)

// Scheduler owns the tickers. Construct with New and drive with Run.
type Scheduler struct {
	prices      Prices
	engine      Engine
	distributor Distributor
	reconciler  Reconciler
	bus         Broadcaster

	marketEvery   time.Duration
	riskEvery     time.Duration
	interestEvery time.Duration

	log *slog.Logger
	now func() time.Time
}

// Option adjusts Scheduler construction.
type Option func(*Scheduler)

// WithIntervals overrides the tick cadence, used in tests. Non-positive
// values keep the defaults.
func WithIntervals(market, risk, interest time.Duration) Option {
	return func(s *Scheduler) {
		if market > 0 {
			s.marketEvery = market
		}
		if risk > 0 {
			s.riskEvery = risk
		}
		if interest > 0 {
			s.interestEvery = interest
		}
	}
}

// WithReconciler wires the optional escrow reconciler.
func WithReconciler(r Reconciler) Option {
	return func(s *Scheduler) { s.reconciler = r }
}

// WithBroadcaster wires the notification bus for price broadcasts.
func WithBroadcaster(b Broadcaster) Option {
	return func(s *Scheduler) { s.bus = b }
}

// WithClock overrides the time source, used in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New wires the scheduler over the core components.
func New(prices Prices, engine Engine, distributor Distributor, log *slog.Logger, opts ...Option) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	s := &Scheduler{
		prices:        prices,
		engine:        engine,
		distributor:   distributor,
		marketEvery:   defaultMarketInterval,
		riskEvery:     defaultRiskInterval,
		interestEvery: defaultInterestInterval,
		log:           log.With("component", "scheduler"),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks until ctx is cancelled. Each tick spawns its task so a slow
// sweep never delays the next; the ledger serialises overlapping runs.
func (s *Scheduler) Run(ctx context.Context) error {
	market := time.NewTicker(s.marketEvery)
	defer market.Stop()
	risk := time.NewTicker(s.riskEvery)
	defer risk.Stop()
	interest := time.NewTicker(s.interestEvery)
	defer interest.Stop()
	daily := time.NewTimer(s.untilNextMidnightUTC())
	defer daily.Stop()

	s.spawn(ctx, "market_sweep", s.marketSweep)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-market.C:
			s.spawn(ctx, "market_sweep", s.marketSweep)
		case <-risk.C:
			s.spawn(ctx, "liquidation_scan", s.liquidationScan)
		case <-interest.C:
			s.spawn(ctx, "interest_accrual", s.interestAccrual)
		case <-daily.C:
			s.spawn(ctx, "staking_distribution", s.stakingDistribution)
			daily.Reset(s.untilNextMidnightUTC())
		}
	}
}

func (s *Scheduler) spawn(ctx context.Context, task string, fn func(context.Context) error) {
	go func() {
		start := s.now()
		err := fn(ctx)
		observability.ObserveTick(task, start, err)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("task failed", "task", task, "error", err)
		}
	}()
}

// marketSweep refreshes prices, publishes them and re-evaluates every open
// loan at the new snapshot. Escrow balances piggyback on the same tick.
func (s *Scheduler) marketSweep(ctx context.Context) error {
	view := s.prices.Refresh(ctx)
	if s.bus != nil {
		s.bus.Broadcast("prices:update", view.Floats())
	}
	err := s.engine.UpdateAllLTVs(ctx, view)
	if s.reconciler != nil {
		err = errors.Join(err, s.reconciler.Reconcile(ctx))
	}
	return err
}

func (s *Scheduler) liquidationScan(ctx context.Context) error {
	view := s.prices.Snapshot(ctx)
	liquidated, err := s.engine.ScanAndLiquidate(ctx, view)
	if len(liquidated) > 0 {
		s.log.Info("liquidation scan completed", "liquidated", len(liquidated))
	}
	return err
}

func (s *Scheduler) interestAccrual(ctx context.Context) error {
	view := s.prices.Snapshot(ctx)
	return s.engine.AccrueInterest(ctx, view)
}

// stakingDistribution pays the daily yield. The distributor guards on the
// last-distribution date so a restart cannot double-pay.
func (s *Scheduler) stakingDistribution(ctx context.Context) error {
	result, err := s.distributor.DistributeDaily(ctx)
	if err != nil {
		return err
	}
	if result.Skipped {
		s.log.Info("staking distribution skipped, already paid today")
		return nil
	}
	s.log.Info("staking distribution completed",
		"recipients", result.Recipients,
		"distributed", result.Distributed.FloatString(2))
	return nil
}

func (s *Scheduler) untilNextMidnightUTC() time.Duration {
	now := s.now().UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	return next.Sub(now)
}
