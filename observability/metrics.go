package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LoanMetrics records loan engine and risk loop activity.
type LoanMetrics struct {
	Operations   *prometheus.CounterVec
	Liquidations prometheus.Counter
	BadDebtUSD   prometheus.Counter
	MarginCalls  prometheus.Counter
}

// OracleMetrics records upstream price fetch outcomes.
type OracleMetrics struct {
	Fetches *prometheus.CounterVec
}

// BusMetrics records websocket delivery activity.
type BusMetrics struct {
	Delivered   prometheus.Counter
	Dropped     prometheus.Counter
	Subscribers prometheus.Gauge
}

// SchedulerMetrics records periodic task executions.
type SchedulerMetrics struct {
	Ticks    *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

var (
	loanOnce sync.Once
	loanReg  *LoanMetrics

	oracleOnce sync.Once
	oracleReg  *OracleMetrics

	busOnce sync.Once
	busReg  *BusMetrics

	schedOnce sync.Once
	schedReg  *SchedulerMetrics
)

// Loans returns the lazily-initialised loan metrics registry.
func Loans() *LoanMetrics {
	loanOnce.Do(func() {
		loanReg = &LoanMetrics{
			Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loanzzz",
				Subsystem: "loan",
				Name:      "operations_total",
				Help:      "Loan engine operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			Liquidations: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "loanzzz",
				Subsystem: "loan",
				Name:      "liquidations_total",
				Help:      "Loans liquidated by the risk loop.",
			}),
			BadDebtUSD: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "loanzzz",
				Subsystem: "loan",
				Name:      "bad_debt_usd_total",
				Help:      "Residual USD debt discarded when collateral did not cover recovery.",
			}),
			MarginCalls: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "loanzzz",
				Subsystem: "loan",
				Name:      "margin_calls_total",
				Help:      "Margin-call transitions recorded.",
			}),
		}
		prometheus.MustRegister(loanReg.Operations, loanReg.Liquidations, loanReg.BadDebtUSD, loanReg.MarginCalls)
	})
	return loanReg
}

// Oracle returns the lazily-initialised oracle metrics registry.
func Oracle() *OracleMetrics {
	oracleOnce.Do(func() {
		oracleReg = &OracleMetrics{
			Fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loanzzz",
				Subsystem: "oracle",
				Name:      "fetches_total",
				Help:      "Upstream price fetches segmented by asset and outcome.",
			}, []string{"asset", "outcome"}),
		}
		prometheus.MustRegister(oracleReg.Fetches)
	})
	return oracleReg
}

// Bus returns the lazily-initialised notification bus metrics registry.
func Bus() *BusMetrics {
	busOnce.Do(func() {
		busReg = &BusMetrics{
			Delivered: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "loanzzz",
				Subsystem: "bus",
				Name:      "frames_delivered_total",
				Help:      "Notification frames written to subscribers.",
			}),
			Dropped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "loanzzz",
				Subsystem: "bus",
				Name:      "subscribers_dropped_total",
				Help:      "Subscribers dropped after failed writes.",
			}),
			Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "loanzzz",
				Subsystem: "bus",
				Name:      "subscribers",
				Help:      "Currently attached websocket subscribers.",
			}),
		}
		prometheus.MustRegister(busReg.Delivered, busReg.Dropped, busReg.Subscribers)
	})
	return busReg
}

// Scheduler returns the lazily-initialised scheduler metrics registry.
func Scheduler() *SchedulerMetrics {
	schedOnce.Do(func() {
		schedReg = &SchedulerMetrics{
			Ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loanzzz",
				Subsystem: "scheduler",
				Name:      "ticks_total",
				Help:      "Scheduler task executions segmented by task and outcome.",
			}, []string{"task", "outcome"}),
			Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "loanzzz",
				Subsystem: "scheduler",
				Name:      "tick_duration_seconds",
				Help:      "Latency distribution for scheduler tasks.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"task"}),
		}
		prometheus.MustRegister(schedReg.Ticks, schedReg.Duration)
	})
	return schedReg
}

// ObserveTick records one scheduler task execution.
func ObserveTick(task string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m := Scheduler()
	m.Ticks.WithLabelValues(task, outcome).Inc()
	m.Duration.WithLabelValues(task).Observe(time.Since(start).Seconds())
}
