// Package metrics holds the engine's Prometheus collectors. HTTP request
// metrics live with the middleware.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_job_runs_total",
			Help: "Scheduled job runs by outcome",
		},
		[]string{"job", "outcome"},
	)
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loyalty_job_duration_seconds",
			Help:    "Duration of scheduled job runs",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 600},
		},
		[]string{"job"},
	)
	LeaderboardDrift = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loyalty_leaderboard_drift_entries",
			Help: "Cached leaderboard entries corrected by the last reconciliation",
		},
		[]string{"period"},
	)
	PoolExhausted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_pool_exhausted_total",
			Help: "Comp awards rejected because the pool lacked funds",
		},
		[]string{"pool_type"},
	)
	PayoutOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_payout_outcomes_total",
			Help: "Payout settlement attempts by outcome",
		},
		[]string{"payout_type", "outcome"},
	)
	ChipTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_chip_transitions_total",
			Help: "Affiliate chips moved out of issued state",
		},
		[]string{"state"},
	)
	SunsetTriggered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "loyalty_sunset_triggered",
			Help: "1 once the sunset threshold has been reached",
		},
	)
	SunsetRollingAverage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "loyalty_sunset_rolling_average",
			Help: "Rolling average of monthly scan volume",
		},
	)
	TreasuryBalance = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loyalty_treasury_balance",
			Help: "Latest snapshotted balance per pool type",
		},
		[]string{"pool_type"},
	)
	ExternalErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_external_errors_total",
			Help: "Failed calls to external balance, settlement and push systems",
		},
		[]string{"system"},
	)
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			JobRuns,
			JobDuration,
			LeaderboardDrift,
			PoolExhausted,
			PayoutOutcomes,
			ChipTransitions,
			SunsetTriggered,
			SunsetRollingAverage,
			TreasuryBalance,
			ExternalErrors,
		)
	})
}
