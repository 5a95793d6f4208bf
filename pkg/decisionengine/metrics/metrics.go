// Package metrics exposes the scheduler's Prometheus series.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// FlavourWeight is the published traffic share per flavour, 0-1.
	FlavourWeight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "schedule_flavour_weight",
			Help: "Traffic weight assigned to a flavour by the latest schedule (0-1)",
		},
		[]string{"namespace", "schedule", "flavour"},
	)

	// ValidUntil is the expiry of the latest schedule in unix seconds.
	ValidUntil = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "schedule_valid_until",
			Help: "Expiry of the latest published schedule as a unix timestamp",
		},
		[]string{"namespace", "schedule"},
	)

	// CreditBalance is the ledger balance.
	CreditBalance = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_credit_balance",
			Help: "Current quality credit balance of the session ledger",
		},
		[]string{"namespace", "schedule", "policy"},
	)

	// CreditVelocity is the smoothed ledger trend.
	CreditVelocity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_credit_velocity",
			Help: "Exponentially smoothed first difference of the credit balance",
		},
		[]string{"namespace", "schedule", "policy"},
	)

	// AvgPrecision is the expected precision of the published distribution.
	AvgPrecision = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_avg_precision",
			Help: "Weight-averaged precision of the latest schedule",
		},
		[]string{"namespace", "schedule", "policy"},
	)

	// ProcessingThrottle is the smoothed throttle scalar, 0-1.
	ProcessingThrottle = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_processing_throttle",
			Help: "Carbon-aware processing throttle applied to replica ceilings (0-1)",
		},
		[]string{"namespace", "schedule", "policy"},
	)

	// ReplicaCeiling is the throttled per-component replica bound.
	ReplicaCeiling = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_effective_replica_ceiling",
			Help: "Carbon-aware replica ceiling per component",
		},
		[]string{"namespace", "schedule", "policy", "component"},
	)

	// PolicyChoice counts evaluation cycles per evaluated strategy.
	PolicyChoice = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_policy_choice_total",
			Help: "Evaluation cycles attributed to each scheduling strategy",
		},
		[]string{"namespace", "schedule", "policy", "strategy"},
	)

	// ForecastIntensity is the forecast intensity per horizon bucket.
	ForecastIntensity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_forecast_intensity",
			Help: "Grid carbon intensity forecast per horizon (gCO2/kWh)",
		},
		[]string{"namespace", "schedule", "policy", "horizon"},
	)

	// EvaluationFailed counts absorbed evaluation failures.
	EvaluationFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_evaluation_failed_total",
			Help: "Evaluation cycles that failed and kept the previous schedule",
		},
		[]string{"namespace", "schedule"},
	)
)

func init() {
	prometheus.MustRegister(
		FlavourWeight,
		ValidUntil,
		CreditBalance,
		CreditVelocity,
		AvgPrecision,
		ProcessingThrottle,
		ReplicaCeiling,
		PolicyChoice,
		ForecastIntensity,
		EvaluationFailed,
		TimestampedForecast,
	)
}
