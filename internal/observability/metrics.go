// Package observability exposes prometheus metrics for long-running
// migrations; the metrics listener replaces the old ad-hoc live dashboard.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	recordOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workout_migration",
		Subsystem: "pipeline",
		Name:      "record_outcomes_total",
		Help:      "Records processed, grouped by phase and resulting status.",
	}, []string{"phase", "outcome"})

	apiCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workout_migration",
		Subsystem: "ratelimit",
		Name:      "api_calls_total",
		Help:      "Remote calls issued, grouped by budget class.",
	}, []string{"kind"})

	throttleEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workout_migration",
		Subsystem: "ratelimit",
		Name:      "throttle_events_total",
		Help:      "Throttling signals received, grouped by budget class.",
	}, []string{"kind"})

	cooldownSeconds = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "workout_migration",
		Subsystem: "ratelimit",
		Name:      "cooldown_seconds_total",
		Help:      "Total seconds the pipeline has spent waiting out cooldowns.",
	})

	lastRecordGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "workout_migration",
		Subsystem: "pipeline",
		Name:      "last_record_timestamp_seconds",
		Help:      "Unix timestamp of the most recent record committed.",
	})
)

func init() {
	prometheus.MustRegister(recordOutcomes, apiCalls, throttleEvents, cooldownSeconds, lastRecordGauge)
}

// RecordOutcome counts one record finishing a phase with the given status.
func RecordOutcome(phase, outcome string) {
	recordOutcomes.WithLabelValues(phase, outcome).Inc()
	lastRecordGauge.Set(float64(time.Now().Unix()))
}

// RecordAPICall counts one remote call against a budget class.
func RecordAPICall(kind string) {
	apiCalls.WithLabelValues(kind).Inc()
}

// RecordThrottle counts a throttling signal and the cooldown it cost.
func RecordThrottle(kind string, cooldown time.Duration) {
	throttleEvents.WithLabelValues(kind).Inc()
	cooldownSeconds.Add(cooldown.Seconds())
}

// NewMetricsServer builds the promhttp listener for the given address.
func NewMetricsServer(address string) *http.Server {
	return &http.Server{Addr: address, Handler: promhttp.Handler()}
}
