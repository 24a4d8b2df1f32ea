// Package metrics provides Prometheus metrics for actuator connectors and
// dispatchers. Metrics are registered with the default registry at package
// initialisation and exposed by `actuator serve` at /metrics.
//
// # Basic Usage
//
//	// Count an attempt
//	metrics.Attempts.WithLabelValues("orders", "get", "ok").Inc()
//
//	// Time an action
//	timer := metrics.NewTimer()
//	result := dispatcher.Dispatch(ctx, "get", params)
//	metrics.ActionLatency.WithLabelValues("orders", "get", "ok").Observe(timer.Stop().Seconds())
//
// # Metric Types
//
// Counter: attempts, retries, refreshes, state transitions
// Gauge: open connections
// Histogram: action latency
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Attempts counts transport attempts made by connectors.
	// Labels: connector, operation, outcome (ok or an error kind)
	Attempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actuator_attempts_total",
			Help: "Total number of transport attempts",
		},
		[]string{"connector", "operation", "outcome"},
	)

	// Retries counts retries scheduled by the retry policy.
	// Labels: connector, kind (the retryable error kind)
	Retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actuator_retries_total",
			Help: "Total number of retries",
		},
		[]string{"connector", "kind"},
	)

	// CredentialRefreshes counts provider calls.
	// Labels: provider, outcome (success/failure)
	CredentialRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actuator_credential_refreshes_total",
			Help: "Total number of credential refreshes",
		},
		[]string{"provider", "outcome"},
	)

	// StateTransitions counts connector state changes.
	StateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actuator_state_transitions_total",
			Help: "Total number of connector state transitions",
		},
		[]string{"connector", "from", "to"},
	)

	// ActiveConnections tracks open connectors
	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "actuator_active_connections",
			Help: "Number of open connectors",
		},
		[]string{"connector"},
	)

	// ActionLatency tracks dispatch latency in seconds, retries included.
	// Labels: connector, action, status (ok, retryable_error, fatal_error)
	ActionLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "actuator_action_latency_seconds",
			Help:    "Action latency in seconds",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"connector", "action", "status"},
	)

	// BreakerRejections counts calls rejected by an open circuit.
	BreakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actuator_breaker_rejections_total",
			Help: "Total number of calls rejected by an open circuit breaker",
		},
		[]string{"connector"},
	)
)

// Timer measures elapsed time
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed time
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}
