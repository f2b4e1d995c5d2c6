// Package telemetry exposes Prometheus metrics for retries, iterations and coverage.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	retryCalls    *prometheus.CounterVec
	retryAttempts *prometheus.HistogramVec
	retryDelay    prometheus.Histogram
	iterations    *prometheus.CounterVec
	coverage      prometheus.Gauge
	results       *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		retryCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coverloop_retry_calls_total",
			Help: "Wrapped backend calls by action and outcome",
		}, []string{"action", "outcome"}),
		retryAttempts: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coverloop_retry_attempts",
			Help:    "Attempts used per wrapped call",
			Buckets: []float64{1, 2, 3, 4, 6, 10},
		}, []string{"action"}),
		retryDelay: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "coverloop_retry_delay_seconds",
			Help:    "Backoff delay before each retry",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),
		iterations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coverloop_iterations_total",
			Help: "Completed iterations by kind",
		}, []string{"kind"}),
		coverage: factory.NewGauge(prometheus.GaugeOpts{
			Name: "coverloop_coverage_percent",
			Help: "Aspect coverage of the latest snapshot",
		}),
		results: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coverloop_test_results_total",
			Help: "Executed test cases by outcome",
		}, []string{"outcome"}),
	}
}

// ObserveRetry records one wrapped call.
func (m *Metrics) ObserveRetry(action string, attempts int, success bool) {
	if m == nil {
		return
	}
	m.retryCalls.WithLabelValues(action, outcome(success)).Inc()
	m.retryAttempts.WithLabelValues(action).Observe(float64(attempts))
}

// ObserveDelay records one backoff wait in seconds.
func (m *Metrics) ObserveDelay(seconds float64) {
	if m == nil {
		return
	}
	m.retryDelay.Observe(seconds)
}

// ObserveIteration records a completed iteration and its coverage.
func (m *Metrics) ObserveIteration(kind string, coveragePercent float64, passed, failed int) {
	if m == nil {
		return
	}
	m.iterations.WithLabelValues(kind).Inc()
	m.coverage.Set(coveragePercent)
	m.results.WithLabelValues("passed").Add(float64(passed))
	m.results.WithLabelValues("failed").Add(float64(failed))
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
