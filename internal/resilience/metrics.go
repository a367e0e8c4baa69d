package resilience

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the resilience fabric.
type Metrics struct {
	CallsTotal   *prometheus.CounterVec
	CallDuration *prometheus.HistogramVec
	RetriesTotal *prometheus.CounterVec
	BreakerState *prometheus.GaugeVec
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// fabricMetrics returns the process-wide fabric metrics. Registration with
// promauto must happen once even though every dependency has its own
// Executor.
func fabricMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = &Metrics{
			CallsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "fabric_calls_total",
					Help: "Outbound calls executed through the resilience fabric",
				},
				[]string{"dependency", "operation", "kind", "result"},
			),
			CallDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "fabric_call_duration_seconds",
					Help:    "Duration of outbound calls including retries",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"dependency", "operation"},
			),
			RetriesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "fabric_retries_total",
					Help: "Retry attempts performed by the fabric",
				},
				[]string{"dependency", "operation"},
			),
			BreakerState: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "fabric_breaker_state",
					Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
				},
				[]string{"breaker"},
			),
		}
	})
	return metrics
}

// RecordCall records one completed fabric call. result is the error kind or
// "" for success.
func (m *Metrics) RecordCall(dependency, operation, kind, result string, duration time.Duration) {
	if result == "" {
		result = "success"
	}
	m.CallsTotal.WithLabelValues(dependency, operation, kind, result).Inc()
	m.CallDuration.WithLabelValues(dependency, operation).Observe(duration.Seconds())
}

// RecordRetry records a retry attempt.
func (m *Metrics) RecordRetry(dependency, operation string) {
	m.RetriesTotal.WithLabelValues(dependency, operation).Inc()
}

// SetBreakerState exports a breaker state transition.
func (m *Metrics) SetBreakerState(breaker string, state float64) {
	m.BreakerState.WithLabelValues(breaker).Set(state)
}
