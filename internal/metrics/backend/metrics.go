// Package backend provides Prometheus metrics for the upstream client.
package backend

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "avaproxy"
	subsystem = "backend"
)

// BackendMetrics holds the upstream client metrics.
type BackendMetrics struct {
	RequestsTotal                 *prometheus.CounterVec
	ConnectionErrorsTotal         *prometheus.CounterVec
	ResponseDurationSeconds       *prometheus.HistogramVec
	CircuitBreakerTripsTotal      *prometheus.CounterVec
	CircuitBreakerRejectionsTotal *prometheus.CounterVec
}

var (
	backendMetricsInstance *BackendMetrics
	backendMetricsOnce     sync.Once
)

// NewBackendMetrics creates a new BackendMetrics instance with all
// metrics registered via promauto (default global registry).
func NewBackendMetrics() *BackendMetrics {
	return &BackendMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "requests_total",
				Help: "Total number of upstream responses " +
					"by status code",
			},
			[]string{"backend", "status_code"},
		),
		ConnectionErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "connection_errors_total",
				Help: "Total number of upstream fetches " +
					"that produced no response",
			},
			[]string{"backend", "reason"},
		),
		ResponseDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "response_duration_seconds",
				Help: "Time until upstream response " +
					"headers arrived, retries included",
				Buckets: []float64{
					.001, .005, .01, .025, .05,
					.1, .25, .5, 1, 2.5, 5, 10, 30,
				},
			},
			[]string{"backend"},
		),
		CircuitBreakerTripsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of times the circuit breaker opened",
			},
			[]string{"backend"},
		),
		CircuitBreakerRejectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "circuit_breaker_rejections_total",
				Help: "Total number of fetches rejected " +
					"by an open circuit breaker",
			},
			[]string{"backend"},
		),
	}
}

// GetBackendMetrics returns the singleton backend metrics instance.
func GetBackendMetrics() *BackendMetrics {
	backendMetricsOnce.Do(func() {
		backendMetricsInstance = NewBackendMetrics()
	})
	return backendMetricsInstance
}

// MustRegister registers all backend metric collectors with the given
// Prometheus registry. AlreadyRegisteredError is silently ignored.
func (m *BackendMetrics) MustRegister(registry *prometheus.Registry) {
	for _, c := range m.collectors() {
		if err := registry.Register(c); err != nil {
			if !isAlreadyRegistered(err) {
				panic(err)
			}
		}
	}
}

// Init pre-initializes the label combinations of one backend so the
// series appear in /metrics before the first request.
func (m *BackendMetrics) Init(backend string) {
	for _, code := range []string{"200", "404", "500", "502", "503", "504"} {
		m.RequestsTotal.WithLabelValues(backend, code)
	}
	for _, reason := range []string{"unavailable", "timeout", "circuit_open", "invalid_url"} {
		m.ConnectionErrorsTotal.WithLabelValues(backend, reason)
	}
	m.ResponseDurationSeconds.WithLabelValues(backend)
	m.CircuitBreakerTripsTotal.WithLabelValues(backend)
	m.CircuitBreakerRejectionsTotal.WithLabelValues(backend)
}

// RecordRequest records an upstream response.
func (m *BackendMetrics) RecordRequest(backend string, statusCode int, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(backend, strconv.Itoa(statusCode)).Inc()
	m.ResponseDurationSeconds.WithLabelValues(backend).Observe(duration.Seconds())
}

// RecordConnectionError records a fetch that produced no response.
func (m *BackendMetrics) RecordConnectionError(backend, reason string) {
	m.ConnectionErrorsTotal.WithLabelValues(backend, reason).Inc()
}

// RecordCircuitBreakerTrip records the breaker opening.
func (m *BackendMetrics) RecordCircuitBreakerTrip(backend string) {
	m.CircuitBreakerTripsTotal.WithLabelValues(backend).Inc()
}

// RecordCircuitBreakerRejection records a fetch rejected by an open
// breaker.
func (m *BackendMetrics) RecordCircuitBreakerRejection(backend string) {
	m.CircuitBreakerRejectionsTotal.WithLabelValues(backend).Inc()
}

func (m *BackendMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.RequestsTotal,
		m.ConnectionErrorsTotal,
		m.ResponseDurationSeconds,
		m.CircuitBreakerTripsTotal,
		m.CircuitBreakerRejectionsTotal,
	}
}

// isAlreadyRegistered returns true if the error indicates the
// collector was already registered with the registry.
func isAlreadyRegistered(err error) bool {
	var are prometheus.AlreadyRegisteredError
	return errors.As(err, &are)
}
