package retry

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RetryAttemptsTotal counts retry attempts after the first try.
	RetryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "avaproxy",
			Subsystem: "retry",
			Name:      "attempts_total",
			Help:      "Total number of retry attempts",
		},
		[]string{"operation", "attempt"},
	)

	// RetryExhaustedTotal counts operations that failed on every attempt.
	RetryExhaustedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "avaproxy",
			Subsystem: "retry",
			Name:      "exhausted_total",
			Help:      "Total number of operations that failed after all retry attempts",
		},
		[]string{"operation"},
	)

	// RetryBackoffDuration measures backoff wait times.
	RetryBackoffDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "avaproxy",
			Subsystem: "retry",
			Name:      "backoff_duration_seconds",
			Help:      "Duration of backoff waits in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)
)

func recordAttempt(operation string, attempt int) {
	RetryAttemptsTotal.WithLabelValues(operation, strconv.Itoa(attempt)).Inc()
}

func recordExhausted(operation string) {
	RetryExhaustedTotal.WithLabelValues(operation).Inc()
}

func recordBackoff(operation string, seconds float64) {
	RetryBackoffDuration.WithLabelValues(operation).Observe(seconds)
}

// MustRegisterMetrics registers the retry collectors with registry.
// AlreadyRegisteredError is silently ignored.
func MustRegisterMetrics(registry *prometheus.Registry) {
	for _, c := range []prometheus.Collector{
		RetryAttemptsTotal,
		RetryExhaustedTotal,
		RetryBackoffDuration,
	} {
		if err := registry.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}
