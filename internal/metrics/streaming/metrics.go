// Package streaming provides standardized Prometheus metrics for the
// response-body copy path of the proxy: the shared buffer pool, the
// per-transfer pipeline and the copy strategies.
package streaming

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PoolMetrics holds buffer pool Prometheus metrics.
type PoolMetrics struct {
	BuffersFree        prometheus.Gauge
	BuffersCapacity    prometheus.Gauge
	AcquireWaitSeconds prometheus.Histogram
	AcquireCancelled   prometheus.Counter
}

// CopyMetrics holds copy-strategy and transfer Prometheus metrics.
type CopyMetrics struct {
	TransfersTotal   *prometheus.CounterVec
	TransfersActive  *prometheus.GaugeVec
	BytesTotal       *prometheus.CounterVec
	BuffersTotal     prometheus.Counter
	DurationSeconds  *prometheus.HistogramVec
	PeakInFlight     prometheus.Histogram
	ThrottleWaitSecs prometheus.Histogram
}

var (
	poolMetricsInstance *PoolMetrics
	poolMetricsOnce     sync.Once
	copyMetricsInstance *CopyMetrics
	copyMetricsOnce     sync.Once
)

// Outcome label values.
const (
	OutcomeSuccess   = "success"
	OutcomeReadError = "read_error"
	OutcomeWriteErr  = "write_error"
	OutcomeCancelled = "cancelled"
)

// waitBuckets covers sub-millisecond pool hits up to multi-second
// starvation.
var waitBuckets = []float64{
	.00001, .0001, .001, .005, .01, .05, .1, .5, 1, 5,
}

// NewPoolMetrics creates a new PoolMetrics instance with all metrics
// registered via promauto (default global registry).
func NewPoolMetrics() *PoolMetrics {
	return &PoolMetrics{
		BuffersFree: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "avaproxy",
				Subsystem: "bufpool",
				Name:      "buffers_free",
				Help:      "Number of buffers currently in the free list",
			},
		),
		BuffersCapacity: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "avaproxy",
				Subsystem: "bufpool",
				Name:      "buffers_capacity",
				Help:      "Total number of buffers owned by the pool",
			},
		),
		AcquireWaitSeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "avaproxy",
				Subsystem: "bufpool",
				Name:      "acquire_wait_seconds",
				Help: "Time spent waiting for a free " +
					"buffer",
				Buckets: waitBuckets,
			},
		),
		AcquireCancelled: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "avaproxy",
				Subsystem: "bufpool",
				Name:      "acquire_cancelled_total",
				Help: "Total number of buffer acquires " +
					"abandoned because the context ended",
			},
		),
	}
}

// GetPoolMetrics returns the singleton pool metrics instance.
func GetPoolMetrics() *PoolMetrics {
	poolMetricsOnce.Do(func() {
		poolMetricsInstance = NewPoolMetrics()
	})
	return poolMetricsInstance
}

// MustRegister registers all pool metric collectors with the given
// registry. AlreadyRegisteredError is silently ignored.
func (m *PoolMetrics) MustRegister(registry *prometheus.Registry) {
	mustRegister(registry, m.collectors())
}

func (m *PoolMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.BuffersFree,
		m.BuffersCapacity,
		m.AcquireWaitSeconds,
		m.AcquireCancelled,
	}
}

// NewCopyMetrics creates a new CopyMetrics instance with all metrics
// registered via promauto (default global registry).
func NewCopyMetrics() *CopyMetrics {
	return &CopyMetrics{
		TransfersTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "avaproxy",
				Subsystem: "copy",
				Name:      "transfers_total",
				Help: "Total number of response body " +
					"copies by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		TransfersActive: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "avaproxy",
				Subsystem: "copy",
				Name:      "transfers_active",
				Help:      "Number of response body copies in progress",
			},
			[]string{"mode"},
		),
		BytesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "avaproxy",
				Subsystem: "copy",
				Name:      "bytes_total",
				Help:      "Total number of bytes written to clients",
			},
			[]string{"mode"},
		),
		BuffersTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "avaproxy",
				Subsystem: "copy",
				Name:      "pipelined_buffers_total",
				Help: "Total number of filled buffers " +
					"written by the pipelined engine",
			},
		),
		DurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "avaproxy",
				Subsystem: "copy",
				Name:      "duration_seconds",
				Help:      "Duration of response body copies in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"mode"},
		),
		PeakInFlight: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "avaproxy",
				Subsystem: "copy",
				Name:      "peak_in_flight_buffers",
				Help: "Peak number of buffers held by a " +
					"single pipelined transfer",
				Buckets: prometheus.LinearBuckets(0, 8, 9),
			},
		),
		ThrottleWaitSecs: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "avaproxy",
				Subsystem: "copy",
				Name:      "throttle_wait_seconds",
				Help: "Time the reader stage spent waiting " +
					"for a per-transfer permit",
				Buckets: waitBuckets,
			},
		),
	}
}

// GetCopyMetrics returns the singleton copy metrics instance.
func GetCopyMetrics() *CopyMetrics {
	copyMetricsOnce.Do(func() {
		copyMetricsInstance = NewCopyMetrics()
	})
	return copyMetricsInstance
}

// MustRegister registers all copy metric collectors with the given
// registry. AlreadyRegisteredError is silently ignored.
func (m *CopyMetrics) MustRegister(registry *prometheus.Registry) {
	mustRegister(registry, m.collectors())
}

// Init pre-initializes label combinations with zero values so that
// metrics appear in /metrics output immediately after startup.
func (m *CopyMetrics) Init(modes ...string) {
	outcomes := []string{
		OutcomeSuccess, OutcomeReadError,
		OutcomeWriteErr, OutcomeCancelled,
	}
	for _, mode := range modes {
		m.TransfersActive.WithLabelValues(mode)
		m.BytesTotal.WithLabelValues(mode)
		m.DurationSeconds.WithLabelValues(mode)
		for _, o := range outcomes {
			m.TransfersTotal.WithLabelValues(mode, o)
		}
	}
}

// RecordStart records the start of a copy.
func (m *CopyMetrics) RecordStart(mode string) {
	m.TransfersActive.WithLabelValues(mode).Inc()
}

// RecordEnd records the end of a copy with its outcome.
func (m *CopyMetrics) RecordEnd(
	mode, outcome string, written int64, duration time.Duration,
) {
	m.TransfersActive.WithLabelValues(mode).Dec()
	m.TransfersTotal.WithLabelValues(mode, outcome).Inc()
	m.BytesTotal.WithLabelValues(mode).Add(float64(written))
	m.DurationSeconds.WithLabelValues(mode).Observe(duration.Seconds())
}

func (m *CopyMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.TransfersTotal,
		m.TransfersActive,
		m.BytesTotal,
		m.BuffersTotal,
		m.DurationSeconds,
		m.PeakInFlight,
		m.ThrottleWaitSecs,
	}
}

// mustRegister uses Register (not MustRegister) so that collectors
// re-registered on the same registry do not panic.
func mustRegister(registry *prometheus.Registry, cs []prometheus.Collector) {
	for _, c := range cs {
		if err := registry.Register(c); err != nil {
			if !isAlreadyRegistered(err) {
				panic(err)
			}
		}
	}
}

// isAlreadyRegistered returns true if the error indicates the
// collector was already registered with the registry.
func isAlreadyRegistered(err error) bool {
	var are prometheus.AlreadyRegisteredError
	return errors.As(err, &are)
}
