package health

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HealthMetrics holds Prometheus metrics for health checks.
type HealthMetrics struct {
	checksTotal *prometheus.CounterVec
	checkStatus *prometheus.GaugeVec
}

var (
	healthMetricsInstance *HealthMetrics
	healthMetricsOnce     sync.Once
)

// GetHealthMetrics returns the singleton health metrics instance.
func GetHealthMetrics() *HealthMetrics {
	healthMetricsOnce.Do(func() {
		healthMetricsInstance = &HealthMetrics{
			checksTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "avaproxy",
					Subsystem: "health",
					Name:      "checks_total",
					Help: "Total number of " +
						"health checks performed",
				},
				[]string{"type"},
			),
			checkStatus: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: "avaproxy",
					Subsystem: "health",
					Name:      "check_status",
					Help: "Current health check " +
						"status (1=healthy, 0=unhealthy)",
				},
				[]string{"check"},
			),
		}
	})
	return healthMetricsInstance
}

// Init pre-initializes common label combinations so the series appear
// in /metrics before the first probe.
func (m *HealthMetrics) Init() {
	for _, checkType := range []string{"liveness", "readiness", "health"} {
		m.checksTotal.WithLabelValues(checkType)
	}
	m.checkStatus.WithLabelValues("overall")
}

// MustRegister registers the collectors with registry so they are served
// from the admin registry as well. AlreadyRegisteredError is silently
// ignored.
func (m *HealthMetrics) MustRegister(registry *prometheus.Registry) {
	for _, c := range []prometheus.Collector{m.checksTotal, m.checkStatus} {
		if err := registry.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}
