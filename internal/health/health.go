package health

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/avaproxy/internal/observability"
)

// Status represents the health status.
type Status string

const (
	// StatusHealthy indicates the service is healthy.
	StatusHealthy Status = "healthy"
	// StatusUnhealthy indicates the service is unhealthy.
	StatusUnhealthy Status = "unhealthy"
	// StatusDegraded indicates the service is degraded but operational.
	StatusDegraded Status = "degraded"
)

// drainingCheck is the name of the synthetic check reported while
// draining.
const drainingCheck = "draining"

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    Status           `json:"status"`
	Version   string           `json:"version,omitempty"`
	Uptime    string           `json:"uptime,omitempty"`
	Checks    map[string]Check `json:"checks,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Check represents an individual health check result.
type Check struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// CheckFunc performs one health check.
type CheckFunc func(ctx context.Context) Check

// Checker aggregates named checks into health and readiness reports.
type Checker struct {
	version   string
	startTime time.Time
	logger    observability.Logger
	draining  atomic.Bool

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewChecker creates a new health checker.
func NewChecker(version string, logger observability.Logger) *Checker {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Checker{
		version:   version,
		startTime: time.Now(),
		logger:    logger,
		checks:    make(map[string]CheckFunc),
	}
}

// RegisterCheck registers a health check function.
func (c *Checker) RegisterCheck(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// UnregisterCheck removes a health check function.
func (c *Checker) UnregisterCheck(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.checks, name)
}

// SetDraining marks the service as draining. Readiness reports
// unhealthy while draining.
func (c *Checker) SetDraining(draining bool) {
	if c.draining.Swap(draining) != draining {
		c.logger.Info("readiness draining state changed",
			observability.Bool("draining", draining),
		)
	}
}

// IsDraining reports whether the service is draining.
func (c *Checker) IsDraining() bool {
	return c.draining.Load()
}

// Health runs every check and reports the worst status.
func (c *Checker) Health(ctx context.Context) HealthResponse {
	resp := c.run(ctx, "health")
	resp.Version = c.version
	resp.Uptime = time.Since(c.startTime).Round(time.Second).String()
	return resp
}

// Readiness runs every check and additionally fails while draining.
func (c *Checker) Readiness(ctx context.Context) HealthResponse {
	resp := c.run(ctx, "readiness")
	if c.IsDraining() {
		resp.Checks[drainingCheck] = Check{
			Status:  StatusUnhealthy,
			Message: "shutting down",
		}
		resp.Status = StatusUnhealthy
		GetHealthMetrics().checkStatus.WithLabelValues("overall").Set(0)
	}
	return resp
}

// run executes the registered checks in name order.
func (c *Checker) run(ctx context.Context, kind string) HealthResponse {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	checks := make(map[string]CheckFunc, len(c.checks))
	for name, fn := range c.checks {
		checks[name] = fn
	}
	c.mu.RUnlock()
	sort.Strings(names)

	metrics := GetHealthMetrics()
	metrics.checksTotal.WithLabelValues(kind).Inc()

	resp := HealthResponse{
		Status:    StatusHealthy,
		Checks:    make(map[string]Check, len(names)),
		Timestamp: time.Now().UTC(),
	}

	for _, name := range names {
		check := checks[name](ctx)
		resp.Checks[name] = check
		metrics.checkStatus.WithLabelValues(name).Set(statusValue(check.Status))

		switch check.Status {
		case StatusUnhealthy:
			resp.Status = StatusUnhealthy
			c.logger.Warn("health check failed",
				observability.String("check", name),
				observability.String("message", check.Message),
			)
		case StatusDegraded:
			if resp.Status != StatusUnhealthy {
				resp.Status = StatusDegraded
			}
		}
	}

	metrics.checkStatus.WithLabelValues("overall").Set(statusValue(resp.Status))
	return resp
}

func statusValue(s Status) float64 {
	if s == StatusUnhealthy {
		return 0
	}
	return 1
}
