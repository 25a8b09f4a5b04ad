package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// DefaultProbeTimeout bounds the time a probe spends running checks.
const DefaultProbeTimeout = 5 * time.Second

// HealthHandler returns a handler reporting every check.
func (c *Checker) HealthHandler() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		probeCtx, cancel := context.WithTimeout(ctx.Request.Context(), DefaultProbeTimeout)
		defer cancel()

		resp := c.Health(probeCtx)
		ctx.JSON(statusCode(resp.Status), resp)
	}
}

// ReadinessHandler returns a handler answering 503 while not ready.
func (c *Checker) ReadinessHandler() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		probeCtx, cancel := context.WithTimeout(ctx.Request.Context(), DefaultProbeTimeout)
		defer cancel()

		resp := c.Readiness(probeCtx)
		ctx.JSON(statusCode(resp.Status), resp)
	}
}

// LivenessHandler returns a handler that answers 200 while the process
// runs.
func (c *Checker) LivenessHandler() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		GetHealthMetrics().checksTotal.WithLabelValues("liveness").Inc()
		ctx.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().UTC(),
		})
	}
}

// RegisterRoutes registers /health, /ready and /live with their
// Kubernetes style aliases.
func (c *Checker) RegisterRoutes(r gin.IRoutes) {
	r.GET("/health", c.HealthHandler())
	r.GET("/ready", c.ReadinessHandler())
	r.GET("/readyz", c.ReadinessHandler())
	r.GET("/live", c.LivenessHandler())
	r.GET("/livez", c.LivenessHandler())
}

// statusCode maps a status to an HTTP code. Degraded still serves.
func statusCode(s Status) int {
	if s == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}
