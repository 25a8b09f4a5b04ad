package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avaproxy/internal/observability"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func staticCheck(status Status) CheckFunc {
	return func(context.Context) Check {
		return Check{Status: status}
	}
}

func TestChecker_AggregatesWorstStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		checks   map[string]Status
		expected Status
	}{
		{name: "no checks", checks: nil, expected: StatusHealthy},
		{name: "all healthy", checks: map[string]Status{"a": StatusHealthy, "b": StatusHealthy}, expected: StatusHealthy},
		{name: "degraded", checks: map[string]Status{"a": StatusHealthy, "b": StatusDegraded}, expected: StatusDegraded},
		{name: "unhealthy wins", checks: map[string]Status{"a": StatusUnhealthy, "b": StatusDegraded}, expected: StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := NewChecker("1.0.0", nil)
			for name, status := range tt.checks {
				c.RegisterCheck(name, staticCheck(status))
			}

			resp := c.Health(context.Background())
			assert.Equal(t, tt.expected, resp.Status)
			assert.Equal(t, "1.0.0", resp.Version)
			assert.Len(t, resp.Checks, len(tt.checks))
		})
	}
}

func TestChecker_UnregisterCheck(t *testing.T) {
	t.Parallel()

	c := NewChecker("v", observability.NopLogger())
	c.RegisterCheck("bad", staticCheck(StatusUnhealthy))
	assert.Equal(t, StatusUnhealthy, c.Readiness(context.Background()).Status)

	c.UnregisterCheck("bad")
	assert.Equal(t, StatusHealthy, c.Readiness(context.Background()).Status)
}

func TestChecker_Draining(t *testing.T) {
	t.Parallel()

	c := NewChecker("v", nil)
	assert.False(t, c.IsDraining())

	c.SetDraining(true)
	assert.True(t, c.IsDraining())

	ready := c.Readiness(context.Background())
	assert.Equal(t, StatusUnhealthy, ready.Status)
	assert.Equal(t, StatusUnhealthy, ready.Checks[drainingCheck].Status)

	// Health is unaffected by draining.
	assert.Equal(t, StatusHealthy, c.Health(context.Background()).Status)

	c.SetDraining(false)
	assert.Equal(t, StatusHealthy, c.Readiness(context.Background()).Status)
}

func TestDispatcherCheck(t *testing.T) {
	t.Parallel()

	var stopped atomic.Bool
	check := DispatcherCheck(stopped.Load)

	assert.Equal(t, StatusHealthy, check(context.Background()).Status)
	stopped.Store(true)
	assert.Equal(t, StatusUnhealthy, check(context.Background()).Status)
}

func TestCircuitCheck(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state    int
		expected Status
	}{
		{state: 0, expected: StatusHealthy},
		{state: 1, expected: StatusHealthy},
		{state: 2, expected: StatusDegraded},
	}

	for _, tt := range tests {
		check := CircuitCheck(func() int { return tt.state })
		assert.Equal(t, tt.expected, check(context.Background()).Status)
	}
}

func TestTCPCheck(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	check := TCPCheck(addr, time.Second)
	assert.Equal(t, StatusHealthy, check(context.Background()).Status)

	require.NoError(t, ln.Close())
	result := check(context.Background())
	assert.Equal(t, StatusDegraded, result.Status)
	assert.Contains(t, result.Message, "backend unreachable")
}

func TestHandlers(t *testing.T) {
	t.Parallel()

	c := NewChecker("2.0.0", nil)
	c.RegisterCheck("dispatcher", staticCheck(StatusHealthy))

	router := gin.New()
	c.RegisterRoutes(router)

	tests := []struct {
		path string
		code int
	}{
		{path: "/health", code: http.StatusOK},
		{path: "/ready", code: http.StatusOK},
		{path: "/readyz", code: http.StatusOK},
		{path: "/live", code: http.StatusOK},
		{path: "/livez", code: http.StatusOK},
	}

	for _, tt := range tests {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		assert.Equal(t, tt.code, rec.Code, tt.path)
		assert.Contains(t, rec.Header().Get("Content-Type"), "application/json", tt.path)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Equal(t, "2.0.0", resp.Version)
	assert.Contains(t, resp.Checks, "dispatcher")
}

func TestReadinessHandler_Draining(t *testing.T) {
	t.Parallel()

	c := NewChecker("v", nil)
	router := gin.New()
	c.RegisterRoutes(router)

	c.SetDraining(true)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthMetrics_Init(t *testing.T) {
	t.Parallel()

	m := GetHealthMetrics()
	assert.Same(t, m, GetHealthMetrics())
	assert.NotPanics(t, m.Init)
}
