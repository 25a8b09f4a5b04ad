package main

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vyrodovalexey/avaproxy/internal/admin"
	"github.com/vyrodovalexey/avaproxy/internal/backend"
	"github.com/vyrodovalexey/avaproxy/internal/bufpool"
	"github.com/vyrodovalexey/avaproxy/internal/config"
	"github.com/vyrodovalexey/avaproxy/internal/health"
	backendmetrics "github.com/vyrodovalexey/avaproxy/internal/metrics/backend"
	"github.com/vyrodovalexey/avaproxy/internal/metrics/streaming"
	"github.com/vyrodovalexey/avaproxy/internal/middleware"
	"github.com/vyrodovalexey/avaproxy/internal/observability"
	"github.com/vyrodovalexey/avaproxy/internal/proxy"
	"github.com/vyrodovalexey/avaproxy/internal/retry"
	"github.com/vyrodovalexey/avaproxy/internal/streamcopy"
)

// backendProbeTimeout bounds the TCP reachability check of the upstream.
const backendProbeTimeout = 2 * time.Second

// application holds all application components.
type application struct {
	config      *config.Config
	logger      observability.Logger
	metrics     *observability.Metrics
	tracer      *observability.Tracer
	pool        *bufpool.Pool
	client      *backend.Client
	dispatcher  *proxy.Dispatcher
	rateLimiter *middleware.RateLimiter
	server      *http.Server
	checker     *health.Checker
	admin       *admin.Server
}

// initApplication builds every component from cfg. Nothing is started.
func initApplication(cfg *config.Config, logger observability.Logger) (*application, error) {
	app := &application{
		config: cfg,
		logger: logger,
	}

	app.metrics = initMetrics()

	tracer, err := observability.NewTracer(observability.TracerConfig{
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SamplingRate: cfg.Tracing.SamplingRate,
		Enabled:      cfg.Tracing.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}
	app.tracer = tracer

	strategy, err := app.initStrategy()
	if err != nil {
		return nil, err
	}

	client, err := app.initBackend()
	if err != nil {
		return nil, err
	}
	app.client = client

	app.dispatcher = proxy.NewDispatcher(client, strategy,
		proxy.WithWorkers(cfg.Dispatcher.Workers),
		proxy.WithPassUpstreamStatus(cfg.Dispatcher.PassUpstreamStatus),
		proxy.WithLogger(logger),
		proxy.WithMetrics(app.metrics),
		proxy.WithTracer(tracer),
	)

	app.server = &http.Server{
		Addr:              cfg.Listener.ListenAddress(),
		Handler:           app.buildHandler(),
		ReadHeaderTimeout: cfg.Listener.ReadHeaderTimeout.Duration(),
		IdleTimeout:       cfg.Listener.IdleTimeout.Duration(),
	}

	app.checker = app.initHealth()

	if cfg.Admin.Enabled {
		app.admin = admin.NewServer(
			admin.Config{Addr: cfg.Admin.ListenAddress()},
			app.metrics.Registry(),
			app.checker,
			admin.WithLogger(logger),
			admin.WithStats("dispatcher", func() any { return app.dispatcher.Stats() }),
			admin.WithStats("pool", app.poolStats),
			admin.WithStats("backend", app.backendStats),
		)
	}

	return app, nil
}

// initMetrics creates the metrics registry and registers every
// component's collectors with it.
func initMetrics() *observability.Metrics {
	m := observability.NewMetrics("avaproxy")
	m.SetBuildInfo(version, gitCommit, buildTime)

	registry := m.Registry()
	streaming.GetPoolMetrics().MustRegister(registry)
	streaming.GetCopyMetrics().MustRegister(registry)
	backendmetrics.GetBackendMetrics().MustRegister(registry)
	middleware.GetMiddlewareMetrics().MustRegister(registry)
	health.GetHealthMetrics().MustRegister(registry)
	retry.MustRegisterMetrics(registry)

	return m
}

// initStrategy creates the copy strategy for the configured mode and,
// for the modes that copy through pooled buffers, the buffer pool. Direct
// mode has no pool.
func (app *application) initStrategy() (streamcopy.Strategy, error) {
	cfg := app.config.Copy

	mode, err := cfg.ParsedMode()
	if err != nil {
		return nil, err
	}

	if mode == streamcopy.ModeDirect {
		app.logger.Info("copy strategy configured", observability.String("mode", mode.String()))
		return streamcopy.NewStrategy(mode, nil)
	}

	pool, err := bufpool.New(bufpool.Config{
		ChunkSize: cfg.ChunkSize,
		Budget:    cfg.PoolBudget,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create buffer pool: %w", err)
	}
	app.pool = pool

	engine := streamcopy.NewEngine(pool,
		streamcopy.WithMaxBuffersPerTransfer(cfg.MaxBuffersPerTransfer),
		streamcopy.WithEngineLogger(app.logger),
	)

	strategy, err := streamcopy.NewStrategy(mode, engine)
	if err != nil {
		return nil, fmt.Errorf("failed to create copy strategy: %w", err)
	}

	app.logger.Info("copy strategy configured",
		observability.String("mode", mode.String()),
		observability.Int("chunk_size", pool.ChunkSize()),
		observability.Int("pool_capacity", pool.Capacity()),
		observability.Int("max_buffers_per_transfer", engine.MaxBuffersPerTransfer()),
	)
	return strategy, nil
}

// initBackend creates the upstream client.
func (app *application) initBackend() (*backend.Client, error) {
	cfg := app.config.Backend

	opts := []backend.Option{
		backend.WithName("backend"),
		backend.WithLogger(app.logger),
		backend.WithTransport(backend.TransportConfig{
			DialTimeout:           cfg.DialTimeout.Duration(),
			ResponseHeaderTimeout: cfg.ResponseHeaderTimeout.Duration(),
			IdleConnTimeout:       cfg.IdleConnTimeout.Duration(),
			MaxIdleConns:          cfg.MaxIdleConns,
			MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		}),
	}

	if cfg.CircuitBreaker.Enabled {
		opts = append(opts, backend.WithCircuitBreaker(
			backend.BreakerConfig{
				Threshold:    cfg.CircuitBreaker.Threshold,
				Timeout:      cfg.CircuitBreaker.Timeout.Duration(),
				FailureRatio: cfg.CircuitBreaker.FailureRatio,
			},
			app.metrics.SetCircuitBreakerState,
		))
	}

	if cfg.Retry.Enabled {
		opts = append(opts, backend.WithRetry(&retry.Config{
			MaxRetries:     cfg.Retry.MaxRetries,
			InitialBackoff: cfg.Retry.InitialBackoff.Duration(),
			MaxBackoff:     cfg.Retry.MaxBackoff.Duration(),
			JitterFactor:   cfg.Retry.JitterFactor,
		}))
	}

	client, err := backend.New(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend client: %w", err)
	}
	backendmetrics.GetBackendMetrics().Init(client.Name())

	return client, nil
}

// buildHandler assembles the middleware chain in front of the
// dispatcher. The dispatcher forwards the full request URI, so the path
// prefix only selects which requests are proxied.
func (app *application) buildHandler() http.Handler {
	cfg := app.config
	extractor := middleware.NewClientIPExtractor(cfg.Listener.TrustedProxies)

	var rateLimit middleware.Middleware
	if cfg.RateLimit.Enabled {
		rateLimit, app.rateLimiter = middleware.NewRateLimitMiddleware(
			cfg.RateLimit.RequestsPerSecond,
			cfg.RateLimit.Burst,
			cfg.RateLimit.PerClient,
			extractor,
			app.logger,
			app.metrics.RecordRateLimitHit,
		)
	}

	return middleware.Chain(withPathPrefix(cfg.Listener.PathPrefix, app.dispatcher),
		middleware.RequestID(),
		middleware.AccessLog(app.logger, extractor),
		middleware.Recovery(app.logger, nil),
		rateLimit,
	)
}

// withPathPrefix answers 404 for requests outside prefix.
func withPathPrefix(prefix string, next http.Handler) http.Handler {
	if prefix == "" || prefix == "/" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, prefix) {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// initHealth registers the health checks of the running proxy.
func (app *application) initHealth() *health.Checker {
	checker := health.NewChecker(version, app.logger)
	checker.RegisterCheck("dispatcher", health.DispatcherCheck(app.dispatcher.Stopped))
	checker.RegisterCheck("circuit_breaker", health.CircuitCheck(app.client.CircuitState))
	if addr := backendAddress(app.client.BaseURL()); addr != "" {
		checker.RegisterCheck("backend", health.TCPCheck(addr, backendProbeTimeout))
	}
	return checker
}

// poolStats reports buffer pool occupancy for the stats endpoint. Direct
// mode has no pool.
func (app *application) poolStats() any {
	if app.pool == nil {
		return nil
	}
	return map[string]int{
		"chunk_size": app.pool.ChunkSize(),
		"capacity":   app.pool.Capacity(),
		"free":       app.pool.Free(),
		"in_use":     app.pool.InUse(),
	}
}

// backendStats reports the upstream state for the stats endpoint.
func (app *application) backendStats() any {
	return map[string]any{
		"url":           app.client.BaseURL(),
		"circuit_state": app.client.CircuitState(),
	}
}

// backendAddress returns the host:port dialed for baseURL.
func backendAddress(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	return net.JoinHostPort(u.Hostname(), port)
}
