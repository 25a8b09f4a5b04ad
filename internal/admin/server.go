package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vyrodovalexey/avaproxy/internal/health"
	"github.com/vyrodovalexey/avaproxy/internal/observability"
)

// Admin server defaults.
const (
	DefaultMetricsPath     = "/metrics"
	DefaultReadTimeout     = 5 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	maxMetricsRequests     = 10
	readHeaderTimeoutRatio = 2
)

// Config holds configuration for the admin server.
type Config struct {
	// Addr is the host:port to listen on.
	Addr string

	// MetricsPath is the path metrics are served on.
	MetricsPath string

	// ReadTimeout is the read timeout for the server.
	ReadTimeout time.Duration

	// WriteTimeout is the write timeout for the server. It also bounds
	// a metrics scrape.
	WriteTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.MetricsPath == "" {
		c.MetricsPath = DefaultMetricsPath
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
}

// Server is the admin HTTP server.
type Server struct {
	config   Config
	engine   *gin.Engine
	server   *http.Server
	listener net.Listener
	logger   observability.Logger

	stats    map[string]func() any
	stopOnce sync.Once
}

// Option is a functional option for configuring the admin server.
type Option func(*Server)

// WithLogger sets the logger for the admin server.
func WithLogger(logger observability.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStats adds a named snapshot to the /stats endpoint.
func WithStats(name string, fn func() any) Option {
	return func(s *Server) {
		s.stats[name] = fn
	}
}

// NewServer creates an admin server serving gatherer on the metrics
// path and the checker's probes. A nil checker disables the probes.
func NewServer(cfg Config, gatherer prometheus.Gatherer, checker *health.Checker, opts ...Option) *Server {
	cfg.applyDefaults()

	s := &Server{
		config: cfg,
		logger: observability.NopLogger(),
		stats:  make(map[string]func() any),
	}
	for _, opt := range opts {
		opt(s)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET(cfg.MetricsPath, gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorLog:            &promErrorLogger{logger: s.logger},
		ErrorHandling:       promhttp.ContinueOnError,
		MaxRequestsInFlight: maxMetricsRequests,
		Timeout:             cfg.WriteTimeout,
		EnableOpenMetrics:   true,
	})))
	if checker != nil {
		checker.RegisterRoutes(engine)
	}
	engine.GET("/stats", s.statsHandler)

	s.engine = engine
	return s
}

// Handler returns the admin router.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start binds the listener and serves in the background. Bind errors are
// returned synchronously.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("admin server listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.engine,
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: s.config.ReadTimeout / readHeaderTimeoutRatio,
		WriteTimeout:      s.config.WriteTimeout,
	}

	s.logger.Info("starting admin server",
		observability.String("address", ln.Addr().String()),
		observability.String("metrics_path", s.config.MetricsPath),
	)

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server failed", observability.Error(err))
		}
	}()

	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// Stop shuts the server down. It is safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	var stopErr error
	s.stopOnce.Do(func() {
		if s.server == nil {
			return
		}
		s.logger.Info("stopping admin server")
		stopErr = s.server.Shutdown(ctx)
	})
	return stopErr
}

// statsHandler renders every registered snapshot.
func (s *Server) statsHandler(c *gin.Context) {
	names := make([]string, 0, len(s.stats))
	for name := range s.stats {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(gin.H, len(names))
	for _, name := range names {
		out[name] = s.stats[name]()
	}
	c.JSON(http.StatusOK, out)
}

// promErrorLogger adapts observability.Logger to promhttp.Logger.
type promErrorLogger struct {
	logger observability.Logger
}

// Println implements promhttp.Logger.
func (l *promErrorLogger) Println(v ...interface{}) {
	l.logger.Error("metrics handler error", observability.String("error", fmt.Sprint(v...)))
}
