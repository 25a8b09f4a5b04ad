package config

import "time"

// Default configuration values.
const (
	DefaultPort                  = 30084
	DefaultPathPrefix            = "/"
	DefaultBackendURL            = "http://localhost:10001/stream"
	DefaultCopyMode              = "pipelined"
	DefaultChunkSize             = 4096
	DefaultPoolBudget            = 1 << 20
	DefaultMaxBuffersPerTransfer = 40
	DefaultWorkers               = 4
	DefaultAdminPort             = 9090
	DefaultShutdownTimeout       = 30 * time.Second
	DefaultReadHeaderTimeout     = 10 * time.Second
)

// Config is the complete avaproxy configuration.
type Config struct {
	Listener   ListenerConfig   `yaml:"listener" json:"listener"`
	Backend    BackendConfig    `yaml:"backend" json:"backend"`
	Copy       CopyConfig       `yaml:"copy" json:"copy"`
	Dispatcher DispatcherConfig `yaml:"dispatcher" json:"dispatcher"`
	RateLimit  RateLimitConfig  `yaml:"rateLimit" json:"rateLimit"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
	Admin      AdminConfig      `yaml:"admin" json:"admin"`
	Tracing    TracingConfig    `yaml:"tracing" json:"tracing"`
}

// ListenerConfig configures the public HTTP listener.
type ListenerConfig struct {
	Bind              string   `yaml:"bind" json:"bind"`
	Port              int      `yaml:"port" json:"port"`
	PathPrefix        string   `yaml:"pathPrefix" json:"pathPrefix"`
	ReadHeaderTimeout Duration `yaml:"readHeaderTimeout" json:"readHeaderTimeout"`
	IdleTimeout       Duration `yaml:"idleTimeout" json:"idleTimeout"`
	ShutdownTimeout   Duration `yaml:"shutdownTimeout" json:"shutdownTimeout"`
	TrustedProxies    []string `yaml:"trustedProxies,omitempty" json:"trustedProxies,omitempty"`
}

// BackendConfig configures the upstream service.
type BackendConfig struct {
	URL                   string               `yaml:"url" json:"url"`
	DialTimeout           Duration             `yaml:"dialTimeout" json:"dialTimeout"`
	ResponseHeaderTimeout Duration             `yaml:"responseHeaderTimeout" json:"responseHeaderTimeout"`
	IdleConnTimeout       Duration             `yaml:"idleConnTimeout" json:"idleConnTimeout"`
	MaxIdleConns          int                  `yaml:"maxIdleConns" json:"maxIdleConns"`
	MaxIdleConnsPerHost   int                  `yaml:"maxIdleConnsPerHost" json:"maxIdleConnsPerHost"`
	CircuitBreaker        CircuitBreakerConfig `yaml:"circuitBreaker" json:"circuitBreaker"`
	Retry                 RetryConfig          `yaml:"retry" json:"retry"`
}

// CircuitBreakerConfig configures the backend circuit breaker.
type CircuitBreakerConfig struct {
	Enabled      bool     `yaml:"enabled" json:"enabled"`
	Threshold    int      `yaml:"threshold" json:"threshold"`
	Timeout      Duration `yaml:"timeout" json:"timeout"`
	FailureRatio float64  `yaml:"failureRatio" json:"failureRatio"`
}

// RetryConfig configures retries of failed backend connections.
type RetryConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	MaxRetries     int      `yaml:"maxRetries" json:"maxRetries"`
	InitialBackoff Duration `yaml:"initialBackoff" json:"initialBackoff"`
	MaxBackoff     Duration `yaml:"maxBackoff" json:"maxBackoff"`
	JitterFactor   float64  `yaml:"jitterFactor" json:"jitterFactor"`
}

// CopyConfig selects and sizes the body copy strategy.
type CopyConfig struct {
	// Mode is direct, buffered or pipelined, or 0, 1 or 2.
	Mode                  string `yaml:"mode" json:"mode"`
	ChunkSize             int    `yaml:"chunkSize" json:"chunkSize"`
	PoolBudget            int64  `yaml:"poolBudget" json:"poolBudget"`
	MaxBuffersPerTransfer int    `yaml:"maxBuffersPerTransfer" json:"maxBuffersPerTransfer"`
}

// DispatcherConfig configures the worker pool.
type DispatcherConfig struct {
	Workers            int  `yaml:"workers" json:"workers"`
	PassUpstreamStatus bool `yaml:"passUpstreamStatus" json:"passUpstreamStatus"`
}

// RateLimitConfig configures admission rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" json:"enabled"`
	RequestsPerSecond int  `yaml:"requestsPerSecond" json:"requestsPerSecond"`
	Burst             int  `yaml:"burst" json:"burst"`
	PerClient         bool `yaml:"perClient" json:"perClient"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// AdminConfig configures the admin server exposing metrics and health.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Bind    string `yaml:"bind" json:"bind"`
	Port    int    `yaml:"port" json:"port"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	ServiceName  string  `yaml:"serviceName" json:"serviceName"`
	OTLPEndpoint string  `yaml:"otlpEndpoint" json:"otlpEndpoint"`
	SamplingRate float64 `yaml:"samplingRate" json:"samplingRate"`
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	return &Config{
		Listener: ListenerConfig{
			Port:              DefaultPort,
			PathPrefix:        DefaultPathPrefix,
			ReadHeaderTimeout: Duration(DefaultReadHeaderTimeout),
			IdleTimeout:       Duration(2 * time.Minute),
			ShutdownTimeout:   Duration(DefaultShutdownTimeout),
		},
		Backend: BackendConfig{
			URL:                   DefaultBackendURL,
			DialTimeout:           Duration(10 * time.Second),
			ResponseHeaderTimeout: Duration(30 * time.Second),
			IdleConnTimeout:       Duration(90 * time.Second),
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   16,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:      true,
				Threshold:    5,
				Timeout:      Duration(30 * time.Second),
				FailureRatio: 0.5,
			},
			Retry: RetryConfig{
				Enabled:        true,
				MaxRetries:     2,
				InitialBackoff: Duration(100 * time.Millisecond),
				MaxBackoff:     Duration(2 * time.Second),
				JitterFactor:   0.25,
			},
		},
		Copy: CopyConfig{
			Mode:                  DefaultCopyMode,
			ChunkSize:             DefaultChunkSize,
			PoolBudget:            DefaultPoolBudget,
			MaxBuffersPerTransfer: DefaultMaxBuffersPerTransfer,
		},
		Dispatcher: DispatcherConfig{
			Workers: DefaultWorkers,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 1000,
			Burst:             2000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Admin: AdminConfig{
			Enabled: true,
			Port:    DefaultAdminPort,
		},
		Tracing: TracingConfig{
			ServiceName:  "avaproxy",
			SamplingRate: 1.0,
		},
	}
}

// ListenAddress returns the host:port the public listener binds.
func (c *ListenerConfig) ListenAddress() string {
	return joinHostPort(c.Bind, c.Port)
}

// ListenAddress returns the host:port the admin server binds.
func (c *AdminConfig) ListenAddress() string {
	return joinHostPort(c.Bind, c.Port)
}
