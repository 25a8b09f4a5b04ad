package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avaproxy/internal/streamcopy"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30084, cfg.Listener.Port)
	assert.Equal(t, "/", cfg.Listener.PathPrefix)
	assert.Equal(t, "http://localhost:10001/stream", cfg.Backend.URL)
	assert.Equal(t, 4096, cfg.Copy.ChunkSize)
	assert.Equal(t, int64(1<<20), cfg.Copy.PoolBudget)
	assert.Equal(t, 40, cfg.Copy.MaxBuffersPerTransfer)
	assert.Equal(t, 4, cfg.Dispatcher.Workers)
	assert.False(t, cfg.Dispatcher.PassUpstreamStatus)
	assert.Equal(t, ":30084", cfg.Listener.ListenAddress())
	assert.Equal(t, ":9090", cfg.Admin.ListenAddress())

	mode, err := cfg.Copy.ParsedMode()
	require.NoError(t, err)
	assert.Equal(t, streamcopy.ModePipelined, mode)
}

func TestLoadConfigFromReader(t *testing.T) {
	t.Setenv("AVAPROXY_TEST_BACKEND", "http://upstream:8080/api")

	yamlContent := `
listener:
  port: 8080
  trustedProxies: ["10.0.0.0/8"]
backend:
  url: ${AVAPROXY_TEST_BACKEND}
  responseHeaderTimeout: 5s
  retry:
    maxRetries: ${AVAPROXY_TEST_UNSET:-4}
copy:
  mode: buffered
  chunkSize: 1000
dispatcher:
  passUpstreamStatus: true
logging:
  level: debug
`

	cfg, err := LoadConfigFromReader(strings.NewReader(yamlContent))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8080, cfg.Listener.Port)
	assert.Equal(t, []string{"10.0.0.0/8"}, cfg.Listener.TrustedProxies)
	assert.Equal(t, "http://upstream:8080/api", cfg.Backend.URL)
	assert.Equal(t, 5*time.Second, cfg.Backend.ResponseHeaderTimeout.Duration())
	assert.Equal(t, 4, cfg.Backend.Retry.MaxRetries)
	assert.Equal(t, "buffered", cfg.Copy.Mode)
	assert.Equal(t, 1000, cfg.Copy.ChunkSize)
	assert.True(t, cfg.Dispatcher.PassUpstreamStatus)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Untouched sections keep their defaults.
	assert.Equal(t, 4, cfg.Dispatcher.Workers)
	assert.Equal(t, int64(1<<20), cfg.Copy.PoolBudget)
	assert.True(t, cfg.Backend.CircuitBreaker.Enabled)
}

func TestLoadConfigFromReader_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{
		{name: "malformed yaml", content: "listener: [port"},
		{name: "unknown key", content: "listener:\n  prot: 1\n"},
		{name: "bad duration", content: "backend:\n  dialTimeout: soon\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := LoadConfigFromReader(strings.NewReader(tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigFromReader_Empty(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfigFromReader(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "avaproxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("copy:\n  mode: \"0\"\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	mode, err := cfg.Copy.ParsedMode()
	require.NoError(t, err)
	assert.Equal(t, streamcopy.ModeDirect, mode)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("AVAPROXY_TEST_SET", "value")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "set", input: "${AVAPROXY_TEST_SET}", expected: "value"},
		{name: "set with default", input: "${AVAPROXY_TEST_SET:-x}", expected: "value"},
		{name: "unset default", input: "${AVAPROXY_TEST_NOPE:-x}", expected: "x"},
		{name: "unset no default", input: "a${AVAPROXY_TEST_NOPE}b", expected: "ab"},
		{name: "escaped dollar", input: "$${AVAPROXY_TEST_SET}", expected: "${AVAPROXY_TEST_SET}"},
		{name: "plain", input: "no vars", expected: "no vars"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, substituteEnvVars(tt.input))
		})
	}
}

func TestMarshal_RoundTrip(t *testing.T) {
	t.Parallel()

	data, err := Marshal(DefaultConfig())
	require.NoError(t, err)
	assert.Contains(t, string(data), "responseHeaderTimeout: 30s")

	cfg, err := LoadConfigFromReader(strings.NewReader(string(data)))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		path   string
	}{
		{name: "port zero", mutate: func(c *Config) { c.Listener.Port = 0 }, path: "listener.port"},
		{name: "bad bind", mutate: func(c *Config) { c.Listener.Bind = "nope" }, path: "listener.bind"},
		{name: "prefix", mutate: func(c *Config) { c.Listener.PathPrefix = "api" }, path: "listener.pathPrefix"},
		{name: "trusted proxy", mutate: func(c *Config) { c.Listener.TrustedProxies = []string{"x"} }, path: "listener.trustedProxies[0]"},
		{name: "empty url", mutate: func(c *Config) { c.Backend.URL = "" }, path: "backend.url"},
		{name: "url scheme", mutate: func(c *Config) { c.Backend.URL = "ftp://host/x" }, path: "backend.url"},
		{name: "url host", mutate: func(c *Config) { c.Backend.URL = "http:///x" }, path: "backend.url"},
		{name: "breaker threshold", mutate: func(c *Config) { c.Backend.CircuitBreaker.Threshold = 0 }, path: "backend.circuitBreaker.threshold"},
		{name: "breaker ratio", mutate: func(c *Config) { c.Backend.CircuitBreaker.FailureRatio = 2 }, path: "backend.circuitBreaker.failureRatio"},
		{name: "retry backoff order", mutate: func(c *Config) { c.Backend.Retry.InitialBackoff = Duration(time.Minute) }, path: "backend.retry.initialBackoff"},
		{name: "retry jitter", mutate: func(c *Config) { c.Backend.Retry.JitterFactor = -1 }, path: "backend.retry.jitterFactor"},
		{name: "copy mode", mutate: func(c *Config) { c.Copy.Mode = "3" }, path: "copy.mode"},
		{name: "chunk size", mutate: func(c *Config) { c.Copy.ChunkSize = 0 }, path: "copy.chunkSize"},
		{name: "budget", mutate: func(c *Config) { c.Copy.PoolBudget = 100 }, path: "copy.poolBudget"},
		{name: "max buffers", mutate: func(c *Config) { c.Copy.MaxBuffersPerTransfer = 0 }, path: "copy.maxBuffersPerTransfer"},
		{name: "workers", mutate: func(c *Config) { c.Dispatcher.Workers = 0 }, path: "dispatcher.workers"},
		{name: "rate", mutate: func(c *Config) { c.RateLimit.Enabled = true; c.RateLimit.RequestsPerSecond = 0 }, path: "rateLimit.requestsPerSecond"},
		{name: "log level", mutate: func(c *Config) { c.Logging.Level = "loud" }, path: "logging.level"},
		{name: "log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, path: "logging.format"},
		{name: "admin port clash", mutate: func(c *Config) { c.Admin.Port = c.Listener.Port }, path: "admin.port"},
		{name: "sampling", mutate: func(c *Config) { c.Tracing.SamplingRate = 1.5 }, path: "tracing.samplingRate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)

			var verrs ValidationErrors
			require.True(t, errors.As(err, &verrs))
			paths := make([]string, 0, len(verrs))
			for _, e := range verrs {
				paths = append(paths, e.Path)
			}
			assert.Contains(t, paths, tt.path)
		})
	}
}

func TestValidate_DisabledSectionsSkipped(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Backend.CircuitBreaker = CircuitBreakerConfig{}
	cfg.Backend.Retry = RetryConfig{MaxRetries: -1}
	cfg.RateLimit = RateLimitConfig{}
	cfg.Admin = AdminConfig{Port: cfg.Listener.Port}

	assert.NoError(t, cfg.Validate())
}

func TestValidationErrors_Error(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "no validation errors", ValidationErrors{}.Error())
	assert.Equal(t, "a: b", ValidationErrors{{Path: "a", Message: "b"}}.Error())
	assert.Equal(t, "b", (&ValidationError{Message: "b"}).Error())

	multi := ValidationErrors{{Path: "a", Message: "b"}, {Path: "c", Message: "d"}}
	assert.Equal(t, "2 validation errors:\n  1. a: b\n  2. c: d\n", multi.Error())

	var nilCfg *Config
	assert.Error(t, nilCfg.Validate())
}

func TestDuration_JSON(t *testing.T) {
	t.Parallel()

	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"1m30s"`)))
	assert.Equal(t, 90*time.Second, d.Duration())

	require.NoError(t, d.UnmarshalJSON([]byte(`null`)))
	assert.Zero(t, d)

	require.NoError(t, d.UnmarshalJSON([]byte(`""`)))
	assert.Zero(t, d)

	assert.Error(t, d.UnmarshalJSON([]byte(`12`)))
	assert.Error(t, d.UnmarshalJSON([]byte(`"x"`)))

	out, err := Duration(time.Second).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1s"`, string(out))
}

func TestResolveConfigPath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "a.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	got, err := ResolveConfigPath(path)
	require.NoError(t, err)
	assert.Equal(t, path, got)

	_, err = ResolveConfigPath(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	_, err = ResolveConfigPath("avaproxy-definitely-missing.yaml")
	assert.Error(t, err)
}
