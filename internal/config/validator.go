package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/vyrodovalexey/avaproxy/internal/streamcopy"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, e[i].Error())
	}
	return sb.String()
}

// HasErrors returns true if there are validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// validator accumulates errors across every section.
type validator struct {
	errors ValidationErrors
}

func (v *validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: message})
}

// Validate checks the configuration and returns ValidationErrors listing
// every problem, or nil.
func (c *Config) Validate() error {
	v := &validator{}
	if c == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	v.validateListener(&c.Listener)
	v.validateBackend(&c.Backend)
	v.validateCopy(&c.Copy)
	v.validateDispatcher(&c.Dispatcher)
	v.validateRateLimit(&c.RateLimit)
	v.validateLogging(&c.Logging)
	v.validateAdmin(&c.Admin, c.Listener.Port)
	v.validateTracing(&c.Tracing)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

// ParsedMode returns the parsed copy mode.
func (c *CopyConfig) ParsedMode() (streamcopy.Mode, error) {
	return streamcopy.ParseMode(c.Mode)
}

func (v *validator) validateListener(l *ListenerConfig) {
	v.validatePort("listener.port", l.Port)
	v.validateBind("listener.bind", l.Bind)
	if !strings.HasPrefix(l.PathPrefix, "/") {
		v.addError("listener.pathPrefix", "path prefix must start with '/'")
	}
	if l.ShutdownTimeout < 0 {
		v.addError("listener.shutdownTimeout", "must not be negative")
	}
	for i, entry := range l.TrustedProxies {
		if _, _, err := net.ParseCIDR(entry); err == nil {
			continue
		}
		if net.ParseIP(entry) == nil {
			v.addError(fmt.Sprintf("listener.trustedProxies[%d]", i),
				fmt.Sprintf("invalid CIDR or IP address: %s", entry))
		}
	}
}

func (v *validator) validateBackend(b *BackendConfig) {
	u, err := url.Parse(b.URL)
	switch {
	case b.URL == "":
		v.addError("backend.url", "backend URL is required")
	case err != nil:
		v.addError("backend.url", err.Error())
	case u.Scheme != "http" && u.Scheme != "https":
		v.addError("backend.url", "scheme must be http or https")
	case u.Host == "":
		v.addError("backend.url", "host is required")
	}

	if b.DialTimeout < 0 || b.ResponseHeaderTimeout < 0 || b.IdleConnTimeout < 0 {
		v.addError("backend", "timeouts must not be negative")
	}
	if b.MaxIdleConns < 0 || b.MaxIdleConnsPerHost < 0 {
		v.addError("backend", "idle connection limits must not be negative")
	}

	cb := &b.CircuitBreaker
	if cb.Enabled {
		if cb.Threshold <= 0 {
			v.addError("backend.circuitBreaker.threshold", "threshold must be positive")
		}
		if cb.Timeout <= 0 {
			v.addError("backend.circuitBreaker.timeout", "timeout must be positive")
		}
		if cb.FailureRatio < 0 || cb.FailureRatio > 1 {
			v.addError("backend.circuitBreaker.failureRatio", "failure ratio must be between 0 and 1")
		}
	}

	r := &b.Retry
	if r.Enabled {
		if r.MaxRetries < 0 {
			v.addError("backend.retry.maxRetries", "must not be negative")
		}
		if r.InitialBackoff < 0 || r.MaxBackoff < 0 {
			v.addError("backend.retry", "backoff must not be negative")
		}
		if r.MaxBackoff > 0 && r.InitialBackoff > r.MaxBackoff {
			v.addError("backend.retry.initialBackoff", "must not exceed maxBackoff")
		}
		if r.JitterFactor < 0 || r.JitterFactor > 1 {
			v.addError("backend.retry.jitterFactor", "jitter factor must be between 0 and 1")
		}
	}
}

func (v *validator) validateCopy(c *CopyConfig) {
	if _, err := c.ParsedMode(); err != nil {
		v.addError("copy.mode", err.Error())
	}
	if c.ChunkSize <= 0 {
		v.addError("copy.chunkSize", "chunk size must be positive")
	}
	if int64(c.ChunkSize) > c.PoolBudget {
		v.addError("copy.poolBudget", "pool budget must hold at least one chunk")
	}
	if c.MaxBuffersPerTransfer <= 0 {
		v.addError("copy.maxBuffersPerTransfer", "must be positive")
	}
}

func (v *validator) validateDispatcher(d *DispatcherConfig) {
	if d.Workers <= 0 {
		v.addError("dispatcher.workers", "workers must be positive")
	}
}

func (v *validator) validateRateLimit(r *RateLimitConfig) {
	if !r.Enabled {
		return
	}
	if r.RequestsPerSecond <= 0 {
		v.addError("rateLimit.requestsPerSecond", "must be positive")
	}
	if r.Burst < 0 {
		v.addError("rateLimit.burst", "must not be negative")
	}
}

func (v *validator) validateLogging(l *LoggingConfig) {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "error":
	default:
		v.addError("logging.level", "level must be debug, info, warn or error")
	}
	switch l.Format {
	case "json", "console":
	default:
		v.addError("logging.format", "format must be json or console")
	}
}

func (v *validator) validateAdmin(a *AdminConfig, listenerPort int) {
	if !a.Enabled {
		return
	}
	v.validatePort("admin.port", a.Port)
	v.validateBind("admin.bind", a.Bind)
	if a.Port == listenerPort {
		v.addError("admin.port", fmt.Sprintf("port %d already used by the listener", a.Port))
	}
}

func (v *validator) validateTracing(t *TracingConfig) {
	if t.SamplingRate < 0 || t.SamplingRate > 1 {
		v.addError("tracing.samplingRate", "sampling rate must be between 0 and 1")
	}
}

func (v *validator) validatePort(path string, port int) {
	if port < 1 || port > 65535 {
		v.addError(path, fmt.Sprintf("port must be between 1 and 65535, got %d", port))
	}
}

func (v *validator) validateBind(path, bind string) {
	if bind != "" && net.ParseIP(bind) == nil {
		v.addError(path, fmt.Sprintf("invalid IP address: %s", bind))
	}
}
