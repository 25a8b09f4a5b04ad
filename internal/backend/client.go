package backend

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	backendmetrics "github.com/vyrodovalexey/avaproxy/internal/metrics/backend"
	"github.com/vyrodovalexey/avaproxy/internal/observability"
	"github.com/vyrodovalexey/avaproxy/internal/retry"
)

// DefaultBaseURL is the upstream base URL used when none is configured.
const DefaultBaseURL = "http://localhost:10001/stream"

// retryOperation labels retry metrics for upstream fetches.
const retryOperation = "backend_fetch"

// Client fetches responses from a single upstream base URL.
type Client struct {
	name       string
	baseURL    string
	httpClient *http.Client
	transport  TransportConfig
	breakerCfg *BreakerConfig
	onState    StateFunc
	breaker    *breaker
	retry      *retry.Config
	logger     observability.Logger
	tracer     trace.Tracer
}

// Option is a functional option for configuring the client.
type Option func(*Client)

// WithName sets the client name used for the circuit breaker and logs.
func WithName(name string) Option {
	return func(c *Client) {
		if name != "" {
			c.name = name
		}
	}
}

// WithLogger sets the logger for the client.
func WithLogger(logger observability.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithTransport sets upstream connection settings.
func WithTransport(cfg TransportConfig) Option {
	return func(c *Client) {
		c.transport = cfg
	}
}

// WithHTTPClient replaces the HTTP client. Transport settings are
// ignored when it is set.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithCircuitBreaker enables the circuit breaker. onState may be nil.
func WithCircuitBreaker(cfg BreakerConfig, onState StateFunc) Option {
	return func(c *Client) {
		c.breakerCfg = &cfg
		c.onState = onState
	}
}

// WithRetry enables retries of fetches that fail before a response.
func WithRetry(cfg *retry.Config) Option {
	return func(c *Client) {
		c.retry = cfg
	}
}

// New creates a client for baseURL. The URL must be absolute http or
// https; a trailing slash is dropped since request URIs start with one.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, newError("configure", baseURL, ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, newError("configure", baseURL, ErrInvalidURL,
			errors.New("expected absolute http or https URL"))
	}

	c := &Client{
		name:      "backend",
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		transport: DefaultTransportConfig(),
		logger:    observability.NopLogger(),
		tracer:    otel.Tracer("avaproxy/backend"),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = newHTTPClient(c.transport)
	}
	if c.breakerCfg != nil {
		c.breaker = newBreaker(c.name, *c.breakerCfg, c.logger, c.onState)
	}

	return c, nil
}

// BaseURL returns the upstream base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Name returns the client name.
func (c *Client) Name() string {
	return c.name
}

// CircuitState returns the breaker state as 0 (closed), 1 (half-open)
// or 2 (open). It is always 0 when no breaker is configured.
func (c *Client) CircuitState() int {
	if c.breaker == nil {
		return 0
	}
	return int(c.breaker.state())
}

// CloseIdleConnections closes idle upstream connections.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// Fetch issues GET baseURL+requestURI with the given headers, minus
// hop-by-hop headers. On success the caller owns resp.Body. Any status
// code counts as a response; 5xx only feeds the circuit breaker.
func (c *Client) Fetch(ctx context.Context, requestURI string, header http.Header) (*http.Response, error) {
	target := c.baseURL + requestURI

	ctx, span := c.tracer.Start(ctx, "backend.fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", http.MethodGet),
			attribute.String("url.full", target),
		),
	)
	defer span.End()

	start := time.Now()
	var resp *http.Response
	attempt := func(ctx context.Context) error {
		r, err := c.roundTrip(ctx, target, header)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}

	var err error
	if c.retry != nil {
		err = retry.Do(ctx, c.retry, attempt, &retry.Options{
			ShouldRetry: isRetryable,
			OnRetry: func(n int, err error, backoff time.Duration) {
				c.logger.WithContext(ctx).Debug("retrying upstream fetch",
					observability.String("url", target),
					observability.Int("attempt", n),
					observability.Duration("backoff", backoff),
					observability.Error(err),
				)
			},
			Operation: retryOperation,
		})
	} else {
		err = attempt(ctx)
	}

	if err != nil {
		berr := c.wrap(target, err)
		reason := Reason(berr)
		metrics := backendmetrics.GetBackendMetrics()
		metrics.RecordConnectionError(c.name, reason)
		if reason == reasonCircuitOpen {
			metrics.RecordCircuitBreakerRejection(c.name)
		}
		span.RecordError(berr)
		span.SetStatus(codes.Error, berr.Error())
		c.logger.WithContext(ctx).Warn("upstream fetch failed",
			observability.String("url", target),
			observability.Duration("duration", time.Since(start)),
			observability.Error(berr),
		)
		return nil, berr
	}

	backendmetrics.GetBackendMetrics().RecordRequest(c.name, resp.StatusCode, time.Since(start))
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	return resp, nil
}

// roundTrip performs a single upstream exchange.
func (c *Client) roundTrip(ctx context.Context, target string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, retry.Permanent(newError("fetch", target, ErrInvalidURL, err))
	}
	if header != nil {
		CopyHeaders(req.Header, header)
		req.Header.Del("Host")
	}
	observability.InjectHTTP(ctx, req.Header)

	if c.breaker == nil {
		return c.httpClient.Do(req)
	}

	var resp *http.Response
	_, err = c.breaker.execute(func() (any, error) {
		r, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		resp = r
		if r.StatusCode >= http.StatusInternalServerError {
			return nil, errServerStatus
		}
		return nil, nil
	})
	if errors.Is(err, errServerStatus) {
		return resp, nil
	}
	return resp, err
}

// wrap converts err into a *BackendError.
func (c *Client) wrap(target string, err error) error {
	var berr *BackendError
	if errors.As(err, &berr) {
		return berr
	}
	if errors.Is(err, ErrCircuitOpen) {
		return newError("fetch", target, ErrCircuitOpen, err)
	}
	return newError("fetch", target, classify(err), err)
}

// isRetryable reports whether a failed attempt may be repeated.
func isRetryable(err error) bool {
	switch {
	case errors.Is(err, ErrCircuitOpen),
		errors.Is(err, ErrInvalidURL),
		errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}
