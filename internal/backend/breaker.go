package backend

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	backendmetrics "github.com/vyrodovalexey/avaproxy/internal/metrics/backend"
	"github.com/vyrodovalexey/avaproxy/internal/observability"
)

// cbTracer is the OTEL tracer used for circuit breaker transitions.
var cbTracer = otel.Tracer("avaproxy/circuitbreaker")

// BreakerConfig configures the upstream circuit breaker.
type BreakerConfig struct {
	// Threshold is the minimum number of requests in an interval before
	// the failure ratio is evaluated.
	Threshold int

	// Timeout is how long the breaker stays open, and the interval
	// after which closed-state counts reset.
	Timeout time.Duration

	// FailureRatio trips the breaker once reached. Defaults to 0.5.
	FailureRatio float64
}

// StateFunc is called when the circuit breaker changes state.
// state is 0 for closed, 1 for half-open and 2 for open.
type StateFunc func(name string, state int)

// errServerStatus marks a 5xx response as a breaker failure without
// discarding the response.
var errServerStatus = errors.New("upstream answered with a server error")

// breaker wraps gobreaker.CircuitBreaker.
type breaker struct {
	cb *gobreaker.CircuitBreaker
}

func newBreaker(name string, cfg BreakerConfig, logger observability.Logger, onState StateFunc) *breaker {
	threshold := safeIntToUint32(cfg.Threshold)
	if threshold == 0 {
		threshold = 5
	}
	ratio := cfg.FailureRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 0.5
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: threshold,
		Interval:    timeout,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= threshold && failureRatio >= ratio
		},
		IsSuccessful: func(err error) bool {
			// A cancelled client is not the upstream's fault.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)

			_, span := cbTracer.Start(context.Background(),
				"circuitbreaker.state_change",
				trace.WithSpanKind(trace.SpanKindInternal),
			)
			span.AddEvent("state_change", trace.WithAttributes(
				attribute.String("circuitbreaker.name", name),
				attribute.String("circuitbreaker.from", from.String()),
				attribute.String("circuitbreaker.to", to.String()),
			))
			span.End()

			if to == gobreaker.StateOpen {
				backendmetrics.GetBackendMetrics().RecordCircuitBreakerTrip(name)
			}
			if onState != nil {
				onState(name, int(to))
			}
		},
	}

	return &breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// execute runs fn through the breaker. A rejected call returns
// ErrCircuitOpen wrapped around the gobreaker error.
func (b *breaker) execute(fn func() (any, error)) (any, error) {
	res, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, errors.Join(ErrCircuitOpen, err)
	}
	return res, err
}

func (b *breaker) state() gobreaker.State {
	return b.cb.State()
}

// safeIntToUint32 safely converts int to uint32.
func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	if n > int(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(n) //nolint:gosec // bounds checked above
}
