package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors describing why a fetch failed.
var (
	// ErrUpstreamUnavailable indicates the upstream could not be reached
	// or the exchange failed before a response arrived.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrUpstreamTimeout indicates the upstream did not answer in time.
	ErrUpstreamTimeout = errors.New("upstream timeout")

	// ErrCircuitOpen indicates the circuit breaker rejected the fetch.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrInvalidURL indicates the upstream URL could not be built.
	ErrInvalidURL = errors.New("invalid upstream URL")
)

// BackendError describes a failed upstream fetch.
type BackendError struct {
	Op    string
	URL   string
	Kind  error
	Cause error
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	if e.Cause == nil || e.Cause == e.Kind {
		return fmt.Sprintf("backend %s %s: %v", e.Op, e.URL, e.Kind)
	}
	return fmt.Sprintf("backend %s %s: %v: %v", e.Op, e.URL, e.Kind, e.Cause)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *BackendError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// Reason returns a short metrics label for err.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return reasonCircuitOpen
	case errors.Is(err, ErrUpstreamTimeout):
		return "timeout"
	case errors.Is(err, ErrInvalidURL):
		return "invalid_url"
	default:
		return "unavailable"
	}
}

const reasonCircuitOpen = "circuit_open"

func newError(op, url string, kind, cause error) *BackendError {
	return &BackendError{Op: op, URL: url, Kind: kind, Cause: cause}
}

// classify picks the kind for a transport-level failure.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrUpstreamTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrUpstreamTimeout
	}
	return ErrUpstreamUnavailable
}
