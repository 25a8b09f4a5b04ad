package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/vyrodovalexey/avaproxy/internal/backend"
)

// Sentinel errors for proxy operations.
var (
	// ErrDispatcherStopped indicates the dispatcher no longer accepts jobs.
	ErrDispatcherStopped = errors.New("dispatcher stopped")

	// ErrCopyAborted indicates the response body copy failed after the
	// status line was sent.
	ErrCopyAborted = errors.New("response copy aborted")

	// ErrWorkerPanic indicates a worker recovered from a panic while
	// serving the request.
	ErrWorkerPanic = errors.New("worker panic")
)

// ProxyError represents a proxy-related error with details.
type ProxyError struct {
	Op      string // Operation that failed
	Target  string // Upstream request URI if applicable
	Message string // Human-readable message
	Cause   error  // Underlying error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	if e.Target != "" {
		if e.Cause != nil {
			return fmt.Sprintf("proxy error [%s] target=%s: %s: %v", e.Op, e.Target, e.Message, e.Cause)
		}
		return fmt.Sprintf("proxy error [%s] target=%s: %s", e.Op, e.Target, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("proxy error [%s]: %s: %v", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("proxy error [%s]: %s", e.Op, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProxyError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *ProxyError) Is(target error) bool {
	_, ok := target.(*ProxyError)
	return ok
}

// NewProxyError creates a new ProxyError.
func NewProxyError(op, target, message string, cause error) *ProxyError {
	return &ProxyError{
		Op:      op,
		Target:  target,
		Message: message,
		Cause:   cause,
	}
}

// newCopyError wraps a failed body copy.
func newCopyError(target string, cause error) *ProxyError {
	return &ProxyError{
		Op:      "copy",
		Target:  target,
		Message: ErrCopyAborted.Error(),
		Cause:   errors.Join(ErrCopyAborted, cause),
	}
}

// IsProxyError checks if an error is a ProxyError.
func IsProxyError(err error) bool {
	var proxyErr *ProxyError
	return errors.As(err, &proxyErr)
}

// StatusClientClosedRequest is recorded when the client went away
// before a response could be written.
const StatusClientClosedRequest = 499

// errorResponse is the JSON error body and status for a failure.
type errorResponse struct {
	status int
	body   string
}

// Error response bodies.
const (
	bodyBadGateway     = `{"error":"bad gateway","message":"upstream unavailable"}`
	bodyGatewayTimeout = `{"error":"gateway timeout","message":"upstream did not respond in time"}`
	bodyCircuitOpen    = `{"error":"service unavailable","message":"circuit breaker open"}`
	bodyShuttingDown   = `{"error":"service unavailable","message":"server shutting down"}`
	bodyInternalError  = `{"error":"internal server error"}`
)

// HTTP header names.
const (
	headerContentType     = "Content-Type"
	headerRequestID       = "X-Request-ID"
	headerXForwardedFor   = "X-Forwarded-For"
	headerXForwardedProto = "X-Forwarded-Proto"
	headerXForwardedHost  = "X-Forwarded-Host"
	headerRetryAfter      = "Retry-After"

	contentTypeJSON = "application/json"
)

// responseForError maps a fetch or dispatch error to an HTTP response.
func responseForError(err error) errorResponse {
	switch {
	case errors.Is(err, ErrDispatcherStopped):
		return errorResponse{status: http.StatusServiceUnavailable, body: bodyShuttingDown}
	case errors.Is(err, backend.ErrCircuitOpen):
		return errorResponse{status: http.StatusServiceUnavailable, body: bodyCircuitOpen}
	case errors.Is(err, backend.ErrUpstreamTimeout), errors.Is(err, context.DeadlineExceeded):
		return errorResponse{status: http.StatusGatewayTimeout, body: bodyGatewayTimeout}
	case errors.Is(err, ErrWorkerPanic):
		return errorResponse{status: http.StatusInternalServerError, body: bodyInternalError}
	default:
		return errorResponse{status: http.StatusBadGateway, body: bodyBadGateway}
	}
}
