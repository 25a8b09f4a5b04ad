package middleware

import (
	"net/http"
	"time"

	"github.com/vyrodovalexey/avaproxy/internal/observability"
)

// responseWriter wraps http.ResponseWriter to capture status code and size.
type responseWriter struct {
	http.ResponseWriter
	status int
	size   int64
}

// WriteHeader captures the status code.
func (rw *responseWriter) WriteHeader(code int) {
	if rw.status == 0 {
		rw.status = code
	}
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size.
func (rw *responseWriter) Write(b []byte) (int, error) {
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.size += int64(n)
	return n, err
}

// Flush implements http.Flusher interface for streaming support.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// AccessLog returns a middleware that logs one line per request. The line
// is written even when the handler aborts the response with a panic; the
// panic then continues up the stack.
func AccessLog(logger observability.Logger, extractor *ClientIPExtractor) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w}

			defer func() {
				rec := recover()

				status := rw.status
				aborted := rec != nil
				if status == 0 && !aborted {
					status = http.StatusOK
				}

				logger.WithContext(r.Context()).Info("access",
					observability.String("method", r.Method),
					observability.String("path", r.URL.Path),
					observability.String("query", r.URL.RawQuery),
					observability.Int("status", status),
					observability.Int64("size", rw.size),
					observability.Duration("latency", time.Since(start)),
					observability.String("client_ip", extractor.Extract(r)),
					observability.String("user_agent", r.UserAgent()),
					observability.Bool("aborted", aborted),
				)

				if rec != nil {
					panic(rec)
				}
			}()

			next.ServeHTTP(rw, r)
		})
	}
}
