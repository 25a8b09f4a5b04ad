package proxy

import (
	"net/http"
)

// responseWriter records the status and size of a response and flushes
// after every body write so clients see data as it is copied.
type responseWriter struct {
	http.ResponseWriter
	flusher     http.Flusher
	status      int
	size        int64
	wroteHeader bool
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	rw := &responseWriter{ResponseWriter: w}
	if f, ok := w.(http.Flusher); ok {
		rw.flusher = f
	}
	return rw
}

// WriteHeader captures the status code.
func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.wroteHeader = true
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Write writes p and flushes it to the client.
func (rw *responseWriter) Write(p []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(p)
	rw.size += int64(n)
	if err == nil && rw.flusher != nil {
		rw.flusher.Flush()
	}
	return n, err
}

// Flush implements http.Flusher.
func (rw *responseWriter) Flush() {
	if rw.flusher != nil {
		rw.flusher.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Status returns the status sent to the client, or 0 if none was sent.
func (rw *responseWriter) Status() int {
	return rw.status
}
