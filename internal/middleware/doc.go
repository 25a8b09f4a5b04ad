// Package middleware provides the HTTP middleware that wraps the proxy
// dispatcher.
//
// # Middleware Components
//
//   - RequestID: reuses or generates an X-Request-ID per request
//   - AccessLog: one structured log line per request
//   - Recovery: converts handler panics into a 500 response
//   - RateLimit: token bucket rate limiting, global or per client
//   - ClientIPExtractor: trusted proxy aware client IP extraction
//
// # Usage
//
// Chain applies middleware so the first argument is the outermost:
//
//	handler := middleware.Chain(dispatcher,
//	    middleware.RequestID(),
//	    middleware.AccessLog(logger, extractor),
//	    middleware.Recovery(logger, nil),
//	)
package middleware
