// Package backend fetches response bodies from the single upstream
// service the proxy forwards to.
//
// A Client issues GET requests against a fixed base URL, appending the
// inbound request URI verbatim. Fetches go through an optional
// circuit breaker and an optional retry policy. Only failures that
// happen before a response is received are retried; once a response
// arrives it is returned as-is and its body belongs to the caller.
//
// # Errors
//
// Every failure is a *BackendError whose kind is one of
// ErrUpstreamUnavailable, ErrUpstreamTimeout, ErrCircuitOpen or
// ErrInvalidURL:
//
//	resp, err := client.Fetch(ctx, r.RequestURI, r.Header)
//	if errors.Is(err, backend.ErrCircuitOpen) {
//	    // answer 503
//	}
package backend
