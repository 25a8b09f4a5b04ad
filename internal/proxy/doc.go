// Package proxy serves inbound HTTP requests by streaming the response
// of a single upstream service back to the client.
//
// The Dispatcher is an http.Handler backed by a fixed pool of workers.
// The listener's handler goroutine hands each request to a worker over
// an unbuffered channel and waits for it, so at most N requests are
// served at once and further connections queue in the listener.
//
// For each request a worker:
//
//   - fetches GET <backend base URL><request URI> through the backend client
//   - copies the upstream headers, minus hop-by-hop headers
//   - sends 200 (or the upstream status when configured)
//   - copies the body with the configured streamcopy.Strategy
//
// A fetch failure is answered with a JSON error: 502 when the upstream
// is unreachable, 503 when the circuit breaker is open and 504 on
// timeouts. A copy failure after the status line aborts the response so
// the client never mistakes a truncated body for a complete one.
//
// # Usage
//
//	d := proxy.NewDispatcher(client, strategy,
//	    proxy.WithWorkers(4),
//	    proxy.WithLogger(logger),
//	)
//	d.Start()
//	defer d.Stop(ctx)
//	http.Handle("/", d)
package proxy
