// Package observability provides logging, metrics, and tracing
// functionality for the proxy.
//
// # Logging
//
// The Logger interface provides structured logging backed by zap:
//
//	logger, err := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	logger.Info("request proxied",
//	    observability.String("mode", "pipelined"),
//	    observability.Int64("bytes", 10000),
//	)
//
// # Metrics
//
// Prometheus metrics for inbound requests, dispatcher workers and the
// backend client live in a private registry exposed via Handler:
//
//	metrics := observability.NewMetrics("avaproxy")
//	handler := metrics.Handler()
//
// # Tracing
//
// OpenTelemetry tracing with optional OTLP/gRPC export. When tracing is
// disabled a no-op tracer is returned so call sites need no checks.
package observability
