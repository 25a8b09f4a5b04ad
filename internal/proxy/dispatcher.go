package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avaproxy/internal/backend"
	"github.com/vyrodovalexey/avaproxy/internal/observability"
	"github.com/vyrodovalexey/avaproxy/internal/streamcopy"
)

// DefaultWorkers is the default number of dispatcher workers.
const DefaultWorkers = 4

// Fetcher fetches an upstream response for an inbound request URI.
type Fetcher interface {
	Fetch(ctx context.Context, requestURI string, header http.Header) (*http.Response, error)
}

// job is one accepted request handed from the listener's handler
// goroutine to a worker. The handler goroutine blocks until done is
// closed, so the worker has exclusive use of w and r.
type job struct {
	w     *responseWriter
	r     *http.Request
	ctx   context.Context
	err   error
	abort bool
	done  chan struct{}
}

// Stats is a snapshot of dispatcher activity.
type Stats struct {
	Workers int
	Busy    int
	Served  int64
	Panics  int64
	Stopped bool
}

// Dispatcher serves proxied requests with a fixed pool of workers.
//
// Dispatcher implements http.Handler. Each inbound request becomes a
// job on an unbuffered channel, so a request is only accepted when a
// worker is free to take it; the submitting handler goroutine waits
// for the worker to finish.
type Dispatcher struct {
	fetcher    Fetcher
	strategy   streamcopy.Strategy
	workers    int
	passStatus bool
	logger     observability.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer

	jobs     chan *job
	closed   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	startOnce sync.Once
	busy      atomic.Int32
	served    atomic.Int64
	panics    atomic.Int64
}

// Option is a functional option for configuring the dispatcher.
type Option func(*Dispatcher)

// WithWorkers sets the number of workers.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithPassUpstreamStatus forwards the upstream status code instead of
// always answering 200.
func WithPassUpstreamStatus(pass bool) Option {
	return func(d *Dispatcher) {
		d.passStatus = pass
	}
}

// WithLogger sets the logger for the dispatcher.
func WithLogger(logger observability.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMetrics sets the request metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithTracer sets the tracer.
func WithTracer(t *observability.Tracer) Option {
	return func(d *Dispatcher) {
		d.tracer = t
	}
}

// NewDispatcher creates a dispatcher. Call Start before serving.
func NewDispatcher(fetcher Fetcher, strategy streamcopy.Strategy, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		fetcher:  fetcher,
		strategy: strategy,
		workers:  DefaultWorkers,
		logger:   observability.NopLogger(),
		tracer:   observability.NopTracer(),
		jobs:     make(chan *job),
		closed:   make(chan struct{}),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Start launches the workers. Calling Start more than once has no effect.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go d.worker(i)
		}
		d.logger.Info("dispatcher started",
			observability.Int("workers", d.workers),
			observability.String("mode", d.strategy.Mode().String()),
			observability.Bool("pass_upstream_status", d.passStatus),
		)
	})
}

// Stop stops accepting jobs and waits for every worker to finish its
// current job. It returns ctx.Err() if ctx ends first.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() {
		close(d.closed)
	})

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("dispatcher stopped",
			observability.Int64("served", d.served.Load()),
		)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stopped reports whether Stop has been called.
func (d *Dispatcher) Stopped() bool {
	select {
	case <-d.closed:
		return true
	default:
		return false
	}
}

// Stats returns a snapshot of dispatcher activity.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Workers: d.workers,
		Busy:    int(d.busy.Load()),
		Served:  d.served.Load(),
		Panics:  d.panics.Load(),
		Stopped: d.Stopped(),
	}
}

// ServeHTTP submits the request to a worker and waits for it to be
// served.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	mode := d.strategy.Mode().String()

	ctx := observability.ExtractHTTP(r.Context(), r)
	ctx, span := d.tracer.StartSpan(ctx, "proxy.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", r.Method),
			attribute.String("url.path", r.URL.Path),
			attribute.String("avaproxy.copy_mode", mode),
		),
	)
	defer span.End()

	if d.metrics != nil {
		d.metrics.IncrementActiveRequests()
		defer d.metrics.DecrementActiveRequests()
	}

	j := &job{
		w:    newResponseWriter(w),
		r:    r,
		ctx:  ctx,
		done: make(chan struct{}),
	}

	select {
	case d.jobs <- j:
		<-j.done
	case <-d.closed:
		j.err = ErrDispatcherStopped
		j.w.Header().Set(headerRetryAfter, "1")
		writeError(j.w, responseForError(j.err))
	case <-r.Context().Done():
		j.err = r.Context().Err()
	}

	status := j.w.Status()
	if status == 0 {
		status = StatusClientClosedRequest
	}
	span.SetAttributes(attribute.Int("http.response.status_code", status))
	if j.err != nil {
		span.RecordError(j.err)
		span.SetStatus(codes.Error, j.err.Error())
	}
	if d.metrics != nil {
		d.metrics.RecordRequest(mode, status, time.Since(start))
	}

	if j.abort {
		// The status line is already out; only a reset connection tells
		// the client the body is incomplete.
		panic(http.ErrAbortHandler)
	}
}

// worker serves jobs until the dispatcher is stopped.
func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	logger := d.logger.With(observability.Int("worker", id))
	for {
		select {
		case <-d.closed:
			return
		case j := <-d.jobs:
			d.serveJob(logger, j)
		}
	}
}

// serveJob runs one job, recovering from any panic so the worker
// keeps serving.
func (d *Dispatcher) serveJob(logger observability.Logger, j *job) {
	d.busy.Add(1)
	if d.metrics != nil {
		d.metrics.WorkerBusy()
	}

	defer func() {
		if rec := recover(); rec != nil {
			d.panics.Add(1)
			if d.metrics != nil {
				d.metrics.RecordWorkerPanic()
			}
			logger.WithContext(j.ctx).Error("panic recovered in worker",
				observability.String("uri", j.r.RequestURI),
				observability.Any("error", rec),
				observability.String("stack", string(debug.Stack())),
			)
			j.err = fmt.Errorf("%w: %v", ErrWorkerPanic, rec)
			if j.w.wroteHeader {
				j.abort = true
			} else {
				writeError(j.w, responseForError(j.err))
			}
		}

		d.busy.Add(-1)
		d.served.Add(1)
		if d.metrics != nil {
			d.metrics.WorkerIdle()
		}
		close(j.done)
	}()

	d.serve(logger.WithContext(j.ctx), j)
}

// serve fetches the upstream response and copies it to the client.
func (d *Dispatcher) serve(logger observability.Logger, j *job) {
	uri := j.r.RequestURI
	logger.Debug("requesting upstream", observability.String("uri", uri))

	resp, err := d.fetcher.Fetch(j.ctx, uri, outboundHeader(j.ctx, j.r))
	if err != nil {
		j.err = err
		if j.r.Context().Err() != nil {
			// Client is gone; nothing to answer.
			return
		}
		if d.metrics != nil {
			d.metrics.RecordBackendError(backend.Reason(err))
		}
		writeError(j.w, responseForError(err))
		return
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	backend.CopyHeaders(j.w.Header(), resp.Header)
	status := http.StatusOK
	if d.passStatus {
		status = resp.StatusCode
	}
	j.w.WriteHeader(status)

	ctx, span := d.tracer.StartSpan(j.ctx, "proxy.copy",
		trace.WithAttributes(attribute.String("avaproxy.copy_mode", d.strategy.Mode().String())),
	)
	written, err := d.strategy.Copy(ctx, j.w, resp.Body)
	span.SetAttributes(attribute.Int64("avaproxy.bytes_written", written))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	if err != nil {
		j.err = newCopyError(uri, err)
		j.abort = true
		if streamcopy.IsWriteError(err) || errors.Is(err, context.Canceled) {
			logger.Debug("client stopped receiving",
				observability.String("uri", uri),
				observability.Int64("written", written),
				observability.Error(err),
			)
			return
		}
		logger.Warn("response copy failed",
			observability.String("uri", uri),
			observability.Int64("written", written),
			observability.Error(err),
		)
		return
	}

	logger.Debug("response served",
		observability.String("uri", uri),
		observability.Int("upstream_status", resp.StatusCode),
		observability.Int64("written", written),
	)
}

// outboundHeader builds the upstream request headers from the inbound
// request.
func outboundHeader(ctx context.Context, r *http.Request) http.Header {
	h := r.Header.Clone()
	if h == nil {
		h = http.Header{}
	}

	if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := h.Get(headerXForwardedFor); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		h.Set(headerXForwardedFor, clientIP)
	}
	if r.TLS != nil {
		h.Set(headerXForwardedProto, "https")
	} else {
		h.Set(headerXForwardedProto, "http")
	}
	h.Set(headerXForwardedHost, r.Host)

	if id := observability.RequestIDFromContext(ctx); id != "" {
		h.Set(headerRequestID, id)
	}
	return h
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, resp errorResponse) {
	w.Header().Set(headerContentType, contentTypeJSON)
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.body)))
	w.WriteHeader(resp.status)
	_, _ = io.WriteString(w, resp.body)
}
