package streamcopy

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vyrodovalexey/avaproxy/internal/bufpool"
	"github.com/vyrodovalexey/avaproxy/internal/metrics/streaming"
	"github.com/vyrodovalexey/avaproxy/internal/observability"
	"github.com/vyrodovalexey/avaproxy/internal/throttle"
)

// DefaultMaxBuffersPerTransfer is the default per-transfer throttle limit.
const DefaultMaxBuffersPerTransfer = throttle.DefaultLimit

// Engine runs pipelined transfers over a shared buffer pool.
type Engine struct {
	pool       *bufpool.Pool
	maxBuffers int
	logger     observability.Logger
	metrics    *streaming.CopyMetrics
	onDequeue  func(n int)
}

// EngineOption is a functional option for configuring the engine.
type EngineOption func(*Engine)

// WithMaxBuffersPerTransfer sets how many pool buffers a single
// transfer may hold at once.
func WithMaxBuffersPerTransfer(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxBuffers = n
		}
	}
}

// WithEngineLogger sets the logger for the engine.
func WithEngineLogger(logger observability.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithDequeueHook registers a function called by the writer stage with
// the length of every queue entry it pops, including the sentinel (0).
func WithDequeueHook(fn func(n int)) EngineOption {
	return func(e *Engine) {
		e.onDequeue = fn
	}
}

// NewEngine creates a pipelined copy engine drawing from pool.
func NewEngine(pool *bufpool.Pool, opts ...EngineOption) *Engine {
	e := &Engine{
		pool:       pool,
		maxBuffers: DefaultMaxBuffersPerTransfer,
		logger:     observability.NopLogger(),
		metrics:    streaming.GetCopyMetrics(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Pool returns the engine's buffer pool.
func (e *Engine) Pool() *bufpool.Pool {
	return e.pool
}

// MaxBuffersPerTransfer returns the per-transfer throttle limit.
func (e *Engine) MaxBuffersPerTransfer() int {
	return e.maxBuffers
}

// Copy copies src to dst and waits for completion.
func (e *Engine) Copy(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	res := e.Start(ctx, dst, src).Wait()
	return res.Written, res.Err
}

// Start launches the reader and writer stages of a new transfer and
// returns without waiting. If src implements io.Closer it is closed when
// a destination write fails, so a read blocked on a stalled source
// returns and the transfer completes.
func (e *Engine) Start(ctx context.Context, dst io.Writer, src io.Reader) *Transfer {
	stageCtx, cancel := context.WithCancel(ctx)

	t := &Transfer{
		id:       uuid.NewString(),
		engine:   e,
		dst:      dst,
		src:      src,
		throttle: throttle.New(e.maxBuffers),
		// Every data entry holds a permit, plus one slot for the sentinel.
		queue:  make(chan *bufpool.Buffer, e.maxBuffers+1),
		ctx:    stageCtx,
		cancel: cancel,
		done:   make(chan struct{}),
		start:  time.Now(),
	}

	t.group = &errgroup.Group{}
	t.group.Go(t.readLoop)
	t.group.Go(t.writeLoop)

	return t
}
