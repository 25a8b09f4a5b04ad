package streamcopy

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vyrodovalexey/avaproxy/internal/bufpool"
	"github.com/vyrodovalexey/avaproxy/internal/observability"
	"github.com/vyrodovalexey/avaproxy/internal/throttle"
)

// Result is the outcome of a transfer.
type Result struct {
	ID           string
	Written      int64
	Buffers      int
	PeakInFlight int
	Duration     time.Duration
	Err          error
}

// Transfer is one pipelined response-body copy.
//
// The queue carries filled buffers from the reader stage to the writer
// stage. A nil entry or a zero-length buffer is the end-of-source
// sentinel; nil is used only when the reader stopped before it could
// obtain a buffer.
type Transfer struct {
	id       string
	engine   *Engine
	dst      io.Writer
	src      io.Reader
	throttle *throttle.Throttle
	queue    chan *bufpool.Buffer
	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	done     chan struct{}
	start    time.Time

	// Owned by the reader stage until the sentinel is queued.
	readErr error

	// Owned by the writer stage until done is closed.
	written  int64
	buffers  int
	writeErr error

	once   sync.Once
	result Result
}

// ID returns the transfer ID.
func (t *Transfer) ID() string {
	return t.id
}

// Done is closed when the writer stage has consumed the sentinel.
func (t *Transfer) Done() <-chan struct{} {
	return t.done
}

// InFlight returns the number of buffers the transfer currently holds.
func (t *Transfer) InFlight() int {
	return t.throttle.InFlight()
}

// Wait blocks until the transfer completes and returns its result.
// Wait may be called any number of times.
func (t *Transfer) Wait() Result {
	<-t.done
	t.once.Do(t.finish)
	return t.result
}

func (t *Transfer) finish() {
	// The reader queued the sentinel as its last act, so this returns
	// as soon as that goroutine unwinds.
	_ = t.group.Wait()
	t.cancel()

	t.result = Result{
		ID:           t.id,
		Written:      t.written,
		Buffers:      t.buffers,
		PeakInFlight: t.throttle.Peak(),
		Duration:     time.Since(t.start),
		Err:          t.err(),
	}

	m := t.engine.metrics
	m.PeakInFlight.Observe(float64(t.result.PeakInFlight))
	m.BuffersTotal.Add(float64(t.buffers))

	logger := t.engine.logger.WithContext(observability.ContextWithTransferID(t.ctx, t.id))
	if t.result.Err != nil {
		logger.Debug("transfer failed",
			observability.Int64("written", t.written),
			observability.Int("buffers", t.buffers),
			observability.Error(t.result.Err),
		)
		return
	}
	logger.Debug("transfer completed",
		observability.Int64("written", t.written),
		observability.Int("buffers", t.buffers),
		observability.Int("peak_in_flight", t.result.PeakInFlight),
		observability.Duration("duration", t.result.Duration),
	)
}

// err picks the error to report: write failures first, then read
// failures (including cancellation of the reader).
func (t *Transfer) err() error {
	switch {
	case t.writeErr != nil:
		return &TransferError{Op: OpWrite, ID: t.id, Written: t.written, Cause: t.writeErr}
	case t.readErr != nil && isContextErr(t.readErr):
		return &TransferError{Op: OpAcquire, ID: t.id, Written: t.written, Cause: t.readErr}
	case t.readErr != nil:
		return &TransferError{Op: OpRead, ID: t.id, Written: t.written, Cause: t.readErr}
	default:
		return nil
	}
}

// readLoop is the reader stage.
func (t *Transfer) readLoop() error {
	pool := t.engine.pool
	eof := false

	for {
		if err := t.ctx.Err(); err != nil {
			t.stopReading(err, nil)
			return nil
		}

		waitStart := time.Now()
		if err := t.throttle.Acquire(t.ctx); err != nil {
			t.stopReading(err, nil)
			return nil
		}
		t.engine.metrics.ThrottleWaitSecs.Observe(time.Since(waitStart).Seconds())

		buf, err := pool.Get(t.ctx)
		if err != nil {
			t.throttle.Release()
			t.stopReading(err, nil)
			return nil
		}

		if eof {
			// Zero-length buffer: the sentinel.
			t.queue <- buf
			return nil
		}

		_, rerr := buf.Fill(t.src)
		if buf.Len() == 0 {
			t.stopReading(rerr, buf)
			return nil
		}

		t.queue <- buf

		if rerr != nil {
			if !errors.Is(rerr, io.EOF) {
				// Do not read again from a failed source.
				t.stopReading(rerr, nil)
				return nil
			}
			eof = true
		}
	}
}

// stopReading records why the reader stopped and queues the sentinel.
// buf, if non-nil, is an empty buffer holding a permit that becomes the
// sentinel.
func (t *Transfer) stopReading(err error, buf *bufpool.Buffer) {
	if err != nil && !errors.Is(err, io.EOF) {
		t.readErr = err
	}
	t.queue <- buf
}

// writeLoop is the writer stage. It issues one write at a time.
func (t *Transfer) writeLoop() error {
	defer close(t.done)

	for {
		buf := <-t.queue

		n := 0
		if buf != nil {
			n = buf.Len()
		}
		if t.engine.onDequeue != nil {
			t.engine.onDequeue(n)
		}

		if n == 0 {
			t.release(buf)
			return nil
		}

		if t.writeErr != nil {
			// Failed transfer: drain without writing until the sentinel.
			t.release(buf)
			continue
		}

		written, err := t.dst.Write(buf.Bytes())
		t.written += int64(written)
		if err == nil && written < n {
			err = io.ErrShortWrite
		}
		t.release(buf)
		t.buffers++

		if err != nil {
			t.writeErr = err
			t.cancel()
			t.closeSource()
		}
	}
}

// closeSource unblocks a reader stage parked in a read of a source that
// can be closed. Sources without Close are left to the context.
func (t *Transfer) closeSource() {
	if c, ok := t.src.(io.Closer); ok {
		_ = c.Close()
	}
}

// release returns a dequeued buffer and its permit. A nil sentinel
// holds neither.
func (t *Transfer) release(buf *bufpool.Buffer) {
	if buf == nil {
		return
	}
	t.engine.pool.Put(buf)
	t.throttle.Release()
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
