package streamcopy

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avaproxy/internal/bufpool"
)

var errBoom = errors.New("boom")

func newTestPool(t *testing.T, chunk int, budget int64) *bufpool.Pool {
	t.Helper()
	pool, err := bufpool.New(bufpool.Config{ChunkSize: chunk, Budget: budget})
	require.NoError(t, err)
	return pool
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

// lockedBuffer is a bytes.Buffer that records write sizes.
type lockedBuffer struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	sizes   []int
	delay   time.Duration
	active  atomic.Int32
	overlap atomic.Bool
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	if b.active.Add(1) > 1 {
		b.overlap.Store(true)
	}
	defer b.active.Add(-1)

	if b.delay > 0 {
		time.Sleep(b.delay)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.sizes = append(b.sizes, len(p))
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

// failingWriter accepts okWrites writes and then fails.
type failingWriter struct {
	okWrites int
	calls    atomic.Int32
}

func (w *failingWriter) Write(p []byte) (int, error) {
	if int(w.calls.Add(1)) > w.okWrites {
		return 0, errBoom
	}
	return len(p), nil
}

// stallingReader yields first once and then blocks until closed.
type stallingReader struct {
	first     []byte
	closed    chan struct{}
	closeOnce sync.Once
	reads     atomic.Int32
}

func newStallingReader(first []byte) *stallingReader {
	return &stallingReader{first: first, closed: make(chan struct{})}
}

func (r *stallingReader) Read(p []byte) (int, error) {
	if r.reads.Add(1) == 1 {
		return copy(p, r.first), nil
	}
	<-r.closed
	return 0, io.ErrClosedPipe
}

func (r *stallingReader) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })
	return nil
}

type shortWriter struct{}

func (shortWriter) Write(p []byte) (int, error) {
	return len(p) - 1, nil
}

func TestEngine_SentinelSequence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		size     int
		expected []int
	}{
		{name: "partial last chunk", size: 10000, expected: []int{4096, 4096, 1808, 0}},
		{name: "exact multiple", size: 8192, expected: []int{4096, 4096, 0}},
		{name: "empty source", size: 0, expected: []int{0}},
		{name: "single byte", size: 1, expected: []int{1, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var (
				mu   sync.Mutex
				seen []int
			)
			pool := newTestPool(t, 4096, 64*4096)
			engine := NewEngine(pool, WithDequeueHook(func(n int) {
				mu.Lock()
				seen = append(seen, n)
				mu.Unlock()
			}))

			data := randomBytes(t, tt.size)
			var dst lockedBuffer
			res := engine.Start(context.Background(), &dst, bytes.NewReader(data)).Wait()

			require.NoError(t, res.Err)
			assert.Equal(t, int64(tt.size), res.Written)
			assert.Equal(t, len(tt.expected)-1, res.Buffers)
			assert.Equal(t, data, dst.Bytes())

			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, tt.expected, seen)
			assert.Equal(t, pool.Capacity(), pool.Free())
		})
	}
}

func TestEngine_ContentFidelity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		chunk  int
		size   int
		reader func([]byte) io.Reader
	}{
		{name: "small chunks", chunk: 16, size: 10000, reader: func(b []byte) io.Reader { return bytes.NewReader(b) }},
		{name: "one byte reads", chunk: 512, size: 5000, reader: func(b []byte) io.Reader {
			return iotest.OneByteReader(bytes.NewReader(b))
		}},
		{name: "half reads", chunk: 4096, size: 100000, reader: func(b []byte) io.Reader {
			return iotest.HalfReader(bytes.NewReader(b))
		}},
		{name: "data with eof", chunk: 1024, size: 3000, reader: func(b []byte) io.Reader {
			return iotest.DataErrReader(bytes.NewReader(b))
		}},
		{name: "large chunk", chunk: 1 << 20, size: 3 << 20, reader: func(b []byte) io.Reader { return bytes.NewReader(b) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			pool := newTestPool(t, tt.chunk, int64(tt.chunk)*8)
			engine := NewEngine(pool, WithMaxBuffersPerTransfer(4))
			data := randomBytes(t, tt.size)

			var dst lockedBuffer
			n, err := engine.Copy(context.Background(), &dst, tt.reader(data))

			require.NoError(t, err)
			assert.Equal(t, int64(tt.size), n)
			assert.Equal(t, data, dst.Bytes())
			assert.False(t, dst.overlap.Load(), "writes must not overlap")
			assert.Equal(t, pool.Capacity(), pool.Free())
		})
	}
}

func TestEngine_ConcurrentTransfersRespectLimit(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, bufpool.DefaultChunkSize, bufpool.DefaultBudget)
	require.Equal(t, 256, pool.Capacity())
	engine := NewEngine(pool, WithMaxBuffersPerTransfer(40))

	const size = 2000000
	inputs := [][]byte{randomBytes(t, size), randomBytes(t, size)}
	outputs := []*lockedBuffer{{delay: 20 * time.Microsecond}, {delay: 20 * time.Microsecond}}

	var wg sync.WaitGroup
	results := make([]Result, len(inputs))
	for i := range inputs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = engine.Start(context.Background(), outputs[i], bytes.NewReader(inputs[i])).Wait()
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		require.NoError(t, res.Err)
		assert.Equal(t, int64(size), res.Written)
		assert.LessOrEqual(t, res.PeakInFlight, 40)
		assert.GreaterOrEqual(t, res.PeakInFlight, 1)
		assert.Equal(t, inputs[i], outputs[i].Bytes())
	}
	assert.Equal(t, pool.Capacity(), pool.Free())
}

func TestEngine_WriteFailureDrainsAndIsolates(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, 1024, 32*1024)
	engine := NewEngine(pool, WithMaxBuffersPerTransfer(8))

	healthyData := randomBytes(t, 200000)
	var healthy lockedBuffer

	var wg sync.WaitGroup
	var healthyRes Result
	wg.Add(1)
	go func() {
		defer wg.Done()
		healthyRes = engine.Start(context.Background(), &healthy, bytes.NewReader(healthyData)).Wait()
	}()

	failing := &failingWriter{okWrites: 3}
	res := engine.Start(context.Background(), failing, bytes.NewReader(randomBytes(t, 500000))).Wait()
	wg.Wait()

	require.Error(t, res.Err)
	assert.True(t, IsWriteError(res.Err))
	assert.ErrorIs(t, res.Err, errBoom)
	assert.Equal(t, int64(3*1024), res.Written)
	// No write is attempted after the first failure.
	assert.Equal(t, int32(4), failing.calls.Load())

	require.NoError(t, healthyRes.Err)
	assert.Equal(t, healthyData, healthy.Bytes())
	assert.Equal(t, pool.Capacity(), pool.Free())
}

func TestEngine_WriteFailureUnblocksStalledSource(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, 1024, 16*1024)
	engine := NewEngine(pool, WithMaxBuffersPerTransfer(4))

	src := newStallingReader(randomBytes(t, 1024))
	tr := engine.Start(context.Background(), &failingWriter{}, src)

	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("transfer not complete after write failure; in flight %d", tr.InFlight())
	}

	res := tr.Wait()
	require.Error(t, res.Err)
	assert.True(t, IsWriteError(res.Err))
	assert.ErrorIs(t, res.Err, errBoom)
	assert.Zero(t, res.Written)
	assert.Zero(t, tr.InFlight())
	assert.Equal(t, pool.Capacity(), pool.Free())
}

func TestEngine_ShortWrite(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, 64, 64*4)
	engine := NewEngine(pool, WithMaxBuffersPerTransfer(2))

	_, err := engine.Copy(context.Background(), shortWriter{}, bytes.NewReader(randomBytes(t, 1000)))

	require.Error(t, err)
	assert.True(t, IsWriteError(err))
	assert.ErrorIs(t, err, io.ErrShortWrite)
	assert.Equal(t, pool.Capacity(), pool.Free())
}

func TestEngine_ReadFailure(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, 1024, 16*1024)
	engine := NewEngine(pool)

	data := randomBytes(t, 2500)
	src := io.MultiReader(bytes.NewReader(data), iotest.ErrReader(errBoom))

	var dst lockedBuffer
	n, err := engine.Copy(context.Background(), &dst, src)

	require.Error(t, err)
	assert.True(t, IsReadError(err))
	assert.ErrorIs(t, err, errBoom)
	// Data read before the failure is still delivered.
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, data, dst.Bytes())
	assert.Equal(t, pool.Capacity(), pool.Free())
}

func TestEngine_CancelledBeforeStart(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, 1024, 4*1024)
	engine := NewEngine(pool)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var dst lockedBuffer
	n, err := engine.Copy(ctx, &dst, bytes.NewReader(randomBytes(t, 4096)))

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(0), n)
	assert.Equal(t, "cancelled", outcome(err))
	assert.Equal(t, pool.Capacity(), pool.Free())
}

func TestEngine_CancelWhilePoolExhausted(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, 1024, 1024)
	held, err := pool.Get(context.Background())
	require.NoError(t, err)

	engine := NewEngine(pool)
	ctx, cancel := context.WithCancel(context.Background())

	var dst lockedBuffer
	tr := engine.Start(ctx, &dst, bytes.NewReader(randomBytes(t, 4096)))

	select {
	case <-tr.Done():
		t.Fatal("transfer finished while the pool was exhausted")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	res := tr.Wait()
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, 0, tr.InFlight())

	pool.Put(held)
	assert.Equal(t, pool.Capacity(), pool.Free())
}

func TestTransfer_DoneAndWaitAreIdempotent(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, 512, 8*512)
	engine := NewEngine(pool)

	var dst lockedBuffer
	tr := engine.Start(context.Background(), &dst, bytes.NewReader(randomBytes(t, 3000)))
	require.NotEmpty(t, tr.ID())

	select {
	case <-tr.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("transfer did not complete")
	}

	first := tr.Wait()
	second := tr.Wait()
	assert.Equal(t, first, second)
	assert.Equal(t, tr.ID(), first.ID)

	// A closed channel stays readable.
	_, open := <-tr.Done()
	assert.False(t, open)
}

func TestEngine_Options(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, 512, 4*512)

	e := NewEngine(pool)
	assert.Same(t, pool, e.Pool())
	assert.Equal(t, DefaultMaxBuffersPerTransfer, e.MaxBuffersPerTransfer())

	e = NewEngine(pool, WithMaxBuffersPerTransfer(0))
	assert.Equal(t, DefaultMaxBuffersPerTransfer, e.MaxBuffersPerTransfer())

	e = NewEngine(pool, WithMaxBuffersPerTransfer(3))
	assert.Equal(t, 3, e.MaxBuffersPerTransfer())
}
