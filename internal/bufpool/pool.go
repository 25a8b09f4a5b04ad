package bufpool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vyrodovalexey/avaproxy/internal/metrics/streaming"
)

// Default pool sizing.
const (
	// DefaultChunkSize is the default size of a single buffer in bytes.
	DefaultChunkSize = 4 * 1024

	// DefaultBudget is the default total number of bytes owned by the pool.
	DefaultBudget = 1024 * 1024
)

// Sentinel errors for pool configuration.
var (
	// ErrInvalidChunkSize indicates a non-positive chunk size.
	ErrInvalidChunkSize = errors.New("chunk size must be positive")

	// ErrBudgetTooSmall indicates the budget cannot hold a single buffer.
	ErrBudgetTooSmall = errors.New("pool budget smaller than one chunk")
)

// Config holds the immutable pool sizing.
type Config struct {
	// ChunkSize is the size of every buffer in bytes.
	ChunkSize int

	// Budget is the total number of bytes the pool may own.
	Budget int64
}

// DefaultConfig returns a Config with default values (256 x 4KiB).
func DefaultConfig() Config {
	return Config{
		ChunkSize: DefaultChunkSize,
		Budget:    DefaultBudget,
	}
}

// Capacity returns the number of buffers a pool with this config owns.
func (c Config) Capacity() int {
	if c.ChunkSize <= 0 {
		return 0
	}
	return int(c.Budget / int64(c.ChunkSize))
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidChunkSize, c.ChunkSize)
	}
	if c.Budget < int64(c.ChunkSize) {
		return fmt.Errorf("%w: budget=%d chunk=%d", ErrBudgetTooSmall, c.Budget, c.ChunkSize)
	}
	return nil
}

// Pool is a fixed-capacity free list of Buffers.
//
// A Pool is safe for concurrent use. Its sizing cannot change after New.
type Pool struct {
	config  Config
	free    chan *Buffer
	metrics *streaming.PoolMetrics
}

// New allocates every buffer of the pool up front.
func New(cfg Config) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	capacity := cfg.Capacity()
	p := &Pool{
		config:  cfg,
		free:    make(chan *Buffer, capacity),
		metrics: streaming.GetPoolMetrics(),
	}

	for i := 0; i < capacity; i++ {
		b := &Buffer{
			data: make([]byte, cfg.ChunkSize),
			pool: p,
		}
		b.inPool.Store(true)
		p.free <- b
	}

	p.metrics.BuffersCapacity.Set(float64(capacity))
	p.metrics.BuffersFree.Set(float64(capacity))

	return p, nil
}

// Config returns the pool sizing.
func (p *Pool) Config() Config {
	return p.config
}

// Capacity returns the total number of buffers owned by the pool.
func (p *Pool) Capacity() int {
	return cap(p.free)
}

// ChunkSize returns the size of every buffer in bytes.
func (p *Pool) ChunkSize() int {
	return p.config.ChunkSize
}

// Free returns the number of buffers currently in the free list.
func (p *Pool) Free() int {
	return len(p.free)
}

// InUse returns the number of buffers currently owned by callers.
func (p *Pool) InUse() int {
	return cap(p.free) - len(p.free)
}

// Get removes a buffer from the free list, blocking until one is
// available. The returned buffer's contents are undefined and its
// length is zero. Get only fails when ctx ends before a buffer frees up.
func (p *Pool) Get(ctx context.Context) (*Buffer, error) {
	select {
	case b := <-p.free:
		b.inPool.Store(false)
		p.metrics.AcquireWaitSeconds.Observe(0)
		p.metrics.BuffersFree.Set(float64(len(p.free)))
		return b, nil
	default:
	}

	start := time.Now()
	select {
	case b := <-p.free:
		b.inPool.Store(false)
		p.metrics.AcquireWaitSeconds.Observe(time.Since(start).Seconds())
		p.metrics.BuffersFree.Set(float64(len(p.free)))
		return b, nil
	case <-ctx.Done():
		p.metrics.AcquireCancelled.Inc()
		return nil, ctx.Err()
	}
}

// Put returns a buffer to the free list. Put never blocks: nil buffers,
// buffers owned by another pool and buffers already on the free list
// are ignored.
func (p *Pool) Put(b *Buffer) {
	if b == nil || b.pool != p {
		return
	}
	if !b.inPool.CompareAndSwap(false, true) {
		return
	}
	b.n = 0

	// Only buffers handed out by Get get here, so there is always room.
	p.free <- b
	p.metrics.BuffersFree.Set(float64(len(p.free)))
}
