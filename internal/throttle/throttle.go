// Package throttle provides the per-transfer limiter that bounds how
// many pooled buffers a single response-body copy may hold at once.
package throttle

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultLimit is the default number of buffers a transfer may hold.
const DefaultLimit = 40

// Throttle is a counting gate with a fixed number of permits.
//
// A Throttle belongs to exactly one transfer and is discarded with it.
type Throttle struct {
	sem      *semaphore.Weighted
	limit    int64
	inFlight atomic.Int64
	peak     atomic.Int64
}

// New creates a throttle with limit permits. Non-positive limits fall
// back to DefaultLimit.
func New(limit int) *Throttle {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Throttle{
		sem:   semaphore.NewWeighted(int64(limit)),
		limit: int64(limit),
	}
}

// Acquire blocks until a permit is available or ctx is done.
func (t *Throttle) Acquire(ctx context.Context) error {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	n := t.inFlight.Add(1)
	for {
		peak := t.peak.Load()
		if n <= peak || t.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	return nil
}

// Release returns one permit.
func (t *Throttle) Release() {
	t.inFlight.Add(-1)
	t.sem.Release(1)
}

// InFlight returns the number of permits currently held.
func (t *Throttle) InFlight() int {
	return int(t.inFlight.Load())
}

// Peak returns the highest number of permits held at once.
func (t *Throttle) Peak() int {
	return int(t.peak.Load())
}

// Limit returns the configured number of permits.
func (t *Throttle) Limit() int {
	return int(t.limit)
}
