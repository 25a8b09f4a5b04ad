package bufpool

import (
	"io"
	"sync/atomic"
)

// Buffer is a fixed-size block of bytes with a filled-length marker.
//
// A Buffer has exactly one owner at a time: the pool, or the caller
// that obtained it from Get. A zero-length Buffer is used as the
// end-of-source sentinel by the copy engine.
type Buffer struct {
	data []byte
	n    int
	pool *Pool

	// inPool is true while the buffer sits on its pool's free list.
	inPool atomic.Bool
}

// Bytes returns the filled portion of the buffer.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.n]
}

// Len returns the number of filled bytes.
func (b *Buffer) Len() int {
	return b.n
}

// Cap returns the buffer capacity (the pool chunk size).
func (b *Buffer) Cap() int {
	return len(b.data)
}

// IsSentinel reports whether the buffer carries no data.
func (b *Buffer) IsSentinel() bool {
	return b.n == 0
}

// Reset marks the buffer empty without touching its contents.
func (b *Buffer) Reset() {
	b.n = 0
}

// Fill reads from r until the buffer is full or r reports end of data.
// It returns the number of bytes read by this call. The returned error
// is io.EOF when the source is exhausted (even if some bytes were read)
// and any other read error as-is.
func (b *Buffer) Fill(r io.Reader) (int, error) {
	start := b.n
	empty := 0
	for b.n < len(b.data) {
		n, err := r.Read(b.data[b.n:])
		b.n += n
		if err != nil {
			return b.n - start, err
		}
		if n > 0 {
			empty = 0
			continue
		}
		empty++
		if empty >= maxEmptyReads {
			return b.n - start, io.ErrNoProgress
		}
	}
	return b.n - start, nil
}

// maxEmptyReads bounds consecutive (0, nil) reads, matching bufio.
const maxEmptyReads = 100

// Full returns the whole backing array regardless of the fill marker.
// It is meant for callers that use the buffer as scratch space.
func (b *Buffer) Full() []byte {
	return b.data
}
