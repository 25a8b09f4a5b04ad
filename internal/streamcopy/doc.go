// Package streamcopy copies response bodies from an upstream stream to
// a client stream using one of several strategies.
//
// The pipelined Engine runs two goroutines per Transfer. The reader
// stage fills pooled buffers from the source and queues them; the
// writer stage drains the queue in FIFO order and performs exactly one
// write at a time on the destination. Every queued buffer holds one of
// the transfer's throttle permits, so a single large transfer can never
// hold more than its limit of the shared pool.
//
// A zero-length buffer (the sentinel) marks end of source. The
// transfer's Done channel is closed once the writer stage has consumed
// the sentinel, which only happens after every earlier buffer has been
// written (or, after a write failure, returned to the pool unwritten).
//
// # Usage
//
//	engine := streamcopy.NewEngine(pool, streamcopy.WithMaxBuffersPerTransfer(40))
//	n, err := engine.Copy(ctx, w, resp.Body)
//
// Strategies select between the plain io.Copy path, a chunked copy with
// a fixed buffer size, and the Engine:
//
//	strategy, err := streamcopy.NewStrategy(streamcopy.ModePipelined, engine)
package streamcopy
