// Package bufpool provides the process-wide store of fixed-size byte
// buffers shared by every concurrent response-body transfer.
//
// The pool is sized once from a byte budget and a chunk size
// (capacity = budget / chunk size) and never grows. Acquiring a buffer
// blocks while the pool is empty; releasing a buffer never blocks. The
// pool is intentionally shared across transfers so that total copy
// memory stays bounded: when one transfer holds many buffers, others
// wait for them to be returned.
//
// # Usage
//
//	pool, err := bufpool.New(bufpool.Config{ChunkSize: 4096, Budget: 1 << 20})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	buf, err := pool.Get(ctx)
//	if err != nil {
//	    return err
//	}
//	defer pool.Put(buf)
package bufpool
