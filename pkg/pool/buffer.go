// Package pool holds reusable byte buffers for file copies.
//
// sync.Pool caches allocated but unused objects for later reuse, relieving
// pressure on the garbage collector. Items in a pool are dropped during
// garbage collection, so it suits short-lived objects like copy buffers.
package pool

import "sync"

// FixedBufferPool hands out byte slices of a single size.
type FixedBufferPool struct {
	size int64
	pool sync.Pool
}

// NewFixedBuffer creates a pool of buffers of exactly size bytes.
func NewFixedBuffer(size int64) *FixedBufferPool {
	return &FixedBufferPool{
		size: size,
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, int(size))
				return &b
			},
		},
	}
}

func (fp *FixedBufferPool) Get() *[]byte {
	return fp.pool.Get().(*[]byte)
}

func (fp *FixedBufferPool) Put(b *[]byte) {
	// Only put it back if it's the right size.
	if b == nil || int64(cap(*b)) != fp.size {
		return
	}
	*b = (*b)[:fp.size]
	fp.pool.Put(b)
}
