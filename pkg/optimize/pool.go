// Package optimize holds allocation helpers for the packet paths.
package optimize

import (
	"sync"
)

// BytePool hands out fixed-size packet buffers. Buffers are stored as
// pointers so Put does not allocate.
type BytePool struct {
	pool sync.Pool
	size int
}

// NewBytePool creates a pool of size-byte buffers, usually one MTU.
func NewBytePool(size int) *BytePool {
	return &BytePool{
		size: size,
		pool: sync.Pool{
			New: func() interface{} {
				b := make([]byte, size)
				return &b
			},
		},
	}
}

// Get returns a buffer of exactly Size bytes. Its contents are undefined.
func (p *BytePool) Get() []byte {
	return *(p.pool.Get().(*[]byte))
}

// Put returns b to the pool. Buffers smaller than Size are dropped, longer
// ones are truncated.
func (p *BytePool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	b = b[:p.size]
	p.pool.Put(&b)
}

// Size is the length of every buffer handed out.
func (p *BytePool) Size() int { return p.size }
