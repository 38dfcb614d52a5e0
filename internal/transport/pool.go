package transport

import "sync"

// BufferSize fits the largest mDNS packet plus headroom.
const BufferSize = 9000

var bufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, BufferSize)
		return &b
	},
}

// GetBuffer returns a receive buffer from the pool.
func GetBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

// PutBuffer returns b to the pool. Buffers of the wrong size are dropped.
func PutBuffer(b *[]byte) {
	if b == nil || len(*b) != BufferSize {
		return
	}
	bufferPool.Put(b)
}
