package tunnel

import (
	"sync"
)

const (
	// BufferPoolSize is the size of each relay read buffer (32KB)
	BufferPoolSize = 32 * 1024
)

// bufferPool is a pool of reusable byte slices for relay reads
var bufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, BufferPoolSize)
		return &buf
	},
}

// getBuffer retrieves a buffer from the pool
func getBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

// putBuffer returns a buffer to the pool for reuse
func putBuffer(buf *[]byte) {
	bufferPool.Put(buf)
}

// chunk is one read handed from a reader goroutine to the relay loop. The
// buffer belongs to the pool and must be returned with release.
type chunk struct {
	buf *[]byte
	n   int
}

func (c chunk) bytes() []byte {
	return (*c.buf)[:c.n]
}

func (c chunk) release() {
	putBuffer(c.buf)
}
