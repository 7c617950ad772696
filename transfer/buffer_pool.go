package transfer

import "sync"

// BufferPool provides a pool of reusable buffers to reduce memory allocations.
type BufferPool struct {
	pool sync.Pool
	size int
}

// NewBufferPool creates a new buffer pool with the specified buffer size.
func NewBufferPool(bufferSize int) *BufferPool {
	return &BufferPool{
		size: bufferSize,
		pool: sync.Pool{
			New: func() interface{} {
				return make([]byte, bufferSize)
			},
		},
	}
}

// Get retrieves a buffer from the pool.
func (bp *BufferPool) Get() []byte {
	return bp.pool.Get().([]byte)
}

// Put returns a buffer to the pool for reuse.
func (bp *BufferPool) Put(buffer []byte) {
	if cap(buffer) == bp.size {
		bp.pool.Put(buffer[:bp.size])
	}
}

// Global buffer pools for different use cases.
var (
	// DiscoveryBufferPool is used for rendezvous/discovery messages.
	DiscoveryBufferPool = NewBufferPool(1024)

	// chunkBufferPools holds one pool per adaptive chunk-size tier so that
	// resizing the chunk size doesn't thrash a single fixed-size pool.
	chunkBufferPools = map[int]*BufferPool{
		ChunkSizeMin:     NewBufferPool(ChunkSizeMin),
		ChunkSizeNominal: NewBufferPool(ChunkSizeNominal),
		ChunkSizeFiber:   NewBufferPool(ChunkSizeFiber),
		ChunkSizeLAN:     NewBufferPool(ChunkSizeLAN),
	}
	chunkBufferPoolsMu sync.Mutex
)

// ChunkBufferPoolFor returns (creating if necessary) the buffer pool for the
// given chunk size tier.
func ChunkBufferPoolFor(size int) *BufferPool {
	chunkBufferPoolsMu.Lock()
	defer chunkBufferPoolsMu.Unlock()
	if p, ok := chunkBufferPools[size]; ok {
		return p
	}
	p := NewBufferPool(size)
	chunkBufferPools[size] = p
	return p
}
