// Package pools recycles the byte buffers the engine hands to connections.
package pools

import "sync"

// BytePool is a multi-tiered byte slice pool for different size classes
type BytePool struct {
	pools []*sync.Pool
	sizes []int

	gets   uint64
	puts   uint64
	misses uint64
}

// Tiers sized for request heads, typical bodies and large uploads.
var defaultSizes = []int{
	1024,
	4096,
	16384,
	65536,
}

// NewBytePool creates a new byte pool with standard size tiers
func NewBytePool() *BytePool {
	return NewBytePoolWithSizes(defaultSizes)
}

// NewBytePoolWithSizes creates a byte pool with custom size tiers. Sizes
// must be ascending.
func NewBytePoolWithSizes(sizes []int) *BytePool {
	bp := &BytePool{
		pools: make([]*sync.Pool, len(sizes)),
		sizes: sizes,
	}

	for i, size := range sizes {
		sz := size
		bp.pools[i] = &sync.Pool{
			New: func() any {
				buf := make([]byte, sz)
				return &buf
			},
		}
	}

	return bp
}

// Get returns a byte slice of length size. Its capacity is the tier size.
func (bp *BytePool) Get(size int) []byte {
	bp.gets++
	for i, poolSize := range bp.sizes {
		if size <= poolSize {
			buf := *bp.pools[i].Get().(*[]byte)
			return buf[:size]
		}
	}

	bp.misses++
	return make([]byte, size)
}

// Put returns a slice obtained from Get. Slices whose capacity matches no
// tier (resliced from the front, or grown by append) are left to the GC.
func (bp *BytePool) Put(buf []byte) {
	capacity := cap(buf)
	for i, poolSize := range bp.sizes {
		if capacity == poolSize {
			buf = buf[:capacity]
			bp.pools[i].Put(&buf)
			bp.puts++
			return
		}
	}
}

// BytePoolStats reports pool usage counters.
type BytePoolStats struct {
	Gets   uint64
	Puts   uint64
	Misses uint64
}

// Stats returns the pool counters. The pool is meant for a single owner
// goroutine; counters are not synchronized.
func (bp *BytePool) Stats() BytePoolStats {
	return BytePoolStats{Gets: bp.gets, Puts: bp.puts, Misses: bp.misses}
}
