package pools

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBytePoolTiers(t *testing.T) {
	bp := NewBytePoolWithSizes([]int{16, 64})

	small := bp.Get(10)
	assert.Len(t, small, 10)
	assert.Equal(t, 16, cap(small))

	large := bp.Get(40)
	assert.Len(t, large, 40)
	assert.Equal(t, 64, cap(large))

	huge := bp.Get(100)
	assert.Len(t, huge, 100)

	bp.Put(small)
	bp.Put(large)
	bp.Put(huge)
	bp.Put(small[4:])

	stats := bp.Stats()
	assert.Equal(t, uint64(3), stats.Gets)
	assert.Equal(t, uint64(2), stats.Puts)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestBytePoolDefaultSizes(t *testing.T) {
	bp := NewBytePool()
	buf := bp.Get(4096)
	assert.Equal(t, 4096, cap(buf))
	bp.Put(buf[:0])
	assert.Equal(t, uint64(1), bp.Stats().Puts)
}
