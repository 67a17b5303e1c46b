package pools

import (
	"runtime"
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyGC(t *testing.T) {
	prev := ApplyGC(GCConfig{Percent: 250})
	t.Cleanup(func() { debug.SetGCPercent(prev) })

	assert.Equal(t, 250, debug.SetGCPercent(250))

	// Zero keeps the current value.
	assert.Equal(t, 250, ApplyGC(GCConfig{}))
	assert.Equal(t, 250, debug.SetGCPercent(250))
}

func TestReadGCStats(t *testing.T) {
	runtime.GC()
	s := ReadGCStats()
	assert.NotZero(t, s.NumGC)
	assert.NotZero(t, s.Sys)
}
