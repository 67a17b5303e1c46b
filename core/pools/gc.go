package pools

import (
	"runtime"
	"runtime/debug"
	"time"
)

// GCConfig tunes the collector for a long-running server.
type GCConfig struct {
	// Percent is GOGC. Zero keeps the runtime setting.
	Percent int
	// MemoryLimit is the soft limit in bytes. Zero means none.
	MemoryLimit int64
}

// ApplyGC applies cfg and returns the previous GOGC value.
func ApplyGC(cfg GCConfig) int {
	prev := debug.SetGCPercent(-1)
	debug.SetGCPercent(prev)
	if cfg.Percent > 0 {
		debug.SetGCPercent(cfg.Percent)
	}
	if cfg.MemoryLimit > 0 {
		debug.SetMemoryLimit(cfg.MemoryLimit)
	}
	return prev
}

// GCStats summarizes the collector since process start.
type GCStats struct {
	NumGC      uint32
	PauseTotal time.Duration
	LastPause  time.Duration
	HeapAlloc  uint64
	Sys        uint64
}

// ReadGCStats reads the runtime memory statistics.
func ReadGCStats() GCStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	s := GCStats{
		NumGC:      ms.NumGC,
		PauseTotal: time.Duration(ms.PauseTotalNs),
		HeapAlloc:  ms.HeapAlloc,
		Sys:        ms.Sys,
	}
	if ms.NumGC > 0 {
		s.LastPause = time.Duration(ms.PauseNs[(ms.NumGC+255)%256])
	}
	return s
}
