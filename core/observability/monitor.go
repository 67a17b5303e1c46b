// Package observability keeps per-route request statistics.
package observability

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Monitor aggregates completed requests by route. Recording happens on the
// reactor goroutine; snapshots may be taken from any goroutine.
type Monitor struct {
	enabled atomic.Bool
	routes  sync.Map
	global  struct {
		totalRequests atomic.Uint64
		totalDuration atomic.Uint64
		totalBytes    atomic.Uint64
	}
}

// RouteMetrics stores the counters of one route.
type RouteMetrics struct {
	Name           string
	Count          atomic.Uint64
	ClientErrors   atomic.Uint64
	Errors         atomic.Uint64
	Bytes          atomic.Uint64
	TotalDuration  atomic.Uint64
	MinDuration    atomic.Uint64
	MaxDuration    atomic.Uint64
	latencyBuckets [len(bucketBounds) + 1]atomic.Uint64
}

// RouteStats is a point-in-time copy of RouteMetrics.
type RouteStats struct {
	Name         string
	Count        uint64
	ClientErrors uint64
	Errors       uint64
	Bytes        uint64
	Avg          time.Duration
	Min          time.Duration
	Max          time.Duration
	Buckets      []uint64
}

// Hotspot is a route whose latency or error rate stands out.
type Hotspot struct {
	Type     string
	Route    string
	Severity int
	Details  string
}

// bucketBounds are the upper bounds of the latency histogram.
var bucketBounds = [...]time.Duration{
	time.Millisecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
	5 * time.Second,
	10 * time.Second,
}

// NewMonitor creates an enabled monitor.
func NewMonitor() *Monitor {
	m := &Monitor{}
	m.enabled.Store(true)
	return m
}

// SetEnabled turns recording on or off.
func (m *Monitor) SetEnabled(on bool) { m.enabled.Store(on) }

// Record adds one answered request.
func (m *Monitor) Record(route string, status, size int, duration time.Duration) {
	if !m.enabled.Load() {
		return
	}
	val, _ := m.routes.LoadOrStore(route, &RouteMetrics{Name: route})
	metrics := val.(*RouteMetrics)

	metrics.Count.Add(1)
	switch {
	case status >= 500:
		metrics.Errors.Add(1)
	case status >= 400:
		metrics.ClientErrors.Add(1)
	}
	metrics.Bytes.Add(uint64(size))

	ns := uint64(duration.Nanoseconds())
	metrics.TotalDuration.Add(ns)
	updateMinMax(metrics, ns)
	metrics.latencyBuckets[bucket(duration)].Add(1)

	m.global.totalRequests.Add(1)
	m.global.totalDuration.Add(ns)
	m.global.totalBytes.Add(uint64(size))
}

func updateMinMax(m *RouteMetrics, d uint64) {
	for {
		min := m.MinDuration.Load()
		if min != 0 && d >= min || m.MinDuration.CompareAndSwap(min, d) {
			break
		}
	}
	for {
		max := m.MaxDuration.Load()
		if d <= max || m.MaxDuration.CompareAndSwap(max, d) {
			break
		}
	}
}

func bucket(d time.Duration) int {
	for i, bound := range bucketBounds {
		if d < bound {
			return i
		}
	}
	return len(bucketBounds)
}

// Total returns the number of requests recorded.
func (m *Monitor) Total() uint64 { return m.global.totalRequests.Load() }

// Route returns a snapshot of one route.
func (m *Monitor) Route(name string) (RouteStats, bool) {
	val, ok := m.routes.Load(name)
	if !ok {
		return RouteStats{}, false
	}
	return snapshot(val.(*RouteMetrics)), true
}

// Snapshot returns every route ordered by name.
func (m *Monitor) Snapshot() []RouteStats {
	var out []RouteStats
	m.routes.Range(func(_, value any) bool {
		out = append(out, snapshot(value.(*RouteMetrics)))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func snapshot(m *RouteMetrics) RouteStats {
	s := RouteStats{
		Name:         m.Name,
		Count:        m.Count.Load(),
		ClientErrors: m.ClientErrors.Load(),
		Errors:       m.Errors.Load(),
		Bytes:        m.Bytes.Load(),
		Min:          time.Duration(m.MinDuration.Load()),
		Max:          time.Duration(m.MaxDuration.Load()),
		Buckets:      make([]uint64, len(m.latencyBuckets)),
	}
	if s.Count > 0 {
		s.Avg = time.Duration(m.TotalDuration.Load() / s.Count)
	}
	for i := range m.latencyBuckets {
		s.Buckets[i] = m.latencyBuckets[i].Load()
	}
	return s
}

// Hotspots lists routes averaging above slow or answering more than 5% of
// their requests with a server error.
func (m *Monitor) Hotspots(slow time.Duration) []Hotspot {
	var out []Hotspot
	for _, s := range m.Snapshot() {
		if s.Count == 0 {
			continue
		}
		if s.Avg > slow {
			out = append(out, Hotspot{
				Type:     "latency",
				Route:    s.Name,
				Severity: 8,
				Details:  fmt.Sprintf("high latency (%v avg)", s.Avg),
			})
		}
		if rate := float64(s.Errors) / float64(s.Count); s.Errors > 0 && rate > 0.05 {
			out = append(out, Hotspot{
				Type:     "errors",
				Route:    s.Name,
				Severity: 10,
				Details:  fmt.Sprintf("%.1f%% error rate", rate*100),
			})
		}
	}
	return out
}

// Report logs one line per route and one per hotspot.
func (m *Monitor) Report(log zerolog.Logger, slow time.Duration) {
	for _, s := range m.Snapshot() {
		log.Info().
			Str("route", s.Name).
			Uint64("requests", s.Count).
			Uint64("4xx", s.ClientErrors).
			Uint64("5xx", s.Errors).
			Uint64("bytes", s.Bytes).
			Dur("avg", s.Avg).
			Dur("max", s.Max).
			Msg("route stats")
	}
	for _, h := range m.Hotspots(slow) {
		log.Warn().Str("route", h.Route).Str("type", h.Type).Int("severity", h.Severity).Msg(h.Details)
	}
}
