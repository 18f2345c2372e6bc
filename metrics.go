package bocache

import (
	"sync/atomic"
	"time"
)

// Metrics tracks cache and allocation statistics for a Device.
type Metrics struct {
	CacheHits      atomic.Uint64
	CacheMisses    atomic.Uint64
	CacheEvictions atomic.Uint64
	CachedBytes    atomic.Uint64

	Allocations      atomic.Uint64
	AllocationRetries atomic.Uint64
	AllocationFailures atomic.Uint64
	BackendFrees     atomic.Uint64

	ImportsResolved atomic.Uint64 // imports that returned an existing record
	ImportsCreated  atomic.Uint64 // imports that created a new record
	Exports         atomic.Uint64

	StartTime atomic.Int64
}

// NewMetrics creates a zeroed Metrics instance stamped with the current time.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// MetricsSnapshot is a point-in-time, non-atomic copy of Metrics for
// reporting (logging, Prometheus export, CLI demo output).
type MetricsSnapshot struct {
	CacheHits      uint64
	CacheMisses    uint64
	CacheEvictions uint64
	CachedBytes    uint64
	CacheHitRate   float64

	Allocations        uint64
	AllocationRetries  uint64
	AllocationFailures uint64
	BackendFrees       uint64

	ImportsResolved uint64
	ImportsCreated  uint64
	Exports         uint64

	UptimeNs uint64
}

// Snapshot returns a consistent-enough point-in-time copy of m. Individual
// counters are read independently (no global lock): acceptable skew for
// monitoring, never used to gate correctness decisions.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		CacheHits:          m.CacheHits.Load(),
		CacheMisses:        m.CacheMisses.Load(),
		CacheEvictions:     m.CacheEvictions.Load(),
		CachedBytes:        m.CachedBytes.Load(),
		Allocations:        m.Allocations.Load(),
		AllocationRetries:  m.AllocationRetries.Load(),
		AllocationFailures: m.AllocationFailures.Load(),
		BackendFrees:       m.BackendFrees.Load(),
		ImportsResolved:    m.ImportsResolved.Load(),
		ImportsCreated:     m.ImportsCreated.Load(),
		Exports:            m.Exports.Load(),
		UptimeNs:           uint64(time.Now().UnixNano() - m.StartTime.Load()),
	}
	if total := snap.CacheHits + snap.CacheMisses; total > 0 {
		snap.CacheHitRate = float64(snap.CacheHits) / float64(total)
	}
	return snap
}

// Observer receives lifecycle events as they happen, for pluggable metrics
// backends (Prometheus, statsd, plain logging). Device calls these
// synchronously on the calling goroutine; implementations must not block.
type Observer interface {
	ObserveCacheHit(size uint64)
	ObserveCacheMiss(size uint64)
	ObserveCacheEviction(n int, bytesFreed uint64)
	ObserveAllocation(retries int, err error)
	ObserveImport(resolved bool)
	ObserveExport()
}

// NoOpObserver discards every event.
type NoOpObserver struct{}

func (NoOpObserver) ObserveCacheHit(uint64)           {}
func (NoOpObserver) ObserveCacheMiss(uint64)          {}
func (NoOpObserver) ObserveCacheEviction(int, uint64) {}
func (NoOpObserver) ObserveAllocation(int, error)     {}
func (NoOpObserver) ObserveImport(bool)               {}
func (NoOpObserver) ObserveExport()                   {}

// MetricsObserver is the built-in Observer, recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver returns an Observer that records into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveCacheHit(size uint64) {
	o.metrics.CacheHits.Add(1)
}

func (o *MetricsObserver) ObserveCacheMiss(size uint64) {
	o.metrics.CacheMisses.Add(1)
}

func (o *MetricsObserver) ObserveCacheEviction(n int, bytesFreed uint64) {
	o.metrics.CacheEvictions.Add(uint64(n))
}

func (o *MetricsObserver) ObserveAllocation(retries int, err error) {
	o.metrics.AllocationRetries.Add(uint64(retries))
	if err != nil {
		o.metrics.AllocationFailures.Add(1)
		return
	}
	o.metrics.Allocations.Add(1)
}

func (o *MetricsObserver) ObserveImport(resolved bool) {
	if resolved {
		o.metrics.ImportsResolved.Add(1)
	} else {
		o.metrics.ImportsCreated.Add(1)
	}
}

func (o *MetricsObserver) ObserveExport() {
	o.metrics.Exports.Add(1)
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
