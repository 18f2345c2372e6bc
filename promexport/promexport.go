// Package promexport adapts a Device's metrics into a prometheus.Collector,
// grounded on the DescribeMetrics/CollectMetrics split seen in the
// topology-aware policy example's Prometheus integration: descriptors are
// declared once, values are read from the live source on every scrape
// instead of being pushed incrementally.
package promexport

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ehrlich-b/bocache"
)

const namespace = "bocache"

// Collector exports a Device's Metrics and CacheStats as Prometheus gauges
// and counters, registered on a caller-supplied registry rather than the
// global default so multiple devices (or test instances) never collide.
type Collector struct {
	device *bocache.Device

	cacheHits       *prometheus.Desc
	cacheMisses     *prometheus.Desc
	cacheEvictions  *prometheus.Desc
	cachedBytes     *prometheus.Desc
	allocations     *prometheus.Desc
	allocRetries    *prometheus.Desc
	allocFailures   *prometheus.Desc
	backendFrees    *prometheus.Desc
	importsResolved *prometheus.Desc
	importsCreated  *prometheus.Desc
	exports         *prometheus.Desc
	cacheHitRate    *prometheus.Desc
	liveRecords     *prometheus.Desc
}

// NewCollector builds a Collector for d. Call Register to attach it to a
// registry.
func NewCollector(d *bocache.Device) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(namespace+"_"+name, help, nil, nil)
	}
	return &Collector{
		device:          d,
		cacheHits:       desc("cache_hits_total", "Cache fetches satisfied by a parked BO."),
		cacheMisses:     desc("cache_misses_total", "Cache fetches that found no usable parked BO."),
		cacheEvictions:  desc("cache_evictions_total", "BOs evicted from the cache and freed to the backend."),
		cachedBytes:     desc("cached_bytes", "Bytes currently held in parked BOs."),
		allocations:     desc("allocations_total", "Backend Allocate calls that succeeded."),
		allocRetries:    desc("allocation_retries_total", "Retry attempts taken across all Create calls."),
		allocFailures:   desc("allocation_failures_total", "Create calls that exhausted their retry budget."),
		backendFrees:    desc("backend_frees_total", "BOs released permanently to the backend."),
		importsResolved: desc("imports_resolved_total", "Import calls resolved against an existing record."),
		importsCreated:  desc("imports_created_total", "Import calls that created a new record."),
		exports:         desc("exports_total", "Export calls that produced a dmabuf fd."),
		cacheHitRate:    desc("cache_hit_rate", "Fraction of cache fetches that were hits, in [0,1]."),
		liveRecords:     desc("live_records", "BOs currently tracked by the registry, cached or live."),
	}
}

// Register attaches c to reg. Callers use their own *prometheus.Registry
// (not prometheus.DefaultRegisterer) so tests and multiple devices never
// share global state.
func (c *Collector) Register(reg *prometheus.Registry) error {
	return reg.Register(c)
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cacheHits
	ch <- c.cacheMisses
	ch <- c.cacheEvictions
	ch <- c.cachedBytes
	ch <- c.allocations
	ch <- c.allocRetries
	ch <- c.allocFailures
	ch <- c.backendFrees
	ch <- c.importsResolved
	ch <- c.importsCreated
	ch <- c.exports
	ch <- c.cacheHitRate
	ch <- c.liveRecords
}

// Collect implements prometheus.Collector, reading a fresh snapshot from
// the device on every scrape.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.device.MetricsSnapshot()
	stats := c.device.CacheStats()

	ch <- prometheus.MustNewConstMetric(c.cacheHits, prometheus.CounterValue, float64(snap.CacheHits))
	ch <- prometheus.MustNewConstMetric(c.cacheMisses, prometheus.CounterValue, float64(snap.CacheMisses))
	ch <- prometheus.MustNewConstMetric(c.cacheEvictions, prometheus.CounterValue, float64(stats.Evictions))
	ch <- prometheus.MustNewConstMetric(c.cachedBytes, prometheus.GaugeValue, float64(stats.SizeBytes))
	ch <- prometheus.MustNewConstMetric(c.allocations, prometheus.CounterValue, float64(snap.Allocations))
	ch <- prometheus.MustNewConstMetric(c.allocRetries, prometheus.CounterValue, float64(snap.AllocationRetries))
	ch <- prometheus.MustNewConstMetric(c.allocFailures, prometheus.CounterValue, float64(snap.AllocationFailures))
	ch <- prometheus.MustNewConstMetric(c.backendFrees, prometheus.CounterValue, float64(snap.BackendFrees))
	ch <- prometheus.MustNewConstMetric(c.importsResolved, prometheus.CounterValue, float64(snap.ImportsResolved))
	ch <- prometheus.MustNewConstMetric(c.importsCreated, prometheus.CounterValue, float64(snap.ImportsCreated))
	ch <- prometheus.MustNewConstMetric(c.exports, prometheus.CounterValue, float64(snap.Exports))
	ch <- prometheus.MustNewConstMetric(c.cacheHitRate, prometheus.GaugeValue, snap.CacheHitRate)
	ch <- prometheus.MustNewConstMetric(c.liveRecords, prometheus.GaugeValue, float64(c.device.LiveRecords()))
}

var _ prometheus.Collector = (*Collector)(nil)
