// internal/api/metrics.go
package api

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/FairForge/modelmux/internal/engine"
)

// collector exports component stats snapshots as Prometheus metrics on
// scrape, so no component carries instrumentation of its own.
type collector struct {
	orch *engine.Orchestrator

	cacheHits        *prometheus.Desc
	cacheMisses      *prometheus.Desc
	cacheEvictions   *prometheus.Desc
	cacheExpirations *prometheus.Desc
	cacheEntries     *prometheus.Desc
	cacheMemoryBytes *prometheus.Desc
	cacheHitRate     *prometheus.Desc
	breakerOpen      *prometheus.Desc
	balancerInflight *prometheus.Desc
	engineRuns       *prometheus.Desc
	engineSuccesses  *prometheus.Desc
	providerErrRate  *prometheus.Desc
	providerLatency  *prometheus.Desc
}

func newCollector(orch *engine.Orchestrator) *collector {
	return &collector{
		orch: orch,
		cacheHits: prometheus.NewDesc(
			"modelmux_cache_hits_total", "Lifetime cache hits.", nil, nil),
		cacheMisses: prometheus.NewDesc(
			"modelmux_cache_misses_total", "Lifetime cache misses.", nil, nil),
		cacheEvictions: prometheus.NewDesc(
			"modelmux_cache_evictions_total", "Lifetime cache evictions.", nil, nil),
		cacheExpirations: prometheus.NewDesc(
			"modelmux_cache_expirations_total", "Lifetime cache expirations.", nil, nil),
		cacheEntries: prometheus.NewDesc(
			"modelmux_cache_entries", "Live cache entries.", nil, nil),
		cacheMemoryBytes: prometheus.NewDesc(
			"modelmux_cache_memory_bytes", "Accounted cache memory.", nil, nil),
		cacheHitRate: prometheus.NewDesc(
			"modelmux_cache_hit_rate", "Lifetime hit rate.", nil, nil),
		breakerOpen: prometheus.NewDesc(
			"modelmux_breaker_open", "1 when the provider breaker is open.",
			[]string{"provider"}, nil),
		balancerInflight: prometheus.NewDesc(
			"modelmux_provider_inflight", "In-flight requests per provider.",
			[]string{"provider"}, nil),
		engineRuns: prometheus.NewDesc(
			"modelmux_engine_runs_total", "Parallel runs executed.", nil, nil),
		engineSuccesses: prometheus.NewDesc(
			"modelmux_engine_successes_total", "Parallel runs that produced a winner.", nil, nil),
		providerErrRate: prometheus.NewDesc(
			"modelmux_provider_error_rate", "Provider EWMA error rate.",
			[]string{"provider"}, nil),
		providerLatency: prometheus.NewDesc(
			"modelmux_provider_latency_ms", "Provider EWMA latency.",
			[]string{"provider"}, nil),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cacheHits
	ch <- c.cacheMisses
	ch <- c.cacheEvictions
	ch <- c.cacheExpirations
	ch <- c.cacheEntries
	ch <- c.cacheMemoryBytes
	ch <- c.cacheHitRate
	ch <- c.breakerOpen
	ch <- c.balancerInflight
	ch <- c.engineRuns
	ch <- c.engineSuccesses
	ch <- c.providerErrRate
	ch <- c.providerLatency
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.orch.Tiered.Cache().Stats()
	ch <- prometheus.MustNewConstMetric(c.cacheHits, prometheus.CounterValue, float64(stats.Hits))
	ch <- prometheus.MustNewConstMetric(c.cacheMisses, prometheus.CounterValue, float64(stats.Misses))
	ch <- prometheus.MustNewConstMetric(c.cacheEvictions, prometheus.CounterValue, float64(stats.Evictions))
	ch <- prometheus.MustNewConstMetric(c.cacheExpirations, prometheus.CounterValue, float64(stats.Expirations))
	ch <- prometheus.MustNewConstMetric(c.cacheEntries, prometheus.GaugeValue, float64(stats.Entries))
	ch <- prometheus.MustNewConstMetric(c.cacheMemoryBytes, prometheus.GaugeValue, float64(stats.MemoryBytes))
	ch <- prometheus.MustNewConstMetric(c.cacheHitRate, prometheus.GaugeValue, stats.HitRate())

	for name, status := range c.orch.Pool.Status() {
		open := 0.0
		if status.State == "open" {
			open = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.breakerOpen, prometheus.GaugeValue, open, name)
	}

	for name, m := range c.orch.Balancer.Distribution() {
		ch <- prometheus.MustNewConstMetric(c.balancerInflight, prometheus.GaugeValue,
			float64(m.ActiveConnections), name)
	}

	for name, m := range c.orch.Discovery.AllMetrics() {
		ch <- prometheus.MustNewConstMetric(c.providerErrRate, prometheus.GaugeValue, m.ErrorRate, name)
		ch <- prometheus.MustNewConstMetric(c.providerLatency, prometheus.GaugeValue, m.RecentLatencyMS, name)
	}

	perf := c.orch.Engine.Performance()
	ch <- prometheus.MustNewConstMetric(c.engineRuns, prometheus.CounterValue, float64(perf.TotalExecutions))
	ch <- prometheus.MustNewConstMetric(c.engineSuccesses, prometheus.CounterValue, float64(perf.Successful))
}
