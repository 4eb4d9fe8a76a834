// internal/cache/monitor.go
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MonitorOptions configures the health monitor.
type MonitorOptions struct {
	TargetHitRate      float64
	CheckInterval      time.Duration
	ExpirationAlert    int64 // expirations per sample that trigger an alert
	MemoryAlertPercent float64
}

// HealthReport is the monitor's pull interface: a point-in-time view of how
// the cache is doing. The monitor never acts on alerts itself.
type HealthReport struct {
	SampledAt           time.Time `json:"sampled_at"`
	CurrentHitRate      float64   `json:"current_hit_rate"`
	TargetHitRate       float64   `json:"target_hit_rate"`
	MemoryUsageFraction float64   `json:"memory_usage_fraction"`
	EvictionRate        float64   `json:"eviction_rate"` // evictions/sec over the last interval
	Healthy             bool      `json:"healthy"`
	Alerts              []string  `json:"alerts"`
}

// Monitor samples the cache on an interval and keeps a bounded alert
// history. Alerts require the condition to persist across samples so a
// single bad interval does not page anyone.
type Monitor struct {
	cache  *UnifiedCache
	opts   MonitorOptions
	logger *zap.Logger

	mu              sync.Mutex
	report          HealthReport
	alerts          []string
	prev            Stats
	lowHitSamples   int
	highMemSamples  int
	lastSampleAt    time.Time
	haveFirstSample bool
}

// NewMonitor creates a monitor for the cache.
func NewMonitor(c *UnifiedCache, opts MonitorOptions, logger *zap.Logger) *Monitor {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = time.Minute
	}
	if opts.TargetHitRate <= 0 {
		opts.TargetHitRate = 0.9
	}
	if opts.MemoryAlertPercent <= 0 {
		opts.MemoryAlertPercent = 0.85
	}
	return &Monitor{cache: c, opts: opts, logger: logger}
}

// Run samples until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample(time.Now())
		}
	}
}

// Sample takes one measurement. Exposed for tests and for on-demand health
// endpoints.
func (m *Monitor) Sample(now time.Time) HealthReport {
	stats := m.cache.Stats()

	m.mu.Lock()
	defer m.mu.Unlock()

	report := HealthReport{
		SampledAt:      now,
		CurrentHitRate: stats.HitRate(),
		TargetHitRate:  m.opts.TargetHitRate,
		Healthy:        true,
	}
	if max := m.cache.MaxMemoryBytes(); max > 0 {
		report.MemoryUsageFraction = float64(stats.MemoryBytes) / float64(max)
	}

	var intervalSecs float64
	if m.haveFirstSample {
		intervalSecs = now.Sub(m.lastSampleAt).Seconds()
		if intervalSecs > 0 {
			report.EvictionRate = float64(stats.Evictions-m.prev.Evictions) / intervalSecs
		}
	}

	// (a) hit rate below target for two consecutive samples.
	if stats.TotalRequests > 0 && report.CurrentHitRate < m.opts.TargetHitRate {
		m.lowHitSamples++
	} else {
		m.lowHitSamples = 0
	}
	if m.lowHitSamples >= 2 {
		report.Alerts = append(report.Alerts, fmt.Sprintf(
			"hit rate %.3f below target %.3f for %d samples",
			report.CurrentHitRate, m.opts.TargetHitRate, m.lowHitSamples))
	}

	// (b) memory above the threshold for three consecutive samples.
	if report.MemoryUsageFraction > m.opts.MemoryAlertPercent {
		m.highMemSamples++
	} else {
		m.highMemSamples = 0
	}
	if m.highMemSamples >= 3 {
		report.Alerts = append(report.Alerts, fmt.Sprintf(
			"memory usage %.1f%% above %.0f%% for %d samples",
			report.MemoryUsageFraction*100, m.opts.MemoryAlertPercent*100, m.highMemSamples))
	}

	// (c) expiration burst in this sample window.
	if m.haveFirstSample && m.opts.ExpirationAlert > 0 {
		delta := stats.Expirations - m.prev.Expirations
		if delta > m.opts.ExpirationAlert {
			report.Alerts = append(report.Alerts, fmt.Sprintf(
				"%d expirations in one sample window (threshold %d)",
				delta, m.opts.ExpirationAlert))
		}
	}

	report.Healthy = len(report.Alerts) == 0
	for _, a := range report.Alerts {
		m.logger.Warn("cache health alert", zap.String("alert", a))
	}

	m.alerts = append(m.alerts, report.Alerts...)
	if len(m.alerts) > 100 {
		m.alerts = m.alerts[len(m.alerts)-100:]
	}

	m.prev = stats
	m.lastSampleAt = now
	m.haveFirstSample = true
	m.report = report
	return report
}

// Report returns the latest health report.
func (m *Monitor) Report() HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.report
}

// RecentAlerts returns the bounded alert history, oldest first.
func (m *Monitor) RecentAlerts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.alerts))
	copy(out, m.alerts)
	return out
}
