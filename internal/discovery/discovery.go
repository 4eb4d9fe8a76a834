// internal/discovery/discovery.go
package discovery

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/FairForge/modelmux/internal/provider"
)

// Health buckets a provider's recent behavior.
type Health string

const (
	HealthExcellent Health = "excellent"
	HealthGood      Health = "good"
	HealthFair      Health = "fair"
	HealthPoor      Health = "poor"
	HealthUnhealthy Health = "unhealthy"
)

// ewmaAlpha is the smoothing factor for error rate and latency averages.
const ewmaAlpha = 0.1

const latencyWindow = 100

// Metrics is the per-provider rolling view. Owned exclusively by the
// Discovery service; callers get copies.
type Metrics struct {
	TotalRequests      int64     `json:"total_requests"`
	SuccessfulRequests int64     `json:"successful_requests"`
	FailedRequests     int64     `json:"failed_requests"`
	ErrorRate          float64   `json:"error_rate"`        // EWMA
	RecentLatencyMS    float64   `json:"recent_latency_ms"` // EWMA
	LastRequestAt      time.Time `json:"last_request_at"`

	latencies []float64
}

// SuccessRate is lifetime successes over total.
func (m *Metrics) SuccessRate() float64 {
	if m.TotalRequests == 0 {
		return 1.0
	}
	return float64(m.SuccessfulRequests) / float64(m.TotalRequests)
}

// PerformanceScore composes latency, reliability, and recency of failures
// into a single ranking signal. Higher is better.
func (m *Metrics) PerformanceScore() float64 {
	latency := m.RecentLatencyMS
	if latency < 100 {
		latency = 100
	}
	latencyFactor := 1000.0 / latency
	if latencyFactor < 0.1 {
		latencyFactor = 0.1
	}
	reliabilityFactor := 1.0 - m.ErrorRate
	if reliabilityFactor < 0.1 {
		reliabilityFactor = 0.1
	}
	return latencyFactor*0.5 + reliabilityFactor*0.5
}

// Options configures the discovery service.
type Options struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

// Discovery maintains health metrics per provider and answers which
// providers can serve a model right now. Other components feed it through
// RecordRequestResult and never hold references into its state.
type Discovery struct {
	registry *provider.Registry
	opts     Options
	logger   *zap.Logger

	mu      sync.Mutex
	metrics map[string]*Metrics
}

// New creates a discovery service over the provider registry.
func New(registry *provider.Registry, opts Options, logger *zap.Logger) *Discovery {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = time.Minute
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 10 * time.Second
	}
	return &Discovery{
		registry: registry,
		opts:     opts,
		logger:   logger,
		metrics:  make(map[string]*Metrics),
	}
}

// RecordRequestResult folds one request outcome into the provider's EWMAs
// and counters. Per-provider ordering is serialized by the service lock.
func (d *Discovery) RecordRequestResult(name string, success bool, latencyMS float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m := d.metricsLocked(name)
	m.TotalRequests++
	m.LastRequestAt = time.Now()

	failure := 1.0
	if success {
		m.SuccessfulRequests++
		failure = 0.0
	} else {
		m.FailedRequests++
	}
	m.ErrorRate = ewmaAlpha*failure + (1-ewmaAlpha)*m.ErrorRate

	if m.RecentLatencyMS == 0 {
		m.RecentLatencyMS = latencyMS
	} else {
		m.RecentLatencyMS = ewmaAlpha*latencyMS + (1-ewmaAlpha)*m.RecentLatencyMS
	}

	m.latencies = append(m.latencies, latencyMS)
	if len(m.latencies) > latencyWindow {
		m.latencies = m.latencies[len(m.latencies)-latencyWindow:]
	}
}

// ProviderHealth buckets the provider by success rate and recent latency.
func (d *Discovery) ProviderHealth(name string) Health {
	d.mu.Lock()
	defer d.mu.Unlock()
	return healthOf(d.metricsLocked(name))
}

func healthOf(m *Metrics) Health {
	success := m.SuccessRate()
	switch {
	case success >= 0.98 && m.RecentLatencyMS <= 300:
		return HealthExcellent
	case success >= 0.90:
		return HealthGood
	case success >= 0.70:
		return HealthFair
	case success >= 0.40:
		return HealthPoor
	default:
		return HealthUnhealthy
	}
}

// HealthyProvidersForModel returns providers advertising the model that are
// not unhealthy, best performance score first.
func (d *Discovery) HealthyProvidersForModel(model string) []string {
	candidates := d.registry.ProvidersForModel(model)

	d.mu.Lock()
	defer d.mu.Unlock()

	type scored struct {
		name  string
		score float64
	}
	var healthy []scored
	for _, name := range candidates {
		m := d.metricsLocked(name)
		if healthOf(m) == HealthUnhealthy {
			continue
		}
		healthy = append(healthy, scored{name: name, score: m.PerformanceScore()})
	}

	sort.SliceStable(healthy, func(i, j int) bool { return healthy[i].score > healthy[j].score })

	names := make([]string, len(healthy))
	for i, s := range healthy {
		names[i] = s.name
	}
	return names
}

// Metrics returns a copy of one provider's metrics.
func (d *Discovery) Metrics(name string) Metrics {
	d.mu.Lock()
	defer d.mu.Unlock()
	m := *d.metricsLocked(name)
	m.latencies = nil
	return m
}

// AllMetrics returns a copy of every provider's metrics, keyed by name.
func (d *Discovery) AllMetrics() map[string]Metrics {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]Metrics, len(d.metrics))
	for name, m := range d.metrics {
		cp := *m
		cp.latencies = nil
		out[name] = cp
	}
	return out
}

// PerformanceScore returns the composite ranking score for a provider.
func (d *Discovery) PerformanceScore(name string) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.metricsLocked(name).PerformanceScore()
}

// Run probes registered providers on an interval. Probe failures count as
// request failures so a dead provider drops out of the healthy set even
// with no live traffic. The limiter keeps probe bursts off the providers.
func (d *Discovery) Run(ctx context.Context) {
	ticker := time.NewTicker(d.opts.ProbeInterval)
	defer ticker.Stop()

	limiter := rate.NewLimiter(rate.Limit(5), 1)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, name := range d.registry.Names() {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
				d.probe(ctx, name)
			}
		}
	}
}

func (d *Discovery) probe(ctx context.Context, name string) {
	probeCtx, cancel := context.WithTimeout(ctx, d.opts.ProbeTimeout)
	defer cancel()

	start := time.Now()
	err := d.registry.Ping(probeCtx, name)
	latencyMS := float64(time.Since(start)) / float64(time.Millisecond)

	if err != nil {
		d.logger.Warn("provider probe failed",
			zap.String("provider", name), zap.Error(err))
		d.RecordRequestResult(name, false, latencyMS)
		return
	}
	d.RecordRequestResult(name, true, latencyMS)
}

func (d *Discovery) metricsLocked(name string) *Metrics {
	m, ok := d.metrics[name]
	if !ok {
		m = &Metrics{}
		d.metrics[name] = m
	}
	return m
}
