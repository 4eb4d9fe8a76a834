// internal/balancer/balancer.go
package balancer

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/modelmux/internal/discovery"
)

// Strategy names a provider-selection policy.
type Strategy string

const (
	RoundRobin       Strategy = "round_robin"
	LeastConnections Strategy = "least_connections"
	WeightedRandom   Strategy = "weighted_random"
	LeastLatency     Strategy = "least_latency"
	CostOptimized    Strategy = "cost_optimized"
	Adaptive         Strategy = "adaptive"
)

// HealthSource is the slice of discovery the balancer consumes. It never
// holds the discovery service itself.
type HealthSource interface {
	HealthyProvidersForModel(model string) []string
	ProviderHealth(name string) discovery.Health
	PerformanceScore(name string) float64
}

// Metrics is the balancer's per-provider load view.
type Metrics struct {
	ActiveConnections int       `json:"active_connections"`
	TotalRequests     int64     `json:"total_requests"`
	RecentLatencyMS   float64   `json:"recent_latency_ms"`
	ErrorRate         float64   `json:"error_rate"`
	CostPerToken      float64   `json:"cost_per_token"`
	PerformanceScore  float64   `json:"performance_score"`
	LastRequestAt     time.Time `json:"last_request_at"`
}

type providerLoad struct {
	inflight      map[string]time.Time // request id -> start time
	totalRequests int64
	latencyMS     float64
	errorRate     float64
	perfScore     float64
	lastRequestAt time.Time
}

const (
	ewmaAlpha      = 0.1
	staleThreshold = 5 * time.Minute
)

// Balancer tracks live load per provider and selects one per request using
// the configured strategy.
type Balancer struct {
	health HealthSource
	logger *zap.Logger

	mu         sync.Mutex
	loads      map[string]*providerLoad
	rrIndex    map[string]int
	costs      map[string]map[string]float64 // provider -> model -> $/token
	randSource *rand.Rand
}

// New creates a balancer over the health source. costs maps provider ->
// model -> dollars per token; the "default" model key is the provider
// fallback.
func New(health HealthSource, costs map[string]map[string]float64, logger *zap.Logger) *Balancer {
	return &Balancer{
		health:     health,
		logger:     logger,
		loads:      make(map[string]*providerLoad),
		rrIndex:    make(map[string]int),
		costs:      costs,
		randSource: rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // selection jitter, not crypto
	}
}

// SetCosts swaps the cost table; wired to config reload.
func (b *Balancer) SetCosts(costs map[string]map[string]float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.costs = costs
	b.logger.Info("balancer cost table updated", zap.Int("providers", len(costs)))
}

// RecordRequestStart adds the request to the provider's in-flight set.
func (b *Balancer) RecordRequestStart(provider, requestID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	l := b.loadLocked(provider)
	l.inflight[requestID] = time.Now()
	l.lastRequestAt = time.Now()
}

// RecordRequestComplete removes the request from the in-flight set and folds
// the outcome into the provider's EWMAs.
func (b *Balancer) RecordRequestComplete(provider, requestID string, success bool, latencyMS float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	l := b.loadLocked(provider)
	delete(l.inflight, requestID)
	l.totalRequests++

	if success {
		if l.latencyMS == 0 {
			l.latencyMS = latencyMS
		} else {
			l.latencyMS = ewmaAlpha*latencyMS + (1-ewmaAlpha)*l.latencyMS
		}
		l.errorRate *= 0.99
	} else {
		l.errorRate = math.Min(1.0, l.errorRate+0.01)
	}

	l.perfScore = performanceScore(l)
}

// performanceScore combines latency, reliability, and load; higher is
// better. It uses the same latency and reliability factors as the discovery
// service's score but weights them 0.4/0.4 and adds a 0.2 load term, so the
// two views can rank providers differently.
func performanceScore(l *providerLoad) float64 {
	latency := math.Max(l.latencyMS, 100.0)
	latencyFactor := math.Max(0.1, 1000.0/latency)
	reliabilityFactor := math.Max(0.1, 1.0-l.errorRate)
	loadFactor := math.Max(0.1, 10.0/math.Max(float64(len(l.inflight)), 1))

	return latencyFactor*0.4 + reliabilityFactor*0.4 + loadFactor*0.2
}

// SelectProvider picks a provider for the model, or "" when none qualify.
func (b *Balancer) SelectProvider(model string, strategy Strategy, exclude []string) string {
	candidates := b.candidates(model, exclude)
	if len(candidates) == 0 {
		return ""
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch strategy {
	case RoundRobin:
		return b.selectRoundRobin(model, candidates)
	case LeastConnections:
		return b.selectLeastConnections(candidates)
	case WeightedRandom:
		return b.selectWeightedRandom(candidates)
	case LeastLatency:
		return b.selectLeastLatency(candidates)
	case CostOptimized:
		return b.selectCostOptimized(model, candidates)
	default:
		return b.selectAdaptive(model, candidates)
	}
}

func (b *Balancer) candidates(model string, exclude []string) []string {
	healthy := b.health.HealthyProvidersForModel(model)
	if len(exclude) == 0 {
		return healthy
	}

	excluded := make(map[string]struct{}, len(exclude))
	for _, name := range exclude {
		excluded[name] = struct{}{}
	}
	var out []string
	for _, name := range healthy {
		if _, skip := excluded[name]; !skip {
			out = append(out, name)
		}
	}
	return out
}

func (b *Balancer) selectRoundRobin(model string, providers []string) string {
	idx := b.rrIndex[model]
	selected := providers[idx%len(providers)]
	b.rrIndex[model] = (idx + 1) % len(providers)
	return selected
}

func (b *Balancer) selectLeastConnections(providers []string) string {
	best := providers[0]
	bestConns := len(b.loadLocked(best).inflight)
	for _, name := range providers[1:] {
		if conns := len(b.loadLocked(name).inflight); conns < bestConns {
			best, bestConns = name, conns
		}
	}
	return best
}

func (b *Balancer) selectWeightedRandom(providers []string) string {
	weights := make([]float64, len(providers))
	total := 0.0
	for i, name := range providers {
		l := b.loadLocked(name)
		weights[i] = scoreOrDefault(l) / float64(len(l.inflight)+1)
		total += weights[i]
	}
	if total == 0 {
		return providers[b.randSource.Intn(len(providers))]
	}

	r := b.randSource.Float64() * total
	cumulative := 0.0
	for i, w := range weights {
		cumulative += w
		if r <= cumulative {
			return providers[i]
		}
	}
	return providers[len(providers)-1]
}

func (b *Balancer) selectLeastLatency(providers []string) string {
	best := providers[0]
	bestLatency := b.loadLocked(best).latencyMS
	for _, name := range providers[1:] {
		if l := b.loadLocked(name).latencyMS; l < bestLatency {
			best, bestLatency = name, l
		}
	}
	return best
}

func (b *Balancer) selectCostOptimized(model string, providers []string) string {
	best := providers[0]
	bestCost := math.MaxFloat64
	for _, name := range providers {
		cost := b.costLocked(name, model) * (2.0 - scoreOrDefault(b.loadLocked(name)))
		if cost < bestCost {
			best, bestCost = name, cost
		}
	}
	return best
}

// selectAdaptive scores each candidate from performance, health bucket,
// current load, and cost, and returns the argmax.
func (b *Balancer) selectAdaptive(model string, providers []string) string {
	best := providers[0]
	bestScore := -1.0
	for _, name := range providers {
		score := b.adaptiveScoreLocked(name, model)
		if score > bestScore {
			best, bestScore = name, score
		}
	}
	return best
}

func (b *Balancer) adaptiveScoreLocked(name, model string) float64 {
	l := b.loadLocked(name)
	score := scoreOrDefault(l)

	switch b.health.ProviderHealth(name) {
	case discovery.HealthExcellent:
		score *= 1.2
	case discovery.HealthGood:
		score *= 1.0
	case discovery.HealthFair:
		score *= 0.9
	case discovery.HealthPoor:
		score *= 0.7
	case discovery.HealthUnhealthy:
		score *= 0.3
	}

	loadPenalty := math.Min(float64(len(l.inflight))/10.0, 0.5)
	score *= 1.0 - loadPenalty

	if cost := b.costLocked(name, model); cost > 0 {
		costFactor := math.Min(cost/0.01, 2.0)
		if costFactor > 0 {
			score /= costFactor
		}
	}
	return score
}

// PrioritizeForParallel orders providers for a parallel run, best first,
// truncated to max.
func (b *Balancer) PrioritizeForParallel(model string, max int) []string {
	providers := b.health.HealthyProvidersForModel(model)
	if len(providers) <= 1 {
		return providers
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	type scored struct {
		name  string
		score float64
	}
	ranked := make([]scored, len(providers))
	for i, name := range providers {
		l := b.loadLocked(name)
		loadPenalty := float64(len(l.inflight)) / math.Max(float64(len(l.inflight)+1), 1)
		ranked[i] = scored{name: name, score: scoreOrDefault(l) * (1 - loadPenalty)}
	}
	// Insertion sort keeps the healthy-order tie break stable.
	for i := 1; i < len(ranked); i++ {
		for j := i; j > 0 && ranked[j].score > ranked[j-1].score; j-- {
			ranked[j], ranked[j-1] = ranked[j-1], ranked[j]
		}
	}

	if max > 0 && len(ranked) > max {
		ranked = ranked[:max]
	}
	out := make([]string, len(ranked))
	for i, s := range ranked {
		out[i] = s.name
	}
	return out
}

// OptimalProviderCount uses the spread of performance scores to decide how
// many providers a parallel run should engage: more diversity, more
// providers, bounded to 2..5 and never more than the healthy providers
// available (0 or 1 when fewer than two are healthy).
func (b *Balancer) OptimalProviderCount(model string) int {
	providers := b.health.HealthyProvidersForModel(model)
	if len(providers) <= 2 {
		return len(providers)
	}

	b.mu.Lock()
	scores := make([]float64, len(providers))
	for i, name := range providers {
		scores[i] = scoreOrDefault(b.loadLocked(name))
	}
	b.mu.Unlock()

	mean := 0.0
	for _, s := range scores {
		mean += s
	}
	mean /= float64(len(scores))

	variance := 0.0
	for _, s := range scores {
		variance += (s - mean) * (s - mean)
	}
	variance /= float64(len(scores))

	cv := math.Sqrt(variance) / math.Max(mean, 0.1)
	optimal := int(3 + cv*2)
	if optimal < 2 {
		optimal = 2
	}
	if optimal > 5 {
		optimal = 5
	}
	if optimal > len(providers) {
		optimal = len(providers)
	}
	return optimal
}

// Distribution returns the per-provider load view.
func (b *Balancer) Distribution() map[string]Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]Metrics, len(b.loads))
	for name, l := range b.loads {
		out[name] = Metrics{
			ActiveConnections: len(l.inflight),
			TotalRequests:     l.totalRequests,
			RecentLatencyMS:   l.latencyMS,
			ErrorRate:         l.errorRate,
			CostPerToken:      b.costLocked(name, ""),
			PerformanceScore:  scoreOrDefault(l),
			LastRequestAt:     l.lastRequestAt,
		}
	}
	return out
}

// Run sweeps stale in-flight records every interval: a request id parked for
// five minutes means the completion callback was lost, and leaving it would
// skew least-connections forever.
func (b *Balancer) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.cleanupStale(time.Now())
		}
	}
}

func (b *Balancer) cleanupStale(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for name, l := range b.loads {
		for id, started := range l.inflight {
			if now.Sub(started) > staleThreshold {
				delete(l.inflight, id)
				b.logger.Warn("dropped stale in-flight request",
					zap.String("provider", name),
					zap.String("request_id", id))
			}
		}
	}
}

func (b *Balancer) loadLocked(name string) *providerLoad {
	l, ok := b.loads[name]
	if !ok {
		l = &providerLoad{inflight: make(map[string]time.Time)}
		b.loads[name] = l
	}
	return l
}

func (b *Balancer) costLocked(provider, model string) float64 {
	table, ok := b.costs[provider]
	if !ok {
		return 0
	}
	if model != "" {
		if cost, ok := table[model]; ok {
			return cost
		}
	}
	return table["default"]
}

// scoreOrDefault returns the computed performance score, or a neutral 1.0
// for providers with no traffic yet.
func scoreOrDefault(l *providerLoad) float64 {
	if l.totalRequests == 0 {
		return 1.0
	}
	return l.perfScore
}
