// internal/breaker/pool.go
package breaker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TimeoutStrategy selects how per-provider timeouts adapt.
type TimeoutStrategy string

const (
	StrategyFixed      TimeoutStrategy = "fixed"
	StrategyAdaptive   TimeoutStrategy = "adaptive"
	StrategyQuantile   TimeoutStrategy = "quantile"
	StrategyPredictive TimeoutStrategy = "predictive"
)

const (
	historyWindow     = 100
	recentWindow      = 20
	minAdaptSamples   = 10
	adaptInterval     = time.Minute
	quantileThreshold = 0.95
)

// Config holds the pool-wide breaker and timeout settings.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
	BaseTimeout      time.Duration
	MinTimeout       time.Duration
	MaxTimeout       time.Duration
	AdaptationFactor float64
	Strategy         TimeoutStrategy
}

// Recorder receives request outcomes; in practice this is the discovery
// service. The narrow interface keeps the pool from holding a discovery
// reference (message-style coupling only).
type Recorder interface {
	RecordRequestResult(provider string, success bool, latencyMS float64)
}

// ProviderStatus is the observable per-provider breaker view.
type ProviderStatus struct {
	State          State     `json:"state"`
	FailureCount   int       `json:"failure_count"`
	CurrentTimeout float64   `json:"current_timeout_seconds"`
	HistorySize    int       `json:"history_size"`
	LastFailureAt  time.Time `json:"last_failure_at"`
}

type providerBreaker struct {
	breaker *Breaker

	mu             sync.Mutex
	currentTimeout time.Duration
	history        []time.Duration // call latencies, bounded
	lastAdaptation time.Time
}

// Pool gives every provider an independent breaker plus an adaptive timeout
// controller. Execute is the only way calls reach a provider.
type Pool struct {
	cfg      Config
	recorder Recorder
	logger   *zap.Logger

	mu       sync.Mutex
	breakers map[string]*providerBreaker
}

// NewPool creates the breaker pool. recorder may be nil.
func NewPool(cfg Config, recorder Recorder, logger *zap.Logger) *Pool {
	if cfg.AdaptationFactor <= 0 {
		cfg.AdaptationFactor = 0.1
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyAdaptive
	}
	return &Pool{
		cfg:      cfg,
		recorder: recorder,
		logger:   logger,
		breakers: make(map[string]*providerBreaker),
	}
}

func (p *Pool) breakerFor(name string) *providerBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()

	pb, ok := p.breakers[name]
	if !ok {
		pb = &providerBreaker{
			breaker: NewBreaker(Settings{
				FailureThreshold: p.cfg.FailureThreshold,
				RecoveryTimeout:  p.cfg.RecoveryTimeout,
				SuccessThreshold: p.cfg.SuccessThreshold,
			}),
			currentTimeout: p.cfg.BaseTimeout,
		}
		p.breakers[name] = pb
	}
	return pb
}

// Timeout returns the current adaptive timeout for a provider.
func (p *Pool) Timeout(name string) time.Duration {
	pb := p.breakerFor(name)
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.currentTimeout
}

// Execute runs fn under the provider's breaker with the adaptive timeout
// applied to its context. The latency is recorded either way and fed to the
// recorder — except for cancellation propagated from the caller, which is
// not the provider's fault and leaves both the breaker counters and the
// provider metrics untouched.
func (p *Pool) Execute(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	pb := p.breakerFor(name)
	now := time.Now()

	if err := pb.breaker.Allow(now); err != nil {
		return err
	}

	pb.mu.Lock()
	timeout := pb.currentTimeout
	pb.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := fn(callCtx)
	elapsed := time.Since(start)
	latencyMS := float64(elapsed) / float64(time.Millisecond)

	// Caller cancellation (a peer already won the run) is not a provider
	// failure. The per-call deadline expiring is.
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return err
	}

	pb.mu.Lock()
	pb.history = append(pb.history, elapsed)
	if len(pb.history) > historyWindow {
		pb.history = pb.history[len(pb.history)-historyWindow:]
	}
	pb.mu.Unlock()

	if err != nil {
		pb.breaker.RecordFailure(time.Now())
		if p.recorder != nil {
			p.recorder.RecordRequestResult(name, false, latencyMS)
		}
		return err
	}

	pb.breaker.RecordSuccess(time.Now())
	if p.recorder != nil {
		p.recorder.RecordRequestResult(name, true, latencyMS)
	}
	return nil
}

// State returns the provider's breaker state.
func (p *Pool) State(name string) State {
	return p.breakerFor(name).breaker.State(time.Now())
}

// Reset forces a provider's breaker closed and its timeout back to base.
func (p *Pool) Reset(name string) {
	pb := p.breakerFor(name)
	pb.breaker.Reset()

	pb.mu.Lock()
	pb.currentTimeout = p.cfg.BaseTimeout
	pb.history = nil
	pb.lastAdaptation = time.Time{}
	pb.mu.Unlock()

	p.logger.Info("breaker reset", zap.String("provider", name))
}

// Status reports every provider's breaker view.
func (p *Pool) Status() map[string]ProviderStatus {
	p.mu.Lock()
	names := make([]string, 0, len(p.breakers))
	for name := range p.breakers {
		names = append(names, name)
	}
	p.mu.Unlock()

	now := time.Now()
	out := make(map[string]ProviderStatus, len(names))
	for _, name := range names {
		pb := p.breakerFor(name)
		pb.mu.Lock()
		status := ProviderStatus{
			State:          pb.breaker.State(now),
			FailureCount:   pb.breaker.Failures(),
			CurrentTimeout: pb.currentTimeout.Seconds(),
			HistorySize:    len(pb.history),
			LastFailureAt:  pb.breaker.LastFailureAt(),
		}
		pb.mu.Unlock()
		out[name] = status
	}
	return out
}

// Run adapts timeouts once a minute until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(adaptInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.AdaptAll(time.Now())
		}
	}
}

// AdaptAll runs one adaptation cycle across every provider.
func (p *Pool) AdaptAll(now time.Time) {
	p.mu.Lock()
	names := make([]string, 0, len(p.breakers))
	for name := range p.breakers {
		names = append(names, name)
	}
	p.mu.Unlock()

	for _, name := range names {
		p.Adapt(name, now)
	}
}

// Adapt retunes one provider's timeout from its latency history. Requires a
// minimum sample count; always clamps to [MinTimeout, MaxTimeout].
func (p *Pool) Adapt(name string, now time.Time) {
	pb := p.breakerFor(name)

	pb.mu.Lock()
	defer pb.mu.Unlock()

	if len(pb.history) < minAdaptSamples {
		return
	}

	old := pb.currentTimeout
	var next time.Duration

	switch p.cfg.Strategy {
	case StrategyFixed:
		return
	case StrategyQuantile:
		next = p.quantileTimeout(pb.history)
	default: // adaptive, and predictive falls back to adaptive
		next = p.adaptiveTimeout(pb.history, pb.currentTimeout)
	}

	next = p.clamp(next)
	pb.currentTimeout = next
	pb.lastAdaptation = now

	if next != old {
		p.logger.Debug("provider timeout adapted",
			zap.String("provider", name),
			zap.Duration("old", old),
			zap.Duration("new", next))
	}
}

// adaptiveTimeout shrinks when the provider is consistently fast, grows when
// consistently slow, and drifts toward base otherwise.
func (p *Pool) adaptiveTimeout(history []time.Duration, current time.Duration) time.Duration {
	recent := history
	if len(recent) > recentWindow {
		recent = recent[len(recent)-recentWindow:]
	}

	var sum time.Duration
	for _, d := range recent {
		sum += d
	}
	mean := sum / time.Duration(len(recent))

	alpha := p.cfg.AdaptationFactor
	base := p.cfg.BaseTimeout

	switch {
	case mean < base/2:
		return time.Duration(float64(current) * (1 - alpha))
	case mean > base+base/2:
		return time.Duration(float64(current) * (1 + alpha))
	case current > base:
		next := time.Duration(float64(current) * (1 - alpha/2))
		if next < base {
			next = base
		}
		return next
	default:
		next := time.Duration(float64(current) * (1 + alpha/2))
		if next > base {
			next = base
		}
		return next
	}
}

// quantileTimeout sets the timeout to p95 of observed latencies with a 1.5x
// safety margin.
func (p *Pool) quantileTimeout(history []time.Duration) time.Duration {
	sorted := make([]time.Duration, len(history))
	copy(sorted, history)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * quantileThreshold)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return time.Duration(float64(sorted[idx]) * 1.5)
}

func (p *Pool) clamp(d time.Duration) time.Duration {
	if d < p.cfg.MinTimeout {
		return p.cfg.MinTimeout
	}
	if d > p.cfg.MaxTimeout {
		return p.cfg.MaxTimeout
	}
	return d
}
