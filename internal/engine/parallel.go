// internal/engine/parallel.go
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FairForge/modelmux/internal/balancer"
	"github.com/FairForge/modelmux/internal/breaker"
	"github.com/FairForge/modelmux/internal/discovery"
	"github.com/FairForge/modelmux/internal/provider"
)

// ErrNoProviders means no healthy provider advertises the requested model.
var ErrNoProviders = errors.New("engine: no healthy providers for model")

// Mode selects the parallel execution strategy.
type Mode string

const (
	FirstSuccess Mode = "first_success"
	BestResponse Mode = "best_response"
	LoadBalanced Mode = "load_balanced"
	AdaptiveMode Mode = "adaptive"
)

// Attempt is the record of a single provider invocation within a run.
type Attempt struct {
	Provider  string    `json:"provider"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Success   bool      `json:"success"`
	LatencyMS float64   `json:"latency_ms"`
	Error     string    `json:"error,omitempty"`
	IsWinner  bool      `json:"is_winner"`
	Cancelled bool      `json:"cancelled"`
}

// Result is what a parallel run produced: either a winning response or a
// structured failure carrying every attempted provider.
type Result struct {
	Success   bool               `json:"success"`
	Response  *provider.Response `json:"-"`
	Provider  string             `json:"provider,omitempty"`
	LatencyMS float64            `json:"latency_ms"`
	Attempts  []Attempt          `json:"attempts"`
	Error     string             `json:"error,omitempty"`
}

// Performance is the engine's own lifetime counters.
type Performance struct {
	TotalExecutions int64   `json:"total_executions"`
	Successful      int64   `json:"successful_executions"`
	SuccessRate     float64 `json:"success_rate"`
	AvgLatencyMS    float64 `json:"average_latency_ms"`
	MaxProviders    int     `json:"max_providers"`
}

// Options bounds a run.
type Options struct {
	MaxProviders int
	RunTimeout   time.Duration
	Mode         Mode
}

// Parallel dispatches one request to several providers at once and resolves
// the run by the configured mode. Every provider call goes through the
// breaker pool; every outcome is reported to the balancer.
type Parallel struct {
	registry  *provider.Registry
	discovery *discovery.Discovery
	pool      *breaker.Pool
	balancer  *balancer.Balancer
	opts      Options
	logger    *zap.Logger

	mu           sync.Mutex
	executions   int64
	successes    int64
	totalLatency float64
}

// NewParallel wires the engine. All collaborators are required.
func NewParallel(reg *provider.Registry, disc *discovery.Discovery, pool *breaker.Pool, bal *balancer.Balancer, opts Options, logger *zap.Logger) *Parallel {
	if opts.MaxProviders <= 0 {
		opts.MaxProviders = 5
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 30 * time.Second
	}
	if opts.Mode == "" {
		opts.Mode = FirstSuccess
	}
	return &Parallel{
		registry:  reg,
		discovery: disc,
		pool:      pool,
		balancer:  bal,
		opts:      opts,
		logger:    logger,
	}
}

// Execute runs the request against up to MaxProviders candidates using the
// engine's default mode.
func (p *Parallel) Execute(ctx context.Context, model string, req provider.Request, exclude []string) Result {
	return p.ExecuteMode(ctx, model, req, p.opts.Mode, exclude)
}

// ExecuteMode runs the request with an explicit mode.
func (p *Parallel) ExecuteMode(ctx context.Context, model string, req provider.Request, mode Mode, exclude []string) Result {
	start := time.Now()

	candidates := p.selectCandidates(model, mode, exclude)
	if len(candidates) == 0 {
		p.recordRun(false, 0)
		return Result{Success: false, Error: ErrNoProviders.Error()}
	}

	var result Result
	switch mode {
	case BestResponse:
		result = p.runBestResponse(ctx, candidates, req)
	default:
		// LOAD_BALANCED and ADAPTIVE differ only in candidate order.
		result = p.runFirstSuccess(ctx, candidates, req)
	}

	result.LatencyMS = float64(time.Since(start)) / float64(time.Millisecond)
	p.recordRun(result.Success, result.LatencyMS)
	return result
}

// selectCandidates orders providers by mode and truncates to MaxProviders.
func (p *Parallel) selectCandidates(model string, mode Mode, exclude []string) []string {
	var ordered []string
	switch mode {
	case LoadBalanced:
		ordered = p.balancer.PrioritizeForParallel(model, p.opts.MaxProviders)
	default:
		// Health bucket first, then discovery's performance-score order.
		scored := p.discovery.HealthyProvidersForModel(model)
		buckets := make(map[discovery.Health][]string)
		for _, name := range scored {
			h := p.discovery.ProviderHealth(name)
			buckets[h] = append(buckets[h], name)
		}
		for _, h := range []discovery.Health{discovery.HealthExcellent, discovery.HealthGood, discovery.HealthFair, discovery.HealthPoor} {
			ordered = append(ordered, buckets[h]...)
		}
	}

	if len(exclude) > 0 {
		excluded := make(map[string]struct{}, len(exclude))
		for _, name := range exclude {
			excluded[name] = struct{}{}
		}
		filtered := ordered[:0]
		for _, name := range ordered {
			if _, skip := excluded[name]; !skip {
				filtered = append(filtered, name)
			}
		}
		ordered = filtered
	}

	if len(ordered) > p.opts.MaxProviders {
		ordered = ordered[:p.opts.MaxProviders]
	}
	return ordered
}

// runFirstSuccess launches every candidate concurrently; the first success
// claims the win exactly once and cancels the rest. Late completions never
// become winners and are reported as cancelled, not successful.
func (p *Parallel) runFirstSuccess(ctx context.Context, candidates []string, req provider.Request) Result {
	runCtx, cancel := context.WithTimeout(ctx, p.opts.RunTimeout)
	defer cancel()

	var (
		mu       sync.Mutex
		attempts []Attempt
		winner   *provider.Response
		winnerBy string
		claimed  bool
	)
	winnerCh := make(chan struct{})

	var wg sync.WaitGroup
	for _, name := range candidates {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()

			attempt, resp := p.invoke(runCtx, name, req)

			mu.Lock()
			defer mu.Unlock()

			if attempt.Success {
				if !claimed && runCtx.Err() != context.DeadlineExceeded {
					claimed = true
					attempt.IsWinner = true
					winner = resp
					winnerBy = name
					cancel()
					close(winnerCh)
				} else {
					// A peer already won; this completion is reported as
					// cancelled so the run record never shows a second
					// success after the completion signal.
					attempt.Success = false
					attempt.Cancelled = true
					attempt.Error = "superseded by winner"
				}
			}
			attempts = append(attempts, attempt)
		}(name)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-winnerCh:
		<-done // let losers finish recording their attempts
	case <-done:
	}

	mu.Lock()
	defer mu.Unlock()

	if winner != nil {
		return Result{
			Success:  true,
			Response: winner,
			Provider: winnerBy,
			Attempts: attempts,
		}
	}

	errMsg := "all providers failed"
	if runCtx.Err() == context.DeadlineExceeded {
		errMsg = "run timeout"
	}
	return Result{Success: false, Attempts: attempts, Error: errMsg}
}

// runBestResponse waits for every candidate and returns the highest scoring
// success: a latency-weighted proxy, ties broken by lower latency.
func (p *Parallel) runBestResponse(ctx context.Context, candidates []string, req provider.Request) Result {
	runCtx, cancel := context.WithTimeout(ctx, p.opts.RunTimeout)
	defer cancel()

	type outcome struct {
		attempt Attempt
		resp    *provider.Response
	}
	outcomes := make([]outcome, len(candidates))

	var wg sync.WaitGroup
	for i, name := range candidates {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			attempt, resp := p.invoke(runCtx, name, req)
			outcomes[i] = outcome{attempt: attempt, resp: resp}
		}(i, name)
	}
	wg.Wait()

	attempts := make([]Attempt, 0, len(outcomes))
	bestIdx := -1
	bestScore := -1.0
	for i, o := range outcomes {
		attempts = append(attempts, o.attempt)
		if !o.attempt.Success {
			continue
		}
		score := 1.0 / (1.0 + o.attempt.LatencyMS/1000.0)
		if score > bestScore ||
			(score == bestScore && bestIdx >= 0 && o.attempt.LatencyMS < outcomes[bestIdx].attempt.LatencyMS) {
			bestScore = score
			bestIdx = i
		}
	}

	if bestIdx < 0 {
		errMsg := "all providers failed"
		if runCtx.Err() == context.DeadlineExceeded {
			errMsg = "run timeout"
		}
		return Result{Success: false, Attempts: attempts, Error: errMsg}
	}

	attempts[bestIdx].IsWinner = true
	return Result{
		Success:  true,
		Response: outcomes[bestIdx].resp,
		Provider: outcomes[bestIdx].attempt.Provider,
		Attempts: attempts,
	}
}

// invoke runs one provider attempt through the breaker with balancer
// bookkeeping on both sides.
func (p *Parallel) invoke(ctx context.Context, name string, req provider.Request) (Attempt, *provider.Response) {
	attempt := Attempt{Provider: name, StartedAt: time.Now()}

	if ctx.Err() != nil {
		attempt.EndedAt = attempt.StartedAt
		attempt.Cancelled = true
		attempt.Error = ctx.Err().Error()
		return attempt, nil
	}

	requestID := uuid.NewString()
	p.balancer.RecordRequestStart(name, requestID)

	var resp *provider.Response
	err := p.pool.Execute(ctx, name, func(callCtx context.Context) error {
		r, callErr := p.registry.Call(callCtx, name, req)
		if callErr != nil {
			return callErr
		}
		resp = r
		return nil
	})

	attempt.EndedAt = time.Now()
	attempt.LatencyMS = float64(attempt.EndedAt.Sub(attempt.StartedAt)) / float64(time.Millisecond)

	success := err == nil
	p.balancer.RecordRequestComplete(name, requestID, success, attempt.LatencyMS)

	if err != nil {
		attempt.Error = err.Error()
		if errors.Is(err, context.Canceled) {
			attempt.Cancelled = true
		}
		p.logger.Debug("provider attempt failed",
			zap.String("provider", name),
			zap.Float64("latency_ms", attempt.LatencyMS),
			zap.Error(err))
		return attempt, nil
	}

	attempt.Success = true
	return attempt, resp
}

func (p *Parallel) recordRun(success bool, latencyMS float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.executions++
	if success {
		p.successes++
		p.totalLatency += latencyMS
	}
}

// Performance returns lifetime engine counters.
func (p *Parallel) Performance() Performance {
	p.mu.Lock()
	defer p.mu.Unlock()

	perf := Performance{
		TotalExecutions: p.executions,
		Successful:      p.successes,
		MaxProviders:    p.opts.MaxProviders,
	}
	if p.executions > 0 {
		perf.SuccessRate = float64(p.successes) / float64(p.executions)
	}
	if p.successes > 0 {
		perf.AvgLatencyMS = p.totalLatency / float64(p.successes)
	}
	return perf
}
