package engine

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/FairForge/modelmux/internal/balancer"
	"github.com/FairForge/modelmux/internal/breaker"
	"github.com/FairForge/modelmux/internal/discovery"
	"github.com/FairForge/modelmux/internal/provider"
)

// latencyProvider answers chat after a fixed delay, or fails.
type latencyProvider struct {
	name    string
	delay   time.Duration
	fail    bool
	calls   atomic.Int64
	retries atomic.Int64
}

func (p *latencyProvider) Chat(ctx context.Context, req *provider.ChatRequest) (*provider.Response, error) {
	p.calls.Add(1)

	select {
	case <-ctx.Done():
		// Honor cancellation promptly and never retry past it.
		p.retries.Add(1)
		return nil, ctx.Err()
	case <-time.After(p.delay):
	}

	if p.fail {
		return nil, assert.AnError
	}
	payload, _ := json.Marshal(map[string]string{"from": p.name})
	return &provider.Response{
		Provider: p.name,
		Model:    req.Model,
		Kind:     provider.KindChat,
		Payload:  payload,
	}, nil
}

type harness struct {
	registry *provider.Registry
	disc     *discovery.Discovery
	pool     *breaker.Pool
	bal      *balancer.Balancer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	registry := provider.NewRegistry()
	disc := discovery.New(registry, discovery.Options{}, zap.NewNop())
	pool := breaker.NewPool(breaker.Config{
		FailureThreshold: 5,
		RecoveryTimeout:  time.Second,
		SuccessThreshold: 3,
		BaseTimeout:      5 * time.Second,
		MinTimeout:       time.Second,
		MaxTimeout:       10 * time.Second,
		AdaptationFactor: 0.1,
		Strategy:         breaker.StrategyAdaptive,
	}, disc, zap.NewNop())
	bal := balancer.New(disc, nil, zap.NewNop())
	return &harness{registry: registry, disc: disc, pool: pool, bal: bal}
}

func (h *harness) engine(opts Options) *Parallel {
	return NewParallel(h.registry, h.disc, h.pool, h.bal, opts, zap.NewNop())
}

func chatReq(model string) *provider.ChatRequest {
	return &provider.ChatRequest{
		Model:    model,
		Messages: []provider.Message{{Role: "user", Content: "hello"}},
	}
}

func TestParallel_FirstSuccess(t *testing.T) {
	ctx := context.Background()

	t.Run("fastest provider wins and losers are cancelled", func(t *testing.T) {
		// Arrange
		h := newHarness(t)
		fast := &latencyProvider{name: "fast", delay: 20 * time.Millisecond}
		med := &latencyProvider{name: "med", delay: 150 * time.Millisecond}
		slow := &latencyProvider{name: "slow", delay: 600 * time.Millisecond}
		h.registry.Register("fast", fast, "m")
		h.registry.Register("med", med, "m")
		h.registry.Register("slow", slow, "m")

		e := h.engine(Options{MaxProviders: 5, RunTimeout: 1500 * time.Millisecond})

		// Act
		result := e.Execute(ctx, "m", chatReq("m"), nil)

		// Assert
		require.True(t, result.Success)
		assert.Equal(t, "fast", result.Provider)
		assert.Less(t, result.LatencyMS, 300.0)

		winners := 0
		for _, a := range result.Attempts {
			if a.IsWinner {
				winners++
				assert.True(t, a.Success)
				assert.Equal(t, "fast", a.Provider)
			} else {
				assert.False(t, a.Success, "non-winners never report success")
			}
		}
		assert.Equal(t, 1, winners)
	})

	t.Run("no providers yields a structured failure", func(t *testing.T) {
		h := newHarness(t)
		e := h.engine(Options{})

		result := e.Execute(ctx, "unknown-model", chatReq("unknown-model"), nil)

		assert.False(t, result.Success)
		assert.Equal(t, ErrNoProviders.Error(), result.Error)
		assert.Empty(t, result.Attempts)
	})

	t.Run("all failures aggregate the attempts", func(t *testing.T) {
		h := newHarness(t)
		h.registry.Register("bad1", &latencyProvider{name: "bad1", delay: time.Millisecond, fail: true}, "m")
		h.registry.Register("bad2", &latencyProvider{name: "bad2", delay: time.Millisecond, fail: true}, "m")

		e := h.engine(Options{RunTimeout: time.Second})
		result := e.Execute(ctx, "m", chatReq("m"), nil)

		assert.False(t, result.Success)
		assert.Len(t, result.Attempts, 2)
		for _, a := range result.Attempts {
			assert.False(t, a.Success)
			assert.False(t, a.IsWinner)
			assert.NotEmpty(t, a.Error)
		}
	})

	t.Run("run timeout cancels everything", func(t *testing.T) {
		h := newHarness(t)
		glacial := &latencyProvider{name: "glacial", delay: 5 * time.Second}
		h.registry.Register("glacial", glacial, "m")

		e := h.engine(Options{RunTimeout: 50 * time.Millisecond})
		start := time.Now()
		result := e.Execute(ctx, "m", chatReq("m"), nil)

		assert.False(t, result.Success)
		assert.Less(t, time.Since(start), time.Second, "timeout must not wait for the provider")
		assert.Equal(t, "run timeout", result.Error)
	})

	t.Run("exclude keeps a provider out of the run", func(t *testing.T) {
		h := newHarness(t)
		a := &latencyProvider{name: "a", delay: time.Millisecond}
		b := &latencyProvider{name: "b", delay: time.Millisecond}
		h.registry.Register("a", a, "m")
		h.registry.Register("b", b, "m")

		e := h.engine(Options{RunTimeout: time.Second})
		result := e.Execute(ctx, "m", chatReq("m"), []string{"a"})

		require.True(t, result.Success)
		assert.Equal(t, "b", result.Provider)
		assert.Equal(t, int64(0), a.calls.Load())
	})

	t.Run("fallback succeeds when the fast provider fails", func(t *testing.T) {
		h := newHarness(t)
		h.registry.Register("broken", &latencyProvider{name: "broken", delay: time.Millisecond, fail: true}, "m")
		h.registry.Register("working", &latencyProvider{name: "working", delay: 50 * time.Millisecond}, "m")

		e := h.engine(Options{RunTimeout: time.Second})
		result := e.Execute(ctx, "m", chatReq("m"), nil)

		require.True(t, result.Success)
		assert.Equal(t, "working", result.Provider)
	})
}

func TestParallel_Modes(t *testing.T) {
	ctx := context.Background()

	t.Run("best response waits for all and picks the fastest success", func(t *testing.T) {
		h := newHarness(t)
		fast := &latencyProvider{name: "fast", delay: 20 * time.Millisecond}
		slow := &latencyProvider{name: "slow", delay: 120 * time.Millisecond}
		h.registry.Register("fast", fast, "m")
		h.registry.Register("slow", slow, "m")

		e := h.engine(Options{RunTimeout: time.Second})
		result := e.ExecuteMode(ctx, "m", chatReq("m"), BestResponse, nil)

		require.True(t, result.Success)
		assert.Equal(t, "fast", result.Provider)
		assert.Equal(t, int64(1), slow.calls.Load(), "best response lets everyone finish")

		successes := 0
		for _, a := range result.Attempts {
			if a.Success {
				successes++
			}
		}
		assert.Equal(t, 2, successes)
	})

	t.Run("load balanced takes its order from the balancer", func(t *testing.T) {
		h := newHarness(t)
		h.registry.Register("only", &latencyProvider{name: "only", delay: time.Millisecond}, "m")

		e := h.engine(Options{RunTimeout: time.Second})
		result := e.ExecuteMode(ctx, "m", chatReq("m"), LoadBalanced, nil)

		assert.True(t, result.Success)
	})

	t.Run("max providers bounds the fan-out", func(t *testing.T) {
		h := newHarness(t)
		names := []string{"p1", "p2", "p3", "p4"}
		providers := make([]*latencyProvider, len(names))
		for i, name := range names {
			providers[i] = &latencyProvider{name: name, delay: 30 * time.Millisecond}
			h.registry.Register(name, providers[i], "m")
		}

		e := h.engine(Options{MaxProviders: 2, RunTimeout: time.Second})
		result := e.Execute(ctx, "m", chatReq("m"), nil)

		require.True(t, result.Success)
		assert.LessOrEqual(t, len(result.Attempts), 2)
	})
}

func TestParallel_Performance(t *testing.T) {
	h := newHarness(t)
	h.registry.Register("p", &latencyProvider{name: "p", delay: time.Millisecond}, "m")

	e := h.engine(Options{RunTimeout: time.Second})
	_ = e.Execute(context.Background(), "m", chatReq("m"), nil)
	_ = e.Execute(context.Background(), "missing", chatReq("missing"), nil)

	perf := e.Performance()
	assert.Equal(t, int64(2), perf.TotalExecutions)
	assert.Equal(t, int64(1), perf.Successful)
	assert.InDelta(t, 0.5, perf.SuccessRate, 0.0001)
}

func TestParallel_RecordsOutcomes(t *testing.T) {
	t.Run("discovery and balancer see every attempt", func(t *testing.T) {
		h := newHarness(t)
		h.registry.Register("p", &latencyProvider{name: "p", delay: time.Millisecond}, "m")

		e := h.engine(Options{RunTimeout: time.Second})
		result := e.Execute(context.Background(), "m", chatReq("m"), nil)
		require.True(t, result.Success)

		m := h.disc.Metrics("p")
		assert.Equal(t, int64(1), m.TotalRequests)
		assert.Equal(t, int64(1), m.SuccessfulRequests)

		dist := h.bal.Distribution()["p"]
		assert.Equal(t, 0, dist.ActiveConnections, "in-flight drained after completion")
		assert.Equal(t, int64(1), dist.TotalRequests)
	})
}
