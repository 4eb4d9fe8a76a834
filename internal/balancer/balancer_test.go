package balancer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/FairForge/modelmux/internal/discovery"
)

type fakeHealth struct {
	providers []string
	health    map[string]discovery.Health
	scores    map[string]float64
}

func (f *fakeHealth) HealthyProvidersForModel(model string) []string { return f.providers }

func (f *fakeHealth) ProviderHealth(name string) discovery.Health {
	if h, ok := f.health[name]; ok {
		return h
	}
	return discovery.HealthGood
}

func (f *fakeHealth) PerformanceScore(name string) float64 {
	if s, ok := f.scores[name]; ok {
		return s
	}
	return 1.0
}

func newTestBalancer(providers ...string) (*Balancer, *fakeHealth) {
	fh := &fakeHealth{
		providers: providers,
		health:    make(map[string]discovery.Health),
		scores:    make(map[string]float64),
	}
	return New(fh, nil, zap.NewNop()), fh
}

func TestBalancer_InflightTracking(t *testing.T) {
	t.Run("start and complete maintain the in-flight set", func(t *testing.T) {
		b, _ := newTestBalancer("p")

		b.RecordRequestStart("p", "r1")
		b.RecordRequestStart("p", "r2")
		assert.Equal(t, 2, b.Distribution()["p"].ActiveConnections)

		b.RecordRequestComplete("p", "r1", true, 120)
		dist := b.Distribution()["p"]
		assert.Equal(t, 1, dist.ActiveConnections)
		assert.Equal(t, int64(1), dist.TotalRequests)
		assert.InDelta(t, 120, dist.RecentLatencyMS, 0.001)
	})

	t.Run("failures raise the error rate", func(t *testing.T) {
		b, _ := newTestBalancer("p")

		for i := 0; i < 10; i++ {
			b.RecordRequestStart("p", "r")
			b.RecordRequestComplete("p", "r", false, 100)
		}

		assert.InDelta(t, 0.1, b.Distribution()["p"].ErrorRate, 0.001)
	})

	t.Run("stale in-flight entries are swept", func(t *testing.T) {
		b, _ := newTestBalancer("p")
		b.RecordRequestStart("p", "lost")

		b.cleanupStale(time.Now().Add(10 * time.Minute))

		assert.Equal(t, 0, b.Distribution()["p"].ActiveConnections)
	})
}

func TestBalancer_Strategies(t *testing.T) {
	t.Run("round robin rotates per model", func(t *testing.T) {
		b, _ := newTestBalancer("a", "b", "c")

		got := []string{
			b.SelectProvider("m", RoundRobin, nil),
			b.SelectProvider("m", RoundRobin, nil),
			b.SelectProvider("m", RoundRobin, nil),
			b.SelectProvider("m", RoundRobin, nil),
		}

		assert.Equal(t, []string{"a", "b", "c", "a"}, got)
	})

	t.Run("least connections picks the idle provider", func(t *testing.T) {
		b, _ := newTestBalancer("busy", "idle")
		b.RecordRequestStart("busy", "r1")
		b.RecordRequestStart("busy", "r2")

		assert.Equal(t, "idle", b.SelectProvider("m", LeastConnections, nil))
	})

	t.Run("least latency picks the fastest", func(t *testing.T) {
		b, _ := newTestBalancer("fast", "slow")
		b.RecordRequestComplete("fast", "r", true, 50)
		b.RecordRequestComplete("slow", "r", true, 900)

		assert.Equal(t, "fast", b.SelectProvider("m", LeastLatency, nil))
	})

	t.Run("cost optimized weighs price against performance", func(t *testing.T) {
		b, _ := newTestBalancer("cheap", "pricey")
		b.SetCosts(map[string]map[string]float64{
			"cheap":  {"m": 0.001},
			"pricey": {"m": 0.05},
		})

		assert.Equal(t, "cheap", b.SelectProvider("m", CostOptimized, nil))
	})

	t.Run("adaptive penalizes unhealthy providers", func(t *testing.T) {
		b, fh := newTestBalancer("sick", "fine")
		fh.health["sick"] = discovery.HealthUnhealthy
		fh.health["fine"] = discovery.HealthExcellent

		assert.Equal(t, "fine", b.SelectProvider("m", Adaptive, nil))
	})

	t.Run("weighted random returns some candidate", func(t *testing.T) {
		b, _ := newTestBalancer("a", "b")

		got := b.SelectProvider("m", WeightedRandom, nil)
		assert.Contains(t, []string{"a", "b"}, got)
	})

	t.Run("exclude filters candidates", func(t *testing.T) {
		b, _ := newTestBalancer("a", "b")

		assert.Equal(t, "b", b.SelectProvider("m", RoundRobin, []string{"a"}))
	})

	t.Run("no candidates selects nothing", func(t *testing.T) {
		b, _ := newTestBalancer()
		assert.Equal(t, "", b.SelectProvider("m", Adaptive, nil))
	})
}

func TestBalancer_ParallelHelpers(t *testing.T) {
	t.Run("prioritize ranks loaded providers lower", func(t *testing.T) {
		b, _ := newTestBalancer("loaded", "free")
		for i := 0; i < 5; i++ {
			b.RecordRequestStart("loaded", string(rune('0'+i)))
		}

		order := b.PrioritizeForParallel("m", 2)

		require.Len(t, order, 2)
		assert.Equal(t, "free", order[0])
	})

	t.Run("prioritize truncates to max", func(t *testing.T) {
		b, _ := newTestBalancer("a", "b", "c", "d")
		assert.Len(t, b.PrioritizeForParallel("m", 2), 2)
	})

	t.Run("optimal count bounded to available providers", func(t *testing.T) {
		b, _ := newTestBalancer("a", "b")
		assert.Equal(t, 2, b.OptimalProviderCount("m"))
	})

	t.Run("optimal count in range for many providers", func(t *testing.T) {
		b, _ := newTestBalancer("a", "b", "c", "d", "e", "f")

		n := b.OptimalProviderCount("m")
		assert.GreaterOrEqual(t, n, 2)
		assert.LessOrEqual(t, n, 5)
	})
}

func TestBalancer_CostReload(t *testing.T) {
	b, _ := newTestBalancer("p")
	b.RecordRequestStart("p", "r1")

	b.SetCosts(map[string]map[string]float64{"p": {"default": 0.02}})
	assert.InDelta(t, 0.02, b.Distribution()["p"].CostPerToken, 0.0001)
}

func TestBalancer_RunLifecycle(t *testing.T) {
	b, _ := newTestBalancer("p")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("balancer loop did not stop")
	}
}
