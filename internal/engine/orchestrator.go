// internal/engine/orchestrator.go
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/FairForge/modelmux/internal/balancer"
	"github.com/FairForge/modelmux/internal/breaker"
	"github.com/FairForge/modelmux/internal/cache"
	"github.com/FairForge/modelmux/internal/discovery"
	"github.com/FairForge/modelmux/internal/provider"
)

// Orchestrator wires the tiered cache, warmer, monitor, discovery, breaker
// pool, balancer, and parallel engine into the one value the boundary talks
// to. Every component is constructor-injected; nothing is process-global.
type Orchestrator struct {
	Tiered    *cache.TieredManager
	Warmer    *cache.Warmer
	Monitor   *cache.Monitor
	Discovery *discovery.Discovery
	Pool      *breaker.Pool
	Balancer  *balancer.Balancer
	Engine    *Parallel
	Registry  *provider.Registry

	logger *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

// NewOrchestrator composes the already-constructed components.
func NewOrchestrator(
	tiered *cache.TieredManager,
	warmer *cache.Warmer,
	monitor *cache.Monitor,
	disc *discovery.Discovery,
	pool *breaker.Pool,
	bal *balancer.Balancer,
	engine *Parallel,
	registry *provider.Registry,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		Tiered:    tiered,
		Warmer:    warmer,
		Monitor:   monitor,
		Discovery: disc,
		Pool:      pool,
		Balancer:  bal,
		Engine:    engine,
		Registry:  registry,
		logger:    logger,
	}
}

// Start launches every background loop: cache sweep, warming, monitoring,
// breaker adaptation, discovery probes, balancer cleanup. Each loop owns its
// own cancellation through the shared context.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return
	}
	o.running = true

	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel

	o.Tiered.Cache().Start()

	loops := []func(context.Context){
		o.Warmer.Run,
		o.Monitor.Run,
		o.Pool.Run,
		o.Discovery.Run,
		o.Balancer.Run,
	}
	for _, loop := range loops {
		o.wg.Add(1)
		go func(run func(context.Context)) {
			defer o.wg.Done()
			run(ctx)
		}(loop)
	}

	o.logger.Info("orchestrator started")
}

// Shutdown stops every loop and waits for them to drain.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	o.cancel()
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		o.Tiered.Cache().Stop()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Info("orchestrator stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator shutdown: %w", ctx.Err())
	}
}

// Execute serves one request: cache first for cacheable shapes, then a
// parallel run, then a cache fill on success.
func (o *Orchestrator) Execute(ctx context.Context, model string, req provider.Request) (Result, error) {
	cacheKey := req.CacheKey()

	if cacheKey != "" {
		if data, ok := o.Tiered.Get(ctx, cacheKey, cache.CategoryResponses); ok {
			var resp provider.Response
			if err := json.Unmarshal(data, &resp); err == nil {
				return Result{
					Success:  true,
					Response: &resp,
					Provider: resp.Provider,
				}, nil
			}
			// A response that no longer decodes is dropped, not served.
			o.Tiered.Delete(ctx, cacheKey)
		}
	}

	result := o.Engine.Execute(ctx, model, req, nil)
	if !result.Success {
		return result, nil
	}

	if cacheKey != "" && result.Response != nil {
		if data, err := json.Marshal(result.Response); err == nil {
			if err := o.Tiered.Set(ctx, cacheKey, data, 0, cache.CategoryResponses, 2); err != nil {
				o.logger.Debug("response not cached",
					zap.String("key", cacheKey), zap.Error(err))
			}
		}
	}
	return result, nil
}

// Models returns the advertised model list through the cache, so repeated
// discovery calls do not re-enumerate the registry.
func (o *Orchestrator) Models(ctx context.Context) ([]string, error) {
	data, err := o.Tiered.Cache().GetOrSet(ctx, "models:registry",
		func(ctx context.Context) ([]byte, error) {
			return json.Marshal(o.Registry.Models())
		},
		0, cache.CategoryModels, 4)
	if err != nil {
		return nil, err
	}

	var models []string
	if err := json.Unmarshal(data, &models); err != nil {
		return nil, fmt.Errorf("models cache corrupt: %w", err)
	}
	return models, nil
}

// InvalidateModels drops the cached model list, forcing re-enumeration.
func (o *Orchestrator) InvalidateModels(ctx context.Context) {
	o.Tiered.Cache().Delete(ctx, "models:registry")
}

// WarmModels queues a demand warming of the model list.
func (o *Orchestrator) WarmModels() error {
	return o.Warmer.WarmKey("models:registry", func(ctx context.Context) ([]byte, error) {
		return json.Marshal(o.Registry.Models())
	}, cache.CategoryModels, 4)
}

// ModelGetterFactory reconstructs getters for model-list keys so the warmer
// can refresh them predictively. Other key shapes cannot be rebuilt from the
// key alone and return nil.
func ModelGetterFactory(registry *provider.Registry) cache.GetterFactory {
	return func(key string) cache.Getter {
		if key != "models:registry" {
			return nil
		}
		return func(ctx context.Context) ([]byte, error) {
			return json.Marshal(registry.Models())
		}
	}
}

// Healthy reports whether the substrate's own loops are serviceable.
func (o *Orchestrator) Healthy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}
