// internal/cache/tiered.go
package cache

import (
	"context"
	"crypto/md5" //nolint:gosec // batch id derivation, not security
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/FairForge/modelmux/internal/lock"
)

// TierOptions configures tier classification and TTL scaling.
type TierOptions struct {
	HotTTLMultiplier  float64
	WarmTTLMultiplier float64
	ColdTTLMultiplier float64
	HotAccessCount    int64
	WarmAccessCount   int64
	CategoryTiers     map[string]Tier
	MaxBatchWarmers   int
}

// defaultCategoryTiers is the initial category classification. Tiering only
// modulates TTL and warming priority; bytes never move between stores.
func defaultCategoryTiers() map[string]Tier {
	return map[string]Tier{
		CategoryModels:    TierHot,
		CategoryConfig:    TierHot,
		CategoryTokens:    TierHot,
		CategoryResponses: TierWarm,
		CategorySummaries: TierWarm,
		CategoryMetrics:   TierWarm,
		CategorySessions:  TierWarm,
		CategoryQueries:   TierWarm,
		CategoryResults:   TierWarm,
		CategoryAnalytics: TierCold,
	}
}

// TieredManager layers hot/warm/cold classification over UnifiedCache and
// composes the warmer, monitor, and distributed lock.
type TieredManager struct {
	cache   *UnifiedCache
	warmer  *Warmer
	monitor *Monitor
	locker  lock.Locker
	opts    TierOptions
	logger  *zap.Logger

	mu            sync.Mutex
	keyTiers      map[string]Tier
	accessCounts  map[string]int64
	categoryTiers map[string]Tier
}

// NewTieredManager wires the tiering layer. warmer, monitor, and locker may
// be nil when the corresponding feature is disabled; WarmBatch requires the
// locker.
func NewTieredManager(c *UnifiedCache, w *Warmer, m *Monitor, l lock.Locker, opts TierOptions, logger *zap.Logger) *TieredManager {
	if opts.HotTTLMultiplier <= 0 {
		opts.HotTTLMultiplier = 2.0
	}
	if opts.WarmTTLMultiplier <= 0 {
		opts.WarmTTLMultiplier = 1.0
	}
	if opts.ColdTTLMultiplier <= 0 {
		opts.ColdTTLMultiplier = 0.5
	}
	if opts.HotAccessCount <= 0 {
		opts.HotAccessCount = 10
	}
	if opts.WarmAccessCount <= 0 {
		opts.WarmAccessCount = 3
	}
	if opts.MaxBatchWarmers <= 0 {
		opts.MaxBatchWarmers = 10
	}

	categoryTiers := defaultCategoryTiers()
	for cat, tier := range opts.CategoryTiers {
		categoryTiers[cat] = tier
	}

	return &TieredManager{
		cache:         c,
		warmer:        w,
		monitor:       m,
		locker:        l,
		opts:          opts,
		logger:        logger,
		keyTiers:      make(map[string]Tier),
		accessCounts:  make(map[string]int64),
		categoryTiers: categoryTiers,
	}
}

// TierForCategory returns the default tier of a category.
func (t *TieredManager) TierForCategory(category string) Tier {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tier, ok := t.categoryTiers[category]; ok {
		return tier
	}
	return TierWarm
}

// TierForKey returns the effective tier of a key: a promoted assignment when
// one exists, the category default otherwise.
func (t *TieredManager) TierForKey(key, category string) Tier {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tier, ok := t.keyTiers[key]; ok {
		return tier
	}
	if tier, ok := t.categoryTiers[category]; ok {
		return tier
	}
	return TierWarm
}

// EffectiveTTL scales a base TTL by the tier multiplier.
func (t *TieredManager) EffectiveTTL(base time.Duration, tier Tier) time.Duration {
	switch tier {
	case TierHot:
		return time.Duration(float64(base) * t.opts.HotTTLMultiplier)
	case TierCold:
		return time.Duration(float64(base) * t.opts.ColdTTLMultiplier)
	default:
		return time.Duration(float64(base) * t.opts.WarmTTLMultiplier)
	}
}

// Get reads through the underlying cache, records the access for promotion
// and warming analysis, and promotes hot keys.
func (t *TieredManager) Get(ctx context.Context, key, category string) ([]byte, bool) {
	value, ok := t.cache.Get(ctx, key, category)
	if ok {
		t.recordAccess(key, category)
	}
	return value, ok
}

// Set admits a value with the tier-adjusted TTL.
func (t *TieredManager) Set(ctx context.Context, key string, value []byte, ttl time.Duration, category string, priority int) error {
	if ttl <= 0 {
		ttl = t.cache.DefaultTTL()
	}
	tier := t.TierForKey(key, category)
	return t.cache.Set(ctx, key, value, t.EffectiveTTL(ttl, tier), category, priority)
}

// Delete removes a key and forgets its tier assignment.
func (t *TieredManager) Delete(ctx context.Context, key string) bool {
	t.mu.Lock()
	delete(t.keyTiers, key)
	delete(t.accessCounts, key)
	t.mu.Unlock()
	return t.cache.Delete(ctx, key)
}

// Cache exposes the composed UnifiedCache for callers that need the raw
// surface (batch ops, stats).
func (t *TieredManager) Cache() *UnifiedCache { return t.cache }

// recordAccess bumps the per-key counter and promotes across tier
// thresholds: WarmAccessCount lifts a cold key to warm, HotAccessCount
// lifts any key to hot.
func (t *TieredManager) recordAccess(key, category string) {
	t.mu.Lock()
	t.accessCounts[key]++
	count := t.accessCounts[key]

	current, ok := t.keyTiers[key]
	if !ok {
		if tier, found := t.categoryTiers[category]; found {
			current = tier
		} else {
			current = TierWarm
		}
	}

	switch {
	case count >= t.opts.HotAccessCount && current != TierHot:
		t.keyTiers[key] = TierHot
		t.logger.Debug("key promoted to hot tier", zap.String("key", key))
	case count >= t.opts.WarmAccessCount && current == TierCold:
		t.keyTiers[key] = TierWarm
		t.logger.Debug("key promoted to warm tier", zap.String("key", key))
	}
	t.mu.Unlock()

	if t.warmer != nil {
		t.warmer.RecordAccess(key, category)
	}
}

// BatchGetter loads the value for one key during a warming batch.
type BatchGetter func(ctx context.Context, key string) ([]byte, error)

// BatchResult reports per-key outcomes of a warming batch.
type BatchResult struct {
	AcquiredLock bool              `json:"acquired_lock"`
	Warmed       int               `json:"warmed_keys"`
	AlreadyHot   int               `json:"already_cached"`
	Failed       int               `json:"failed_keys"`
	Errors       map[string]string `json:"errors,omitempty"`
}

// WarmBatch fills a batch of keys under a distributed lock so that only one
// instance does the work. The lock key is derived from the sorted key set;
// acquisition blocks until the lock service grants it or ctx expires. There
// is no local fallback when the lock service is down — the batch fails.
func (t *TieredManager) WarmBatch(ctx context.Context, keys []string, getter BatchGetter, category string, ttl time.Duration) (BatchResult, error) {
	var res BatchResult
	if t.locker == nil {
		return res, fmt.Errorf("warm batch: no lock service configured")
	}

	lockName := batchLockName(category, keys)
	token, err := t.locker.Acquire(ctx, lockName, 60*time.Second)
	if err != nil {
		return res, fmt.Errorf("warm batch: %w", err)
	}
	res.AcquiredLock = true
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.locker.Release(releaseCtx, lockName, token); err != nil {
			t.logger.Warn("warm batch lock release failed",
				zap.String("lock", lockName), zap.Error(err))
		}
	}()

	existing := t.cache.GetMany(ctx, keys, category)
	res.AlreadyHot = len(existing)

	var missing []string
	for _, key := range keys {
		if _, ok := existing[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) == 0 {
		return res, nil
	}

	tierTTL := t.EffectiveTTL(ttl, t.TierForCategory(category))

	var mu sync.Mutex
	res.Errors = make(map[string]string)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.opts.MaxBatchWarmers)
	for _, key := range missing {
		g.Go(func() error {
			value, err := getter(gctx, key)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed++
				res.Errors[key] = err.Error()
				return nil // one bad key does not abort the batch
			}
			if err := t.cache.Set(gctx, key, value, tierTTL, category, 1); err != nil {
				res.Failed++
				res.Errors[key] = err.Error()
				return nil
			}
			res.Warmed++
			return nil
		})
	}
	_ = g.Wait()

	if len(res.Errors) == 0 {
		res.Errors = nil
	}
	return res, nil
}

// TierDistribution reports how many promoted keys sit in each tier.
func (t *TieredManager) TierDistribution() map[Tier]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	dist := map[Tier]int{TierHot: 0, TierWarm: 0, TierCold: 0}
	for _, tier := range t.keyTiers {
		dist[tier]++
	}
	return dist
}

// batchLockName derives a deterministic lock name from the sorted key set so
// both instances of the same batch contend on the same lock.
func batchLockName(category string, keys []string) string {
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)

	h := md5.New() //nolint:gosec
	for _, k := range sorted {
		_, _ = h.Write([]byte(k))
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("warm_batch:%s:%x", category, h.Sum(nil))
}
