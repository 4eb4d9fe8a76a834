// internal/cache/unified.go
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Options configures a UnifiedCache.
type Options struct {
	MaxEntries      int
	MaxMemoryBytes  int64
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
	EnableSmartTTL  bool
	Disk            *DiskStore // nil disables the disk tier
}

// Smart-TTL thresholds. An entry earns an extension once it has proven
// itself: five accesses at a 70% hit rate.
const (
	smartTTLMinAccesses      = 5
	smartTTLHitRateThreshold = 0.7
	smartTTLCap              = 4 // multiple of DefaultTTL
)

// UnifiedCache composes the memory store with the optional disk tier and
// adds TTL management, statistics, and the background expiration sweep.
type UnifiedCache struct {
	store  *MemoryStore
	disk   *DiskStore
	opts   Options
	logger *zap.Logger

	statsMu sync.Mutex
	stats   Stats

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a UnifiedCache. Call Start to run the expiration sweep.
func New(opts Options, logger *zap.Logger) *UnifiedCache {
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 5 * time.Minute
	}
	return &UnifiedCache{
		store:  NewMemoryStore(opts.MaxEntries, opts.MaxMemoryBytes),
		disk:   opts.Disk,
		opts:   opts,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// DefaultTTL returns the configured default lifetime.
func (c *UnifiedCache) DefaultTTL() time.Duration { return c.opts.DefaultTTL }

// Start launches the periodic expiration sweep.
func (c *UnifiedCache) Start() {
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.opts.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n := c.CleanupExpired()
				if n > 0 {
					c.logger.Debug("expired cache entries swept", zap.Int("count", n))
				}
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop terminates the sweep goroutine.
func (c *UnifiedCache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}

// Get returns the value for key. Smart TTL is evaluated lazily here: a
// popular entry doubles its lifetime, capped at four times the default, and
// its expiry clock restarts. A memory miss falls through to the disk tier;
// a disk hit reinstalls the entry in memory and counts as a hit.
func (c *UnifiedCache) Get(ctx context.Context, key, category string) ([]byte, bool) {
	now := time.Now()

	var onHit func(*Entry)
	if c.opts.EnableSmartTTL {
		onHit = func(e *Entry) {
			if e.shouldExtendTTL(smartTTLMinAccesses, smartTTLHitRateThreshold) {
				capTTL := c.opts.DefaultTTL * smartTTLCap
				next := e.TTL * 2
				if next > capTTL {
					next = capTTL
				}
				if next != e.TTL {
					e.TTL = next
					e.CreatedAt = now
				}
			}
		}
	}

	value, _, ok, expired := c.store.Get(key, now, onHit)
	if ok {
		c.recordHit(false)
		return value, true
	}
	if expired {
		c.recordExpiration(1)
	}

	// Disk tier, outside any memory lock.
	if c.disk != nil {
		if err := ctx.Err(); err != nil {
			c.recordMiss()
			return nil, false
		}
		if e, ok := c.disk.Read(key, now); ok {
			e.Touch(now)
			if _, err := c.store.Set(e); err == nil {
				c.recordHit(true)
				return e.Value, true
			}
			// Too large for memory: still a usable value.
			c.recordHit(true)
			return e.Value, true
		}
	}

	c.recordMiss()
	return nil, false
}

// Set admits a value. A nonpositive ttl takes the default. Memory admission
// is authoritative; the disk write-through happens afterwards without the
// memory lock held and its failure does not fail the Set.
func (c *UnifiedCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration, category string, priority int) error {
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}
	now := time.Now()

	e := &Entry{
		Key:            key,
		Value:          value,
		CreatedAt:      now,
		LastAccessedAt: now,
		TTL:            ttl,
		SizeBytes:      entrySize(value),
		Category:       category,
		Priority:       clampPriority(priority),
	}

	res, err := c.store.Set(e)
	if err != nil {
		return err
	}

	c.statsMu.Lock()
	c.stats.Sets++
	c.stats.Evictions += int64(res.Evicted)
	if res.MemoryPressure {
		c.stats.MemoryPressureEvents++
	}
	c.statsMu.Unlock()

	if c.disk != nil && ctx.Err() == nil {
		c.disk.Write(e)
	}
	return nil
}

// Delete removes a key from both tiers.
func (c *UnifiedCache) Delete(ctx context.Context, key string) bool {
	removed := c.store.Delete(key)
	if removed {
		c.statsMu.Lock()
		c.stats.Deletes++
		c.statsMu.Unlock()
	}
	if c.disk != nil {
		c.disk.Delete(key)
	}
	return removed
}

// Clear removes all entries, or only a category's entries when category is
// non-empty. Returns the removed count.
func (c *UnifiedCache) Clear(ctx context.Context, category string) int {
	removed := c.store.Clear(category)

	c.statsMu.Lock()
	c.stats.Deletes += int64(len(removed))
	c.statsMu.Unlock()

	if c.disk != nil {
		if category == "" {
			c.disk.Clear()
		} else {
			for _, key := range removed {
				c.disk.Delete(key)
			}
		}
	}
	return len(removed)
}

// Has reports presence without counting a request. Expiration is observed
// inline, the same as Get.
func (c *UnifiedCache) Has(key string) bool {
	now := time.Now()
	e, ok := c.store.Peek(key)
	if !ok {
		return false
	}
	if e.Expired(now) {
		if c.store.Delete(key) {
			c.recordExpiration(1)
		}
		return false
	}
	return true
}

// Expire resets a key's TTL clock. Returns false when the key is absent.
func (c *UnifiedCache) Expire(key string, ttl time.Duration) bool {
	return c.store.Extend(key, ttl, time.Now())
}

// TTL returns the remaining lifetime in seconds: -2 when the key is absent,
// -1 when the entry carries no expiry.
func (c *UnifiedCache) TTL(key string) int64 {
	e, ok := c.store.Peek(key)
	if !ok {
		return -2
	}
	if e.TTL <= 0 {
		return -1
	}
	remaining := e.TTL - time.Since(e.CreatedAt)
	if remaining < 0 {
		return -2
	}
	return int64(remaining / time.Second)
}

// GetMany looks up a batch of keys. Atomicity is per-entry, not across the
// batch. Missing keys are absent from the result.
func (c *UnifiedCache) GetMany(ctx context.Context, keys []string, category string) map[string][]byte {
	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		if v, ok := c.Get(ctx, key, category); ok {
			out[key] = v
		}
	}
	return out
}

// SetMany admits a batch with per-key semantics. Returns the keys whose
// admission failed.
func (c *UnifiedCache) SetMany(ctx context.Context, values map[string][]byte, ttl time.Duration, category string, priority int) []string {
	var failed []string
	for key, value := range values {
		if err := c.Set(ctx, key, value, ttl, category, priority); err != nil {
			failed = append(failed, key)
		}
	}
	return failed
}

// DeleteMany removes a batch, returning the number actually removed.
func (c *UnifiedCache) DeleteMany(ctx context.Context, keys []string) int {
	n := 0
	for _, key := range keys {
		if c.Delete(ctx, key) {
			n++
		}
	}
	return n
}

// Getter produces a value for a key on a cache miss.
type Getter func(ctx context.Context) ([]byte, error)

// GetOrSet returns the cached value or fills the cache from getter.
func (c *UnifiedCache) GetOrSet(ctx context.Context, key string, getter Getter, ttl time.Duration, category string, priority int) ([]byte, error) {
	if v, ok := c.Get(ctx, key, category); ok {
		return v, nil
	}

	value, err := getter(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.Set(ctx, key, value, ttl, category, priority); err != nil {
		// Admission refused: the value is still good, just uncacheable.
		c.logger.Warn("cache fill not admitted", zap.String("key", key), zap.Error(err))
	}
	return value, nil
}

// InvalidatePattern removes every key containing substr. Returns the count.
func (c *UnifiedCache) InvalidatePattern(ctx context.Context, substr string) int {
	n := 0
	for _, key := range c.store.Keys("") {
		if strings.Contains(key, substr) {
			if c.Delete(ctx, key) {
				n++
			}
		}
	}
	return n
}

// CleanupExpired sweeps expired entries out of memory. Disk files are left
// alone: they self-expire on read.
func (c *UnifiedCache) CleanupExpired() int {
	removed := c.store.RemoveExpired(time.Now())
	if len(removed) > 0 {
		c.recordExpiration(len(removed))
	}
	return len(removed)
}

// Keys returns the keys in category, most recently used first. An empty
// category returns everything.
func (c *UnifiedCache) Keys(category string) []string {
	return c.store.Keys(category)
}

// Categories returns the set of category labels observed in the cache.
func (c *UnifiedCache) Categories() []string {
	return c.store.Categories()
}

// EntryInfo exposes a read-only metadata view of one entry.
func (c *UnifiedCache) EntryInfo(key string) (EntryInfo, bool) {
	e, ok := c.store.Peek(key)
	if !ok {
		return EntryInfo{}, false
	}
	return e.snapshot(), true
}

// Stats returns a consistent snapshot of the counters plus live gauges.
func (c *UnifiedCache) Stats() Stats {
	c.statsMu.Lock()
	s := c.stats
	c.statsMu.Unlock()

	s.Entries = c.store.Len()
	s.MemoryBytes = c.store.MemoryBytes()
	return s
}

// MaxMemoryBytes returns the configured memory budget.
func (c *UnifiedCache) MaxMemoryBytes() int64 { return c.opts.MaxMemoryBytes }

func (c *UnifiedCache) recordHit(disk bool) {
	c.statsMu.Lock()
	c.stats.Hits++
	c.stats.TotalRequests++
	if disk {
		c.stats.DiskHits++
	}
	c.statsMu.Unlock()
}

func (c *UnifiedCache) recordMiss() {
	c.statsMu.Lock()
	c.stats.Misses++
	c.stats.TotalRequests++
	c.statsMu.Unlock()
}

func (c *UnifiedCache) recordExpiration(n int) {
	c.statsMu.Lock()
	c.stats.Expirations += int64(n)
	c.statsMu.Unlock()
}
