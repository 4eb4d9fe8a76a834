// internal/cache/warmer.go
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrWarmingQueueFull means the bounded warming queue has no room; callers
// fail fast instead of blocking.
var ErrWarmingQueueFull = errors.New("cache: warming queue full")

// WarmingKind distinguishes how a task got queued; it drives the TTL the
// warmed value receives.
type WarmingKind string

const (
	WarmDemand     WarmingKind = "demand"
	WarmPredictive WarmingKind = "predictive"
	WarmScheduled  WarmingKind = "scheduled"
)

// Schedule is a recurring warming pass over target categories.
type Schedule struct {
	Name             string
	Interval         time.Duration
	Enabled          bool
	Priority         int
	TargetCategories []string
	MaxConcurrent    int
}

// WarmerStats counts warming outcomes.
type WarmerStats struct {
	Total           int64   `json:"total_warmings"`
	Successful      int64   `json:"successful_warmings"`
	Failed          int64   `json:"failed_warmings"`
	Skipped         int64   `json:"skipped_warmings"`
	Queued          int     `json:"queued"`
	Active          int     `json:"active"`
	TrackedPatterns int     `json:"tracked_patterns"`
	DroppedRecords  int64   `json:"dropped_records"`
	AvgWarmSeconds  float64 `json:"average_warming_seconds"`
}

type warmTask struct {
	kind     WarmingKind
	key      string
	category string
	priority int
	getter   Getter
	schedule *Schedule
}

type accessRecord struct {
	key      string
	category string
	at       time.Time
}

// GetterFactory reconstructs a loader for a key when one can be derived from
// the key's shape (model-list keys, for instance). Returning nil skips the
// key.
type GetterFactory func(key string) Getter

// WarmerOptions configures a Warmer.
type WarmerOptions struct {
	MaxConcurrent  int
	QueueCapacity  int
	Schedules      []Schedule
	GetterFactory  GetterFactory
	EnablePatterns bool
}

// Warmer proactively fills the cache from three sources: on-demand requests,
// predictive pattern analysis, and recurring schedules. Each loop is an
// independently cancellable goroutine under Run.
type Warmer struct {
	cache  *UnifiedCache
	opts   WarmerOptions
	logger *zap.Logger

	queue   chan warmTask
	records chan accessRecord
	sem     *semaphore.Weighted

	tracker *PatternTracker

	mu        sync.Mutex
	inflight  map[string]struct{}
	schedules map[string]*Schedule
	lastRun   map[string]time.Time
	stats     WarmerStats
	warmTimes []time.Duration
}

// NewWarmer creates a Warmer bound to a cache.
func NewWarmer(c *UnifiedCache, opts WarmerOptions, logger *zap.Logger) *Warmer {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 10
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 1000
	}

	w := &Warmer{
		cache:     c,
		opts:      opts,
		logger:    logger,
		queue:     make(chan warmTask, opts.QueueCapacity),
		records:   make(chan accessRecord, 1024),
		sem:       semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		tracker:   NewPatternTracker(),
		inflight:  make(map[string]struct{}),
		schedules: make(map[string]*Schedule),
		lastRun:   make(map[string]time.Time),
	}
	for i := range opts.Schedules {
		s := opts.Schedules[i]
		w.schedules[s.Name] = &s
	}
	return w
}

// Run starts the pattern, schedule, and dispatch loops. It returns when ctx
// is cancelled and all loops have stopped.
func (w *Warmer) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.recordLoop(ctx)
	}()

	if w.opts.EnablePatterns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.patternLoop(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.scheduleLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.dispatchLoop(ctx)
	}()

	wg.Wait()
}

// RecordAccess notes a cache read for pattern analysis. Non-blocking: under
// contention the sample is dropped rather than stalling the read path.
func (w *Warmer) RecordAccess(key, category string) {
	select {
	case w.records <- accessRecord{key: key, category: category, at: time.Now()}:
	default:
		w.mu.Lock()
		w.stats.DroppedRecords++
		w.mu.Unlock()
	}
}

// WarmKey queues an on-demand warming. Fails fast when the queue is full.
func (w *Warmer) WarmKey(key string, getter Getter, category string, priority int) error {
	task := warmTask{
		kind:     WarmDemand,
		key:      key,
		category: category,
		priority: clampPriority(priority),
		getter:   getter,
	}
	select {
	case w.queue <- task:
		return nil
	default:
		return ErrWarmingQueueFull
	}
}

// AddSchedule registers a recurring warming schedule. Replaces any schedule
// with the same name.
func (w *Warmer) AddSchedule(s Schedule) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.schedules[s.Name] = &s
}

// RemoveSchedule drops a schedule by name.
func (w *Warmer) RemoveSchedule(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.schedules[name]; !ok {
		return false
	}
	delete(w.schedules, name)
	delete(w.lastRun, name)
	return true
}

// Stats returns a snapshot of warming counters.
func (w *Warmer) Stats() WarmerStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := w.stats
	s.Queued = len(w.queue)
	s.Active = len(w.inflight)
	s.TrackedPatterns = w.tracker.Len()
	if len(w.warmTimes) > 0 {
		var sum time.Duration
		for _, d := range w.warmTimes {
			sum += d
		}
		s.AvgWarmSeconds = (sum / time.Duration(len(w.warmTimes))).Seconds()
	}
	return s
}

// Tracker exposes the pattern tracker for tier promotion decisions.
func (w *Warmer) Tracker() *PatternTracker { return w.tracker }

func (w *Warmer) recordLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-w.records:
			w.tracker.Record(r.key, r.category, r.at)
		}
	}
}

// patternLoop analyzes access patterns every five minutes: adjust priorities
// by observed frequency, then queue predictive warmings for the highest
// scoring keys whose getter can be rebuilt from the key alone.
func (w *Warmer) patternLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			w.tracker.AdjustPriorities(now)

			if w.opts.GetterFactory == nil {
				continue
			}
			for _, cand := range w.tracker.TopCandidates(now, 0.5, 10) {
				getter := w.opts.GetterFactory(cand.Key)
				if getter == nil {
					continue
				}
				task := warmTask{
					kind:     WarmPredictive,
					key:      cand.Key,
					category: cand.Category,
					priority: cand.Priority,
					getter:   getter,
				}
				select {
				case w.queue <- task:
				default:
					// Queue full: predictive work is optional, drop it.
				}
			}
		}
	}
}

// scheduleLoop fires enabled schedules whose interval has elapsed, checking
// every minute.
func (w *Warmer) scheduleLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.fireDueSchedules(time.Now())
		}
	}
}

func (w *Warmer) fireDueSchedules(now time.Time) {
	w.mu.Lock()
	var due []*Schedule
	for name, s := range w.schedules {
		if !s.Enabled {
			continue
		}
		if now.Sub(w.lastRun[name]) >= s.Interval {
			due = append(due, s)
			w.lastRun[name] = now
		}
	}
	w.mu.Unlock()

	for _, s := range due {
		w.queueScheduled(s)
	}
}

func (w *Warmer) queueScheduled(s *Schedule) {
	if w.opts.GetterFactory == nil {
		return
	}

	limit := s.MaxConcurrent
	if limit <= 0 {
		limit = w.opts.MaxConcurrent
	}

	queued := 0
	categories := s.TargetCategories
	if len(categories) == 0 {
		categories = w.cache.Categories()
	}
	for _, category := range categories {
		for _, key := range w.cache.Keys(category) {
			if queued >= limit {
				return
			}
			getter := w.opts.GetterFactory(key)
			if getter == nil {
				continue
			}
			task := warmTask{
				kind:     WarmScheduled,
				key:      key,
				category: category,
				priority: s.Priority,
				getter:   getter,
				schedule: s,
			}
			select {
			case w.queue <- task:
				queued++
			default:
				w.logger.Debug("warming queue full, schedule pass truncated",
					zap.String("schedule", s.Name))
				return
			}
		}
	}
}

// dispatchLoop drains the queue, bounding in-flight warmings with the
// semaphore and deduplicating keys already being warmed by this instance.
func (w *Warmer) dispatchLoop(ctx context.Context) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case task := <-w.queue:
			if !w.claim(task.key) {
				continue
			}
			if err := w.sem.Acquire(ctx, 1); err != nil {
				w.release(task.key)
				return
			}
			wg.Add(1)
			go func(task warmTask) {
				defer wg.Done()
				defer w.sem.Release(1)
				defer w.release(task.key)
				w.execute(ctx, task)
			}(task)
		}
	}
}

func (w *Warmer) claim(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, busy := w.inflight[key]; busy {
		return false
	}
	w.inflight[key] = struct{}{}
	return true
}

func (w *Warmer) release(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inflight, key)
}

func (w *Warmer) execute(ctx context.Context, task warmTask) {
	start := time.Now()

	w.mu.Lock()
	w.stats.Total++
	w.mu.Unlock()

	value, err := task.getter(ctx)
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "failed"
		w.logger.Warn("warming failed",
			zap.String("key", task.key),
			zap.String("kind", string(task.kind)),
			zap.Error(err))
	case value == nil:
		outcome = "skipped"
	default:
		ttl := w.warmingTTL(task)
		if err := w.cache.Set(ctx, task.key, value, ttl, task.category, task.priority); err != nil {
			outcome = "failed"
			w.logger.Warn("warmed value not admitted",
				zap.String("key", task.key), zap.Error(err))
		}
	}

	w.mu.Lock()
	switch outcome {
	case "ok":
		w.stats.Successful++
	case "failed":
		w.stats.Failed++
	case "skipped":
		w.stats.Skipped++
	}
	w.warmTimes = append(w.warmTimes, time.Since(start))
	if len(w.warmTimes) > 1000 {
		w.warmTimes = w.warmTimes[len(w.warmTimes)-1000:]
	}
	w.mu.Unlock()
}

// warmingTTL picks the lifetime for warmed content: demand warming runs
// longer than the default, predictive matches it, scheduled tracks the
// schedule's cadence.
func (w *Warmer) warmingTTL(task warmTask) time.Duration {
	base := w.cache.DefaultTTL()
	switch task.kind {
	case WarmDemand:
		return base * 3 / 2
	case WarmScheduled:
		if task.schedule != nil {
			ttl := 2 * task.schedule.Interval
			if capTTL := 4 * base; ttl > capTTL {
				ttl = capTTL
			}
			return ttl
		}
		return base
	default:
		return base
	}
}
