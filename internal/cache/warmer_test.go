package cache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWarmer_DemandWarming(t *testing.T) {
	t.Run("queued key lands in the cache", func(t *testing.T) {
		// Arrange
		c := newTestCache(t, Options{})
		w := NewWarmer(c, WarmerOptions{MaxConcurrent: 2, QueueCapacity: 10}, zap.NewNop())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go w.Run(ctx)

		// Act
		err := w.WarmKey("k", func(ctx context.Context) ([]byte, error) {
			return []byte("warmed"), nil
		}, CategoryModels, 2)
		require.NoError(t, err)

		// Assert
		require.Eventually(t, func() bool {
			return c.Has("k")
		}, time.Second, 10*time.Millisecond)

		value, ok := c.Get(ctx, "k", CategoryModels)
		require.True(t, ok)
		assert.Equal(t, []byte("warmed"), value)
		assert.Equal(t, int64(1), w.Stats().Successful)
	})

	t.Run("nil value is skipped, not cached", func(t *testing.T) {
		c := newTestCache(t, Options{})
		w := NewWarmer(c, WarmerOptions{MaxConcurrent: 1, QueueCapacity: 10}, zap.NewNop())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go w.Run(ctx)

		require.NoError(t, w.WarmKey("k", func(ctx context.Context) ([]byte, error) {
			return nil, nil
		}, CategoryDefault, 1))

		require.Eventually(t, func() bool {
			return w.Stats().Skipped == 1
		}, time.Second, 10*time.Millisecond)
		assert.False(t, c.Has("k"))
	})

	t.Run("full queue fails fast", func(t *testing.T) {
		c := newTestCache(t, Options{})
		// No dispatch loop running, so the queue only drains by capacity.
		w := NewWarmer(c, WarmerOptions{MaxConcurrent: 1, QueueCapacity: 2}, zap.NewNop())

		getter := func(ctx context.Context) ([]byte, error) { return []byte("x"), nil }
		require.NoError(t, w.WarmKey("a", getter, CategoryDefault, 1))
		require.NoError(t, w.WarmKey("b", getter, CategoryDefault, 1))

		err := w.WarmKey("c", getter, CategoryDefault, 1)
		assert.ErrorIs(t, err, ErrWarmingQueueFull)
	})

	t.Run("getter failure counts as failed warming", func(t *testing.T) {
		c := newTestCache(t, Options{})
		w := NewWarmer(c, WarmerOptions{MaxConcurrent: 1, QueueCapacity: 10}, zap.NewNop())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go w.Run(ctx)

		require.NoError(t, w.WarmKey("k", func(ctx context.Context) ([]byte, error) {
			return nil, assert.AnError
		}, CategoryDefault, 1))

		require.Eventually(t, func() bool {
			return w.Stats().Failed == 1
		}, time.Second, 10*time.Millisecond)
	})
}

func TestWarmer_Schedules(t *testing.T) {
	t.Run("due schedule queues keys from target categories", func(t *testing.T) {
		// Arrange: one model key already cached, getter factory knows how to
		// rebuild it.
		c := newTestCache(t, Options{})
		ctx := context.Background()
		require.NoError(t, c.Set(ctx, "models:registry", []byte("old"), time.Minute, CategoryModels, 3))

		var rebuilt atomic.Int64
		factory := func(key string) Getter {
			if key != "models:registry" {
				return nil
			}
			return func(ctx context.Context) ([]byte, error) {
				rebuilt.Add(1)
				return []byte("fresh"), nil
			}
		}

		w := NewWarmer(c, WarmerOptions{
			MaxConcurrent: 2,
			QueueCapacity: 10,
			GetterFactory: factory,
			Schedules: []Schedule{{
				Name:             "models",
				Interval:         time.Second,
				Enabled:          true,
				Priority:         3,
				TargetCategories: []string{CategoryModels},
				MaxConcurrent:    5,
			}},
		}, zap.NewNop())

		runCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go w.Run(runCtx)

		// Act: fire the schedule directly instead of waiting a minute.
		w.fireDueSchedules(time.Now().Add(time.Hour))

		// Assert
		require.Eventually(t, func() bool {
			return rebuilt.Load() == 1
		}, time.Second, 10*time.Millisecond)

		value, ok := c.Get(ctx, "models:registry", CategoryModels)
		require.True(t, ok)
		assert.Equal(t, []byte("fresh"), value)
	})

	t.Run("disabled schedule never fires", func(t *testing.T) {
		c := newTestCache(t, Options{})
		w := NewWarmer(c, WarmerOptions{
			MaxConcurrent: 1,
			QueueCapacity: 10,
			GetterFactory: func(string) Getter { return nil },
			Schedules: []Schedule{{
				Name:     "off",
				Interval: time.Millisecond,
				Enabled:  false,
			}},
		}, zap.NewNop())

		w.fireDueSchedules(time.Now().Add(time.Hour))
		assert.Equal(t, 0, w.Stats().Queued)
	})

	t.Run("schedules can be added and removed", func(t *testing.T) {
		c := newTestCache(t, Options{})
		w := NewWarmer(c, WarmerOptions{MaxConcurrent: 1, QueueCapacity: 10}, zap.NewNop())

		w.AddSchedule(Schedule{Name: "s", Interval: time.Hour, Enabled: true})
		assert.True(t, w.RemoveSchedule("s"))
		assert.False(t, w.RemoveSchedule("s"))
	})
}

func TestWarmer_WarmingTTL(t *testing.T) {
	c := newTestCache(t, Options{DefaultTTL: time.Minute})
	w := NewWarmer(c, WarmerOptions{MaxConcurrent: 1, QueueCapacity: 10}, zap.NewNop())

	t.Run("demand warming outlives the default", func(t *testing.T) {
		ttl := w.warmingTTL(warmTask{kind: WarmDemand})
		assert.Equal(t, 90*time.Second, ttl)
	})

	t.Run("predictive warming matches the default", func(t *testing.T) {
		ttl := w.warmingTTL(warmTask{kind: WarmPredictive})
		assert.Equal(t, time.Minute, ttl)
	})

	t.Run("scheduled warming tracks the interval, capped", func(t *testing.T) {
		short := &Schedule{Interval: 30 * time.Second}
		assert.Equal(t, time.Minute, w.warmingTTL(warmTask{kind: WarmScheduled, schedule: short}))

		long := &Schedule{Interval: time.Hour}
		assert.Equal(t, 4*time.Minute, w.warmingTTL(warmTask{kind: WarmScheduled, schedule: long}))
	})
}

func TestPatternTracker(t *testing.T) {
	t.Run("records and trims the window", func(t *testing.T) {
		tr := NewPatternTracker()
		now := time.Now()

		tr.Record("k", CategoryModels, now.Add(-8*24*time.Hour))
		tr.Record("k", CategoryModels, now)

		assert.Equal(t, 1, tr.Len())
		assert.Len(t, tr.patterns["k"].samples, 1, "the eight-day-old sample is trimmed")
	})

	t.Run("frequency counts the last day", func(t *testing.T) {
		tr := NewPatternTracker()
		now := time.Now()
		for i := 0; i < 12; i++ {
			tr.Record("k", CategoryModels, now.Add(-time.Duration(i)*time.Minute))
		}

		tr.mu.Lock()
		p := tr.patterns["k"]
		tr.mu.Unlock()

		assert.Greater(t, p.Frequency(now), 10.0)
	})

	t.Run("priorities adjust with frequency", func(t *testing.T) {
		tr := NewPatternTracker()
		now := time.Now()

		// Hot key: far more than ten accesses in the last hour.
		for i := 0; i < 30; i++ {
			tr.Record("hot", CategoryModels, now.Add(-time.Duration(i)*time.Minute))
		}
		// Cold key: one access a day ago.
		tr.Record("cold", CategoryAnalytics, now.Add(-23*time.Hour))
		// Push cold above the floor first so the decrement is observable.
		tr.mu.Lock()
		tr.patterns["cold"].Priority = 3
		tr.mu.Unlock()

		tr.AdjustPriorities(now)

		assert.Equal(t, 2, tr.Priority("hot"))
		assert.Equal(t, 2, tr.Priority("cold"))
	})

	t.Run("top candidates ranked by predictive score", func(t *testing.T) {
		tr := NewPatternTracker()
		now := time.Now()

		for i := 0; i < 30; i++ {
			tr.Record("busy", CategoryModels, now.Add(-time.Duration(i)*time.Minute))
		}
		tr.Record("quiet", CategoryModels, now.Add(-20*time.Hour))

		candidates := tr.TopCandidates(now, 0.5, 10)

		require.NotEmpty(t, candidates)
		assert.Equal(t, "busy", candidates[0].Key)
	})
}
