package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		RecoveryTimeout:  time.Second,
		SuccessThreshold: 3,
	}
}

func TestBreaker_StateMachine(t *testing.T) {
	t.Run("starts closed and allows calls", func(t *testing.T) {
		b := NewBreaker(testSettings())
		assert.Equal(t, StateClosed, b.State(time.Now()))
		assert.NoError(t, b.Allow(time.Now()))
	})

	t.Run("opens after threshold consecutive failures", func(t *testing.T) {
		b := NewBreaker(testSettings())
		now := time.Now()

		for i := 0; i < 4; i++ {
			b.RecordFailure(now)
			assert.Equal(t, StateClosed, b.State(now), "below threshold stays closed")
		}
		b.RecordFailure(now)

		assert.Equal(t, StateOpen, b.State(now))
		assert.ErrorIs(t, b.Allow(now), ErrOpen)
	})

	t.Run("success resets the failure streak", func(t *testing.T) {
		b := NewBreaker(testSettings())
		now := time.Now()

		for i := 0; i < 4; i++ {
			b.RecordFailure(now)
		}
		b.RecordSuccess(now)
		for i := 0; i < 4; i++ {
			b.RecordFailure(now)
		}

		assert.Equal(t, StateClosed, b.State(now), "streak restarted after success")
	})

	t.Run("half open after recovery timeout", func(t *testing.T) {
		b := NewBreaker(testSettings())
		now := time.Now()

		for i := 0; i < 5; i++ {
			b.RecordFailure(now)
		}
		later := now.Add(2 * time.Second)

		assert.Equal(t, StateHalfOpen, b.State(later))
		assert.NoError(t, b.Allow(later), "probe permitted after recovery timeout")
	})

	t.Run("closes after enough consecutive probe successes", func(t *testing.T) {
		b := NewBreaker(testSettings())
		now := time.Now()

		for i := 0; i < 5; i++ {
			b.RecordFailure(now)
		}
		later := now.Add(2 * time.Second)

		for i := 0; i < 3; i++ {
			assert.NoError(t, b.Allow(later))
			b.RecordSuccess(later)
		}

		assert.Equal(t, StateClosed, b.State(later))
		assert.Equal(t, 0, b.Failures())
	})

	t.Run("half open failure reopens and restarts the timer", func(t *testing.T) {
		b := NewBreaker(testSettings())
		now := time.Now()

		for i := 0; i < 5; i++ {
			b.RecordFailure(now)
		}
		later := now.Add(2 * time.Second)
		assert.NoError(t, b.Allow(later))
		b.RecordFailure(later)

		assert.Equal(t, StateOpen, b.State(later))
		assert.ErrorIs(t, b.Allow(later.Add(500*time.Millisecond)), ErrOpen,
			"timer restarted, still open before the new timeout elapses")
	})

	t.Run("half open bounds concurrent probes", func(t *testing.T) {
		b := NewBreaker(testSettings())
		now := time.Now()

		for i := 0; i < 5; i++ {
			b.RecordFailure(now)
		}
		later := now.Add(2 * time.Second)

		assert.NoError(t, b.Allow(later))
		assert.NoError(t, b.Allow(later))
		assert.NoError(t, b.Allow(later))
		assert.ErrorIs(t, b.Allow(later), ErrOpen, "probe budget exhausted")
	})

	t.Run("reset forces closed", func(t *testing.T) {
		b := NewBreaker(testSettings())
		now := time.Now()

		for i := 0; i < 5; i++ {
			b.RecordFailure(now)
		}
		b.Reset()

		assert.Equal(t, StateClosed, b.State(now))
		assert.Equal(t, 0, b.Failures())
		assert.NoError(t, b.Allow(now))
	})
}
