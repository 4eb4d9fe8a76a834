// internal/lock/lock.go
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrNotAcquired means the lock could not be claimed before the caller's
// deadline.
var ErrNotAcquired = errors.New("lock: not acquired before deadline")

const retryInterval = 100 * time.Millisecond

// Locker is the minimal distributed mutual-exclusion contract: Acquire
// blocks until the key is newly claimed, Release is idempotent and a no-op
// when the token does not match.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (token string, err error)
	Release(ctx context.Context, name string, token string) error
}

// RedisLock implements Locker on a single Redis keyspace with SET NX EX.
// The TTL bounds liveness even if the holder dies; correctness beyond mutual
// exclusion with automatic expiry is not assumed. There is deliberately no
// local fallback: if Redis is unreachable the operation fails.
type RedisLock struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisLock wraps a connected client.
func NewRedisLock(client *redis.Client, logger *zap.Logger) *RedisLock {
	return &RedisLock{client: client, logger: logger}
}

func lockKey(name string) string { return "lock:" + name }

// Acquire claims lock:{name} with expiry ttl, retrying until ctx expires.
// The returned token must be presented to Release.
func (l *RedisLock) Acquire(ctx context.Context, name string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	key := lockKey(name)

	for {
		ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return "", ErrNotAcquired
			}
			return "", fmt.Errorf("lock acquire %s: %w", name, err)
		}
		if ok {
			return token, nil
		}

		select {
		case <-ctx.Done():
			return "", ErrNotAcquired
		case <-time.After(retryInterval):
		}
	}
}

// Release deletes the lock only when the stored token matches ours. A
// mismatch means the lock expired and someone else holds it now; releasing
// then would break their exclusion, so Release quietly does nothing.
func (l *RedisLock) Release(ctx context.Context, name, token string) error {
	key := lockKey(name)

	current, err := l.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lock release %s: %w", name, err)
	}
	if current != token {
		l.logger.Debug("lock token mismatch on release, skipping",
			zap.String("name", name))
		return nil
	}

	if err := l.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("lock release %s: %w", name, err)
	}
	return nil
}
