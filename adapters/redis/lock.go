// Package redis provides an adapter to redis client
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLockHeld = errors.New("execution already in progress")

// unlockScript deletes the key only if it still holds the caller's token
var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

const (
	minLockTTL    = time.Second
	unlockTimeout = 3 * time.Second
)

// ExecutionLock makes sure that only one process executes a given opportunity at a time
type ExecutionLock struct {
	client    *redis.Client
	keyPrefix string
}

func NewExecutionLock(client *redis.Client, keyPrefix string) *ExecutionLock {
	return &ExecutionLock{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// Acquire takes the lock for key. The returned function releases it and may be called more than once.
func (l *ExecutionLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if ttl < minLockTTL {
		ttl = minLockTTL
	}
	token := uuid.New().String()
	redisKey := l.keyPrefix + key

	ok, err := l.client.SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		// the caller's context may already be cancelled
		unlockCtx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
		defer cancel()
		_ = unlockScript.Run(unlockCtx, l.client, []string{redisKey}, token).Err()
	}, nil
}

// Held reports whether someone holds the lock for key
func (l *ExecutionLock) Held(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Exists(ctx, l.keyPrefix+key).Result()
	return n > 0, err
}
