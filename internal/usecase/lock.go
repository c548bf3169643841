package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Unlock releases a held host lock.
type Unlock func(ctx context.Context) error

// Locker serializes batches against one recognition host across replicas.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Unlock, error)
}

// unlockScript deletes the key only while it still holds the caller's owner token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker backed by go-redis SETNX.
type RedisLocker struct {
	client redis.Cmdable
	wait   time.Duration
	poll   time.Duration
}

// NewRedisLocker constructs a Redis-backed host lock. Acquire waits up to wait
// for a busy lock, polling every poll.
func NewRedisLocker(client redis.Cmdable, wait, poll time.Duration) *RedisLocker {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	return &RedisLocker{client: client, wait: wait, poll: poll}
}

// Acquire takes the lock at key, returning ErrHostBusy if another owner keeps
// it past the wait window.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Unlock, error) {
	owner := uuid.NewString()
	deadline := time.Now().Add(l.wait)
	for {
		ok, err := l.client.SetNX(ctx, key, owner, ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return func(ctx context.Context) error {
				err := unlockScript.Run(ctx, l.client, []string{key}, owner).Err()
				if errors.Is(err, redis.Nil) {
					return nil
				}
				return err
			}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, ErrHostBusy
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.poll):
		}
	}
}
