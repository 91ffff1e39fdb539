package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultLockTTL   = 2 * time.Minute
	defaultLockRetry = 50 * time.Millisecond
)

// releaseScript deletes the lock only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// GPULocker is a redis-backed mutex per key, shared by every service instance. It
// serialises launches and wipes on one physical GPU across hosts.
type GPULocker struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
}

// NewGPULocker returns redis-backed locker. ttl bounds how long a crashed holder blocks others.
func NewGPULocker(client *redis.Client, ttl time.Duration) *GPULocker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &GPULocker{client: client, ttl: ttl, retry: defaultLockRetry}
}

func (l *GPULocker) key(name string) string {
	return fmt.Sprintf("settlement:lock:%s", name)
}

// Lock blocks until the key is acquired or ctx ends.
func (l *GPULocker) Lock(ctx context.Context, name string) (func(), error) {
	key := l.key(name)
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return func() {
				// A failed release is reclaimed by the TTL.
				_ = releaseScript.Run(context.Background(), l.client, []string{key}, token).Err()
			}, nil
		}

		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// held reports whether anyone currently holds the key.
func (l *GPULocker) held(ctx context.Context, name string) (bool, error) {
	err := l.client.Get(ctx, l.key(name)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	return err == nil, err
}
