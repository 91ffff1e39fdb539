package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript counts a hit and starts the window expiry on the first one.
var incrScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// RateLimitStore counts requests per key in fixed windows shared across instances.
type RateLimitStore struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

// NewRateLimitStore returns redis-backed limiter allowing limit requests per window.
func NewRateLimitStore(client *redis.Client, limit int, window time.Duration) *RateLimitStore {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimitStore{client: client, limit: int64(limit), window: window}
}

func (s *RateLimitStore) key(id string) string {
	return fmt.Sprintf("settlement:ratelimit:%s", id)
}

// Allow counts one request for id and reports whether it fits in the current window.
// A non-positive limit allows everything.
func (s *RateLimitStore) Allow(ctx context.Context, id string) (bool, error) {
	if s.limit <= 0 {
		return true, nil
	}
	n, err := incrScript.Run(ctx, s.client, []string{s.key(id)}, s.window.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n <= s.limit, nil
}
