package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only when it still carries our token, so a
// holder whose lease expired cannot release someone else's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared between processes. Each lock is a key set
// with NX and a TTL; the TTL bounds how long a crashed holder can block a
// request.
type RedisLocker struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

// NewRedisLocker creates a new Redis-backed locker.
func NewRedisLocker(client redis.Cmdable, prefix string, ttl, retry time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if retry <= 0 {
		retry = 25 * time.Millisecond
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, retry: retry}
}

// Lock acquires the lock for key, polling until ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis setnx %q: %w", redisKey, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release with a fresh context: the caller's may already be done.
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = releaseScript.Run(rctx, l.client, []string{redisKey}, token).Err()
		})
	}, nil
}

// HealthCheck pings Redis.
func (l *RedisLocker) HealthCheck(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
