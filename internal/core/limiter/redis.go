package limiter

import (
	"context"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

var _ RateLimiter = (*RedisLimiter)(nil)

// RedisLimiter is a fixed-window counter shared by every node in the
// cluster. The first increment of a window arms the expiry.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	config Config
}

func NewRedisLimiter(client redis.UniversalClient, prefix string, config Config) *RedisLimiter {
	if prefix == "" {
		prefix = "rate_limit"
	}
	return &RedisLimiter{client: client, prefix: prefix, config: config}
}

func (l *RedisLimiter) key(key string) string {
	return l.prefix + ":" + key
}

func (l *RedisLimiter) Check(ctx context.Context, key string) (Result, error) {
	count, err := l.client.Get(ctx, l.key(key)).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Result{}, errors.Wrap(err, "rate limit check")
	}
	return l.result(ctx, key, count), nil
}

func (l *RedisLimiter) Increment(ctx context.Context, key string) (Result, error) {
	rkey := l.key(key)
	count, err := l.client.Incr(ctx, rkey).Result()
	if err != nil {
		return Result{}, errors.Wrap(err, "rate limit increment")
	}
	// First hit of a window arms the expiry.
	if count == 1 {
		if err := l.client.PExpire(ctx, rkey, l.config.Window).Err(); err != nil {
			return Result{}, errors.Wrap(err, "rate limit window expiry")
		}
	}
	return l.result(ctx, key, int(count)), nil
}

func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	return errors.Wrap(l.client.Del(ctx, l.key(key)).Err(), "rate limit reset")
}

func (l *RedisLimiter) result(ctx context.Context, key string, count int) Result {
	res := Result{
		Allowed:   count <= l.config.Capacity,
		Remaining: l.config.Capacity - count,
		Limit:     l.config.Capacity,
	}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	if !res.Allowed {
		if ttl, err := l.client.PTTL(ctx, l.key(key)).Result(); err == nil && ttl > 0 {
			res.RetryAfter = ttl
		} else {
			res.RetryAfter = l.config.Window
		}
	}
	return res
}
