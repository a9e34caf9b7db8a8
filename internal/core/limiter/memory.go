package limiter

import (
	"context"
	"math"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

var _ RateLimiter = (*MemoryLimiter)(nil)

// MemoryLimiter is a per-process token bucket. Buckets refill lazily on
// access at Capacity/Window tokens per second.
type MemoryLimiter struct {
	config  Config
	buckets *xsync.Map[string, *bucket]
	now     func() time.Time
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

func NewMemoryLimiter(config Config) *MemoryLimiter {
	return &MemoryLimiter{
		config:  config,
		buckets: xsync.NewMap[string, *bucket](),
		now:     time.Now,
	}
}

// WithClock overrides the time source. Tests only.
func (l *MemoryLimiter) WithClock(now func() time.Time) *MemoryLimiter {
	l.now = now
	return l
}

func (l *MemoryLimiter) Check(_ context.Context, key string) (Result, error) {
	return l.apply(key, 0), nil
}

func (l *MemoryLimiter) Increment(_ context.Context, key string) (Result, error) {
	return l.apply(key, 1), nil
}

func (l *MemoryLimiter) Reset(_ context.Context, key string) error {
	l.buckets.Delete(key)
	return nil
}

func (l *MemoryLimiter) apply(key string, consume float64) Result {
	capacity := float64(l.config.Capacity)
	rate := capacity / l.config.Window.Seconds()
	now := l.now()

	var res Result
	res.Limit = l.config.Capacity

	l.buckets.Compute(key, func(old *bucket, loaded bool) (*bucket, xsync.ComputeOp) {
		b := &bucket{tokens: capacity, lastRefill: now}
		if loaded {
			elapsed := now.Sub(old.lastRefill).Seconds()
			b.tokens = math.Min(capacity, old.tokens+elapsed*rate)
		}
		if b.tokens >= consume {
			b.tokens -= consume
			res.Allowed = true
		} else {
			res.Allowed = false
			deficit := consume - b.tokens
			res.RetryAfter = time.Duration(deficit / rate * float64(time.Second))
		}
		res.Remaining = int(b.tokens)
		return b, xsync.UpdateOp
	})

	return res
}
