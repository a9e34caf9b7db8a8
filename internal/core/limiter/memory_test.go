package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiterConsumesAndRefills(t *testing.T) {
	now := time.Unix(1000, 0)
	lim := NewMemoryLimiter(Config{Capacity: 10, Window: time.Second}).
		WithClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		res, err := lim.Increment(ctx, "a:client_events:1.1")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d", i)
	}

	res, err := lim.Increment(ctx, "a:client_events:1.1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Positive(t, res.RetryAfter)
	assert.Equal(t, 10, res.Limit)

	// Half a window refills half the capacity.
	now = now.Add(500 * time.Millisecond)
	res, err = lim.Increment(ctx, "a:client_events:1.1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 4, res.Remaining)
}

func TestMemoryLimiterRefillIsCapped(t *testing.T) {
	now := time.Unix(1000, 0)
	lim := NewMemoryLimiter(Config{Capacity: 5, Window: time.Second}).
		WithClock(func() time.Time { return now })
	ctx := context.Background()

	_, err := lim.Increment(ctx, "k")
	require.NoError(t, err)

	now = now.Add(time.Hour)
	res, err := lim.Check(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 5, res.Remaining)
}

func TestMemoryLimiterCheckDoesNotConsume(t *testing.T) {
	lim := NewMemoryLimiter(Config{Capacity: 2, Window: time.Second})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := lim.Check(ctx, "k")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
}

func TestMemoryLimiterReset(t *testing.T) {
	now := time.Unix(1000, 0)
	lim := NewMemoryLimiter(Config{Capacity: 1, Window: time.Hour}).
		WithClock(func() time.Time { return now })
	ctx := context.Background()

	res, err := lim.Increment(ctx, "k")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = lim.Increment(ctx, "k")
	require.NoError(t, err)
	require.False(t, res.Allowed)

	require.NoError(t, lim.Reset(ctx, "k"))

	res, err = lim.Increment(ctx, "k")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	lim := NewMemoryLimiter(Config{Capacity: 1, Window: time.Hour})
	ctx := context.Background()

	res, err := lim.Increment(ctx, Key("app", "connect", "1.2.3.4"))
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = lim.Increment(ctx, Key("app", "connect", "5.6.7.8"))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}
