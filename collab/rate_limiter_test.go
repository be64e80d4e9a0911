package collab

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisRateLimiterEnforcesCeiling(t *testing.T) {
	limiter := NewRedisRateLimiter(newTestRedis(t), 5, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow(ctx, "conn-1"), "message %d should be admitted", i+1)
	}
	assert.False(t, limiter.Allow(ctx, "conn-1"), "sixth message should be dropped")
}

func TestRedisRateLimiterPerConnection(t *testing.T) {
	limiter := NewRedisRateLimiter(newTestRedis(t), 2, time.Minute)
	ctx := context.Background()

	require.True(t, limiter.Allow(ctx, "conn-1"))
	require.True(t, limiter.Allow(ctx, "conn-1"))
	require.False(t, limiter.Allow(ctx, "conn-1"))

	// Another connection has its own window.
	assert.True(t, limiter.Allow(ctx, "conn-2"))
}

func TestRedisRateLimiterWindowSlides(t *testing.T) {
	limiter := NewRedisRateLimiter(newTestRedis(t), 2, 50*time.Millisecond)
	ctx := context.Background()

	require.True(t, limiter.Allow(ctx, "conn-1"))
	require.True(t, limiter.Allow(ctx, "conn-1"))
	require.False(t, limiter.Allow(ctx, "conn-1"))

	time.Sleep(60 * time.Millisecond)
	assert.True(t, limiter.Allow(ctx, "conn-1"), "window should have slid past the old entries")
}

func TestRedisRateLimiterFailsOpenWithoutRedis(t *testing.T) {
	limiter := NewRedisRateLimiter(nil, 1, time.Minute)
	ctx := context.Background()

	assert.True(t, limiter.Allow(ctx, "conn-1"))
	assert.True(t, limiter.Allow(ctx, "conn-1"))
}

func TestRedisRateLimiterForget(t *testing.T) {
	limiter := NewRedisRateLimiter(newTestRedis(t), 1, time.Minute)
	ctx := context.Background()

	require.True(t, limiter.Allow(ctx, "conn-1"))
	require.False(t, limiter.Allow(ctx, "conn-1"))

	limiter.Forget(ctx, "conn-1")
	assert.True(t, limiter.Allow(ctx, "conn-1"))
}

func TestMemoryRateLimiterEnforcesCeiling(t *testing.T) {
	limiter := NewMemoryRateLimiter(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow(ctx, "conn-1"))
	}
	assert.False(t, limiter.Allow(ctx, "conn-1"))
	assert.True(t, limiter.Allow(ctx, "conn-2"))
}

func TestMemoryRateLimiterWindowResets(t *testing.T) {
	limiter := NewMemoryRateLimiter(1, 20*time.Millisecond)
	ctx := context.Background()

	require.True(t, limiter.Allow(ctx, "conn-1"))
	require.False(t, limiter.Allow(ctx, "conn-1"))

	time.Sleep(25 * time.Millisecond)
	assert.True(t, limiter.Allow(ctx, "conn-1"))
}

func TestMemoryRateLimiterForget(t *testing.T) {
	limiter := NewMemoryRateLimiter(1, time.Minute)
	ctx := context.Background()

	require.True(t, limiter.Allow(ctx, "conn-1"))
	limiter.Forget(ctx, "conn-1")
	assert.True(t, limiter.Allow(ctx, "conn-1"))
}
