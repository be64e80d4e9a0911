package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openequity/collab/internal/slogging"
	"github.com/redis/go-redis/v9"
)

// DefaultMessagesPerMinute is the per-connection application message ceiling.
const DefaultMessagesPerMinute = 60

// RateLimiter bounds inbound messages per connection. Exceeding the ceiling
// drops the message silently; it never closes the connection. Sustained
// abuse is a reverse-proxy concern, not this layer's.
type RateLimiter interface {
	// Allow reports whether one more message from this connection fits in
	// the current window.
	Allow(ctx context.Context, connectionID string) bool
	// Forget discards any counter state for a closed connection.
	Forget(ctx context.Context, connectionID string)
}

// RedisRateLimiter implements sliding-window rate limiting on Redis sorted
// sets, one key per connection. On Redis errors it fails open and logs.
type RedisRateLimiter struct {
	Client *redis.Client
	Limit  int
	Window time.Duration
}

// NewRedisRateLimiter creates a limiter with the given ceiling per window.
func NewRedisRateLimiter(client *redis.Client, limit int, window time.Duration) *RedisRateLimiter {
	if limit <= 0 {
		limit = DefaultMessagesPerMinute
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RedisRateLimiter{Client: client, Limit: limit, Window: window}
}

// Allow checks and records one message in the connection's sliding window.
func (r *RedisRateLimiter) Allow(ctx context.Context, connectionID string) bool {
	if r.Client == nil {
		slogging.Get().Warn("Redis not available, skipping rate limit check")
		return true
	}

	key := "collab:ratelimit:conn:" + connectionID
	now := time.Now()
	windowStart := now.Add(-r.Window).UnixMilli()

	pipe := r.Client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart))
	countCmd := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, r.Window+time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		slogging.Get().Error("Rate limit check failed, failing open - connection_id=%s error=%v", connectionID, err)
		return true
	}

	if countCmd.Val() >= int64(r.Limit) {
		return false
	}

	// Record the message only when admitted.
	err := r.Client.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: fmt.Sprintf("%d:%d", now.UnixMilli(), now.UnixNano()),
	}).Err()
	if err != nil {
		slogging.Get().Error("Rate limit record failed - connection_id=%s error=%v", connectionID, err)
	}
	return true
}

// Forget deletes the connection's counter key.
func (r *RedisRateLimiter) Forget(ctx context.Context, connectionID string) {
	if r.Client == nil {
		return
	}
	if err := r.Client.Del(ctx, "collab:ratelimit:conn:"+connectionID).Err(); err != nil {
		slogging.Get().Debug("Failed to delete rate limit key - connection_id=%s error=%v", connectionID, err)
	}
}

// MemoryRateLimiter is the in-process fallback used when Redis is not
// configured: a fixed window counter per connection (count resets when the
// window elapses, else increments).
type MemoryRateLimiter struct {
	Limit  int
	Window time.Duration

	mu      sync.Mutex
	windows map[string]*rateWindow
}

type rateWindow struct {
	start time.Time
	count int
}

// NewMemoryRateLimiter creates an in-process limiter.
func NewMemoryRateLimiter(limit int, window time.Duration) *MemoryRateLimiter {
	if limit <= 0 {
		limit = DefaultMessagesPerMinute
	}
	if window <= 0 {
		window = time.Minute
	}
	return &MemoryRateLimiter{
		Limit:   limit,
		Window:  window,
		windows: make(map[string]*rateWindow),
	}
}

// Allow checks and records one message in the connection's current window.
func (m *MemoryRateLimiter) Allow(ctx context.Context, connectionID string) bool {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[connectionID]
	if !ok || now.Sub(w.start) >= m.Window {
		m.windows[connectionID] = &rateWindow{start: now, count: 1}
		return true
	}

	if w.count >= m.Limit {
		return false
	}
	w.count++
	return true
}

// Forget discards the connection's window.
func (m *MemoryRateLimiter) Forget(ctx context.Context, connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.windows, connectionID)
}
