package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"embercast-live/internal/observability/logging"
)

const (
	// DefaultSendCapacity is the number of sends allowed per user per
	// window.
	DefaultSendCapacity = 10
	// DefaultSendWindow is the fixed rate limiting window.
	DefaultSendWindow = 10 * time.Second
)

// WindowStore abstracts the fixed-window counter backend so deployments can
// share limiter state across nodes via Redis while single-node setups stay in
// memory.
type WindowStore interface {
	// Count returns the current counter value for the key together with
	// the time remaining until the window resets. A zero reset means no
	// window is active.
	Count(ctx context.Context, key string) (int64, time.Duration, error)
	// Increment bumps the counter, starting a new window when none is
	// active, and returns the updated value.
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
}

// SendLimiterOptions configures a SendLimiter. Zero values fall back to
// defaults; a nil Store selects the in-memory backend.
type SendLimiterOptions struct {
	Capacity int
	Window   time.Duration
	Clock    clockwork.Clock
	Store    WindowStore
	Logger   *slog.Logger
}

// SendLimiter enforces a fixed-window cap on sends per key. Checking and
// consuming are separate steps: CanSend is read-only so a rejected commit
// never burns quota, and Increment is called only after the commit succeeds.
type SendLimiter struct {
	capacity int
	window   time.Duration
	clock    clockwork.Clock
	store    WindowStore
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]*windowEntry
}

type windowEntry struct {
	start time.Time
	count int64
}

// NewSendLimiter constructs a SendLimiter.
func NewSendLimiter(opts SendLimiterOptions) *SendLimiter {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultSendCapacity
	}
	window := opts.Window
	if window <= 0 {
		window = DefaultSendWindow
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SendLimiter{
		capacity: capacity,
		window:   window,
		clock:    clock,
		store:    opts.Store,
		logger:   logging.WithComponent(logger, "chat.ratelimit"),
		entries:  make(map[string]*windowEntry),
	}
}

// CanSend reports whether the key has quota left in the current window
// without consuming any. The returned duration is how long until the window
// resets and is only meaningful when the answer is false.
func (l *SendLimiter) CanSend(ctx context.Context, key string) (bool, time.Duration) {
	count, resetIn := l.count(ctx, key)
	if count < int64(l.capacity) {
		return true, 0
	}
	if resetIn <= 0 {
		resetIn = l.window
	}
	return false, resetIn
}

// Increment consumes one unit of quota for the key, starting a fresh window
// when none is active. Callers invoke it only after the guarded operation
// succeeded.
func (l *SendLimiter) Increment(ctx context.Context, key string) {
	if l.store != nil {
		if _, err := l.store.Increment(ctx, key, l.window); err != nil {
			l.logger.Warn("window store increment failed", "error", err)
		}
		return
	}

	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	if !ok || now.Sub(entry.start) >= l.window {
		l.entries[key] = &windowEntry{start: now, count: 1}
		return
	}
	entry.count++
}

// Allow combines CanSend and Increment for callers that consume quota on
// every attempt, such as login throttling.
func (l *SendLimiter) Allow(ctx context.Context, key string) (bool, time.Duration) {
	ok, resetIn := l.CanSend(ctx, key)
	if !ok {
		return false, resetIn
	}
	l.Increment(ctx, key)
	return true, 0
}

// Remaining reports the quota left for the key in the current window.
func (l *SendLimiter) Remaining(ctx context.Context, key string) int {
	count, _ := l.count(ctx, key)
	remaining := int64(l.capacity) - count
	if remaining < 0 {
		return 0
	}
	return int(remaining)
}

// ResetIn reports how long until the key's current window expires. It is zero
// when no window is active.
func (l *SendLimiter) ResetIn(ctx context.Context, key string) time.Duration {
	_, resetIn := l.count(ctx, key)
	return resetIn
}

func (l *SendLimiter) count(ctx context.Context, key string) (int64, time.Duration) {
	if l.store != nil {
		count, resetIn, err := l.store.Count(ctx, key)
		if err != nil {
			// Fail open: a degraded limiter backend should slow
			// moderation, not halt chat.
			l.logger.Warn("window store lookup failed", "error", err)
			return 0, 0
		}
		return count, resetIn
	}

	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	if !ok {
		return 0, 0
	}
	elapsed := now.Sub(entry.start)
	if elapsed >= l.window {
		delete(l.entries, key)
		return 0, 0
	}
	return entry.count, l.window - elapsed
}

// Cleanup drops expired windows from the in-memory backend. It is a no-op for
// store-backed limiters, which expire keys server side.
func (l *SendLimiter) Cleanup() int {
	if l.store != nil {
		return 0
	}
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, entry := range l.entries {
		if now.Sub(entry.start) >= l.window {
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}

// RunCleanup ticks Cleanup on the provided interval until the context is
// cancelled.
func (l *SendLimiter) RunCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := l.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if removed := l.Cleanup(); removed > 0 {
				l.logger.Debug("expired rate limit windows", "removed", removed)
			}
		}
	}
}

// RedisWindowStore keeps fixed-window counters in Redis so every node in a
// deployment enforces the same per-user quota.
type RedisWindowStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisWindowStore wraps the Redis client as a WindowStore. Keys are
// namespaced under the prefix, which defaults to "chat:ratelimit".
func NewRedisWindowStore(client redis.UniversalClient, prefix string) *RedisWindowStore {
	if prefix == "" {
		prefix = "chat:ratelimit"
	}
	return &RedisWindowStore{client: client, prefix: prefix}
}

func (s *RedisWindowStore) key(key string) string {
	return fmt.Sprintf("%s:%s", s.prefix, key)
}

// Count reads the counter and its remaining TTL in one round trip.
func (s *RedisWindowStore) Count(ctx context.Context, key string) (int64, time.Duration, error) {
	namespaced := s.key(key)
	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, namespaced)
	ttlCmd := pipe.PTTL(ctx, namespaced)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, 0, fmt.Errorf("read window %q: %w", key, err)
	}

	count, err := getCmd.Int64()
	if err == redis.Nil {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("read window %q: %w", key, err)
	}
	resetIn := ttlCmd.Val()
	if resetIn < 0 {
		resetIn = 0
	}
	return count, resetIn, nil
}

// Increment bumps the counter and arms the window TTL on the first hit.
func (s *RedisWindowStore) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	namespaced := s.key(key)
	count, err := s.client.Incr(ctx, namespaced).Result()
	if err != nil {
		return 0, fmt.Errorf("increment window %q: %w", key, err)
	}
	if count == 1 {
		if err := s.client.PExpire(ctx, namespaced, window).Err(); err != nil {
			return count, fmt.Errorf("arm window %q: %w", key, err)
		}
	}
	return count, nil
}
