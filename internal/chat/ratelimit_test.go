package chat

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func newTestLimiter(clock clockwork.Clock, capacity int, window time.Duration) *SendLimiter {
	return NewSendLimiter(SendLimiterOptions{Capacity: capacity, Window: window, Clock: clock})
}

func TestSendLimiterCanSendDoesNotConsume(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	limiter := newTestLimiter(clock, 2, 10*time.Second)

	for i := 0; i < 5; i++ {
		if ok, _ := limiter.CanSend(ctx, "user-1"); !ok {
			t.Fatalf("check %d consumed quota", i)
		}
	}
	if got := limiter.Remaining(ctx, "user-1"); got != 2 {
		t.Fatalf("expected full quota remaining, got %d", got)
	}
}

func TestSendLimiterIncrementConsumesQuota(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	limiter := newTestLimiter(clock, 2, 10*time.Second)

	limiter.Increment(ctx, "user-1")
	if got := limiter.Remaining(ctx, "user-1"); got != 1 {
		t.Fatalf("expected 1 remaining, got %d", got)
	}
	limiter.Increment(ctx, "user-1")
	ok, resetIn := limiter.CanSend(ctx, "user-1")
	if ok {
		t.Fatal("expected quota exhausted")
	}
	if resetIn <= 0 || resetIn > 10*time.Second {
		t.Fatalf("unexpected resetIn %v", resetIn)
	}
	// Other keys are unaffected.
	if ok, _ := limiter.CanSend(ctx, "user-2"); !ok {
		t.Fatal("expected other key allowed")
	}
}

func TestSendLimiterWindowExpiry(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	limiter := newTestLimiter(clock, 1, 10*time.Second)

	limiter.Increment(ctx, "user-1")
	if ok, _ := limiter.CanSend(ctx, "user-1"); ok {
		t.Fatal("expected quota exhausted")
	}

	clock.Advance(10 * time.Second)
	if ok, _ := limiter.CanSend(ctx, "user-1"); !ok {
		t.Fatal("expected fresh window after expiry")
	}
	if got := limiter.ResetIn(ctx, "user-1"); got != 0 {
		t.Fatalf("expected no active window, got %v", got)
	}
}

func TestSendLimiterIncrementRestartsExpiredWindow(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	limiter := newTestLimiter(clock, 3, 10*time.Second)

	limiter.Increment(ctx, "user-1")
	limiter.Increment(ctx, "user-1")
	clock.Advance(11 * time.Second)
	limiter.Increment(ctx, "user-1")
	if got := limiter.Remaining(ctx, "user-1"); got != 2 {
		t.Fatalf("expected restarted window with 2 remaining, got %d", got)
	}
}

func TestSendLimiterAllow(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	limiter := newTestLimiter(clock, 2, time.Minute)

	for i := 0; i < 2; i++ {
		if ok, _ := limiter.Allow(ctx, "login:1.2.3.4"); !ok {
			t.Fatalf("attempt %d should be allowed", i)
		}
	}
	ok, resetIn := limiter.Allow(ctx, "login:1.2.3.4")
	if ok {
		t.Fatal("expected third attempt denied")
	}
	if resetIn <= 0 {
		t.Fatalf("expected positive resetIn, got %v", resetIn)
	}
}

func TestSendLimiterCleanup(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	limiter := newTestLimiter(clock, 5, 10*time.Second)

	limiter.Increment(ctx, "user-1")
	limiter.Increment(ctx, "user-2")
	clock.Advance(5 * time.Second)
	limiter.Increment(ctx, "user-3")

	clock.Advance(5 * time.Second)
	if removed := limiter.Cleanup(); removed != 2 {
		t.Fatalf("expected 2 expired windows removed, got %d", removed)
	}
	if got := limiter.Remaining(ctx, "user-3"); got != 4 {
		t.Fatalf("expected active window untouched, got %d remaining", got)
	}
}

func TestSendLimiterRunCleanupStopsOnCancel(t *testing.T) {
	clock := clockwork.NewFakeClock()
	limiter := newTestLimiter(clock, 5, 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		limiter.RunCleanup(ctx, time.Minute)
		close(done)
	}()

	if err := clock.BlockUntilContext(context.Background(), 1); err != nil {
		t.Fatalf("waiting for ticker: %v", err)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunCleanup did not exit after cancel")
	}
}
