package server

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"embercast-live/internal/chat"
)

// RateLimitConfig bounds request throughput. GlobalRPS caps the whole server;
// LoginLimit/LoginWindow throttle login attempts per client IP. LoginStore
// shares the login counters across nodes when set; nil keeps them in memory.
type RateLimitConfig struct {
	GlobalRPS   float64
	GlobalBurst int
	LoginLimit  int
	LoginWindow time.Duration
	LoginStore  chat.WindowStore
}

type rateLimiter struct {
	global *rate.Limiter
	login  *chat.SendLimiter
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst)
	}
	if cfg.LoginLimit > 0 {
		window := cfg.LoginWindow
		if window <= 0 {
			window = time.Minute
		}
		rl.login = chat.NewSendLimiter(chat.SendLimiterOptions{
			Capacity: cfg.LoginLimit,
			Window:   window,
			Store:    cfg.LoginStore,
		})
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowLogin consumes one login attempt for the client IP. The returned
// duration is how long until the window resets and is only meaningful when the
// attempt was rejected.
func (r *rateLimiter) AllowLogin(ctx context.Context, ip string) (bool, time.Duration) {
	if r == nil || r.login == nil {
		return true, 0
	}
	if ip == "" {
		ip = "unknown"
	}
	return r.login.Allow(ctx, "login:"+ip)
}
