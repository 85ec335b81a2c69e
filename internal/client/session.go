package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"embercast-live/internal/chat"
)

// SessionState names a position in the connection lifecycle.
type SessionState string

const (
	// StateDisconnected is the initial state before Run is called.
	StateDisconnected SessionState = "disconnected"
	// StateConnecting covers the first connection attempt.
	StateConnecting SessionState = "connecting"
	// StateConnected means live events are flowing into the cache.
	StateConnected SessionState = "connected"
	// StateReconnecting covers retry attempts after a dropped stream.
	StateReconnecting SessionState = "reconnecting"
	// StateFailed is terminal: the retry budget is exhausted and the
	// session will not reconnect on its own.
	StateFailed SessionState = "failed"
)

// ErrConnectionLost is returned by Run when the retry budget runs out.
var ErrConnectionLost = errors.New("client: connection lost")

const (
	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffCap  = 30 * time.Second
	defaultMaxAttempts = 8
)

// StreamFunc opens the live event stream, typically Client.Stream. The
// returned channel closes when the stream ends.
type StreamFunc func(ctx context.Context) (<-chan chat.Event, error)

// SessionConfig wires a Session.
type SessionConfig struct {
	// Cache receives every deduplicated event.
	Cache *Cache
	// Stream opens the transport.
	Stream StreamFunc
	// BackoffBase seeds the retry delay: base doubles per consecutive
	// failed attempt until it hits BackoffCap. Defaults to 500ms.
	BackoffBase time.Duration
	// BackoffCap bounds the per-attempt delay. Defaults to 30s.
	BackoffCap time.Duration
	// MaxAttempts is the consecutive-failure ceiling before the session
	// gives up and parks in StateFailed. Defaults to 8.
	MaxAttempts int
	// OnState observes every transition. Optional; invoked synchronously.
	OnState func(SessionState)
	Clock   clockwork.Clock
	Logger  *slog.Logger
}

// Session drives the stream consumer lifecycle: connect, feed the cache,
// and on stream loss retry with bounded exponential backoff. A successful
// connection resets the attempt counter, so only consecutive failures burn
// the retry budget.
type Session struct {
	cfg SessionConfig

	mu       sync.Mutex
	state    SessionState
	attempts int
}

// NewSession validates the config and returns a disconnected session.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Cache == nil {
		return nil, fmt.Errorf("client: session requires a cache")
	}
	if cfg.Stream == nil {
		return nil, fmt.Errorf("client: session requires a stream opener")
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = defaultBackoffCap
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Session{cfg: cfg, state: StateDisconnected}, nil
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	if s.cfg.OnState != nil {
		s.cfg.OnState(state)
	}
}

// Run consumes the stream until ctx is cancelled or the retry budget is
// exhausted. Cancellation returns ctx.Err() and leaves the session
// disconnected; exhaustion returns ErrConnectionLost and parks it in
// StateFailed.
func (s *Session) Run(ctx context.Context) error {
	first := true
	for {
		if first {
			s.setState(StateConnecting)
			first = false
		} else {
			s.setState(StateReconnecting)
		}

		events, err := s.cfg.Stream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.setState(StateDisconnected)
				return ctx.Err()
			}
			if waitErr := s.backoff(ctx, err); waitErr != nil {
				return waitErr
			}
			continue
		}

		s.setState(StateConnected)
		s.mu.Lock()
		s.attempts = 0
		s.mu.Unlock()

		if err := s.consume(ctx, events); err != nil {
			s.setState(StateDisconnected)
			return err
		}
		if waitErr := s.backoff(ctx, errors.New("stream closed")); waitErr != nil {
			return waitErr
		}
	}
}

// consume drains the event channel into the cache. It returns ctx.Err() on
// cancellation and nil when the stream closes and a reconnect is in order.
func (s *Session) consume(ctx context.Context, events <-chan chat.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, open := <-events:
			if !open {
				return nil
			}
			s.cfg.Cache.Apply(event)
		}
	}
}

// backoff sleeps base*2^attempts (capped) before the next attempt, or fails
// the session once the attempt ceiling is reached.
func (s *Session) backoff(ctx context.Context, cause error) error {
	s.mu.Lock()
	attempt := s.attempts
	s.attempts++
	s.mu.Unlock()

	if attempt >= s.cfg.MaxAttempts {
		s.cfg.Logger.Error("chat session gave up",
			slog.Int("attempts", attempt),
			slog.String("error", cause.Error()))
		s.setState(StateFailed)
		return ErrConnectionLost
	}

	delay := s.cfg.BackoffBase << attempt
	if delay > s.cfg.BackoffCap || delay <= 0 {
		delay = s.cfg.BackoffCap
	}
	s.cfg.Logger.Warn("chat stream dropped",
		slog.Int("attempt", attempt+1),
		slog.Duration("retryIn", delay),
		slog.String("error", cause.Error()))

	timer := s.cfg.Clock.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		s.setState(StateDisconnected)
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}

// LoadOlder pages the transcript backwards from the oldest locally known
// message using fetch, typically Client.History. Results already applied by
// the live stream are filtered out; the count of newly prepended messages is
// returned.
func (s *Session) LoadOlder(ctx context.Context, channelID string, limit int, fetch func(ctx context.Context, channelID, before string, limit int) ([]chat.MessageEvent, error)) (int, error) {
	before := s.cfg.Cache.OldestID(channelID)
	page, err := fetch(ctx, channelID, before, limit)
	if err != nil {
		return 0, err
	}
	return s.cfg.Cache.MergeHistory(channelID, page), nil
}
