package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"embercast-live/internal/chat"
)

type stateRecorder struct {
	mu     sync.Mutex
	states []SessionState
}

func (r *stateRecorder) record(state SessionState) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
}

func (r *stateRecorder) snapshot() []SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionState, len(r.states))
	copy(out, r.states)
	return out
}

func waitFor(t *testing.T, what string, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSessionDeliversEventsToCache(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan chat.Event, 1)
	cache := NewCache()
	session, err := NewSession(SessionConfig{
		Cache: cache,
		Stream: func(ctx context.Context) (<-chan chat.Event, error) {
			return events, nil
		},
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- session.Run(ctx) }()

	waitFor(t, "connected state", func() bool { return session.State() == StateConnected })

	events <- messageEvent("msg-1", "chan-1", "user-1", "hello")
	waitFor(t, "event applied", func() bool { return cache.Seen("chan-1", "msg-1") })

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if session.State() != StateDisconnected {
		t.Fatalf("expected disconnected after cancel, got %s", session.State())
	}
}

func TestSessionReconnectsAfterDrop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewFakeClock()
	recorder := &stateRecorder{}
	events := make(chan chat.Event, 1)

	var mu sync.Mutex
	attempt := 0
	stream := func(ctx context.Context) (<-chan chat.Event, error) {
		mu.Lock()
		defer mu.Unlock()
		attempt++
		if attempt == 1 {
			return nil, errors.New("dial refused")
		}
		return events, nil
	}

	session, err := NewSession(SessionConfig{
		Cache:       NewCache(),
		Stream:      stream,
		BackoffBase: time.Second,
		Clock:       clock,
		OnState:     recorder.record,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- session.Run(ctx) }()

	blockCtx, blockCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer blockCancel()
	if err := clock.BlockUntilContext(blockCtx, 1); err != nil {
		t.Fatalf("waiting for backoff timer: %v", err)
	}
	clock.Advance(time.Second)

	waitFor(t, "reconnect", func() bool { return session.State() == StateConnected })

	states := recorder.snapshot()
	want := []SessionState{StateConnecting, StateReconnecting, StateConnected}
	if len(states) < len(want) {
		t.Fatalf("expected at least %d transitions, got %v", len(want), states)
	}
	for i, state := range want {
		if states[i] != state {
			t.Fatalf("transition %d: expected %s, got %s (all: %v)", i, state, states[i], states)
		}
	}

	cancel()
	<-errCh
}

func TestSessionFailsAfterRetryBudget(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewFakeClock()
	session, err := NewSession(SessionConfig{
		Cache: NewCache(),
		Stream: func(ctx context.Context) (<-chan chat.Event, error) {
			return nil, errors.New("dial refused")
		},
		BackoffBase: time.Second,
		MaxAttempts: 2,
		Clock:       clock,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- session.Run(ctx) }()

	// Two backoff waits fit inside the budget; the third attempt is the
	// one that gives up.
	for _, delay := range []time.Duration{time.Second, 2 * time.Second} {
		blockCtx, blockCancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := clock.BlockUntilContext(blockCtx, 1); err != nil {
			blockCancel()
			t.Fatalf("waiting for backoff timer: %v", err)
		}
		blockCancel()
		clock.Advance(delay)
	}

	if err := <-errCh; !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost, got %v", err)
	}
	if session.State() != StateFailed {
		t.Fatalf("expected failed state, got %s", session.State())
	}
}

func TestSessionResetsAttemptsOnConnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewFakeClock()
	var mu sync.Mutex
	attempt := 0
	holdOpen := make(chan chat.Event)
	stream := func(ctx context.Context) (<-chan chat.Event, error) {
		mu.Lock()
		defer mu.Unlock()
		attempt++
		switch attempt {
		case 1:
			return nil, errors.New("dial refused")
		case 2:
			closed := make(chan chat.Event)
			close(closed)
			return closed, nil
		default:
			return holdOpen, nil
		}
	}

	// MaxAttempts of 1 tolerates a single consecutive failure. The
	// successful second attempt must reset the counter or the post-close
	// retry would exhaust the budget.
	session, err := NewSession(SessionConfig{
		Cache:       NewCache(),
		Stream:      stream,
		BackoffBase: time.Second,
		MaxAttempts: 1,
		Clock:       clock,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- session.Run(ctx) }()

	for i := 0; i < 2; i++ {
		blockCtx, blockCancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := clock.BlockUntilContext(blockCtx, 1); err != nil {
			blockCancel()
			t.Fatalf("waiting for backoff timer %d: %v", i, err)
		}
		blockCancel()
		clock.Advance(time.Second)
	}

	waitFor(t, "third connection", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempt >= 3 && session.State() == StateConnected
	})

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSessionLoadOlder(t *testing.T) {
	cache := NewCache()
	cache.Apply(messageEvent("msg-2", "chan-1", "user-1", "newer"))

	session, err := NewSession(SessionConfig{
		Cache: cache,
		Stream: func(ctx context.Context) (<-chan chat.Event, error) {
			return nil, errors.New("unused")
		},
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	fetch := func(ctx context.Context, channelID, before string, limit int) ([]chat.MessageEvent, error) {
		if channelID != "chan-1" {
			t.Fatalf("unexpected channel %s", channelID)
		}
		if before != "msg-2" {
			t.Fatalf("expected cursor msg-2, got %q", before)
		}
		return []chat.MessageEvent{
			{ID: "msg-2", ChannelID: "chan-1", UserID: "user-1", Content: "newer", CreatedAt: time.Now()},
			{ID: "msg-1", ChannelID: "chan-1", UserID: "user-2", Content: "older", CreatedAt: time.Now()},
		}, nil
	}

	added, err := session.LoadOlder(context.Background(), "chan-1", 2, fetch)
	if err != nil {
		t.Fatalf("LoadOlder: %v", err)
	}
	if added != 1 {
		t.Fatalf("expected 1 new entry, got %d", added)
	}
	messages := cache.Messages("chan-1")
	if len(messages) != 2 || messages[0].ID != "msg-1" || messages[1].ID != "msg-2" {
		t.Fatalf("unexpected transcript %+v", messages)
	}
}
