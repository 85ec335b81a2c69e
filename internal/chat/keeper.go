package chat

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"embercast-live/internal/observability/logging"
)

const (
	// DefaultHeartbeatInterval is how often keepalive frames are pushed to
	// subscribers.
	DefaultHeartbeatInterval = 15 * time.Second
	// DefaultReapInterval is how often the reaper scans for dead
	// connections.
	DefaultReapInterval = 30 * time.Second
	// DefaultStaleAfter is how long a connection may go without a
	// successful delivery before the reaper drops it.
	DefaultStaleAfter = 90 * time.Second
)

// KeeperOptions configures the heartbeat and reaper cadence. Zero values fall
// back to defaults.
type KeeperOptions struct {
	Logger            *slog.Logger
	Clock             clockwork.Clock
	HeartbeatInterval time.Duration
	ReapInterval      time.Duration
	StaleAfter        time.Duration
}

// Keeper runs the registry's liveness loop: periodic keepalive frames so idle
// streams keep flowing, and a reaper that evicts connections the keepalives
// stopped reaching.
type Keeper struct {
	registry *Registry
	logger   *slog.Logger
	clock    clockwork.Clock

	heartbeatInterval time.Duration
	reapInterval      time.Duration
	staleAfter        time.Duration
}

// NewKeeper constructs a Keeper for the registry.
func NewKeeper(registry *Registry, opts KeeperOptions) *Keeper {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	heartbeat := opts.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	reap := opts.ReapInterval
	if reap <= 0 {
		reap = DefaultReapInterval
	}
	stale := opts.StaleAfter
	if stale <= 0 {
		stale = DefaultStaleAfter
	}
	return &Keeper{
		registry:          registry,
		logger:            logging.WithComponent(logger, "chat.keeper"),
		clock:             clock,
		heartbeatInterval: heartbeat,
		reapInterval:      reap,
		staleAfter:        stale,
	}
}

// Run blocks until the context is cancelled, ticking the heartbeat and reaper
// on their configured intervals.
func (k *Keeper) Run(ctx context.Context) {
	heartbeat := k.clock.NewTicker(k.heartbeatInterval)
	defer heartbeat.Stop()
	reaper := k.clock.NewTicker(k.reapInterval)
	defer reaper.Stop()

	k.logger.Info("keeper started",
		"heartbeat_interval", k.heartbeatInterval,
		"reap_interval", k.reapInterval,
		"stale_after", k.staleAfter,
	)

	for {
		select {
		case <-ctx.Done():
			k.logger.Info("keeper stopped")
			return
		case <-heartbeat.Chan():
			delivered := k.registry.Keepalive()
			if delivered > 0 {
				k.logger.Debug("keepalive pushed", "connections", delivered)
			}
		case <-reaper.Chan():
			if reaped := k.registry.Reap(k.staleAfter); reaped > 0 {
				k.logger.Info("reaped stale subscribers", "connections", reaped)
			}
		}
	}
}
