package chat

import (
	"context"
	"log/slog"

	"embercast-live/internal/observability/logging"
	"embercast-live/internal/observability/metrics"
)

// FanoutOptions configures a Fanout worker.
type FanoutOptions struct {
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	// Restrictions, when set, receives moderation events so restriction
	// state issued on other nodes takes effect locally.
	Restrictions *RestrictionState
}

// Fanout bridges the queue to the local registry: it tails the event stream
// and rebroadcasts each event to the subscribers this node is holding open.
type Fanout struct {
	queue        Queue
	registry     *Registry
	restrictions *RestrictionState
	logger       *slog.Logger
	metrics      *metrics.Recorder
}

// NewFanout constructs a Fanout worker.
func NewFanout(queue Queue, registry *Registry, opts FanoutOptions) *Fanout {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := opts.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Fanout{
		queue:        queue,
		registry:     registry,
		restrictions: opts.Restrictions,
		logger:       logging.WithComponent(logger, "chat.fanout"),
		metrics:      recorder,
	}
}

// Run consumes events until the context is cancelled or the subscription
// closes.
func (f *Fanout) Run(ctx context.Context) {
	sub := f.queue.Subscribe()
	defer sub.Close()

	f.logger.Info("fanout started")
	for {
		select {
		case <-ctx.Done():
			f.logger.Info("fanout stopped")
			return
		case event, ok := <-sub.Events():
			if !ok {
				f.logger.Info("fanout subscription closed")
				return
			}
			f.dispatch(event)
		}
	}
}

func (f *Fanout) dispatch(event Event) {
	if event.Type == EventTypeModeration && event.Moderation != nil && f.restrictions != nil {
		f.restrictions.Apply(*event.Moderation)
	}
	delivered := f.registry.Broadcast(event)
	f.metrics.ObserveBroadcast(string(event.Type), delivered)
}
