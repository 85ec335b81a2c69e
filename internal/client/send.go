package client

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// SendFunc posts one message and returns the server acknowledgment.
type SendFunc func(ctx context.Context, content string) (SendResult, error)

// SendQueueConfig wires a SendQueue.
type SendQueueConfig struct {
	// ChannelID scopes optimistic entries in the cache.
	ChannelID string
	// UserID is the local sender, used to match canonical stream messages
	// back to optimistic entries.
	UserID string
	// Cache receives optimistic entries and acknowledgments.
	Cache *Cache
	// Send performs the wire call, typically Client.Send.
	Send SendFunc
	// Buffer bounds the number of queued unsent messages. Defaults to 32.
	Buffer int
	// OnFailure is invoked with the rejected content and error after the
	// optimistic entry is rolled back. Optional.
	OnFailure func(content string, err error)
	Clock     clockwork.Clock
	Logger    *slog.Logger
}

type sendJob struct {
	tempID  string
	content string
}

// SendQueue serializes message submission: one request in flight at a time,
// strictly FIFO, so server-side ordering matches the order the user typed.
// Each enqueued message appears in the cache immediately as a pending entry
// and is rolled back if the server rejects it.
type SendQueue struct {
	cfg  SendQueueConfig
	jobs chan sendJob
}

// NewSendQueue validates the config and returns an idle queue; call Run to
// start draining it.
func NewSendQueue(cfg SendQueueConfig) (*SendQueue, error) {
	if cfg.ChannelID == "" || cfg.UserID == "" {
		return nil, fmt.Errorf("client: send queue requires channel and user ids")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("client: send queue requires a cache")
	}
	if cfg.Send == nil {
		return nil, fmt.Errorf("client: send queue requires a send function")
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 32
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &SendQueue{
		cfg:  cfg,
		jobs: make(chan sendJob, cfg.Buffer),
	}, nil
}

// Enqueue appends an optimistic entry to the transcript and schedules the
// send. It returns the temp id identifying the pending entry, or an error
// when the queue backlog is full.
func (q *SendQueue) Enqueue(content string) (string, error) {
	tempID := uuid.NewString()
	q.cfg.Cache.AppendPending(q.cfg.ChannelID, tempID, q.cfg.UserID, content, q.cfg.Clock.Now())
	select {
	case q.jobs <- sendJob{tempID: tempID, content: content}:
		return tempID, nil
	default:
		q.cfg.Cache.Fail(q.cfg.ChannelID, tempID)
		return "", fmt.Errorf("client: send queue full")
	}
}

// Run drains the queue until ctx is cancelled. Submissions are acknowledged
// into the cache on success and rolled back on failure; a failed send never
// blocks the ones queued behind it.
func (q *SendQueue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			q.deliver(ctx, job)
		}
	}
}

func (q *SendQueue) deliver(ctx context.Context, job sendJob) {
	result, err := q.cfg.Send(ctx, job.content)
	if err != nil {
		q.cfg.Cache.Fail(q.cfg.ChannelID, job.tempID)
		q.cfg.Logger.Warn("chat send rejected",
			slog.String("channelID", q.cfg.ChannelID),
			slog.String("error", err.Error()))
		if q.cfg.OnFailure != nil {
			q.cfg.OnFailure(job.content, err)
		}
		return
	}
	q.cfg.Cache.Acknowledge(q.cfg.ChannelID, job.tempID, result.MessageID)
}

// Backlog reports the number of messages queued behind the in-flight send.
func (q *SendQueue) Backlog() int {
	return len(q.jobs)
}
