package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"embercast-live/internal/models"
	"embercast-live/internal/observability/logging"
	"embercast-live/internal/observability/metrics"
)

const adminRole = "admin"

// CommitParams carries a validated message into the storage transaction.
type CommitParams struct {
	ChannelID string
	SenderID  string
	Content   string
	// SkipDebit marks sends by the channel owner or an admin, which pass
	// through the same pipeline but leave the wallet untouched.
	SkipDebit bool
}

// CommitResult is what the storage transaction produced. Ledger is nil when
// the debit was skipped.
type CommitResult struct {
	Message models.ChatMessage
	Ledger  *models.LedgerEntry
}

// Store is the slice of the repository the commit pipeline depends on.
// CommitChatMessage must be atomic: either the message, the debit, and the
// ledger entry all land, or none do.
type Store interface {
	GetChannel(id string) (models.Channel, bool)
	GetUser(id string) (models.User, bool)
	CommitChatMessage(ctx context.Context, params CommitParams) (CommitResult, error)
	DeleteChatMessage(channelID, messageID string) error
	ApplyChatEvent(event Event) error
	ChatRestrictions() RestrictionsSnapshot
}

// CommitterOptions configures a Committer.
type CommitterOptions struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Metrics *metrics.Recorder
	// Origin tags published events with this node's identity.
	Origin string
}

// Committer runs the send pipeline: resolve channel and sender, check
// restrictions, sanitise content, commit atomically, then hand the result to
// the fanout queue. Broadcast is fire and forget; a publish failure is logged
// but the committed message stands.
type Committer struct {
	store        Store
	queue        Queue
	restrictions *RestrictionState
	logger       *slog.Logger
	clock        clockwork.Clock
	metrics      *metrics.Recorder
	origin       string
}

// NewCommitter constructs a Committer and bootstraps its restriction view from
// storage.
func NewCommitter(store Store, queue Queue, opts CommitterOptions) *Committer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	recorder := opts.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	committer := &Committer{
		store:        store,
		queue:        queue,
		restrictions: NewRestrictionState(),
		logger:       logging.WithComponent(logger, "chat.committer"),
		clock:        clock,
		metrics:      recorder,
		origin:       opts.Origin,
	}
	committer.restrictions.Bootstrap(store.ChatRestrictions())
	return committer
}

// Restrictions exposes the in-memory restriction view so the fanout worker
// can fold in moderation events arriving from other nodes.
func (c *Committer) Restrictions() *RestrictionState {
	return c.restrictions
}

// Commit validates and persists a message. Failures wrap one of the package
// sentinels; on success the message has been durably committed and queued for
// broadcast.
func (c *Committer) Commit(ctx context.Context, channelID, senderID, content string) (CommitResult, error) {
	channel, ok := c.store.GetChannel(channelID)
	if !ok {
		return CommitResult{}, fmt.Errorf("%w: channel %s", ErrNotFound, channelID)
	}
	sender, ok := c.store.GetUser(senderID)
	if !ok {
		return CommitResult{}, fmt.Errorf("%w: user %s", ErrNotFound, senderID)
	}
	if err := c.restrictions.EnsureAllowed(channel.ID, sender.ID, c.clock.Now()); err != nil {
		return CommitResult{}, err
	}
	cleaned, err := SanitizeContent(content)
	if err != nil {
		return CommitResult{}, err
	}

	params := CommitParams{
		ChannelID: channel.ID,
		SenderID:  sender.ID,
		Content:   cleaned,
		SkipDebit: sender.ID == channel.OwnerID || sender.HasRole(adminRole),
	}
	result, err := c.store.CommitChatMessage(ctx, params)
	if err != nil {
		return CommitResult{}, err
	}

	c.metrics.ObserveChatEvent(string(EventTypeMessage))
	if result.Ledger != nil {
		c.metrics.ObserveCreditDebit(result.Ledger.Amount)
	}
	c.publish(ctx, Event{
		Type:   EventTypeMessage,
		Origin: c.origin,
		Message: &MessageEvent{
			ID:        result.Message.ID,
			ChannelID: result.Message.ChannelID,
			UserID:    result.Message.UserID,
			Content:   result.Message.Content,
			CreatedAt: result.Message.CreatedAt,
		},
		OccurredAt: result.Message.CreatedAt,
	})
	return result, nil
}

// Moderate authorises, persists, and publishes a moderation action. The actor
// must be the channel owner or an admin, and the channel owner can never be
// the target.
func (c *Committer) Moderate(ctx context.Context, actorID string, action ModerationEvent) (Event, error) {
	channel, ok := c.store.GetChannel(action.ChannelID)
	if !ok {
		return Event{}, fmt.Errorf("%w: channel %s", ErrNotFound, action.ChannelID)
	}
	actor, ok := c.store.GetUser(actorID)
	if !ok {
		return Event{}, fmt.Errorf("%w: user %s", ErrNotFound, actorID)
	}
	if actor.ID != channel.OwnerID && !actor.HasRole(adminRole) {
		return Event{}, fmt.Errorf("%w: moderation requires channel owner or admin", ErrRestricted)
	}
	action.ActorID = actor.ID

	switch action.Action {
	case ModerationActionDelete:
		if strings.TrimSpace(action.MessageID) == "" {
			return Event{}, fmt.Errorf("%w: messageId is required", ErrValidation)
		}
		if err := c.store.DeleteChatMessage(channel.ID, action.MessageID); err != nil {
			return Event{}, err
		}
	case ModerationActionMute:
		if action.ExpiresAt == nil || !action.ExpiresAt.After(c.clock.Now()) {
			return Event{}, fmt.Errorf("%w: mute requires a future expiry", ErrValidation)
		}
		fallthrough
	case ModerationActionBan, ModerationActionUnban, ModerationActionUnmute:
		if strings.TrimSpace(action.TargetID) == "" {
			return Event{}, fmt.Errorf("%w: targetId is required", ErrValidation)
		}
		if action.TargetID == channel.OwnerID {
			return Event{}, fmt.Errorf("%w: channel owner cannot be restricted", ErrValidation)
		}
	default:
		return Event{}, fmt.Errorf("%w: unsupported action %q", ErrValidation, action.Action)
	}

	event := Event{
		Type:       EventTypeModeration,
		Origin:     c.origin,
		Moderation: &action,
		OccurredAt: c.clock.Now(),
	}
	if action.Action != ModerationActionDelete {
		if err := c.store.ApplyChatEvent(event); err != nil {
			return Event{}, err
		}
		c.restrictions.Apply(action)
	}

	c.metrics.ObserveChatEvent(string(EventTypeModeration))
	c.publish(ctx, event)
	return event, nil
}

func (c *Committer) publish(ctx context.Context, event Event) {
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := c.queue.Publish(publishCtx, event); err != nil {
		c.logger.Error("publish chat event failed", "type", event.Type, "channel_id", event.ChannelID(), "error", err)
	}
}
