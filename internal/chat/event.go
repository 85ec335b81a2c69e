package chat

import "time"

// EventType enumerates the chat events flowing through the fanout queue and
// out to subscribed viewers.
type EventType string

const (
	// EventTypeConnection greets a freshly subscribed viewer with its
	// connection identifier.
	EventTypeConnection EventType = "connection"
	// EventTypeMessage represents a chat message authored by a viewer,
	// moderator, or channel owner.
	EventTypeMessage EventType = "message"
	// EventTypeModeration represents a moderation action such as a mute or
	// ban.
	EventTypeModeration EventType = "moderation"
	// EventTypeKeepalive is a liveness probe injected by the heartbeat
	// worker. The stream handler renders it as a comment frame rather than
	// a data frame.
	EventTypeKeepalive EventType = "keepalive"
)

// ModerationAction captures the moderation operations available to channel
// owners and moderators.
type ModerationAction string

const (
	// ModerationActionDelete removes a previously committed message.
	ModerationActionDelete ModerationAction = "delete"
	// ModerationActionMute temporarily silences a user in the channel.
	ModerationActionMute ModerationAction = "mute"
	// ModerationActionUnmute clears a previously issued mute.
	ModerationActionUnmute ModerationAction = "unmute"
	// ModerationActionBan blocks a user from the channel entirely.
	ModerationActionBan ModerationAction = "ban"
	// ModerationActionUnban removes a previously issued ban.
	ModerationActionUnban ModerationAction = "unban"
)

// Event is the wire representation carried by the fanout queue and delivered
// to stream subscribers. Origin identifies the node that published the event
// so multi-node deployments can trace delivery.
type Event struct {
	Type       EventType        `json:"type"`
	Origin     string           `json:"origin,omitempty"`
	Connection *ConnectionEvent `json:"connection,omitempty"`
	Message    *MessageEvent    `json:"message,omitempty"`
	Moderation *ModerationEvent `json:"moderation,omitempty"`
	OccurredAt time.Time        `json:"occurredAt"`
}

// ChannelID resolves the channel the event belongs to, or "" for events that
// are not channel scoped.
func (e Event) ChannelID() string {
	switch {
	case e.Connection != nil:
		return e.Connection.ChannelID
	case e.Message != nil:
		return e.Message.ChannelID
	case e.Moderation != nil:
		return e.Moderation.ChannelID
	}
	return ""
}

// ConnectionEvent is the first frame pushed to a new subscriber.
type ConnectionEvent struct {
	ConnectionID string `json:"connectionId"`
	ChannelID    string `json:"channelId"`
}

// MessageEvent transports a committed chat message to subscribers.
type MessageEvent struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channelId"`
	UserID    string    `json:"userId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// ModerationEvent describes a moderation action taken by a moderator or
// channel owner. MessageID is set for delete actions only.
type ModerationEvent struct {
	Action    ModerationAction `json:"action"`
	ChannelID string           `json:"channelId"`
	ActorID   string           `json:"actorId"`
	TargetID  string           `json:"targetId,omitempty"`
	MessageID string           `json:"messageId,omitempty"`
	ExpiresAt *time.Time       `json:"expiresAt,omitempty"`
	Reason    string           `json:"reason,omitempty"`
}

// RestrictionsSnapshot represents the currently active moderation state for
// each channel. It is used to answer gating checks without a storage round
// trip and to bootstrap replicas at startup.
type RestrictionsSnapshot struct {
	Bans  map[string]map[string]struct{}
	Mutes map[string]map[string]time.Time
}

// Copy returns a deep copy of the snapshot.
func (r RestrictionsSnapshot) Copy() RestrictionsSnapshot {
	out := RestrictionsSnapshot{
		Bans:  make(map[string]map[string]struct{}, len(r.Bans)),
		Mutes: make(map[string]map[string]time.Time, len(r.Mutes)),
	}
	for channel, bans := range r.Bans {
		clone := make(map[string]struct{}, len(bans))
		for user := range bans {
			clone[user] = struct{}{}
		}
		out.Bans[channel] = clone
	}
	for channel, mutes := range r.Mutes {
		clone := make(map[string]time.Time, len(mutes))
		for user, expiry := range mutes {
			clone[user] = expiry
		}
		out.Mutes[channel] = clone
	}
	return out
}
