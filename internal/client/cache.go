package client

import (
	"sync"
	"time"

	"embercast-live/internal/chat"
)

// MessageState tracks a transcript entry through the optimistic send flow.
type MessageState int

const (
	// StatePending marks a locally appended message awaiting server
	// acknowledgment.
	StatePending MessageState = iota
	// StateCommitted marks a message confirmed by the server.
	StateCommitted
	// StateSendFailed marks an optimistic send the server rejected.
	StateSendFailed
)

// Message is one transcript entry. Pending entries carry a TempID and no ID
// until the server acknowledges them.
type Message struct {
	ID        string
	TempID    string
	ChannelID string
	UserID    string
	Content   string
	CreatedAt time.Time
	State     MessageState
}

// Cache holds the client's per-channel chat state: the set of server message
// ids already applied, which is the deduplication authority, and the ordered
// transcript including optimistic entries. Reconnect-triggered history
// refetches and live push overlap freely; the seen set absorbs the duplicates.
type Cache struct {
	mu       sync.Mutex
	channels map[string]*channelView
}

type channelView struct {
	seen    map[string]struct{}
	ordered []Message
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{channels: make(map[string]*channelView)}
}

func (c *Cache) view(channelID string) *channelView {
	view, ok := c.channels[channelID]
	if !ok {
		view = &channelView{seen: make(map[string]struct{})}
		c.channels[channelID] = view
	}
	return view
}

// Apply folds a live event into the transcript. It reports whether the view
// changed; duplicate message deliveries return false.
func (c *Cache) Apply(event chat.Event) bool {
	switch event.Type {
	case chat.EventTypeMessage:
		if event.Message == nil {
			return false
		}
		return c.applyMessage(*event.Message)
	case chat.EventTypeModeration:
		if event.Moderation == nil || event.Moderation.Action != chat.ModerationActionDelete {
			return false
		}
		return c.removeMessage(event.Moderation.ChannelID, event.Moderation.MessageID)
	}
	return false
}

func (c *Cache) applyMessage(message chat.MessageEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	view := c.view(message.ChannelID)
	if _, dup := view.seen[message.ID]; dup {
		return false
	}
	view.seen[message.ID] = struct{}{}

	// A canonical message supersedes the matching optimistic entry in
	// place, preserving the sender's local ordering.
	for i := range view.ordered {
		entry := &view.ordered[i]
		if entry.State != StatePending {
			continue
		}
		if entry.ID == message.ID || (entry.ID == "" && entry.UserID == message.UserID && entry.Content == message.Content) {
			entry.ID = message.ID
			entry.Content = message.Content
			entry.CreatedAt = message.CreatedAt
			entry.State = StateCommitted
			return true
		}
	}

	view.ordered = append(view.ordered, Message{
		ID:        message.ID,
		ChannelID: message.ChannelID,
		UserID:    message.UserID,
		Content:   message.Content,
		CreatedAt: message.CreatedAt,
		State:     StateCommitted,
	})
	return true
}

// removeMessage handles moderation deletes. This is the one case where the
// seen set shrinks: a deleted id may be legitimately reused by a history
// refetch that no longer contains it.
func (c *Cache) removeMessage(channelID, messageID string) bool {
	if messageID == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	view := c.view(channelID)
	delete(view.seen, messageID)
	for i := range view.ordered {
		if view.ordered[i].ID == messageID {
			view.ordered = append(view.ordered[:i], view.ordered[i+1:]...)
			return true
		}
	}
	return false
}

// AppendPending adds an optimistic entry to the transcript tail.
func (c *Cache) AppendPending(channelID, tempID, userID, content string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	view := c.view(channelID)
	view.ordered = append(view.ordered, Message{
		TempID:    tempID,
		ChannelID: channelID,
		UserID:    userID,
		Content:   content,
		CreatedAt: at,
		State:     StatePending,
	})
}

// Acknowledge commits an optimistic entry under its server id. When the
// canonical message already arrived over the stream, the pending duplicate is
// dropped instead so the attempt collapses to exactly one entry. The id joins
// the seen set either way; the entry must not linger pending if the stream
// drops before echoing it back.
func (c *Cache) Acknowledge(channelID, tempID, messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	view := c.view(channelID)
	for i := range view.ordered {
		entry := &view.ordered[i]
		if entry.TempID != tempID || entry.State != StatePending {
			continue
		}
		if _, seen := view.seen[messageID]; seen {
			view.ordered = append(view.ordered[:i], view.ordered[i+1:]...)
			return
		}
		view.seen[messageID] = struct{}{}
		entry.ID = messageID
		entry.State = StateCommitted
		return
	}
}

// Fail removes the optimistic entry for a rejected send.
func (c *Cache) Fail(channelID, tempID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	view := c.view(channelID)
	for i := range view.ordered {
		if view.ordered[i].TempID == tempID && view.ordered[i].State == StatePending {
			view.ordered = append(view.ordered[:i], view.ordered[i+1:]...)
			return
		}
	}
}

// MergeHistory prepends a reverse-chronological history page, filtering out
// ids the session has already applied. It returns the number of entries
// added.
func (c *Cache) MergeHistory(channelID string, page []chat.MessageEvent) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	view := c.view(channelID)

	fresh := make([]Message, 0, len(page))
	// The page arrives newest first; walk it backwards so the prepended
	// block stays chronological.
	for i := len(page) - 1; i >= 0; i-- {
		message := page[i]
		if _, dup := view.seen[message.ID]; dup {
			continue
		}
		view.seen[message.ID] = struct{}{}
		fresh = append(fresh, Message{
			ID:        message.ID,
			ChannelID: message.ChannelID,
			UserID:    message.UserID,
			Content:   message.Content,
			CreatedAt: message.CreatedAt,
			State:     StateCommitted,
		})
	}
	if len(fresh) == 0 {
		return 0
	}
	view.ordered = append(fresh, view.ordered...)
	return len(fresh)
}

// OldestID returns the pagination cursor: the id of the oldest committed
// entry, or "" when the transcript holds none.
func (c *Cache) OldestID(channelID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	view := c.view(channelID)
	for _, entry := range view.ordered {
		if entry.ID != "" {
			return entry.ID
		}
	}
	return ""
}

// Messages returns a copy of the channel transcript in display order.
func (c *Cache) Messages(channelID string) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	view := c.view(channelID)
	out := make([]Message, len(view.ordered))
	copy(out, view.ordered)
	return out
}

// Seen reports whether a server message id has been applied.
func (c *Cache) Seen(channelID, messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.view(channelID).seen[messageID]
	return ok
}
