package chat

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"embercast-live/internal/observability/logging"
)

const defaultConnectionBuffer = 32

// Connection is a single subscriber attached to a channel's fanout. Events are
// pushed into a bounded buffer; the stream handler drains it and writes frames
// to the viewer.
type Connection struct {
	id        string
	channelID string
	userID    string

	events chan Event
	done   chan struct{}
	once   sync.Once

	clock clockwork.Clock

	mu           sync.Mutex
	lastActivity time.Time
}

// ID returns the unique connection identifier assigned at subscribe time.
func (c *Connection) ID() string { return c.id }

// ChannelID returns the channel this connection is subscribed to.
func (c *Connection) ChannelID() string { return c.channelID }

// UserID returns the authenticated user behind the connection.
func (c *Connection) UserID() string { return c.userID }

// Events exposes the outbound event buffer for the stream handler to drain.
func (c *Connection) Events() <-chan Event { return c.events }

// Done is closed when the registry drops the connection.
func (c *Connection) Done() <-chan struct{} { return c.done }

// MarkActivity records a successful frame delivery. The reaper treats
// connections without recent activity as dead regardless of whether the
// underlying transport has noticed.
func (c *Connection) MarkActivity() {
	now := c.clock.Now()
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
}

// LastActivity returns the time of the most recent successful delivery.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *Connection) close() {
	c.once.Do(func() {
		close(c.done)
	})
}

// RegistryOptions configures a Registry. Zero values fall back to defaults.
type RegistryOptions struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	// Buffer is the per-connection outbound event buffer. A connection
	// whose buffer overflows is dropped rather than allowed to stall the
	// broadcast.
	Buffer int
}

// Registry tracks the live channel set and the connections subscribed to each.
// Channels exist exactly while they have subscribers: the first Subscribe
// creates the entry and removing the last connection deletes it.
type Registry struct {
	logger *slog.Logger
	clock  clockwork.Clock
	buffer int

	mu       sync.Mutex
	channels map[string]map[*Connection]struct{}
	closed   bool
}

// NewRegistry constructs an empty Registry.
func NewRegistry(opts RegistryOptions) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = defaultConnectionBuffer
	}
	return &Registry{
		logger:   logging.WithComponent(logger, "chat.registry"),
		clock:    clock,
		buffer:   buffer,
		channels: make(map[string]map[*Connection]struct{}),
	}
}

// Subscribe attaches a new connection to the channel's fanout and queues the
// greeting frame carrying the connection identifier.
func (r *Registry) Subscribe(channelID, userID string) (*Connection, error) {
	conn := &Connection{
		id:        uuid.NewString(),
		channelID: channelID,
		userID:    userID,
		events:    make(chan Event, r.buffer),
		done:      make(chan struct{}),
		clock:     r.clock,
	}
	conn.lastActivity = r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("chat: registry closed")
	}
	room, ok := r.channels[channelID]
	if !ok {
		room = make(map[*Connection]struct{})
		r.channels[channelID] = room
	}
	room[conn] = struct{}{}

	conn.events <- Event{
		Type:       EventTypeConnection,
		Connection: &ConnectionEvent{ConnectionID: conn.id, ChannelID: channelID},
		OccurredAt: r.clock.Now(),
	}
	r.logger.Debug("subscriber joined", "channel_id", channelID, "user_id", userID, "connection_id", conn.id)
	return conn, nil
}

// Unsubscribe detaches the connection and deletes the channel entry when the
// last subscriber leaves.
func (r *Registry) Unsubscribe(conn *Connection) {
	if conn == nil {
		return
	}
	r.mu.Lock()
	r.removeLocked(conn)
	r.mu.Unlock()
}

func (r *Registry) removeLocked(conn *Connection) {
	room, ok := r.channels[conn.channelID]
	if ok {
		if _, member := room[conn]; member {
			delete(room, conn)
			if len(room) == 0 {
				delete(r.channels, conn.channelID)
			}
		}
	}
	conn.close()
}

// Broadcast delivers the event to every connection subscribed to its channel.
// Delivery is best effort: a connection whose buffer is full is dropped so one
// stalled viewer cannot hold up the rest of the room. Broadcast returns the
// number of connections that accepted the event.
func (r *Registry) Broadcast(event Event) int {
	channelID := event.ChannelID()
	if channelID == "" {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.channels[channelID]
	if !ok {
		return 0
	}

	delivered := 0
	for conn := range room {
		select {
		case conn.events <- event:
			delivered++
		default:
			r.logger.Warn("dropping stalled subscriber",
				"channel_id", channelID,
				"user_id", conn.userID,
				"connection_id", conn.id,
			)
			r.removeLocked(conn)
		}
	}
	return delivered
}

// Keepalive queues a heartbeat frame on every connection across all channels.
// Connections too backed up to accept the probe are dropped on the spot.
func (r *Registry) Keepalive() int {
	event := Event{Type: EventTypeKeepalive, OccurredAt: r.clock.Now()}

	r.mu.Lock()
	defer r.mu.Unlock()
	delivered := 0
	for _, room := range r.channels {
		for conn := range room {
			select {
			case conn.events <- event:
				delivered++
			default:
				r.logger.Warn("dropping stalled subscriber on keepalive",
					"channel_id", conn.channelID,
					"connection_id", conn.id,
				)
				r.removeLocked(conn)
			}
		}
	}
	return delivered
}

// Reap drops every connection whose last successful delivery is older than
// staleAfter and returns the number removed. Channels left empty disappear
// with their last connection.
func (r *Registry) Reap(staleAfter time.Duration) int {
	cutoff := r.clock.Now().Add(-staleAfter)

	r.mu.Lock()
	defer r.mu.Unlock()
	reaped := 0
	for _, room := range r.channels {
		for conn := range room {
			if conn.LastActivity().After(cutoff) {
				continue
			}
			r.logger.Info("reaping stale subscriber",
				"channel_id", conn.channelID,
				"user_id", conn.userID,
				"connection_id", conn.id,
			)
			r.removeLocked(conn)
			reaped++
		}
	}
	return reaped
}

// ConnectionCount reports the number of subscribers on a channel.
func (r *Registry) ConnectionCount(channelID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels[channelID])
}

// ChannelCount reports the number of channels with at least one subscriber.
func (r *Registry) ChannelCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// TotalConnections reports the number of subscribers across all channels.
func (r *Registry) TotalConnections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, room := range r.channels {
		total += len(room)
	}
	return total
}

// Drain closes every connection and refuses further subscriptions. It is part
// of graceful shutdown.
func (r *Registry) Drain() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for channelID, room := range r.channels {
		for conn := range room {
			conn.close()
		}
		delete(r.channels, channelID)
	}
}
