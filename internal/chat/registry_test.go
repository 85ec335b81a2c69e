package chat

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func messageEvent(id, channelID string) Event {
	return Event{Type: EventTypeMessage, Message: &MessageEvent{ID: id, ChannelID: channelID}}
}

func TestRegistrySubscribeGreeting(t *testing.T) {
	registry := NewRegistry(RegistryOptions{Clock: clockwork.NewFakeClock()})

	conn, err := registry.Subscribe("chan-1", "user-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer registry.Unsubscribe(conn)

	select {
	case greeting := <-conn.Events():
		if greeting.Type != EventTypeConnection {
			t.Fatalf("expected connection greeting, got %+v", greeting)
		}
		if greeting.Connection == nil || greeting.Connection.ConnectionID != conn.ID() {
			t.Fatalf("greeting does not carry connection id: %+v", greeting)
		}
		if greeting.Connection.ChannelID != "chan-1" {
			t.Fatalf("greeting carries wrong channel: %+v", greeting)
		}
	default:
		t.Fatal("expected greeting queued at subscribe time")
	}

	if got := registry.ConnectionCount("chan-1"); got != 1 {
		t.Fatalf("expected 1 connection, got %d", got)
	}
	if got := registry.ChannelCount(); got != 1 {
		t.Fatalf("expected 1 channel, got %d", got)
	}
}

func TestRegistryBroadcastDelivers(t *testing.T) {
	registry := NewRegistry(RegistryOptions{Clock: clockwork.NewFakeClock()})

	first, err := registry.Subscribe("chan-1", "user-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	second, err := registry.Subscribe("chan-1", "user-2")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	other, err := registry.Subscribe("chan-2", "user-3")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// Drain greetings first.
	<-first.Events()
	<-second.Events()
	<-other.Events()

	if delivered := registry.Broadcast(messageEvent("msg-1", "chan-1")); delivered != 2 {
		t.Fatalf("expected 2 deliveries, got %d", delivered)
	}
	for _, conn := range []*Connection{first, second} {
		select {
		case got := <-conn.Events():
			if got.Message == nil || got.Message.ID != "msg-1" {
				t.Fatalf("unexpected event %+v", got)
			}
		default:
			t.Fatal("expected event queued")
		}
	}
	select {
	case got := <-other.Events():
		t.Fatalf("event leaked to other channel: %+v", got)
	default:
	}
}

func TestRegistryBroadcastIgnoresUnscopedEvents(t *testing.T) {
	registry := NewRegistry(RegistryOptions{Clock: clockwork.NewFakeClock()})
	if delivered := registry.Broadcast(Event{Type: EventTypeKeepalive}); delivered != 0 {
		t.Fatalf("expected 0 deliveries, got %d", delivered)
	}
}

func TestRegistryBroadcastDropsStalledSubscriber(t *testing.T) {
	registry := NewRegistry(RegistryOptions{Clock: clockwork.NewFakeClock(), Buffer: 1})

	conn, err := registry.Subscribe("chan-1", "user-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	// The greeting already fills the single-slot buffer, so the broadcast
	// cannot be queued and the connection is dropped.
	if delivered := registry.Broadcast(messageEvent("msg-1", "chan-1")); delivered != 0 {
		t.Fatalf("expected 0 deliveries, got %d", delivered)
	}
	select {
	case <-conn.Done():
	default:
		t.Fatal("expected stalled connection closed")
	}
	if got := registry.ConnectionCount("chan-1"); got != 0 {
		t.Fatalf("expected connection removed, got %d", got)
	}
	if got := registry.ChannelCount(); got != 0 {
		t.Fatalf("expected empty channel deleted, got %d", got)
	}
}

func TestRegistryKeepalive(t *testing.T) {
	registry := NewRegistry(RegistryOptions{Clock: clockwork.NewFakeClock()})

	first, _ := registry.Subscribe("chan-1", "user-1")
	second, _ := registry.Subscribe("chan-2", "user-2")
	<-first.Events()
	<-second.Events()

	if delivered := registry.Keepalive(); delivered != 2 {
		t.Fatalf("expected keepalive on 2 connections, got %d", delivered)
	}
	for _, conn := range []*Connection{first, second} {
		got := <-conn.Events()
		if got.Type != EventTypeKeepalive {
			t.Fatalf("expected keepalive frame, got %+v", got)
		}
	}
}

func TestRegistryReap(t *testing.T) {
	clock := clockwork.NewFakeClock()
	registry := NewRegistry(RegistryOptions{Clock: clock})

	stale, _ := registry.Subscribe("chan-1", "user-1")
	fresh, _ := registry.Subscribe("chan-1", "user-2")

	clock.Advance(2 * time.Minute)
	fresh.MarkActivity()

	if reaped := registry.Reap(time.Minute); reaped != 1 {
		t.Fatalf("expected 1 connection reaped, got %d", reaped)
	}
	select {
	case <-stale.Done():
	default:
		t.Fatal("expected stale connection closed")
	}
	select {
	case <-fresh.Done():
		t.Fatal("fresh connection must survive the reap")
	default:
	}
	if got := registry.ConnectionCount("chan-1"); got != 1 {
		t.Fatalf("expected 1 connection left, got %d", got)
	}
}

func TestRegistryUnsubscribeRemovesEmptyChannel(t *testing.T) {
	registry := NewRegistry(RegistryOptions{Clock: clockwork.NewFakeClock()})

	conn, _ := registry.Subscribe("chan-1", "user-1")
	registry.Unsubscribe(conn)
	registry.Unsubscribe(conn) // idempotent
	registry.Unsubscribe(nil)  // tolerated

	select {
	case <-conn.Done():
	default:
		t.Fatal("expected connection closed")
	}
	if got := registry.ChannelCount(); got != 0 {
		t.Fatalf("expected channel removed, got %d", got)
	}
	if got := registry.TotalConnections(); got != 0 {
		t.Fatalf("expected no connections, got %d", got)
	}
}

func TestRegistryDrain(t *testing.T) {
	registry := NewRegistry(RegistryOptions{Clock: clockwork.NewFakeClock()})

	conn, _ := registry.Subscribe("chan-1", "user-1")
	registry.Drain()

	select {
	case <-conn.Done():
	default:
		t.Fatal("expected connection closed on drain")
	}
	if _, err := registry.Subscribe("chan-1", "user-2"); err == nil {
		t.Fatal("expected subscribe refused after drain")
	}
	if got := registry.TotalConnections(); got != 0 {
		t.Fatalf("expected no connections after drain, got %d", got)
	}
}
