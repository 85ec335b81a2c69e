package chat

import (
	"context"
	"testing"
	"time"
)

func TestMemoryQueuePublishFansOut(t *testing.T) {
	queue := NewMemoryQueue(4)
	first := queue.Subscribe()
	second := queue.Subscribe()
	defer first.Close()
	defer second.Close()

	event := Event{Type: EventTypeMessage, Message: &MessageEvent{ID: "msg-1", ChannelID: "chan-1"}}
	if err := queue.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for _, sub := range []Subscription{first, second} {
		select {
		case got := <-sub.Events():
			if got.Type != EventTypeMessage || got.ChannelID() != "chan-1" {
				t.Fatalf("unexpected event %+v", got)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestMemoryQueuePublishRequiresType(t *testing.T) {
	queue := NewMemoryQueue(4)
	if err := queue.Publish(context.Background(), Event{}); err == nil {
		t.Fatal("expected error for missing event type")
	}
}

func TestMemoryQueueDropsWhenSubscriberFull(t *testing.T) {
	queue := NewMemoryQueue(1)
	sub := queue.Subscribe()
	defer sub.Close()

	ctx := context.Background()
	if err := queue.Publish(ctx, Event{Type: EventTypeMessage, Message: &MessageEvent{ID: "a", ChannelID: "chan-1"}}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	// Buffer is full; this one is dropped instead of blocking.
	if err := queue.Publish(ctx, Event{Type: EventTypeMessage, Message: &MessageEvent{ID: "b", ChannelID: "chan-1"}}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := <-sub.Events()
	if got.Message == nil || got.Message.ID != "a" {
		t.Fatalf("expected first event retained, got %+v", got)
	}
	select {
	case extra := <-sub.Events():
		t.Fatalf("expected overflow dropped, got %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryQueueCloseStopsDelivery(t *testing.T) {
	queue := NewMemoryQueue(4)
	sub := queue.Subscribe()
	sub.Close()
	sub.Close() // idempotent

	if err := queue.Publish(context.Background(), Event{Type: EventTypeMessage}); err != nil {
		t.Fatalf("Publish after close: %v", err)
	}
	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected closed events channel")
	}
}
