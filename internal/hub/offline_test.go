package hub

import (
	"testing"
	"time"
)

func TestOfflineQueueFIFO(t *testing.T) {
	q := newOfflineQueue()
	now := time.Now()
	for _, text := range []string{"first", "second", "third"} {
		q.enqueue("bob", QueuedKindMessage, Outbound{Type: OutNewMessage, Payload: text}, now)
	}
	if q.pending("bob") != 3 {
		t.Fatalf("pending = %d, want 3", q.pending("bob"))
	}

	events := q.drain("bob")
	want := []string{"first", "second", "third"}
	for i, e := range events {
		if e.Event.Payload.(string) != want[i] {
			t.Errorf("event %d = %q, want %q", i, e.Event.Payload, want[i])
		}
	}
	if q.pending("bob") != 0 {
		t.Error("drain must be destructive")
	}
	if got := q.drain("bob"); got != nil {
		t.Errorf("second drain must return nothing, got %d events", len(got))
	}
}

func TestOfflineQueueKeepsDuplicates(t *testing.T) {
	q := newOfflineQueue()
	now := time.Now()
	evt := Outbound{Type: OutNewMessage, Payload: "hey @bob"}
	q.enqueue("bob", QueuedKindMention, evt, now)
	q.enqueue("bob", QueuedKindMention, evt, now)

	events := q.drain("bob")
	if len(events) != 2 {
		t.Fatalf("duplicates must be preserved, got %d events", len(events))
	}
	for i, e := range events {
		if e.Kind != QueuedKindMention {
			t.Errorf("event %d kind = %q, want mention", i, e.Kind)
		}
	}
}

func TestOfflineQueueIsPerUser(t *testing.T) {
	q := newOfflineQueue()
	now := time.Now()
	q.enqueue("bob", QueuedKindMessage, Outbound{Type: OutNewMessage}, now)
	q.enqueue("carol", QueuedKindBroadcast, Outbound{Type: OutStatusChanged}, now)

	if len(q.drain("bob")) != 1 {
		t.Error("bob's queue should hold one event")
	}
	if q.pending("carol") != 1 {
		t.Error("carol's queue must be untouched by bob's drain")
	}
}
