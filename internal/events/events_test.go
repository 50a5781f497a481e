package events

import (
	"testing"
)

func drain(sub *Subscription) []Event {
	out := make([]Event, 0, len(sub.ch))
	for {
		select {
		case ev := <-sub.ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestEmitPreservesOrder(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(16)
	defer sub.Close()

	bus.Emit(ChatChunk, map[string]any{"messageId": "m1", "chunk": "a"})
	bus.Emit(ChatChunk, map[string]any{"messageId": "m1", "chunk": "b"})
	bus.Emit(ChatDone, map[string]any{"messageId": "m1"})

	got := drain(sub)
	if len(got) != 3 {
		t.Fatalf("events=%d want 3", len(got))
	}
	if got[0].Payload["chunk"] != "a" || got[1].Payload["chunk"] != "b" {
		t.Fatalf("chunk order wrong: %v", got)
	}
	if got[2].Name != ChatDone {
		t.Fatalf("last=%s want %s", got[2].Name, ChatDone)
	}
}

func TestEmitDropsOldestOnOverflow(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(2)
	defer sub.Close()

	bus.Emit(ChatChunk, map[string]any{"n": 1})
	bus.Emit(ChatChunk, map[string]any{"n": 2})
	bus.Emit(ChatChunk, map[string]any{"n": 3})

	got := drain(sub)
	if len(got) != 2 {
		t.Fatalf("events=%d want 2", len(got))
	}
	if got[0].Payload["n"] != 2 || got[1].Payload["n"] != 3 {
		t.Fatalf("kept wrong events: %v", got)
	}
}

func TestSubscriptionCloseEndsChannel(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(4)
	sub.Close()
	sub.Close() // idempotent

	if _, ok := <-sub.Events(); ok {
		t.Fatal("channel still open after Close")
	}

	// Emitting with no subscribers must not panic.
	bus.Emit(ProjectChanged, map[string]any{"path": "/tmp"})
}

func TestMultipleSubscribersEachGetEvents(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe(4)
	b := bus.Subscribe(4)
	defer a.Close()
	defer b.Close()

	bus.Emit(WatcherStatus, map[string]any{"raw": "{}"})

	if got := drain(a); len(got) != 1 {
		t.Fatalf("a events=%d want 1", len(got))
	}
	if got := drain(b); len(got) != 1 {
		t.Fatalf("b events=%d want 1", len(got))
	}
}
