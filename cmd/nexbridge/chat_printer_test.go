package main

import (
	"strings"
	"testing"

	"nexbridge/internal/events"
)

func chunkEvent(id, chunk string) events.Event {
	return events.Event{Name: events.ChatChunk, Payload: map[string]any{"messageId": id, "chunk": chunk}}
}

func TestStreamPrinter_ChunksThenDone(t *testing.T) {
	var out, errw strings.Builder
	p := newStreamPrinter(&out, &errw, false)

	done, err := p.Handle("m1", chunkEvent("m1", "hello "))
	if done || err != nil {
		t.Fatalf("done=%v err=%v", done, err)
	}
	done, err = p.Handle("m1", chunkEvent("m1", "world"))
	if done || err != nil {
		t.Fatalf("done=%v err=%v", done, err)
	}
	done, err = p.Handle("m1", events.Event{Name: events.ChatDone, Payload: map[string]any{"messageId": "m1"}})
	if !done || err != nil {
		t.Fatalf("done=%v err=%v", done, err)
	}
	p.Close()
	if out.String() != "hello world\n" {
		t.Fatalf("out=%q", out.String())
	}
	if errw.String() != "" {
		t.Fatalf("err=%q", errw.String())
	}
}

func TestStreamPrinter_IgnoresOtherMessages(t *testing.T) {
	var out, errw strings.Builder
	p := newStreamPrinter(&out, &errw, false)

	done, err := p.Handle("m1", chunkEvent("other", "noise"))
	if done || err != nil {
		t.Fatalf("done=%v err=%v", done, err)
	}
	done, err = p.Handle("m1", events.Event{Name: events.ChatDone, Payload: map[string]any{"messageId": "other"}})
	if done || err != nil {
		t.Fatalf("foreign done ended the stream: done=%v err=%v", done, err)
	}
	p.Close()
	if out.String() != "" {
		t.Fatalf("out=%q", out.String())
	}
}

func TestStreamPrinter_ErrorSurfacesButWaitsForDone(t *testing.T) {
	var out, errw strings.Builder
	p := newStreamPrinter(&out, &errw, false)

	done, err := p.Handle("m1", events.Event{Name: events.ChatError, Payload: map[string]any{"messageId": "m1", "error": "session lost"}})
	if done {
		t.Fatal("error event should not end the stream")
	}
	if err == nil || err.Error() != "session lost" {
		t.Fatalf("err=%v", err)
	}
	done, err = p.Handle("m1", events.Event{Name: events.ChatDone, Payload: map[string]any{"messageId": "m1"}})
	if !done || err != nil {
		t.Fatalf("done=%v err=%v", done, err)
	}
}

func TestStreamPrinter_NoTrailingNewlineWhenStreamEndsWithOne(t *testing.T) {
	var out, errw strings.Builder
	p := newStreamPrinter(&out, &errw, false)

	_, _ = p.Handle("m1", chunkEvent("m1", "line\n"))
	p.Close()
	if out.String() != "line\n" {
		t.Fatalf("out=%q", out.String())
	}
}

func TestStreamPrinter_CloseWithoutOutputPrintsNothing(t *testing.T) {
	var out, errw strings.Builder
	p := newStreamPrinter(&out, &errw, false)
	p.Close()
	if out.String() != "" || errw.String() != "" {
		t.Fatalf("out=%q err=%q", out.String(), errw.String())
	}
}
