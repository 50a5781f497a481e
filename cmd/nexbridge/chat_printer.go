package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"nexbridge/internal/events"
)

// streamPrinter renders one streamed chat reply: an animated waiting
// line on stderr until the first chunk lands, then raw chunks on
// stdout. Non-interactive output skips the spinner entirely.
type streamPrinter struct {
	out         io.Writer
	err         io.Writer
	interactive bool

	mu       sync.Mutex
	spinning bool
	cancel   context.CancelFunc
	start    time.Time

	wrote    bool
	lastByte byte
}

func newStreamPrinter(out, err io.Writer, interactive bool) *streamPrinter {
	return &streamPrinter{out: out, err: err, interactive: interactive}
}

// Handle consumes one daemon event and reports whether the stream for
// messageID has finished. Events for other messages pass through
// untouched so concurrent clients don't bleed into each other.
func (p *streamPrinter) Handle(messageID string, ev events.Event) (done bool, err error) {
	id, _ := ev.Payload["messageId"].(string)
	if id != messageID {
		return false, nil
	}
	switch ev.Name {
	case events.ChatChunk:
		if chunk, ok := ev.Payload["chunk"].(string); ok && chunk != "" {
			p.chunk(chunk)
		}
		return false, nil
	case events.ChatError:
		p.stopSpinner()
		msg, _ := ev.Payload["error"].(string)
		if msg == "" {
			msg = "chat stream failed"
		}
		return false, errors.New(msg)
	case events.ChatDone:
		return true, nil
	default:
		return false, nil
	}
}

func (p *streamPrinter) chunk(text string) {
	p.stopSpinner()
	_, _ = io.WriteString(p.out, text)
	p.wrote = true
	p.lastByte = text[len(text)-1]
}

func (p *streamPrinter) Close() {
	p.stopSpinner()
	if p.wrote && p.lastByte != '\n' {
		_, _ = fmt.Fprintln(p.out)
	}
}

func (p *streamPrinter) startSpinner() {
	if !p.interactive {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.spinning {
		return
	}
	p.spinning = true
	p.start = time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	go func() {
		frames := []string{"|", "/", "-", "\\"}
		i := 0
		t := time.NewTicker(90 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				elapsed := time.Since(p.start).Truncate(100 * time.Millisecond)
				p.mu.Lock()
				if p.spinning {
					_, _ = fmt.Fprintf(p.err, "\r\033[2Kwaiting %s %s", frames[i%len(frames)], elapsed)
				}
				p.mu.Unlock()
				i++
			}
		}
	}()
}

func (p *streamPrinter) stopSpinner() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.spinning {
		return
	}
	p.spinning = false
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	_, _ = fmt.Fprint(p.err, "\r\033[2K")
}
