package bridge

import (
	"context"
	"io"
	"strings"

	"nexbridge/internal/agent"
	"nexbridge/internal/events"
	"nexbridge/internal/history"
)

// streamChunkSize is the read granularity for live chat output. Small
// enough that partial replies reach the UI promptly, large enough to
// keep the event volume sane.
const streamChunkSize = 1024

// StreamChat runs one chat turn through the agent and emits the reply
// incrementally. The emitted order is always chunk* (error)? done, and
// the assembled assistant message is in the history before done fires,
// so a client reacting to done can reload the transcript and see it.
//
// messageID names the assistant message being streamed; every event
// carries it so interleaved streams stay separable.
func (b *Bridge) StreamChat(ctx context.Context, messageID, message string) error {
	b.appendHistory(history.Message{Role: history.RoleUser, Content: message})

	sess, err := b.cfg.Sessions.EnsureSession(ctx, b.cfg.Registrar)
	if err != nil {
		b.cfg.Logger.Debug("no live session for chat stream, running locally", "err", err)
		return b.streamFallback(ctx, messageID, message)
	}

	line := shellJoin(append([]string{b.cfg.AgentBin}, agent.ChatArgs(message)...))
	ch, err := sess.Open(line)
	if err != nil {
		// Nothing has been emitted yet, so the caller still owns the
		// failure path; reporting it twice would double up in the UI.
		return &ExecError{Op: "chat", Err: err}
	}
	defer ch.Close()

	go func() { _, _ = io.Copy(io.Discard, ch.Stderr()) }()

	watchdog := make(chan struct{})
	defer close(watchdog)
	go func() {
		select {
		case <-ctx.Done():
			ch.Close()
		case <-watchdog:
		}
	}()

	var full strings.Builder
	buf := make([]byte, streamChunkSize)
	for {
		n, rerr := ch.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			full.WriteString(chunk)
			b.cfg.Events.Emit(events.ChatChunk, map[string]any{
				"messageId": messageID,
				"chunk":     chunk,
			})
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if ctx.Err() != nil {
				rerr = ctx.Err()
			}
			b.cfg.Events.Emit(events.ChatError, map[string]any{
				"messageId": messageID,
				"error":     rerr.Error(),
			})
			break
		}
	}
	_, _ = ch.Wait()

	content := agent.ExtractStreamResponse(full.String())
	b.appendHistory(history.Message{ID: messageID, Role: history.RoleAssistant, Content: content})
	b.cfg.Events.Emit(events.ChatDone, map[string]any{"messageId": messageID})
	return nil
}

// streamFallback covers the no-session case: the reply arrives as one
// whole chunk, still closed out by done so stream consumers need no
// special casing.
func (b *Bridge) streamFallback(ctx context.Context, messageID, message string) error {
	raw, err := b.ExecAgent(ctx, agent.ChatArgs(message)...)
	if err != nil {
		b.cfg.Events.Emit(events.ChatError, map[string]any{
			"messageId": messageID,
			"error":     err.Error(),
		})
		b.cfg.Events.Emit(events.ChatDone, map[string]any{"messageId": messageID})
		return err
	}

	b.cfg.Events.Emit(events.ChatChunk, map[string]any{
		"messageId": messageID,
		"chunk":     raw,
	})
	b.appendHistory(history.Message{
		ID:      messageID,
		Role:    history.RoleAssistant,
		Content: agent.ExtractStreamResponse(raw),
	})
	b.cfg.Events.Emit(events.ChatDone, map[string]any{"messageId": messageID})
	return nil
}

// SendChat is the non-streaming chat flow: ask, extract, record both
// sides of the exchange.
func (b *Bridge) SendChat(ctx context.Context, message string) (string, error) {
	b.appendHistory(history.Message{Role: history.RoleUser, Content: message})
	content, err := b.agent.Chat(ctx, message)
	if err != nil {
		return "", err
	}
	b.appendHistory(history.Message{Role: history.RoleAssistant, Content: content})
	return content, nil
}

// appendHistory records a message, logging rather than failing when
// the disk copy cannot be written: a chat that worked should not look
// broken because persistence hiccuped.
func (b *Bridge) appendHistory(msg history.Message) {
	if _, err := b.cfg.Registrar.History().Append(msg); err != nil {
		b.cfg.Logger.Warn("chat history not persisted", "err", err)
	}
}
