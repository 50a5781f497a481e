package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"nexbridge/internal/events"
)

// Bridge is a connected daemon client: concurrent request/reply plus
// the push event stream, multiplexed over one WebSocket.
type Bridge struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan wireFrame

	events    chan events.Event
	closeOnce sync.Once
}

type wireFrame struct {
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Result  json.RawMessage `json:"result"`
	Error   string          `json:"error"`
	Event   string          `json:"event"`
	Payload map[string]any  `json:"payload"`
}

func Dial(ctx context.Context, addr string) (*Bridge, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws"}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial bridge at %s: %w", addr, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	b := &Bridge{
		conn:    conn,
		pending: make(map[string]chan wireFrame),
		events:  make(chan events.Event, 256),
	}
	go b.readLoop()
	return b, nil
}

func (b *Bridge) readLoop() {
	for {
		var f wireFrame
		if err := b.conn.ReadJSON(&f); err != nil {
			break
		}
		if f.Event != "" {
			select {
			case b.events <- events.Event{Name: f.Event, Payload: f.Payload}:
			default:
				// A stalled consumer loses events, not the connection.
			}
			continue
		}
		b.mu.Lock()
		ch := b.pending[f.ID]
		delete(b.pending, f.ID)
		b.mu.Unlock()
		if ch != nil {
			ch <- f
		}
	}
	b.mu.Lock()
	for id, ch := range b.pending {
		delete(b.pending, id)
		close(ch)
	}
	b.mu.Unlock()
	close(b.events)
}

// Call sends one op and decodes its result into out (when non-nil).
// A reply with ok=false comes back as an error.
func (b *Bridge) Call(ctx context.Context, op string, params any, out any) error {
	id := uuid.NewString()
	ch := make(chan wireFrame, 1)
	b.mu.Lock()
	b.pending[id] = ch
	b.mu.Unlock()

	req := struct {
		ID     string `json:"id"`
		Op     string `json:"op"`
		Params any    `json:"params,omitempty"`
	}{ID: id, Op: op, Params: params}

	b.writeMu.Lock()
	err := b.conn.WriteJSON(req)
	b.writeMu.Unlock()
	if err != nil {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		return fmt.Errorf("send %s: %w", op, err)
	}

	select {
	case f, ok := <-ch:
		if !ok {
			return errors.New("bridge connection closed")
		}
		if !f.OK {
			if f.Error == "" {
				f.Error = op + " failed"
			}
			return errors.New(f.Error)
		}
		if out != nil && len(f.Result) > 0 {
			if err := json.Unmarshal(f.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", op, err)
			}
		}
		return nil
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		return ctx.Err()
	}
}

// Events is the daemon's push stream. The channel closes when the
// connection does.
func (b *Bridge) Events() <-chan events.Event {
	return b.events
}

func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() { err = b.conn.Close() })
	return err
}
