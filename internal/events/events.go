package events

import (
	"sync"
)

// Client-facing event names. Payloads are JSON objects keyed by a
// message, task, or terminal session id.
const (
	ChatChunk = "chat-chunk"
	ChatError = "chat-error"
	ChatDone  = "chat-done"

	SwarmStarted   = "swarm:started"
	SwarmProgress  = "swarm:progress"
	SwarmCompleted = "swarm:completed"

	TerminalOutput = "terminal:output"
	ProjectChanged = "project:changed"
	WatcherStatus  = "watcher:status"
)

// Event is one named notification with its JSON-ready payload.
type Event struct {
	Name    string         `json:"event"`
	Payload map[string]any `json:"payload"`
}

// Emitter delivers named events to whoever is listening. Emit never
// blocks the caller; slow consumers lose their oldest buffered events
// first.
type Emitter interface {
	Emit(name string, payload map[string]any)
}

// Bus fans events out to any number of subscribers, each with its own
// buffered channel.
type Bus struct {
	mu     sync.Mutex
	subs   map[int64]*Subscription
	nextID int64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int64]*Subscription)}
}

// Subscription receives every event emitted after Subscribe. Close it
// when done or the bus keeps delivering into the buffer.
type Subscription struct {
	bus *Bus
	id  int64
	ch  chan Event
}

const defaultBuffer = 1024

// Subscribe registers a new consumer. buffer <= 0 selects the default.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	sub := &Subscription{bus: b, id: id, ch: make(chan Event, buffer)}
	b.subs[id] = sub
	return sub
}

// Events is the subscriber's receive channel. It is closed by Close.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s.id]; !ok {
		return
	}
	delete(s.bus.subs, s.id)
	close(s.ch)
}

// Emit delivers the event to every current subscriber. Per subscriber,
// events arrive in emission order; a full buffer drops its oldest entry
// rather than blocking the producer. Sends happen under the bus lock so
// a concurrent Close cannot race them; they never block.
func (b *Bus) Emit(name string, payload map[string]any) {
	ev := Event{Name: name, Payload: payload}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		sendDropOldest(sub.ch, ev)
	}
}

func sendDropOldest(ch chan Event, ev Event) {
	select {
	case ch <- ev:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
	default:
	}
}

// Nop is an Emitter that drops everything, for callers that have no
// bus wired up.
var Nop Emitter = nopEmitter{}

type nopEmitter struct{}

func (nopEmitter) Emit(string, map[string]any) {}
