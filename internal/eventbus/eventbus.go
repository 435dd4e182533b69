// Package eventbus fans session output, status transitions, and hook
// notifications out to every connected IPC client through a single
// bounded, lossy broadcast channel.
//
// Producers never block: a subscriber that falls behind loses the oldest
// buffered events, but the producer and every other subscriber are
// unaffected. Nothing on the subscriber's channel marks where events were
// dropped.
package eventbus

import (
	"log/slog"
	"sync"
)

// BufferSize is the per-subscriber channel capacity.
const BufferSize = 4096

// EventType identifies the kind of event carried on the bus.
type EventType string

const (
	EventTerminalOutput EventType = "terminal_output"
	EventTerminalStatus EventType = "terminal_status"
	EventAgentStatus    EventType = "agent_status"
	EventHookEvent      EventType = "hook_event"
)

// Event is a single owned message published on the bus. Only the field
// matching Type is populated.
type Event struct {
	Type EventType

	TerminalOutput *TerminalOutput
	TerminalStatus *TerminalStatus
	AgentStatus    *AgentStatus
	HookEvent      *HookEvent
}

// TerminalOutput carries one successful PTY read.
type TerminalOutput struct {
	TerminalID string
	Data       string
}

// TerminalStatus reports a session lifecycle transition.
type TerminalStatus struct {
	TerminalID string
	ProjectID  string
	Status     string
}

// AgentStatus reports the uniform agent activity state.
type AgentStatus struct {
	TerminalID string
	Status     string
}

// HookEvent is the raw, unmapped hook callback re-emitted for observers
// that want more than the normalized AgentStatus.
type HookEvent struct {
	TerminalID string
	ProjectID  string
	Agent      string
	Event      string
	Payload    *string
}

// subscriber is one receiver's lossy mailbox.
type subscriber struct {
	ch chan Event
}

// Bus is a single broadcast channel with an unbounded set of subscribers.
// The zero value is not usable; construct with New.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	logger *slog.Logger
}

// New creates an empty Bus. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[int]*subscriber),
		logger: logger,
	}
}

// Subscription is a live receiver handle. Callers must call Unsubscribe
// when done to free the bus-side bookkeeping.
type Subscription struct {
	bus *Bus
	id  int
	ch  chan Event
}

// Subscribe registers a new receiver and returns its channel. The channel
// is buffered to BufferSize; publishers never block on it.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan Event, BufferSize)}
	b.subs[id] = sub

	return &Subscription{bus: b, id: id, ch: sub.ch}
}

// Events returns the channel to receive from.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Unsubscribe removes this subscriber from the bus and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s.id]; ok {
		delete(s.bus.subs, s.id)
		close(s.ch)
	}
}

// Publish fans out ev to every current subscriber. A subscriber whose
// channel is full has its oldest buffered event dropped to make room, and
// the send never blocks the publisher; the subscriber is not notified of
// the drop. Publishing with zero subscribers is a no-op, not
// an error: persistence, not the bus, is the source of truth.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- ev:
			default:
				b.logger.Warn("event bus subscriber lagging, dropping event", "subscriber", id, "event_type", ev.Type)
			}
		}
	}
}

// SubscriberCount reports the number of live subscriptions, mostly useful
// for tests and daemon status.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
