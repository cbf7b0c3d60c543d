// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from the agent loop and its collaborators to
// subscribers (UI observers, metrics collectors). The bus is nil-safe:
// calling Publish on a nil *Bus is a no-op, so components do not need
// guard checks.
package events

import (
	"sync"
	"time"
)

// Kind constants describe the type of event.
const (
	// KindTurnStart signals the beginning of a user turn.
	// Data: scope, text_len, attachments.
	KindTurnStart = "turn_start"
	// KindTurnComplete signals the end of a user turn.
	// Data: scope, state, iterations, elapsed_ms.
	KindTurnComplete = "turn_complete"
	// KindRateBlocked signals a local rate-limit denial.
	// Data: scope, retry_after_seconds.
	KindRateBlocked = "rate_blocked"
	// KindQuotaBlocked signals an exhausted plan quota.
	// Data: scope, plan, used, limit.
	KindQuotaBlocked = "quota_blocked"
	// KindModelCall signals the start of a model gateway call.
	// Data: scope, iteration, model, messages.
	KindModelCall = "model_call"
	// KindModelReply signals completion of a model gateway call.
	// Data: scope, iteration, tokens_in, tokens_out, tool_calls.
	KindModelReply = "model_reply"
	// KindToolCall signals the start of a domain action execution.
	// Data: scope, call_id, tool.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a domain action execution.
	// Data: scope, call_id, tool, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindRetrieval signals a retrieval augmentation attempt.
	// Data: scope, provider, hits, ok.
	KindRetrieval = "retrieval"
	// KindMessageAppended signals a new message in the conversation store.
	// Data: scope, role.
	KindMessageAppended = "message_appended"
)

// Event is a single operational event.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Kind describes the type of event.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Subscription is a handle to a stream of events. Read from C; call
// Cancel when done to release bus resources.
type Subscription struct {
	// C receives published events.
	C <-chan Event

	bus *Bus
	id  int
}

// Cancel removes the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Cancel() {
	s.bus.cancel(s.id)
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than blocking
// publishers.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
}

// New creates an event bus ready for use.
func New() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Publish sends an event to all subscribers, stamping the timestamp if
// unset. Non-blocking: if a subscriber's channel is full the event is
// dropped for that subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(kind string, data map[string]any) {
	if b == nil {
		return
	}
	e := Event{Timestamp: time.Now(), Kind: kind, Data: data}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe registers a new subscriber. bufSize controls the channel
// buffer; 64 is a reasonable default for UI consumers.
func (b *Bus) Subscribe(bufSize int) *Subscription {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	return &Subscription{C: ch, bus: b, id: id}
}

func (b *Bus) cancel(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(ch)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
