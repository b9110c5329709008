// Package events provides the publish/subscribe bus the session client
// uses to announce lifecycle and domain events (status changes, tool
// catalog updates, tool call outcomes, errors, inbound notifications)
// to UI collaborators and supporting infrastructure.
//
// Two subscription styles are offered. Handlers registered with On run
// synchronously on the publishing goroutine, iterated over a snapshot of
// the subscriber set taken at publish time, so On and Off may be called
// from inside a handler. Channel subscribers (Subscribe) receive every
// event on a buffered channel and miss events rather than block the
// publisher. The bus is nil-safe: Publish on a nil *Bus is a no-op.
package events

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Kind constants name the events published by the session client.
const (
	// KindStatusChange signals a connection state transition.
	// Data: status, previous.
	KindStatusChange = "statusChange"
	// KindReady signals entry to or exit from the Ready state.
	// Data: ready (bool), session_id.
	KindReady = "ready"
	// KindToolsUpdated signals the tool catalog snapshot was replaced.
	// Data: count, tools ([]string of names).
	KindToolsUpdated = "toolsUpdated"
	// KindToolCall signals completion of a tool invocation.
	// Data: tool, id, ok, duration_ms, session_id; error and
	// error_kind when ok is false.
	KindToolCall = "toolCall"
	// KindError signals a failure worth surfacing to a global listener.
	// Data: op, kind; tool for tool call failures. Err is set.
	KindError = "error"
	// KindNotification signals an unsolicited message from the peer.
	// Data: method, params (json.RawMessage).
	KindNotification = "notification"
	// KindReconnecting signals a reconnect attempt was scheduled.
	// Data: attempt, delay_ms.
	KindReconnecting = "reconnecting"
	// KindReconnectExhausted signals the retry ceiling was reached and
	// automatic reconnection stopped. Data: attempts. Err is set.
	KindReconnectExhausted = "reconnectExhausted"

	// KindAny subscribes a handler to every kind.
	KindAny = "*"
)

// Event represents a single event published on the bus.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Kind names the event.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
	// Err carries the failure for error-like kinds.
	Err error `json:"-"`
}

// Handler receives events from On subscriptions.
type Handler func(Event)

// Subscription identifies a handler registered with On.
type Subscription struct {
	kind string
	id   uint64
}

type handlerEntry struct {
	id uint64
	fn Handler
}

// Bus is the event bus. The zero value is not usable; call New.
type Bus struct {
	logger *slog.Logger

	mu       sync.RWMutex
	nextID   uint64
	handlers map[string][]handlerEntry
	subs     map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use. Handler panics are logged
// to logger (slog.Default() when nil).
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:     logger,
		handlers:   make(map[string][]handlerEntry),
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// On registers fn for events of the given kind (or KindAny) and
// returns a Subscription for Off.
func (b *Bus) On(kind string, fn Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.handlers[kind] = append(b.handlers[kind], handlerEntry{id: b.nextID, fn: fn})
	return Subscription{kind: kind, id: b.nextID}
}

// Off removes a handler. Removing an unknown or already removed
// subscription is a no-op.
func (b *Bus) Off(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.handlers[sub.kind]
	for i, e := range entries {
		if e.id != sub.id {
			continue
		}
		// Copy rather than splice in place so snapshots held by an
		// in-flight Publish stay intact.
		next := make([]handlerEntry, 0, len(entries)-1)
		next = append(next, entries[:i]...)
		next = append(next, entries[i+1:]...)
		if len(next) == 0 {
			delete(b.handlers, sub.kind)
		} else {
			b.handlers[sub.kind] = next
		}
		return
	}
}

// Publish delivers e to handlers for e.Kind, then KindAny handlers,
// then channel subscribers. A zero Timestamp is set to now. Safe to
// call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	snapshot := make([]handlerEntry, 0, len(b.handlers[e.Kind])+len(b.handlers[KindAny]))
	snapshot = append(snapshot, b.handlers[e.Kind]...)
	snapshot = append(snapshot, b.handlers[KindAny]...)
	b.mu.RUnlock()

	for _, h := range snapshot {
		b.invoke(h, e)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full; drop the event rather than block.
		}
	}
}

// invoke runs one handler, containing any panic.
func (b *Bus) invoke(h handlerEntry, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"kind", e.Kind,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	h.fn(e)
}

// Subscribe returns a channel that receives every published event. The
// caller must eventually call Unsubscribe to avoid resource leaks.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a channel subscription and closes the channel.
// Safe to call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of handlers and channel
// subscribers currently registered.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.subs)
	for _, entries := range b.handlers {
		n += len(entries)
	}
	return n
}
