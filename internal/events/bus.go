package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/regimebot/regimebot/internal/domain"
)

// Mode selects the bus dispatch strategy.
type Mode int

const (
	// Direct dispatches synchronously to all handlers in subscription order.
	Direct Mode = iota
	// Queued enqueues publishes and drains them FIFO with a single flusher.
	// Re-entrant publishes inside a handler are appended and drained by the
	// same flusher, guaranteeing total order without recursion.
	Queued
)

// Handler consumes one event. A returned error (or panic) quarantines this
// delivery: the bus synthesizes an error-level audit event and continues with
// the remaining handlers.
type Handler func(Event) error

// Unsubscribe removes the subscription it was returned for.
type Unsubscribe func()

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is the typed pub/sub hub. It is safe for use from multiple goroutines;
// in queued mode at most one flusher drains the queue at a time.
type Bus struct {
	mu       sync.Mutex
	mode     Mode
	nextID   uint64
	subs     map[Name][]subscription
	queue    []Event
	flushing bool
}

// NewBus creates a bus in the given mode.
func NewBus(mode Mode) *Bus {
	return &Bus{
		mode: mode,
		subs: make(map[Name][]subscription),
	}
}

// Subscribe registers a handler for an event name and returns its
// unsubscribe function. Handlers run in subscription order.
func (b *Bus) Subscribe(name Name, handler Handler) Unsubscribe {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[name] = append(b.subs[name], subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[name]
		for i, s := range subs {
			if s.id == id {
				b.subs[name] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers an event. In direct mode delivery is synchronous; in
// queued mode the event is appended to the FIFO queue and drained by the
// current flusher, or by this call if no flusher is running.
func (b *Bus) Publish(name Name, payload interface{}) {
	evt := Event{Name: name, Payload: payload}

	if b.mode == Direct {
		b.dispatch(evt)
		return
	}

	b.mu.Lock()
	b.queue = append(b.queue, evt)
	if b.flushing {
		b.mu.Unlock()
		return
	}
	b.flushing = true
	b.mu.Unlock()

	// Single-writer drain loop: run until the queue is empty, including
	// events appended re-entrantly by handlers.
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.flushing = false
			b.mu.Unlock()
			return
		}
		next := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()

		b.dispatch(next)
	}
}

// PendingCount returns the number of queued, not yet dispatched events.
func (b *Bus) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

func (b *Bus) dispatch(evt Event) {
	b.mu.Lock()
	subs := make([]subscription, len(b.subs[evt.Name]))
	copy(subs, b.subs[evt.Name])
	b.mu.Unlock()

	for _, sub := range subs {
		if err := b.invoke(sub.handler, evt); err != nil {
			b.quarantine(evt, err)
		}
	}
}

func (b *Bus) invoke(handler Handler, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(evt)
}

// quarantine records a handler failure without aborting delivery to the
// remaining handlers. Failures while delivering the synthesized audit event
// itself are only logged, so a broken audit subscriber cannot loop the bus.
func (b *Bus) quarantine(source Event, handlerErr error) {
	log.Error().
		Str("event", string(source.Name)).
		Err(handlerErr).
		Msg("event handler quarantined")

	if source.Name == Audit {
		return
	}

	payloadHash := domain.HashObject(source.Payload)
	audit := domain.AuditEvent{
		ID:         uuid.NewString(),
		Ts:         time.Now().UnixMilli(),
		Step:       fmt.Sprintf("events.handler.%s", source.Name),
		Level:      domain.AuditError,
		Message:    handlerErr.Error(),
		InputsHash: payloadHash,
		Metadata: map[string]interface{}{
			"event": string(source.Name),
		},
	}

	// Deliver synchronously regardless of mode: the quarantine record must
	// not itself re-enter the queue while it is being drained.
	b.dispatch(Event{Name: Audit, Payload: AuditPayload{Event: audit}})
}
