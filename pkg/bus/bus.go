// Package bus carries events from listeners to dispatch workers and system
// events to observers, and holds the per-channel responders workers deliver
// through.
package bus

import (
	"context"
	"sync"

	"github.com/sipeed/misskeybot/pkg/events"
)

// Subscriber is a named tap on a stream. Multiple subscribers independently
// receive copies of the same published values (fan-out).
type Subscriber[T any] struct {
	Name string
	ch   chan T
}

type MessageBus struct {
	inbound   chan events.Event
	handlers  map[string]MessageHandler
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	done      chan struct{}

	// Fan-out subscribers; slow taps drop rather than block publishers.
	inboundSubs []*Subscriber[events.Event]
	systemSubs  []*Subscriber[events.SystemEvent]
}

// NewMessageBus creates a bus whose inbound queue holds size events.
func NewMessageBus(size int) *MessageBus {
	if size <= 0 {
		size = 100
	}
	return &MessageBus{
		inbound:  make(chan events.Event, size),
		handlers: make(map[string]MessageHandler),
		done:     make(chan struct{}),
	}
}

// --- Fan-out subscriptions ---

// SubscribeInboundTap returns a channel receiving copies of every inbound
// event. The channel is closed when the bus closes.
func (mb *MessageBus) SubscribeInboundTap(name string) <-chan events.Event {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	sub := &Subscriber[events.Event]{Name: name, ch: make(chan events.Event, 64)}
	if mb.closed {
		close(sub.ch)
		return sub.ch
	}
	mb.inboundSubs = append(mb.inboundSubs, sub)
	return sub.ch
}

// SubscribeSystem returns a channel receiving every system event.
func (mb *MessageBus) SubscribeSystem(name string) <-chan events.SystemEvent {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	sub := &Subscriber[events.SystemEvent]{Name: name, ch: make(chan events.SystemEvent, 64)}
	if mb.closed {
		close(sub.ch)
		return sub.ch
	}
	mb.systemSubs = append(mb.systemSubs, sub)
	return sub.ch
}

// PublishSystem publishes a system event to all system subscribers.
func (mb *MessageBus) PublishSystem(event events.SystemEvent) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return
	}
	for _, sub := range mb.systemSubs {
		select {
		case sub.ch <- event:
		default: // drop if slow
		}
	}
}

func (mb *MessageBus) fanOutInbound(ev events.Event) {
	for _, sub := range mb.inboundSubs {
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// --- Work queues ---

// PublishInbound queues ev for a dispatch worker, waiting for room. Events
// are never dropped once accepted.
func (mb *MessageBus) PublishInbound(ctx context.Context, ev events.Event) error {
	mb.mu.RLock()
	if mb.closed {
		mb.mu.RUnlock()
		return ErrClosed
	}
	mb.fanOutInbound(ev)
	mb.mu.RUnlock()

	select {
	case mb.inbound <- ev:
		return nil
	case <-mb.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeInbound returns the next queued event. After Close it keeps
// returning queued events until the queue is empty, then reports false.
func (mb *MessageBus) ConsumeInbound(ctx context.Context) (events.Event, bool) {
	select {
	case ev := <-mb.inbound:
		return ev, true
	case <-ctx.Done():
		return events.Event{}, false
	case <-mb.done:
		select {
		case ev := <-mb.inbound:
			return ev, true
		default:
			return events.Event{}, false
		}
	}
}

// InboundLen reports how many events are waiting.
func (mb *MessageBus) InboundLen() int { return len(mb.inbound) }

// --- Responders ---

func (mb *MessageBus) RegisterHandler(channel string, handler MessageHandler) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.handlers[channel] = handler
}

func (mb *MessageBus) GetHandler(channel string) (MessageHandler, bool) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	handler, ok := mb.handlers[channel]
	return handler, ok
}

// Close stops accepting new events and closes every tap. Queued events
// remain consumable.
func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() {
		mb.mu.Lock()
		mb.closed = true
		for _, sub := range mb.inboundSubs {
			close(sub.ch)
		}
		for _, sub := range mb.systemSubs {
			close(sub.ch)
		}
		mb.mu.Unlock()
		close(mb.done)
	})
}

// Closed reports whether Close was called.
func (mb *MessageBus) Closed() bool {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return mb.closed
}
