// Package bus provides the in-process event fabric between the ingestion
// pipeline and the realtime hub.
package bus

import (
	"log/slog"
	"sync"
)

// MessageBus is an in-memory EventPublisher. Handlers run on the caller's
// goroutine in subscription order; they must be non-blocking.
type MessageBus struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// NewMessageBus creates an empty bus.
func NewMessageBus() *MessageBus {
	return &MessageBus{handlers: make(map[string]EventHandler)}
}

// Subscribe registers a handler under an id, replacing any previous handler
// with the same id.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

// Unsubscribe removes a handler.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Broadcast delivers an event to every subscriber. A panicking handler is
// logged and skipped so one bad subscriber cannot break fan-out.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("event handler panicked", "event", event.Name, "panic", r)
				}
			}()
			h(event)
		}()
	}
}
