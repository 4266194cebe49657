package core

import "sync"

// EventType identifies the kind of event fired on the bus.
type EventType int

const (
	EventSessionStateChanged EventType = iota
	EventConnecting
	EventConnected
	EventError
	EventDisconnected
	EventConfigReloaded
)

// Event carries data about something that happened in the system.
type Event struct {
	Type    EventType
	Payload any
}

// StatePayload is the payload for EventSessionStateChanged.
type StatePayload struct {
	SessionID string
	OldState  SessionState
	NewState  SessionState
}

// ConnectedPayload is the payload for EventConnected.
type ConnectedPayload struct {
	SessionID string
	Endpoint  ProxyEndpoint
}

// ErrorPayload is the payload for EventError.
type ErrorPayload struct {
	SessionID string
	Kind      ErrorKind
	Message   string
}

// Handler is a callback for bus subscribers.
type Handler func(Event)

// EventBus provides pub/sub between system components.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewEventBus creates a ready-to-use event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe registers a handler for a given event type.
func (eb *EventBus) Subscribe(t EventType, h Handler) {
	eb.mu.Lock()
	eb.handlers[t] = append(eb.handlers[t], h)
	eb.mu.Unlock()
}

// Publish fires an event to all subscribed handlers synchronously.
func (eb *EventBus) Publish(e Event) {
	eb.mu.RLock()
	handlers := eb.handlers[e.Type]
	eb.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}
