package session

import (
	"log/slog"
	"sync"
)

// Bus event types.
const (
	EventStatusChanged       = "status_changed"
	EventCommandSent         = "command_sent"
	EventDeviceOutput        = "device_output"
	EventScanComplete        = "scan_complete"
	EventProvisioningStarted = "provisioning_started"
	EventProvisioningResult  = "provisioning_result"
	EventConfigApplied       = "config_applied"
)

// Event is published on the bus.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus fans events out to subscribers. Handlers run on the emitting
// goroutine, so they must not block.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[uint64]subscription
	nextID uint64
	logger *slog.Logger
}

// subscription matches one event type, or every type when eventType is empty.
type subscription struct {
	eventType string
	handler   EventHandler
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		subs:   make(map[uint64]subscription),
		logger: logger,
	}
}

// On registers a handler for one event type and returns an unsubscribe func.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	return eb.subscribe(subscription{eventType: eventType, handler: handler})
}

// OnAll registers a handler for every event.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	return eb.subscribe(subscription{handler: handler})
}

func (eb *EventBus) subscribe(sub subscription) func() {
	eb.mu.Lock()
	eb.nextID++
	id := eb.nextID
	eb.subs[id] = sub
	eb.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			eb.mu.Lock()
			delete(eb.subs, id)
			eb.mu.Unlock()
		})
	}
}

// Emit delivers event to every matching subscriber. A panicking handler is
// recovered and logged; the rest still run.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	matched := make([]EventHandler, 0, len(eb.subs))
	for _, sub := range eb.subs {
		if sub.eventType == "" || sub.eventType == event.Type {
			matched = append(matched, sub.handler)
		}
	}
	eb.mu.RUnlock()

	for _, h := range matched {
		eb.deliver(h, event)
	}
}

func (eb *EventBus) deliver(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
		}
	}()
	h(event)
}
