package controller

import (
	"sync"
	"time"
)

// EventType categorizes the five event kinds spec.md §6 requires external
// subscribers (the desktop shell) to observe.
type EventType string

const (
	EventProgress EventType = "progress"
	EventStatus   EventType = "status"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
	EventLog      EventType = "log"
)

// Event is one message delivered to subscribers of the progress-event bus.
// Data holds the event-specific payload: ProgressData, StatusData, nil for
// complete, ErrorData, or LogData.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// ProgressData backs EventProgress.
type ProgressData struct {
	Iteration     int
	BestScore     float64
	Metrics       map[string]float64
	BestProgramID string
}

// StatusData backs EventStatus.
type StatusData struct {
	Status          string
	Iteration       int
	TotalIterations int
	BestScore       float64
}

// ErrorData backs EventError.
type ErrorData struct {
	Error string
}

// LogData backs EventLog, mirroring the evolution.log line shape.
type LogData struct {
	Timestamp time.Time
	Level     string
	Source    string
	Message   string
}

// EventHandler receives events published to an EventBus. Handlers must not
// mutate controller state; the bus makes no ordering guarantee across
// distinct handlers, only that events for one bus are delivered in publish
// order to each handler.
type EventHandler func(Event)

// EventBus is a minimal fan-out publisher: subscribers register a handler
// per event type (or "" for all types) and Publish delivers synchronously,
// first to the event type's handlers and then to the wildcard handlers, each
// group in registration order, so the controller's own event-order guarantee
// (spec.md §5: progress events follow database insertion, in iteration
// order) is preserved without a background dispatch goroutine.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]EventHandler
	all         []EventHandler
}

// NewEventBus constructs an empty EventBus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: map[EventType][]EventHandler{}}
}

// Subscribe registers handler for eventType, or every event type when
// eventType is "".
func (b *EventBus) Subscribe(eventType EventType, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if eventType == "" {
		b.all = append(b.all, handler)
		return
	}
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish delivers event to every handler subscribed to its type plus every
// wildcard handler.
func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	handlers := append([]EventHandler{}, b.subscribers[event.Type]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
