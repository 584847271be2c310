// Package events provides the typed engine event stream. Components emit
// lifecycle events; subscribers receive them synchronously in emission order.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType represents different engine event types
type EventType string

const (
	OrderAccepted        EventType = "ORDER_ACCEPTED"
	OrderRejected        EventType = "ORDER_REJECTED"
	OrderTransitioned    EventType = "ORDER_TRANSITIONED"
	OrderFilled          EventType = "ORDER_FILLED"
	OrderCancelled       EventType = "ORDER_CANCELLED"
	FeesRecorded         EventType = "FEES_RECORDED"
	PositionUpdated      EventType = "POSITION_UPDATED"
	ReconDriftDetected   EventType = "RECON_DRIFT_DETECTED"
	ReconRunFinished     EventType = "RECON_RUN_FINISHED"
	InstrumentsRefreshed EventType = "INSTRUMENTS_REFRESHED"
	ErrorOccurred        EventType = "ERROR_OCCURRED"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Module    string                 `json:"module"`
}

// Handler receives emitted events. Handlers run synchronously on the
// emitter's goroutine and must not block.
type Handler func(Event)

// Manager handles event emission, logging and fan-out to subscribers.
type Manager struct {
	log zerolog.Logger

	mu       sync.RWMutex
	handlers map[EventType][]Handler
	all      []Handler
}

// NewManager creates a new event manager
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		log:      log.With().Str("service", "events").Logger(),
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe registers a handler for one event type.
func (m *Manager) Subscribe(eventType EventType, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[eventType] = append(m.handlers[eventType], h)
}

// SubscribeAll registers a handler for every event type.
func (m *Manager) SubscribeAll(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.all = append(m.all, h)
}

// Emit emits an event
func (m *Manager) Emit(eventType EventType, module string, data map[string]interface{}) {
	event := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
		Module:    module,
	}

	eventJSON, _ := json.Marshal(event)
	m.log.Info().
		Str("event_type", string(eventType)).
		Str("module", module).
		RawJSON("event", eventJSON).
		Msg("Event emitted")

	m.mu.RLock()
	typed := m.handlers[eventType]
	all := m.all
	m.mu.RUnlock()

	for _, h := range typed {
		h(event)
	}
	for _, h := range all {
		h(event)
	}
}

// EmitError emits an error event
func (m *Manager) EmitError(module string, err error, context map[string]interface{}) {
	data := map[string]interface{}{
		"error":   err.Error(),
		"context": context,
	}
	m.Emit(ErrorOccurred, module, data)
}
