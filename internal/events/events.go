package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"marketplace-api/internal/models"
)

// EventType identifies a marketplace event.
type EventType string

const (
	// EventStoreOpened is emitted when a new store opens.
	EventStoreOpened EventType = "store.opened"
	// EventStoreClosed is emitted when an owner closes a store.
	EventStoreClosed EventType = "store.closed"
	// EventPurchaseCompleted is emitted once per store-basket of a committed
	// checkout.
	EventPurchaseCompleted EventType = "purchase.completed"
	// EventAppointmentDecided is emitted when an owner appointment reaches a
	// terminal state.
	EventAppointmentDecided EventType = "appointment.decided"
)

// Event is one published marketplace event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// StoreEventData accompanies store lifecycle events.
type StoreEventData struct {
	StoreID uuid.UUID
	Name    string
	ActorID string
}

// PurchaseCompletedData accompanies purchase events; store staff
// notifications subscribe to it.
type PurchaseCompletedData struct {
	Purchase models.Purchase
}

// AppointmentDecidedData accompanies appointment terminal transitions.
type AppointmentDecidedData struct {
	Appointment models.Appointment
}

// Handler consumes events.
type Handler func(ctx context.Context, event Event) error

// Manager is a small in-process pub/sub hub. Handlers run asynchronously so
// publishing never blocks the transaction that triggered the event.
type Manager struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	enabled  bool
	log      *logrus.Entry
}

// NewManager creates an event manager. A disabled manager drops everything,
// which keeps event wiring optional in tests.
func NewManager(enabled bool) *Manager {
	return &Manager{
		handlers: make(map[EventType][]Handler),
		enabled:  enabled,
		log:      logrus.WithField("component", "events"),
	}
}

// Subscribe registers a handler for one event type.
func (m *Manager) Subscribe(eventType EventType, handler Handler) {
	if !m.enabled {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[eventType] = append(m.handlers[eventType], handler)
}

// Publish delivers an event to every subscribed handler.
func (m *Manager) Publish(ctx context.Context, eventType EventType, data interface{}) {
	if !m.enabled {
		return
	}
	m.mu.RLock()
	handlers := m.handlers[eventType]
	m.mu.RUnlock()
	if len(handlers) == 0 {
		return
	}

	event := Event{Type: eventType, Timestamp: time.Now().UTC(), Data: data}
	for _, handler := range handlers {
		go func(h Handler) {
			if err := h(ctx, event); err != nil {
				m.log.WithError(err).WithField("event", string(eventType)).Warn("event handler failed")
			}
		}(handler)
	}
}

// PublishPurchaseCompleted publishes one committed purchase.
func (m *Manager) PublishPurchaseCompleted(ctx context.Context, purchase models.Purchase) {
	m.Publish(ctx, EventPurchaseCompleted, PurchaseCompletedData{Purchase: purchase})
}

// PublishStoreOpened publishes a store opening.
func (m *Manager) PublishStoreOpened(ctx context.Context, storeID uuid.UUID, name, actorID string) {
	m.Publish(ctx, EventStoreOpened, StoreEventData{StoreID: storeID, Name: name, ActorID: actorID})
}

// PublishStoreClosed publishes a store closing.
func (m *Manager) PublishStoreClosed(ctx context.Context, storeID uuid.UUID, name, actorID string) {
	m.Publish(ctx, EventStoreClosed, StoreEventData{StoreID: storeID, Name: name, ActorID: actorID})
}

// PublishAppointmentDecided publishes a terminal appointment.
func (m *Manager) PublishAppointmentDecided(ctx context.Context, appt models.Appointment) {
	m.Publish(ctx, EventAppointmentDecided, AppointmentDecidedData{Appointment: appt})
}

// Shutdown drops all handlers and disables further publishing.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
	m.handlers = make(map[EventType][]Handler)
}
