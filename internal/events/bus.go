package events

import (
	"sync"
	"time"
)

// EventType represents different types of recovery events
type EventType string

const (
	EventRecoveryOpened     EventType = "RECOVERY_OPENED"
	EventRecoveryClosed     EventType = "RECOVERY_CLOSED"
	EventRecoverySkipped    EventType = "RECOVERY_SKIPPED"
	EventOrderRejected      EventType = "ORDER_REJECTED"
	EventInvariantViolation EventType = "INVARIANT_VIOLATION"
	EventHedgeReleased      EventType = "HEDGE_RELEASED"
	EventHedgeAdopted       EventType = "HEDGE_ADOPTED"
	EventStrandedLeg        EventType = "STRANDED_RECOVERY_LEG"
	EventKeyReset           EventType = "KEY_RESET"
	EventCycleCompleted     EventType = "CYCLE_COMPLETED"
	EventCircuitBreaker     EventType = "CIRCUIT_BREAKER_UPDATE"
	EventError              EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus fans events out to subscribers. Each delivery runs in its own
// goroutine so publishers never block on slow consumers.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	if eb == nil {
		return
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, sub := range eb.subscribers[event.Type] {
		go sub(event)
	}
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishRecoveryOpened announces a new recovery group
func (eb *EventBus) PublishRecoveryOpened(groupID, key, symbol, hedgeSymbol, direction string, volume, correlation float64) {
	eb.Publish(Event{
		Type: EventRecoveryOpened,
		Data: map[string]interface{}{
			"group_id":     groupID,
			"key":          key,
			"symbol":       symbol,
			"hedge_symbol": hedgeSymbol,
			"direction":    direction,
			"volume":       volume,
			"correlation":  correlation,
		},
	})
}

// PublishRecoveryClosed announces a closed recovery group
func (eb *EventBus) PublishRecoveryClosed(groupID, key, reason string, combinedPnL float64) {
	eb.Publish(Event{
		Type: EventRecoveryClosed,
		Data: map[string]interface{}{
			"group_id":     groupID,
			"key":          key,
			"reason":       reason,
			"combined_pnl": combinedPnL,
		},
	})
}

// PublishOrderRejected announces a hedge order the broker declined
func (eb *EventBus) PublishOrderRejected(key, symbol string, err error) {
	eb.Publish(Event{
		Type: EventOrderRejected,
		Data: map[string]interface{}{
			"key":    key,
			"symbol": symbol,
			"error":  errString(err),
		},
	})
}

// PublishInvariantViolation announces a key moved to ERROR
func (eb *EventBus) PublishInvariantViolation(key string, err error) {
	eb.Publish(Event{
		Type: EventInvariantViolation,
		Data: map[string]interface{}{
			"key":   key,
			"error": errString(err),
		},
	})
}

// PublishCycleCompleted reports one monitor cycle
func (eb *EventBus) PublishCycleCompleted(cycleID string, duration time.Duration, data map[string]interface{}) {
	if data == nil {
		data = make(map[string]interface{})
	}
	data["cycle_id"] = cycleID
	data["duration_ms"] = duration.Milliseconds()
	eb.Publish(Event{Type: EventCycleCompleted, Data: data})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	eb.Publish(Event{
		Type: EventError,
		Data: map[string]interface{}{
			"source":  source,
			"message": message,
			"error":   errString(err),
		},
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
