// Package events provides a typed event bus for operational signals.
// Producers (port pool, teardown, alert pipeline) publish without knowing
// which logging/alerting backend is listening.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType identifies the kind of operational event
type EventType string

const (
	EventPortsExhausted     EventType = "ports-exhausted"
	EventStuckPortsDetected EventType = "stuck-ports-detected"
	EventHighUtilization    EventType = "high-utilization"
	EventTeardownStepFailed EventType = "teardown-step-failed"
	EventAlertSuppressed    EventType = "alert-suppressed"
)

// Event is a single operational signal
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	CallID    string                 `json:"call_id,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Subscriber receives published events. Must not block.
type Subscriber func(Event)

// Bus fans events out to subscribers through a bounded queue.
// When the queue is full the oldest event is dropped — operational
// signals are advisory, they must never backpressure the call path.
type Bus struct {
	mu          sync.RWMutex
	subscribers []Subscriber
	queue       chan Event
	done        chan struct{}
	closeOnce   sync.Once
	logger      *zap.Logger
}

// NewBus creates a bus with the given queue capacity and starts its dispatch loop
func NewBus(capacity int, logger *zap.Logger) *Bus {
	if capacity <= 0 {
		capacity = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		queue:  make(chan Event, capacity),
		done:   make(chan struct{}),
		logger: logger,
	}
	go b.dispatch()
	return b
}

// Subscribe registers a subscriber for all events
func (b *Bus) Subscribe(s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, s)
}

// Publish enqueues an event, dropping the oldest queued event if full
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	for {
		select {
		case b.queue <- evt:
			return
		default:
		}
		// Queue full: drop the oldest and retry
		select {
		case dropped := <-b.queue:
			b.logger.Warn("event queue full, dropping oldest event",
				zap.String("dropped_type", string(dropped.Type)))
		default:
		}
	}
}

// Close stops the dispatch loop. Subsequent Publish calls are discarded
// once the queue fills.
func (b *Bus) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}

func (b *Bus) dispatch() {
	for {
		select {
		case <-b.done:
			return
		case evt := <-b.queue:
			b.mu.RLock()
			subs := make([]Subscriber, len(b.subscribers))
			copy(subs, b.subscribers)
			b.mu.RUnlock()
			for _, s := range subs {
				s(evt)
			}
		}
	}
}
