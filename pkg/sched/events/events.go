// Package events implements the scheduler's internal event bus: every
// scheduler-state operation returns the events it produced rather than
// acting on them directly, and a single event loop drains and routes
// them.
package events

import (
	"sync"
	"time"
)

// EventType identifies the kind of scheduler event.
type EventType string

const (
	EventJobSubmitted     EventType = "job_submitted"
	EventJobCompleted     EventType = "job_completed"
	EventJobFailed        EventType = "job_failed"
	EventStageRunnable    EventType = "stage_runnable"
	EventTaskCompleted    EventType = "task_completed"
	EventTaskFailed       EventType = "task_failed"
	EventReservationsFree EventType = "reservations_free"
	EventExecutorLost     EventType = "executor_lost"
)

// Event is a single occurrence published on the bus.
type Event struct {
	Type       EventType
	Timestamp  time.Time
	JobID      string
	StageID    int
	ExecutorID string
	Message    string
	Metadata   map[string]string
}

// Subscriber is a channel on which events are delivered.
type Subscriber chan *Event

// Broker is a buffered, non-blocking pub/sub event broker. Slow
// subscribers drop events rather than stall publishers.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new, unstarted event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's dispatch loop in a new goroutine.
func (b *Broker) Start() {
	go b.run()
}

// Stop halts the dispatch loop.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe registers a new subscriber channel.
func (b *Broker) Subscribe() Subscriber {
	sub := make(Subscriber, 64)
	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
	b.mu.Unlock()
}

// Publish enqueues an event for dispatch. Publish never blocks on slow
// subscribers; it only blocks briefly if the broker's internal queue is
// full.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// PublishAll publishes a slice of events in order.
func (b *Broker) PublishAll(events []*Event) {
	for _, e := range events {
		b.Publish(e)
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber is behind; drop rather than block the bus.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
