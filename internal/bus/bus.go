package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Ledger and queue event topics.
const (
	TopicReservationCreated   = "reservation.created"
	TopicReservationConsumed  = "reservation.consumed"
	TopicReservationFinalized = "reservation.finalized"
	TopicReservationReleased  = "reservation.released"
	TopicReservationExpired   = "reservation.expired"
	TopicTaskStateChanged     = "task.state_changed"
	TopicTaskClaimed          = "task.claimed"
	TopicTaskCompleted        = "task.completed"
	TopicTaskFailed           = "task.failed"
	TopicTaskRequeued         = "task.requeued"
	TopicCheckpointCreated    = "checkpoint.created"
	TopicReaperSwept          = "reaper.swept"
)

// ReservationEvent is published when a reservation changes state.
type ReservationEvent struct {
	ReservationID string // Reservation ID
	TenantID      string // Owning tenant
	RunID         string // Owning run (task)
	Amount        string // Decimal amount involved, as a string
	Status        string // Resulting status (ACTIVE, FINALIZED, ...)
}

// TaskStateChangedEvent is published when a task's state changes.
type TaskStateChangedEvent struct {
	TaskID    string // Task ID
	TenantID  string // Owning tenant
	OldStatus string // Previous status (e.g. QUEUED)
	NewStatus string // New status (e.g. EXECUTING)
	WorkerID  string // Claiming worker, if any
}

// CheckpointEvent is published when a checkpoint is written or invalidated.
type CheckpointEvent struct {
	TaskID       string // Owning task
	CheckpointID string // Checkpoint ID
	Version      int    // Per-task version
	Type         string // Checkpoint type
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss events
// (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is dropped.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			// Non-blocking send.
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop event for this subscriber.
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
