// Package events provides a pub/sub event bus for schedule lifecycle
// events. Used by the SSE stream for real-time updates and by the failure
// notification router.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/marcus-qen/adjutant/internal/controlplane/schedules"
)

// EventType classifies control-plane events.
type EventType string

const (
	ScheduleCreated  EventType = "schedule.created"
	ScheduleUpdated  EventType = "schedule.updated"
	SchedulePaused   EventType = "schedule.paused"
	ScheduleResumed  EventType = "schedule.resumed"
	ScheduleCanceled EventType = "schedule.canceled"
	ScheduleArchived EventType = "schedule.archived"
	ScheduleRunNow   EventType = "schedule.run_now"

	ExecutionQueued         EventType = "execution.queued"
	ExecutionStarted        EventType = "execution.started"
	ExecutionSucceeded      EventType = "execution.succeeded"
	ExecutionFailed         EventType = "execution.failed"
	ExecutionRetryScheduled EventType = "execution.retry_scheduled"

	TimerDegraded EventType = "timer.degraded"
)

// Event represents one control-plane event.
type Event struct {
	Type        EventType   `json:"type"`
	ScheduleID  string      `json:"schedule_id,omitempty"`
	ExecutionID string      `json:"execution_id,omitempty"`
	Summary     string      `json:"summary"`
	Detail      interface{} `json:"detail,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

// JSON returns the event as a JSON byte slice.
func (e Event) JSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

// FromLifecycle converts a normalized schedule lifecycle event into a bus
// event, carrying the correlation metadata as detail.
func FromLifecycle(ev schedules.LifecycleEvent) Event {
	return Event{
		Type:        EventType(ev.Type),
		ScheduleID:  ev.ScheduleID,
		ExecutionID: ev.ExecutionID,
		Summary:     ev.Summary(),
		Detail:      ev.CorrelationMetadata(),
		Timestamp:   ev.Timestamp,
	}
}

// Bus is a simple pub/sub event bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	bufferSize  int
}

// NewBus creates an event bus.
func NewBus(bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = 64
	}
	return &Bus{
		subscribers: make(map[string]chan Event),
		bufferSize:  bufferSize,
	}
}

// Publish sends an event to all subscribers.
// Non-blocking: drops events for slow subscribers.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			// slow subscriber, drop the event
		}
	}
}

// Subscribe returns a channel of events. Call Unsubscribe with the returned id when done.
func (b *Bus) Subscribe(id string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[id] = ch
	return ch
}

// Unsubscribe removes a subscriber.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
