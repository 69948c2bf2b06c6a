package queue

import (
	"sync"
	"time"
)

type EventKind string

// Lifecycle events exist for operational tooling only. Nothing in the
// queue's correctness depends on whether anyone is listening, so publishes
// never block and slow subscribers simply miss events.
const (
	EventReady        EventKind = "ready"
	EventError        EventKind = "error"
	EventJobFailed    EventKind = "job_failed"
	EventJobCompleted EventKind = "job_completed"
	EventDrained      EventKind = "drained"
)

type Event struct {
	Kind  EventKind
	Queue string
	JobId int64
	Err   error
	At    time.Time
}

type EventBus struct {
	mu   sync.Mutex
	subs []chan Event
}

func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe returns a buffered channel of lifecycle events. The channel is
// never closed; callers stop reading when they shut down.
func (b *EventBus) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

func (b *EventBus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b.mu.Lock()
	subs := b.subs
	b.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- e:
		default:
			// Subscriber is behind; drop rather than stall the worker.
		}
	}
}
