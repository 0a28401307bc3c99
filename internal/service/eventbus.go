package service

import (
	"sync"
	"time"

	"github.com/bnema/coachfeed/internal/domain"
)

// AllJobs subscribes to events for every job.
const AllJobs = "*"

const subscriberBuffer = 16

type EventType string

const (
	EventStatus   EventType = "status"
	EventProgress EventType = "progress"
)

type Event struct {
	Type     EventType        `json:"type"`
	JobID    string           `json:"job_id"`
	Status   domain.JobStatus `json:"status"`
	Progress int              `json:"progress"`
	Message  string           `json:"message,omitempty"`
	At       time.Time        `json:"at"`
}

type EventPublisher interface {
	Publish(jobID string, event Event)
}

type EventBus struct {
	subscribers map[string][]chan Event
	mu          sync.RWMutex
}

func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[string][]chan Event),
	}
}

func (eb *EventBus) Subscribe(jobID string) chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	eb.subscribers[jobID] = append(eb.subscribers[jobID], ch)
	return ch
}

func (eb *EventBus) Unsubscribe(jobID string, ch chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs := eb.subscribers[jobID]
	for i, sub := range subs {
		if sub == ch {
			eb.subscribers[jobID] = append(subs[:i], subs[i+1:]...)
			close(ch)
			break
		}
	}

	if len(eb.subscribers[jobID]) == 0 {
		delete(eb.subscribers, jobID)
	}
}

// Publish never blocks; a subscriber whose buffer is full misses the event.
func (eb *EventBus) Publish(jobID string, event Event) {
	if event.JobID == "" {
		event.JobID = jobID
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for _, key := range []string{jobID, AllJobs} {
		for _, ch := range eb.subscribers[key] {
			select {
			case ch <- event:
			default:
			}
		}
	}
}

func (eb *EventBus) SubscriberCount(jobID string) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subscribers[jobID])
}

var _ EventPublisher = (*EventBus)(nil)
