package scheduler

import (
	"sync"
	"time"

	"magnet-queue/internal/domain"
)

// Event is emitted by the scheduler after it acts on a job.
type Event interface {
	isEvent()
	JobID() domain.JobID
	At() time.Time
}

type eventBase struct {
	Job       domain.JobID
	Timestamp time.Time
}

func (eventBase) isEvent()              {}
func (e eventBase) JobID() domain.JobID { return e.Job }
func (e eventBase) At() time.Time       { return e.Timestamp }

// JobResumed is emitted when the scheduler resumes a paused job.
type JobResumed struct{ eventBase }

// JobPaused is emitted when the scheduler pauses a running job.
type JobPaused struct{ eventBase }

// CheckingStarted is emitted when a job is granted a checking slot.
type CheckingStarted struct{ eventBase }

// CheckingStopped is emitted when a checking slot is revoked.
type CheckingStopped struct{ eventBase }

// StateChanged is emitted when a job moves between categories.
type StateChanged struct {
	eventBase
	Change
}

func newBase(id domain.JobID, at time.Time) eventBase {
	return eventBase{Job: id, Timestamp: at}
}

// Bus fans events out to subscribers synchronously, in subscription order.
// Handlers run inside the tick and must not call Tick; Trigger is safe.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers []subscription
}

type subscription struct {
	id int
	fn func(Event)
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers = append(b.handlers, subscription{id: id, fn: fn})
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.handlers {
			if sub.id == id {
				b.handlers = append(b.handlers[:i:i], b.handlers[i+1:]...)
				return
			}
		}
	}
}

func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	subs := b.handlers
	b.mu.RUnlock()
	for _, sub := range subs {
		sub.fn(ev)
	}
}
