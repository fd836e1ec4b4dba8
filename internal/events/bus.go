// Package events is the in-process publish/subscribe channel for queue lifecycle
// notifications.
package events

import (
	"log/slog"
	"sync"

	"github.com/orrn/printqueue/internal/jobs"
)

type Kind string

const (
	JobAdded     Kind = "job-added"
	JobStarted   Kind = "job-started"
	JobCompleted Kind = "job-completed"
	JobFailed    Kind = "job-failed"
	QueuePaused  Kind = "queue-paused"
	QueueResumed Kind = "queue-resumed"
	QueueCleared Kind = "queue-cleared"
)

// AllKinds lists every event kind the queue emits.
var AllKinds = []Kind{JobAdded, JobStarted, JobCompleted, JobFailed, QueuePaused, QueueResumed, QueueCleared}

// Event is one queue notification. Seq is assigned by the publisher and
// increases by one per event; zero means unsequenced.
type Event struct {
	Seq       uint64         `json:"seq,omitempty"`
	Kind      Kind           `json:"kind"`
	Timestamp int64          `json:"timestamp"`
	Job       *jobs.PrintJob `json:"job,omitempty"`
}

// New builds an event stamped with the current time. The job, if any, is cloned.
func New(kind Kind, job *jobs.PrintJob) Event {
	evt := Event{Kind: kind, Timestamp: jobs.NowMillis()}
	if job != nil {
		c := job.Clone()
		evt.Job = &c
	}
	return evt
}

type Listener func(Event)

type subscription struct {
	id       uint64
	listener Listener
}

// Bus delivers events synchronously to every registered listener, in
// registration order. A panicking listener is logged and skipped.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger.With("component", "events")}
}

// Subscribe registers l and returns a function that removes it again. Calling
// the returned function more than once is harmless.
func (b *Bus) Subscribe(l Listener) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, listener: l})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit invokes every currently registered listener with evt.
func (b *Bus) Emit(evt Event) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, evt)
	}
}

func (b *Bus) deliver(s subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("listener panicked", "subscription", s.id, "event", evt.Kind, "panic", r)
		}
	}()
	s.listener(evt)
}

// Len returns the number of registered listeners.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
