package queue

import (
	"sync"

	"github.com/nicnocquee/dataqueue-sub002/internal/domain"
)

// EventKind identifies a lifecycle notification on the in-process stream.
type EventKind string

const (
	KindAdded          EventKind = "added"
	KindClaimed        EventKind = "claimed"
	KindCompleted      EventKind = "completed"
	KindFailed         EventKind = "failed"
	KindWaiting        EventKind = "waiting"
	KindTokenCompleted EventKind = "token_completed"
	KindError          EventKind = "error"

	// KindAll subscribes a listener to every kind.
	KindAll EventKind = "*"
)

// Event is one lifecycle notification.
type Event struct {
	Kind  EventKind
	JobID int64
	Job   *domain.Job
	Err   error
}

// Listener receives events on a dedicated goroutine per subscription.
type Listener func(Event)

const listenerBuffer = 64

type subscription struct {
	kind EventKind
	ch   chan Event
}

// Emitter fans lifecycle events out to subscribed listeners. Each listener
// runs on its own goroutine fed by a buffered channel; when a slow listener
// falls more than listenerBuffer events behind, further events for it are
// dropped so emission never blocks.
type Emitter struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscription
	closed bool
}

func NewEmitter() *Emitter {
	return &Emitter{subs: make(map[int]*subscription)}
}

// On registers a listener for one kind (or KindAll) and returns an
// unsubscribe function.
func (e *Emitter) On(kind EventKind, fn Listener) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return func() {}
	}

	id := e.nextID
	e.nextID++
	sub := &subscription{kind: kind, ch: make(chan Event, listenerBuffer)}
	e.subs[id] = sub

	go func() {
		for ev := range sub.ch {
			fn(ev)
		}
	}()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if s, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(s.ch)
		}
	}
}

// Emit delivers ev to every matching listener without blocking.
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	for _, sub := range e.subs {
		if sub.kind != KindAll && sub.kind != ev.Kind {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Listener is behind; drop rather than stall the queue.
		}
	}
}

// Close unsubscribes every listener. Subsequent Emit calls are no-ops.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for id, sub := range e.subs {
		delete(e.subs, id)
		close(sub.ch)
	}
}
