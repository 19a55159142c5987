package taskgraph

import (
	"log/slog"

	"github.com/taskmesh/taskmesh/store"
)

// EventType labels a committed task transition.
type EventType string

const (
	EventTaskCreated   EventType = "task_created"
	EventTaskAssigned  EventType = "task_assigned"
	EventTaskStarted   EventType = "task_started"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"
	EventTaskCancelled EventType = "task_cancelled"
	EventTaskRetried   EventType = "task_retried"
	EventTaskBlocked   EventType = "task_blocked"
	EventTaskUnblocked EventType = "task_unblocked"
)

// Event is delivered synchronously to every subscriber after the matching
// transition has committed. Exactly one event per committed transition.
type Event struct {
	Type EventType
	Task *store.Task
	// CanRetry is set on task_failed: the retry budget still has room.
	CanRetry bool
	// Reason carries the block reason on task_blocked.
	Reason string
}

// Listener receives graph events. A listener must not assume the task
// version in the event is still current by the time it reacts.
type Listener func(Event)

// Subscribe registers a listener and returns its unsubscribe handle.
// Delivery happens in the mutator's caller; listener panics are swallowed
// so they can never abort a graph mutation.
func (g *Graph) Subscribe(listener Listener) func() {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := g.nextListenerID
	g.nextListenerID++
	g.listeners[id] = listener

	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		delete(g.listeners, id)
	}
}

func (g *Graph) emit(event Event) {
	g.mu.Lock()
	listeners := make([]Listener, 0, len(g.listeners))
	for _, l := range g.listeners {
		listeners = append(listeners, l)
	}
	g.mu.Unlock()

	for _, listener := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("taskgraph: listener panic",
						"event", string(event.Type),
						"task_id", event.Task.ID,
						"panic", r)
				}
			}()
			listener(event)
		}()
	}
}
