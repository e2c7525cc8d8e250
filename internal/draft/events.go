package draft

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// EventType names a queue lifecycle event.
type EventType string

const (
	EventActionAdded       EventType = "ActionAdded"
	EventActionUploading   EventType = "ActionUploading"
	EventActionCompleted   EventType = "ActionCompleted"
	EventActionFailed      EventType = "ActionFailed"
	EventActionDeleted     EventType = "ActionDeleted"
	EventActionUpdated     EventType = "ActionUpdated"
	EventQueueStateChanged EventType = "QueueStateChanged"
)

// Event is delivered to queue listeners. Action is a copy; State is set for
// EventQueueStateChanged.
type Event struct {
	Type   EventType `json:"type"`
	Action *Action   `json:"action,omitempty"`
	State  State     `json:"state,omitempty"`
}

// Listener observes queue events. Listeners run synchronously in
// registration order; an error is logged and does not stop delivery.
type Listener func(ctx context.Context, ev Event) error

type listenerSet struct {
	mu     sync.Mutex
	fns    map[int]Listener
	nextID int
}

func (l *listenerSet) add(fn Listener) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]Listener)
	}
	id := l.nextID
	l.nextID++
	l.fns[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.fns, id)
	}
}

func (l *listenerSet) snapshot() []Listener {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]int, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, l.fns[id])
	}
	return out
}

func (l *listenerSet) emit(ctx context.Context, logger *slog.Logger, ev Event) {
	for _, fn := range l.snapshot() {
		if err := fn(ctx, ev); err != nil {
			attrs := []any{"event", ev.Type, "error", err}
			if ev.Action != nil {
				attrs = append(attrs, "action_id", ev.Action.ID)
			}
			logger.Warn("draft queue listener failed", attrs...)
		}
	}
}
