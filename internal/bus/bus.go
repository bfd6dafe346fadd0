// Package bus implements the in-process event fan-out used for all
// workflow observability. Persistence and metrics are subscribers,
// never callers.
package bus

import (
	"sync"
	"time"
)

// Event types published by the orchestrator and its components.
const (
	WorkflowStart         = "workflow:start"
	WorkflowClassified    = "workflow:classified"
	WorkflowEnriched      = "workflow:enriched"
	WorkflowPhaseStart    = "workflow:phase:start"
	WorkflowPhaseComplete = "workflow:phase:complete"
	WorkflowCompleted     = "workflow:completed"
	WorkflowFailed        = "workflow:failed"
	WorkflowCancelled     = "workflow:cancelled"

	NodeDecision = "node:decision"
	NodeStart    = "node:start"
	NodeComplete = "node:complete"
	NodeFailed   = "node:failed"

	ExecutionStart    = "execution:start"
	ExecutionComplete = "execution:complete"
	ExecutionFailed   = "execution:failed"

	ApprovalRequested = "approval:requested"
	ApprovalProcessed = "approval:processed"
	ApprovalTimeout   = "approval:timeout"
	ApprovalEscalated = "approval:escalated"

	TreeBuilt   = "tree:built"
	TreeAdapted = "tree:adapted"
)

// Event is a JSON-serialisable record delivered to subscribers.
type Event struct {
	Type       string         `json:"type"`
	WorkflowID string         `json:"workflowId"`
	Timestamp  time.Time      `json:"timestamp"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Subscriber receives events. Delivery is synchronous; subscribers that
// need to do slow work must buffer internally.
type Subscriber func(Event)

// Bus fans events out to subscribers in subscription order.
type Bus struct {
	mu   sync.RWMutex
	subs []subscription
	next int
}

type subscription struct {
	id     int
	types  map[string]struct{} // nil means all types
	notify Subscriber
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers fn for the given event types. An empty type list
// subscribes to every event. Returns an unsubscribe function.
func (b *Bus) Subscribe(fn Subscriber, types ...string) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	var filter map[string]struct{}
	if len(types) > 0 {
		filter = make(map[string]struct{}, len(types))
		for _, t := range types {
			filter[t] = struct{}{}
		}
	}

	id := b.next
	b.next++
	b.subs = append(b.subs, subscription{id: id, types: filter, notify: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers the event to all matching subscribers. The timestamp
// is stamped here if the caller left it zero.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		if s.types != nil {
			if _, ok := s.types[evt.Type]; !ok {
				continue
			}
		}
		s.notify(evt)
	}
}

// Emit is a convenience wrapper building an Event from parts.
func (b *Bus) Emit(eventType, workflowID string, payload map[string]any) {
	b.Publish(Event{Type: eventType, WorkflowID: workflowID, Payload: payload})
}
