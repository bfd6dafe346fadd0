package bus

import (
	"sync"
	"testing"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := New()
	var got []string
	b.Subscribe(func(e Event) { got = append(got, "a:"+e.Type) })
	b.Subscribe(func(e Event) { got = append(got, "b:"+e.Type) })

	b.Emit(WorkflowStart, "wf-1", nil)

	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(got))
	}
	if got[0] != "a:workflow:start" || got[1] != "b:workflow:start" {
		t.Fatalf("unexpected delivery order: %v", got)
	}
}

func TestSubscribeWithTypeFilter(t *testing.T) {
	b := New()
	var got []string
	b.Subscribe(func(e Event) { got = append(got, e.Type) }, NodeComplete, NodeFailed)

	b.Emit(WorkflowStart, "wf-1", nil)
	b.Emit(NodeComplete, "wf-1", nil)
	b.Emit(NodeFailed, "wf-1", nil)
	b.Emit(ExecutionStart, "wf-1", nil)

	if len(got) != 2 {
		t.Fatalf("expected 2 filtered deliveries, got %d: %v", len(got), got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	count := 0
	cancel := b.Subscribe(func(Event) { count++ })

	b.Emit(WorkflowStart, "wf-1", nil)
	cancel()
	b.Emit(WorkflowCompleted, "wf-1", nil)

	if count != 1 {
		t.Fatalf("expected 1 delivery after unsubscribe, got %d", count)
	}
}

func TestPublishStampsTimestamp(t *testing.T) {
	b := New()
	var evt Event
	b.Subscribe(func(e Event) { evt = e })

	b.Emit(ExecutionComplete, "wf-1", map[string]any{"requestId": "r-1"})

	if evt.Timestamp.IsZero() {
		t.Fatal("expected timestamp to be stamped on publish")
	}
	if evt.WorkflowID != "wf-1" {
		t.Fatalf("unexpected workflow id %q", evt.WorkflowID)
	}
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	b := New()
	var mu sync.Mutex
	count := 0
	b.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Emit(NodeStart, "wf-1", nil)
		}()
	}
	wg.Wait()

	if count != 20 {
		t.Fatalf("expected 20 deliveries, got %d", count)
	}
}
