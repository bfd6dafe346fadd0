package approval

import (
	"sync"
	"testing"
	"time"

	"github.com/aegis-sec/aegis/internal/bus"
	"github.com/aegis-sec/aegis/internal/workflow"
)

func collectEvents(b *bus.Bus) (*[]bus.Event, *sync.Mutex) {
	var (
		mu     sync.Mutex
		events []bus.Event
	)
	b.Subscribe(func(evt bus.Event) {
		mu.Lock()
		events = append(events, evt)
		mu.Unlock()
	})
	return &events, &mu
}

func TestProcessApproves(t *testing.T) {
	b := bus.New()
	events, mu := collectEvents(b)
	m := NewManager(b, nil)

	future, err := m.Submit(&Request{
		WorkflowID: "wf-1",
		Type:       TypeTestExecution,
		Context:    Context{Test: "injection-tester", Environment: workflow.EnvStaging, Severity: workflow.SeverityHigh},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	pending := m.Pending()
	if len(pending) != 1 || pending[0].Status != StatusPending {
		t.Fatalf("expected one pending request, got %v", pending)
	}

	if _, err := m.Process(pending[0].ID, Decision{Approved: true, Approver: "sec-lead"}); err != nil {
		t.Fatalf("process: %v", err)
	}

	select {
	case d := <-future:
		if !d.Approved || d.Approver != "sec-lead" {
			t.Fatalf("unexpected decision: %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("future never resolved")
	}

	mu.Lock()
	defer mu.Unlock()
	var sawRequested, sawProcessed bool
	for _, evt := range *events {
		switch evt.Type {
		case bus.ApprovalRequested:
			sawRequested = true
		case bus.ApprovalProcessed:
			sawProcessed = true
		}
	}
	if !sawRequested || !sawProcessed {
		t.Fatalf("expected requested and processed events, got %v", *events)
	}
}

func TestDenialCarriesApprover(t *testing.T) {
	m := NewManager(bus.New(), nil)
	future, err := m.Submit(&Request{
		WorkflowID: "wf-1",
		Type:       TypeTestExecution,
		Context:    Context{Environment: workflow.EnvProduction, Severity: workflow.SeverityHigh},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	req := m.Pending()[0]
	if _, err := m.Process(req.ID, Decision{Approved: false, Approver: "sec-lead", Reason: "out of scope"}); err != nil {
		t.Fatalf("process: %v", err)
	}

	d := <-future
	if d.Approved || d.Approver != "sec-lead" {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestTimeoutDeniesWithReason(t *testing.T) {
	b := bus.New()
	events, mu := collectEvents(b)
	m := NewManager(b, nil, WithDefaultTimeout(20*time.Millisecond), WithEscalation(nil, time.Minute))

	future, err := m.Submit(&Request{
		WorkflowID: "wf-1",
		Type:       TypeTestExecution,
		Context:    Context{Environment: workflow.EnvStaging, Severity: workflow.SeverityHigh},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case d := <-future:
		if d.Approved || d.Reason != "request timed out" {
			t.Fatalf("unexpected decision: %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	var sawTimeout bool
	for _, evt := range *events {
		if evt.Type == bus.ApprovalTimeout {
			sawTimeout = true
		}
	}
	if !sawTimeout {
		t.Fatal("expected approval:timeout event")
	}
}

func TestEscalationThenTimeout(t *testing.T) {
	b := bus.New()
	events, mu := collectEvents(b)
	m := NewManager(b, nil,
		WithDefaultTimeout(15*time.Millisecond),
		WithEscalation([]string{"team-lead", "ciso"}, 15*time.Millisecond))

	future, err := m.Submit(&Request{
		WorkflowID: "wf-1",
		Type:       TypeTestExecution,
		Context:    Context{Environment: workflow.EnvStaging, Severity: workflow.SeverityHigh},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case d := <-future:
		if d.Approved {
			t.Fatalf("unexpected approval: %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("chain never exhausted")
	}

	mu.Lock()
	defer mu.Unlock()
	var escalations int
	for _, evt := range *events {
		if evt.Type == bus.ApprovalEscalated {
			escalations++
		}
	}
	if escalations != 2 {
		t.Fatalf("expected 2 escalations, got %d", escalations)
	}
}

func TestAutoApprovalByPolicy(t *testing.T) {
	m := NewManager(bus.New(), nil)
	future, err := m.Submit(&Request{
		WorkflowID: "wf-1",
		Type:       TypeExploitation,
		Context:    Context{Environment: workflow.EnvDevelopment, Phase: workflow.PhaseExploit},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case d := <-future:
		if !d.Approved || d.Reason != "policy auto-approval" {
			t.Fatalf("unexpected decision: %+v", d)
		}
	default:
		t.Fatal("auto-approval should resolve before Submit returns")
	}
	if len(m.Pending()) != 0 {
		t.Fatal("auto-approved request should not stay pending")
	}
}

func TestCancelWorkflowDeniesAllPending(t *testing.T) {
	m := NewManager(bus.New(), nil)

	var futures []<-chan Decision
	for i := 0; i < 3; i++ {
		f, err := m.Submit(&Request{
			WorkflowID: "wf-1",
			Type:       TypeTestExecution,
			Context:    Context{Environment: workflow.EnvStaging, Severity: workflow.SeverityHigh},
		})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		futures = append(futures, f)
	}

	m.CancelWorkflow("wf-1")
	m.CancelWorkflow("wf-1") // idempotent

	for i, f := range futures {
		select {
		case d := <-f:
			if d.Approved || d.Reason != "workflow cancelled" {
				t.Fatalf("future %d: unexpected decision %+v", i, d)
			}
		case <-time.After(time.Second):
			t.Fatalf("future %d never resolved", i)
		}
	}
	if len(m.Pending()) != 0 {
		t.Fatal("pending registry should be empty after cancellation")
	}
}

func TestProcessUnknownRequest(t *testing.T) {
	m := NewManager(bus.New(), nil)
	if _, err := m.Process("nope", Decision{Approved: true}); err == nil {
		t.Fatal("expected error for unknown request id")
	}
}
