package tree

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aegis-sec/aegis/internal/bus"
	"github.com/aegis-sec/aegis/internal/workflow"
)

// fakeRunner executes nodes from a script keyed by node id.
type fakeRunner struct {
	mu       sync.Mutex
	script   map[string]func(ctx context.Context, n *Node) (*Result, error)
	executed []string
	inflight int32
	maxSeen  int32
	delay    time.Duration
}

func (f *fakeRunner) Run(ctx context.Context, workflowID string, n *Node) (*Result, error) {
	cur := atomic.AddInt32(&f.inflight, 1)
	for {
		prev := atomic.LoadInt32(&f.maxSeen)
		if cur <= prev || atomic.CompareAndSwapInt32(&f.maxSeen, prev, cur) {
			break
		}
	}
	defer atomic.AddInt32(&f.inflight, -1)

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return &Result{NodeID: n.ID, Tool: n.Tool, Status: string(NodeFailed), Error: "cancelled"}, nil
		}
	}

	f.mu.Lock()
	f.executed = append(f.executed, n.ID)
	fn := f.script[n.ID]
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, n)
	}
	return &Result{NodeID: n.ID, Tool: n.Tool, Status: string(NodeCompleted)}, nil
}

func (f *fakeRunner) executions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.executed))
	copy(out, f.executed)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestExecutorRunsDependenciesInOrder(t *testing.T) {
	tr := New("wf-1")
	if err := tr.Build([]*Node{
		{ID: "a", Tool: "subdomain-scanner"},
		{ID: "b", Tool: "port-scanner", DependsOn: []string{"a"}},
		{ID: "c", Tool: "tech-fingerprint", DependsOn: []string{"b"}},
	}); err != nil {
		t.Fatalf("build: %v", err)
	}

	runner := &fakeRunner{}
	ex := NewExecutor(tr, runner, bus.New(), testLogger(), WithPollTick(5*time.Millisecond))
	rec, err := ex.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	got := runner.executions()
	if strings.Join(got, ",") != "a,b,c" {
		t.Fatalf("expected a,b,c execution order, got %v", got)
	}
	if len(rec.Failed) != 0 || len(rec.Skipped) != 0 {
		t.Fatalf("expected clean run, got failed=%v skipped=%v", rec.Failed, rec.Skipped)
	}
	if strings.Join(rec.History, ",") != "a,b,c" {
		t.Fatalf("unexpected history %v", rec.History)
	}
}

func TestExecutorRetriesThenFails(t *testing.T) {
	tr := New("wf-1")
	n := &Node{ID: "flaky", Tool: "port-scanner", Priority: PriorityCritical}
	if err := tr.Add(n); err != nil {
		t.Fatalf("add: %v", err)
	}

	attempts := 0
	runner := &fakeRunner{script: map[string]func(context.Context, *Node) (*Result, error){
		"flaky": func(_ context.Context, n *Node) (*Result, error) {
			attempts++
			return nil, errors.New("execution timeout")
		},
	}}
	ex := NewExecutor(tr, runner, bus.New(), testLogger())
	rec, err := ex.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	// Critical priority: 1 initial attempt + 3 retries.
	if attempts != 4 {
		t.Fatalf("expected 4 attempts, got %d", attempts)
	}
	if len(rec.Failed) != 1 || rec.Failed[0] != "flaky" {
		t.Fatalf("expected flaky to fail, got %v", rec.Failed)
	}
}

func TestExecutorRetrySucceedsSecondAttempt(t *testing.T) {
	tr := New("wf-1")
	if err := tr.Add(&Node{ID: "n", Tool: "port-scanner"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	attempts := 0
	runner := &fakeRunner{script: map[string]func(context.Context, *Node) (*Result, error){
		"n": func(_ context.Context, n *Node) (*Result, error) {
			attempts++
			if attempts == 1 {
				return &Result{NodeID: "n", Tool: n.Tool, Status: string(NodeFailed), Error: "transient"}, nil
			}
			return &Result{NodeID: "n", Tool: n.Tool, Status: string(NodeCompleted)}, nil
		},
	}}
	rec, err := NewExecutor(tr, runner, bus.New(), testLogger()).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
	if len(rec.Failed) != 0 {
		t.Fatalf("expected success after retry, got failed=%v", rec.Failed)
	}
}

func TestExecutorSkipsNodesWithDeadDependencies(t *testing.T) {
	tr := New("wf-1")
	if err := tr.Build([]*Node{
		{ID: "a", Tool: "subdomain-scanner"},
		{ID: "b", Tool: "port-scanner", DependsOn: []string{"a"}},
	}); err != nil {
		t.Fatalf("build: %v", err)
	}
	runner := &fakeRunner{script: map[string]func(context.Context, *Node) (*Result, error){
		"a": func(context.Context, *Node) (*Result, error) {
			return nil, errors.New("image missing")
		},
	}}

	rec, err := NewExecutor(tr, runner, bus.New(), testLogger()).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rec.Failed) != 1 || rec.Failed[0] != "a" {
		t.Fatalf("expected a failed, got %v", rec.Failed)
	}
	if len(rec.Skipped) != 1 || rec.Skipped[0] != "b" {
		t.Fatalf("expected b skipped, got %v", rec.Skipped)
	}
}

func TestExecutorSkipsOnFalseConditions(t *testing.T) {
	tr := New("wf-1")
	if err := tr.Build([]*Node{
		{ID: "a", Tool: "subdomain-scanner"}, // completes with no findings
		{ID: "b", Tool: "port-scanner", DependsOn: []string{"a"},
			Conditions: []Condition{{Type: CondFindingExists}}},
	}); err != nil {
		t.Fatalf("build: %v", err)
	}

	rec, err := NewExecutor(tr, &fakeRunner{}, bus.New(), testLogger()).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rec.Skipped) != 1 || rec.Skipped[0] != "b" {
		t.Fatalf("expected b skipped on false condition, got %v", rec.Skipped)
	}
}

func TestExecutorWaitsForConditionWhileSiblingsRun(t *testing.T) {
	tr := New("wf-1")
	if err := tr.Build([]*Node{
		{ID: "scan", Tool: "subdomain-scanner"},
		{ID: "gated", Tool: "port-scanner",
			Conditions: []Condition{{Type: CondFindingExists}}},
	}); err != nil {
		t.Fatalf("build: %v", err)
	}

	runner := &fakeRunner{script: map[string]func(context.Context, *Node) (*Result, error){
		"scan": func(_ context.Context, n *Node) (*Result, error) {
			time.Sleep(50 * time.Millisecond)
			return &Result{
				NodeID: "scan", Tool: n.Tool, Status: string(NodeCompleted),
				Findings: []workflow.Finding{{Type: "subdomain", Target: "a.example.test"}},
			}, nil
		},
	}}

	ex := NewExecutor(tr, runner, bus.New(), testLogger(), WithPollTick(5*time.Millisecond))
	rec, err := ex.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	// The gated node must wait for the slow scan's findings instead of
	// being skipped while the scan is still in flight.
	if len(rec.Skipped) != 0 {
		t.Fatalf("condition-gated node skipped while its producer ran: %v", rec.Skipped)
	}
	got := runner.executions()
	if len(got) != 2 || got[1] != "gated" {
		t.Fatalf("expected gated to run after scan, got %v", got)
	}
}

func TestExecutorConcurrencyCap(t *testing.T) {
	tr := New("wf-1")
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		if err := tr.Add(&Node{ID: id, Tool: "header-analyzer"}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	runner := &fakeRunner{delay: 20 * time.Millisecond}
	ex := NewExecutor(tr, runner, bus.New(), testLogger(), WithConcurrency(2), WithPollTick(time.Millisecond))
	if _, err := ex.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if max := atomic.LoadInt32(&runner.maxSeen); max > 2 {
		t.Fatalf("in-flight executions exceeded the semaphore: %d", max)
	}
	if len(runner.executions()) != 6 {
		t.Fatalf("expected all 6 nodes to run, got %d", len(runner.executions()))
	}
}

func TestExecutorCancellation(t *testing.T) {
	tr := New("wf-1")
	for _, id := range []string{"r1", "r2", "q1", "q2", "q3"} {
		if err := tr.Add(&Node{ID: id, Tool: "port-scanner"}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	events := bus.New()
	var cancelledEvents int32
	events.Subscribe(func(e bus.Event) {
		if e.Payload["error"] == "cancelled" {
			atomic.AddInt32(&cancelledEvents, 1)
		}
	}, bus.NodeFailed)

	runner := &fakeRunner{delay: time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	ex := NewExecutor(tr, runner, events, testLogger(), WithConcurrency(2), WithPollTick(time.Millisecond))
	rec, err := ex.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// Two nodes were running (failed with "cancelled"), three never started (skipped).
	if len(rec.Failed) != 2 {
		t.Fatalf("expected 2 cancelled running nodes, got failed=%v", rec.Failed)
	}
	if len(rec.Skipped) != 3 {
		t.Fatalf("expected 3 skipped pending nodes, got skipped=%v", rec.Skipped)
	}
	if atomic.LoadInt32(&cancelledEvents) != 2 {
		t.Fatalf("expected 2 node:failed cancelled events, got %d", cancelledEvents)
	}
}

type scriptedAdvisor struct {
	decide    func(n *Node) Decision
	followups func(n *Node, findings []workflow.Finding) []*Node
}

func (a scriptedAdvisor) Decide(_ context.Context, n *Node, _ map[string]*Result) (Decision, error) {
	if a.decide == nil {
		return Decision{Action: ActionExecute}, nil
	}
	return a.decide(n), nil
}

func (a scriptedAdvisor) Followups(_ context.Context, n *Node, findings []workflow.Finding) ([]*Node, error) {
	if a.followups == nil {
		return nil, nil
	}
	return a.followups(n, findings), nil
}

func TestExecutorAdvisorSkip(t *testing.T) {
	tr := New("wf-1")
	if err := tr.Add(&Node{ID: "gated", Tool: "injection-tester"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	advisor := scriptedAdvisor{decide: func(n *Node) Decision {
		return Decision{Action: ActionSkip, Reason: "denied by sec-lead"}
	}}
	runner := &fakeRunner{}
	rec, err := NewExecutor(tr, runner, bus.New(), testLogger(), WithAdvisor(advisor)).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(runner.executions()) != 0 {
		t.Fatal("skipped node must not execute")
	}
	if len(rec.Skipped) != 1 {
		t.Fatalf("expected 1 skipped, got %v", rec.Skipped)
	}
	n, _ := tr.Node("gated")
	if !strings.Contains(n.Result.Error, "sec-lead") {
		t.Fatalf("skip reason should carry the approver, got %q", n.Result.Error)
	}
}

func TestExecutorFollowupsBoundedAndDependent(t *testing.T) {
	tr := New("wf-1")
	if err := tr.Add(&Node{ID: "seed", Tool: "subdomain-scanner"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	findings := []workflow.Finding{{Type: "subdomain", Target: "a.example.test"}}
	runner := &fakeRunner{script: map[string]func(context.Context, *Node) (*Result, error){
		"seed": func(_ context.Context, n *Node) (*Result, error) {
			return &Result{NodeID: "seed", Tool: n.Tool, Status: string(NodeCompleted), Findings: findings}, nil
		},
	}}

	advisor := scriptedAdvisor{followups: func(n *Node, _ []workflow.Finding) []*Node {
		if n.ID != "seed" {
			return nil
		}
		return []*Node{
			{ID: "f1", Tool: "port-scanner"},
			{ID: "f2", Tool: "tech-fingerprint"},
			{ID: "f3", Tool: "directory-bruteforce"},
			{ID: "f4", Tool: "header-analyzer"},
			{ID: "f5", Tool: "ssl-checker"},
		}
	}}

	var collected []workflow.Finding
	ex := NewExecutor(tr, runner, bus.New(), testLogger(), WithAdvisor(advisor), WithMaxFollowups(3))
	ex.OnFindings = func(fs []workflow.Finding) { collected = append(collected, fs...) }

	if _, err := ex.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	// Cap of 3 follow-ups per finding batch.
	if tr.Len() != 4 {
		t.Fatalf("expected seed + 3 follow-ups, got %d nodes", tr.Len())
	}
	f1, _ := tr.Node("f1")
	if f1.ParentID != "seed" || len(f1.DependsOn) != 1 || f1.DependsOn[0] != "seed" {
		t.Fatalf("follow-up must root under and depend on the producing node: %+v", f1)
	}
	if len(collected) != 1 {
		t.Fatalf("expected findings callback once, got %d", len(collected))
	}
}

func TestExecutorParameterSubstitution(t *testing.T) {
	tr := New("wf-1")
	if err := tr.Build([]*Node{
		{ID: "scan", Tool: "subdomain-scanner"},
		{ID: "fan", Tool: "port-scanner", DependsOn: []string{"scan"},
			Parameters: map[string]any{"target": "{{subdomain-scanner.results}}"}},
	}); err != nil {
		t.Fatalf("build: %v", err)
	}

	runner := &fakeRunner{script: map[string]func(context.Context, *Node) (*Result, error){
		"scan": func(_ context.Context, n *Node) (*Result, error) {
			return &Result{
				NodeID: "scan", Tool: n.Tool, Status: string(NodeCompleted),
				Output:   "a.example.test\n\nb.example.test\n",
				Findings: []workflow.Finding{{Type: "subdomain"}},
			}, nil
		},
	}}

	if _, err := NewExecutor(tr, runner, bus.New(), testLogger()).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	fan, _ := tr.Node("fan")
	hosts, ok := fan.Parameters["target"].([]string)
	if !ok {
		t.Fatalf("expected []string substitution, got %T", fan.Parameters["target"])
	}
	if len(hosts) != 2 || hosts[0] != "a.example.test" || hosts[1] != "b.example.test" {
		t.Fatalf("unexpected hosts %v", hosts)
	}
}
