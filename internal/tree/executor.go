package tree

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/aegis-sec/aegis/internal/bus"
	"github.com/aegis-sec/aegis/internal/workflow"
)

// Runner executes a single node. Implemented by the execution engine.
type Runner interface {
	Run(ctx context.Context, workflowID string, n *Node) (*Result, error)
}

// DecisionAction is the planner's verdict on a node about to execute.
type DecisionAction string

const (
	ActionExecute     DecisionAction = "execute"
	ActionSkip        DecisionAction = "skip"
	ActionAddChildren DecisionAction = "add-children"
)

// Decision is the outcome of the pre-execution planner hook.
type Decision struct {
	Action   DecisionAction
	Reason   string
	Children []*Node
}

// Advisor lets the planner steer execution: a pre-dispatch decision
// hook and a follow-up hook invoked when a node produces findings.
type Advisor interface {
	Decide(ctx context.Context, n *Node, results map[string]*Result) (Decision, error)
	Followups(ctx context.Context, n *Node, findings []workflow.Finding) ([]*Node, error)
}

// Record is the execution summary returned when the tree drains.
type Record struct {
	Nodes    map[string]*Node
	History  []string
	Skipped  []string
	Failed   []string
	Duration time.Duration
}

// Executor drains a tree: it dispatches eligible nodes to the runner
// up to a concurrency limit, retries failures, skips nodes whose
// dependencies can never complete, and grows the tree through the
// advisor as findings arrive.
type Executor struct {
	tree         *Tree
	runner       Runner
	advisor      Advisor // may be nil
	events       *bus.Bus
	logger       *slog.Logger
	concurrency  int
	pollTick     time.Duration
	maxFollowups int

	// OnFindings is invoked for each batch of findings as nodes
	// complete, before the advisor's follow-up hook.
	OnFindings func([]workflow.Finding)
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithAdvisor sets the planner hook.
func WithAdvisor(a Advisor) ExecutorOption {
	return func(e *Executor) { e.advisor = a }
}

// WithConcurrency bounds parallel dispatch (default 3).
func WithConcurrency(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithPollTick sets the re-check interval while blocked on
// dependencies (default 250ms, never above 1s).
func WithPollTick(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 && d <= time.Second {
			e.pollTick = d
		}
	}
}

// WithMaxFollowups caps advisor follow-up children per finding batch.
func WithMaxFollowups(n int) ExecutorOption {
	return func(e *Executor) {
		if n >= 0 {
			e.maxFollowups = n
		}
	}
}

// NewExecutor creates an executor over the given tree.
func NewExecutor(t *Tree, runner Runner, events *bus.Bus, logger *slog.Logger, opts ...ExecutorOption) *Executor {
	e := &Executor{
		tree:         t,
		runner:       runner,
		events:       events,
		logger:       logger,
		concurrency:  3,
		pollTick:     250 * time.Millisecond,
		maxFollowups: 3,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type completion struct {
	id  string
	res *Result
	err error
}

// Run drains the tree. It returns when the queue is empty and nothing
// is running, or after cancellation has been fully propagated.
func (e *Executor) Run(ctx context.Context) (*Record, error) {
	start := time.Now()
	queue := e.tree.Order()
	doneCh := make(chan completion)
	running := 0

	for {
		if ctx.Err() != nil {
			queue = e.skipAll(queue, "cancelled")
			// Running nodes observe ctx cancellation through the
			// runner; drain them so no completion is lost.
			for running > 0 {
				d := <-doneCh
				e.finishCancelled(d)
				running--
			}
			break
		}

		var requeue []string
		dispatched := 0
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]

			n, ok := e.tree.Node(id)
			if !ok || n.Status != NodePending {
				continue
			}
			switch e.dependencyState(n) {
			case depBlocked:
				requeue = append(requeue, id)
				continue
			case depDead:
				e.skip(n, "dependency not satisfied")
				continue
			}
			if !EvaluateConditions(n.Conditions, e.tree.Results()) {
				// Results from running or queued siblings may still
				// satisfy the conditions; re-check on the next pass.
				requeue = append(requeue, id)
				continue
			}
			if running+dispatched >= e.concurrency {
				requeue = append(requeue, id)
				continue
			}

			verdict := e.decide(ctx, n)
			switch verdict.Action {
			case ActionSkip:
				e.skip(n, verdict.Reason)
				continue
			case ActionAddChildren:
				for _, child := range verdict.Children {
					if err := e.tree.Add(child); err != nil {
						e.logger.Warn("discarding invalid planner child", "node", child.ID, "error", err)
						continue
					}
					requeue = append(requeue, child.ID)
				}
			}

			e.dispatch(ctx, n, doneCh)
			dispatched++
		}
		queue = requeue
		running += dispatched

		if running == 0 && len(queue) == 0 {
			break
		}
		if running == 0 && dispatched == 0 {
			// Nothing is running and nothing could be dispatched: no
			// further results can arrive, so the remaining queue can
			// never become eligible.
			for _, id := range queue {
				n, ok := e.tree.Node(id)
				if !ok || n.Status != NodePending {
					continue
				}
				if e.dependencyState(n) == depReady {
					e.skip(n, "conditions not met")
				} else {
					e.skip(n, "dependency not satisfied")
				}
			}
			queue = nil
			continue
		}

		select {
		case <-ctx.Done():
			continue
		case d := <-doneCh:
			running--
			head, tail := e.finish(ctx, d)
			// Retries go to the head of the queue, follow-up children
			// to the tail.
			queue = append(append(head, queue...), tail...)
		case <-time.After(e.pollTick):
		}
	}

	return e.record(time.Since(start)), ctx.Err()
}

type depState int

const (
	depReady depState = iota
	depBlocked
	depDead
)

// dependencyState classifies a node's dependencies: ready when all are
// completed, dead when any terminally failed or skipped, blocked
// otherwise. Checked on every dispatch attempt, never cached.
func (e *Executor) dependencyState(n *Node) depState {
	for _, depID := range n.DependsOn {
		dep, ok := e.tree.Node(depID)
		if !ok {
			return depDead
		}
		switch dep.Status {
		case NodeCompleted:
		case NodeFailed, NodeSkipped:
			return depDead
		default:
			return depBlocked
		}
	}
	return depReady
}

func (e *Executor) decide(ctx context.Context, n *Node) Decision {
	if e.advisor == nil {
		return Decision{Action: ActionExecute}
	}
	verdict, err := e.advisor.Decide(ctx, n, e.tree.Results())
	if err != nil {
		e.logger.Warn("planner decision hook failed, executing node", "node", n.ID, "error", err)
		return Decision{Action: ActionExecute}
	}
	e.emit(bus.NodeDecision, map[string]any{
		"nodeId": n.ID, "tool": n.Tool, "action": string(verdict.Action), "reason": verdict.Reason,
	})
	return verdict
}

func (e *Executor) dispatch(ctx context.Context, n *Node, doneCh chan<- completion) {
	e.substituteParams(n)
	n.Status = NodeRunning
	n.StartedAt = time.Now().UTC()
	e.emit(bus.NodeStart, map[string]any{"nodeId": n.ID, "tool": n.Tool, "attempt": n.RetryCount + 1})

	go func() {
		res, err := e.runner.Run(ctx, e.tree.WorkflowID(), n)
		doneCh <- completion{id: n.ID, res: res, err: err}
	}()
}

// finish applies a completion and returns ids to enqueue: the node's
// own id as head on retry, follow-up children as tail.
func (e *Executor) finish(ctx context.Context, d completion) (head, tail []string) {
	n, ok := e.tree.Node(d.id)
	if !ok {
		return nil, nil
	}
	n.EndedAt = time.Now().UTC()

	res := d.res
	if res == nil {
		errText := "runner returned no result"
		if d.err != nil {
			errText = d.err.Error()
		}
		res = &Result{NodeID: n.ID, Tool: n.Tool, Status: string(NodeFailed), Error: errText, StartedAt: n.StartedAt}
	}

	switch res.Status {
	case string(NodeSkipped):
		n.Status = NodeSkipped
		e.tree.recordResult(n.ID, res)
		e.emit(bus.NodeDecision, map[string]any{"nodeId": n.ID, "action": "skip", "reason": res.Error})
		return nil, nil

	case string(NodeCompleted):
		n.Status = NodeCompleted
		e.tree.recordResult(n.ID, res)
		e.emit(bus.NodeComplete, map[string]any{
			"nodeId": n.ID, "tool": n.Tool, "findings": len(res.Findings), "durationMs": res.Duration.Milliseconds(),
		})
		if len(res.Findings) > 0 {
			if e.OnFindings != nil {
				e.OnFindings(res.Findings)
			}
			return nil, e.adapt(ctx, n, res.Findings)
		}
		return nil, nil

	default: // failed
		if n.RetryCount < n.MaxRetries {
			n.RetryCount++
			n.Status = NodePending
			e.logger.Info("retrying node", "node", n.ID, "attempt", n.RetryCount+1, "max", n.MaxRetries+1)
			return []string{n.ID}, nil
		}
		n.Status = NodeFailed
		e.tree.recordResult(n.ID, res)
		e.emit(bus.NodeFailed, map[string]any{"nodeId": n.ID, "tool": n.Tool, "error": res.Error})
		return nil, nil
	}
}

func (e *Executor) finishCancelled(d completion) {
	n, ok := e.tree.Node(d.id)
	if !ok {
		return
	}
	n.EndedAt = time.Now().UTC()
	n.Status = NodeFailed
	res := d.res
	if res == nil || res.Status == string(NodeCompleted) {
		res = &Result{NodeID: n.ID, Tool: n.Tool, Status: string(NodeFailed), Error: "cancelled", StartedAt: n.StartedAt}
	}
	if res.Error == "" {
		res.Error = "cancelled"
	}
	e.tree.recordResult(n.ID, res)
	e.emit(bus.NodeFailed, map[string]any{"nodeId": n.ID, "tool": n.Tool, "error": res.Error})
}

// adapt asks the advisor for follow-up children rooted under the node
// that produced the findings, bounded per batch.
func (e *Executor) adapt(ctx context.Context, n *Node, findings []workflow.Finding) []string {
	if e.advisor == nil {
		return nil
	}
	children, err := e.advisor.Followups(ctx, n, findings)
	if err != nil {
		e.logger.Warn("planner follow-up hook failed", "node", n.ID, "error", err)
		return nil
	}
	if len(children) > e.maxFollowups {
		children = children[:e.maxFollowups]
	}

	var added []string
	for _, child := range children {
		child.ParentID = n.ID
		if len(child.DependsOn) == 0 {
			child.DependsOn = []string{n.ID}
		}
		if err := e.tree.Add(child); err != nil {
			e.logger.Warn("discarding invalid follow-up child", "node", child.ID, "error", err)
			continue
		}
		added = append(added, child.ID)
	}
	if len(added) > 0 {
		e.emit(bus.TreeAdapted, map[string]any{"parent": n.ID, "added": added})
	}
	return added
}

func (e *Executor) skip(n *Node, reason string) {
	n.Status = NodeSkipped
	n.EndedAt = time.Now().UTC()
	e.tree.recordResult(n.ID, &Result{NodeID: n.ID, Tool: n.Tool, Status: string(NodeSkipped), Error: reason})
	e.emit(bus.NodeDecision, map[string]any{"nodeId": n.ID, "action": "skip", "reason": reason})
}

func (e *Executor) skipAll(queue []string, reason string) []string {
	for _, id := range queue {
		if n, ok := e.tree.Node(id); ok && n.Status == NodePending {
			e.skip(n, reason)
		}
	}
	return nil
}

func (e *Executor) record(elapsed time.Duration) *Record {
	rec := &Record{
		Nodes:    make(map[string]*Node, e.tree.Len()),
		History:  e.tree.History(),
		Duration: elapsed,
	}
	for _, id := range e.tree.Order() {
		n, _ := e.tree.Node(id)
		rec.Nodes[id] = n
		switch n.Status {
		case NodeSkipped:
			rec.Skipped = append(rec.Skipped, id)
		case NodeFailed:
			rec.Failed = append(rec.Failed, id)
		}
	}
	return rec
}

func (e *Executor) emit(eventType string, payload map[string]any) {
	if e.events != nil {
		e.events.Emit(eventType, e.tree.WorkflowID(), payload)
	}
}

var resultRefPattern = regexp.MustCompile(`^\{\{([a-z0-9-]+)\.results\}\}$`)

// substituteParams resolves {{tool.results}} parameter references just
// before dispatch using the first completed result of that tool.
func (e *Executor) substituteParams(n *Node) {
	for key, raw := range n.Parameters {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		m := resultRefPattern.FindStringSubmatch(strings.TrimSpace(s))
		if m == nil {
			continue
		}
		tool := m[1]
		res, ok := e.tree.firstCompletedByTool(tool)
		if !ok {
			continue
		}
		if tool == "subdomain-scanner" {
			var hosts []string
			for _, line := range strings.Split(res.Output, "\n") {
				if line = strings.TrimSpace(line); line != "" {
					hosts = append(hosts, line)
				}
			}
			n.Parameters[key] = hosts
		} else {
			n.Parameters[key] = res.Findings
		}
	}
}
