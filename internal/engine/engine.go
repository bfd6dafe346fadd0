// Package engine executes tool invocations in isolated containers:
// catalogue lookup, restraint gating, parameter and argv validation,
// bounded container runs with demuxed output, and per-tool parsing.
package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-sec/aegis/internal/approval"
	"github.com/aegis-sec/aegis/internal/audit"
	"github.com/aegis-sec/aegis/internal/bus"
	"github.com/aegis-sec/aegis/internal/catalog"
	"github.com/aegis-sec/aegis/internal/config"
	"github.com/aegis-sec/aegis/internal/restraint"
	"github.com/aegis-sec/aegis/internal/workflow"
)

// Execution statuses reported back to the tree.
const (
	StatusCompleted = "completed"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
)

// Request is one tool invocation.
type Request struct {
	RequestID    string
	WorkflowID   string
	NodeID       string
	Tool         string
	Parameters   map[string]any
	Priority     string
	Timeout      time.Duration // 0 means the engine default
	Phase        string
	Environment  string
	RequiresAuth bool
	AuthAllowed  bool
	SafetyChecks []string
	Metadata     map[string]any
}

// Result is the outcome of one invocation.
type Result struct {
	RequestID string
	Tool      string
	Status    string
	Output    string
	Findings  []workflow.Finding
	Error     string
	ExitCode  int64
	StartedAt time.Time
	Duration  time.Duration
}

// Engine runs tool containers under a global concurrency bound.
type Engine struct {
	cfg       config.Engine
	catalog   *catalog.Catalog
	runtime   Runtime
	restraint *restraint.Evaluator
	approvals *approval.Manager
	events    *bus.Bus
	audit     audit.Recorder
	logger    *slog.Logger
	sem       chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithRestraint sets the policy evaluator gating every execution.
func WithRestraint(ev *restraint.Evaluator) Option {
	return func(e *Engine) { e.restraint = ev }
}

// WithApprovals wires the HITL manager used for require-approval outcomes.
func WithApprovals(m *approval.Manager) Option {
	return func(e *Engine) { e.approvals = m }
}

// WithEvents sets the event bus.
func WithEvents(b *bus.Bus) Option {
	return func(e *Engine) { e.events = b }
}

// WithAudit sets the decision log recorder.
func WithAudit(rec audit.Recorder) Option {
	return func(e *Engine) { e.audit = rec }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an engine. The semaphore capacity comes from
// cfg.MaxConcurrent (default 3).
func New(cfg config.Engine, cat *catalog.Catalog, rt Runtime, opts ...Option) *Engine {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 3
	}
	e := &Engine{
		cfg:     cfg,
		catalog: cat,
		runtime: rt,
		audit:   audit.Discard{},
		logger:  slog.Default(),
		sem:     make(chan struct{}, cfg.MaxConcurrent),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the full pipeline for one request. It always returns a
// Result; errors surface as Status failed or skipped.
func (e *Engine) Execute(ctx context.Context, req Request) *Result {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	started := time.Now().UTC()
	e.emit(bus.ExecutionStart, req.WorkflowID, map[string]any{
		"requestId": req.RequestID, "tool": req.Tool, "node": req.NodeID,
	})

	res := e.execute(ctx, req)
	res.RequestID = req.RequestID
	res.Tool = req.Tool
	res.StartedAt = started
	res.Duration = time.Since(started)

	eventType := bus.ExecutionComplete
	if res.Status == StatusFailed {
		eventType = bus.ExecutionFailed
	}
	e.emit(eventType, req.WorkflowID, map[string]any{
		"requestId": req.RequestID, "tool": req.Tool, "status": res.Status,
		"findings": len(res.Findings), "error": res.Error,
		"durationMs": res.Duration.Milliseconds(),
	})
	_ = e.audit.Record(audit.Entry{
		WorkflowID:   req.WorkflowID,
		DecisionType: audit.DecisionExecution,
		Input:        map[string]any{"tool": req.Tool, "node": req.NodeID},
		Output:       map[string]any{"status": res.Status, "findings": len(res.Findings), "error": res.Error},
		Metadata:     map[string]any{"requestId": req.RequestID, "latencyMs": res.Duration.Milliseconds()},
	})
	return res
}

func (e *Engine) execute(ctx context.Context, req Request) *Result {
	entry, ok := e.catalog.Get(req.Tool)
	if !ok {
		return &Result{Status: StatusFailed, Error: fmt.Sprintf("unknown tool %q", req.Tool)}
	}

	params := make(map[string]any, len(req.Parameters))
	for k, v := range req.Parameters {
		params[k] = v
	}

	if skip := e.gate(ctx, req, params); skip != nil {
		return skip
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout.Duration
	}
	if max := entry.MaxTimeout(); timeout > max {
		timeout = max
	}

	targets := targetList(params["target"])
	for i, t := range targets {
		targets[i] = normalizeScheme(t)
	}

	if len(targets) > 1 && fanOutTools[req.Tool] {
		return e.fanOut(ctx, req, entry, params, targets, timeout)
	}
	if len(targets) > 0 {
		params["target"] = targets[0]
	}
	return e.runOne(ctx, req, entry, params, timeout)
}

// gate applies the restraint verdict, blocking on a human approval
// when required. A nil return means execution may proceed; mitigations
// have been merged into params.
func (e *Engine) gate(ctx context.Context, req Request, params map[string]any) *Result {
	if e.restraint == nil {
		return nil
	}
	out := e.restraint.Evaluate(restraint.Request{
		WorkflowID:   req.WorkflowID,
		Tool:         req.Tool,
		Target:       coalesce(targetList(params["target"])),
		Phase:        req.Phase,
		Environment:  req.Environment,
		Priority:     req.Priority,
		Parameters:   params,
		RequiresAuth: req.RequiresAuth,
		AuthAllowed:  req.AuthAllowed,
		SafetyChecks: req.SafetyChecks,
	})
	_ = e.audit.Record(audit.Entry{
		WorkflowID:   req.WorkflowID,
		DecisionType: audit.DecisionRestraint,
		Input:        map[string]any{"tool": req.Tool, "environment": req.Environment},
		Output:       map[string]any{"action": string(out.Action), "rule": out.Rule, "reason": out.Reason},
	})

	switch out.Action {
	case restraint.Deny:
		return &Result{Status: StatusSkipped, Error: fmt.Sprintf("denied by policy %s: %s", out.Rule, out.Reason)}

	case restraint.Mitigate:
		for k, v := range out.Mitigations {
			params[k] = v
		}
		return nil

	case restraint.RequireApproval:
		return e.awaitApproval(ctx, req, out)

	default:
		return nil
	}
}

// awaitApproval blocks this execution on a HITL decision. Other
// executions keep flowing; the semaphore is not held while waiting.
func (e *Engine) awaitApproval(ctx context.Context, req Request, out restraint.Outcome) *Result {
	if e.approvals == nil {
		return &Result{Status: StatusSkipped, Error: fmt.Sprintf("approval required but no approver configured: %s", out.Reason)}
	}

	approvalType := approval.TypeTestExecution
	if req.Phase == workflow.PhaseExploit {
		approvalType = approval.TypeExploitation
	}
	future, err := e.approvals.Submit(&approval.Request{
		WorkflowID: req.WorkflowID,
		Type:       approvalType,
		Context: approval.Context{
			Target:      coalesce(targetList(req.Parameters["target"])),
			Test:        req.Tool,
			Phase:       req.Phase,
			Environment: req.Environment,
			Severity:    out.Severity,
			Reason:      out.Reason,
		},
		Metadata: req.Metadata,
	})
	if err != nil {
		return &Result{Status: StatusSkipped, Error: fmt.Sprintf("approval submission failed: %v", err)}
	}

	select {
	case <-ctx.Done():
		return &Result{Status: StatusFailed, Error: "cancelled"}
	case d := <-future:
		if !d.Approved {
			return &Result{Status: StatusSkipped, Error: fmt.Sprintf("denied by %s: %s", d.Approver, d.Reason)}
		}
		e.logger.Info("execution approved", "tool", req.Tool, "approver", d.Approver, "conditions", d.Conditions)
		return nil
	}
}

// fanOut runs the tool once per target element, splitting the timeout
// budget evenly with a floor, and concatenates outputs and findings.
func (e *Engine) fanOut(ctx context.Context, req Request, entry catalog.Entry, params map[string]any, targets []string, timeout time.Duration) *Result {
	per := timeout / time.Duration(len(targets))
	if min := e.cfg.MinSplitTimeout.Duration; per < min {
		per = min
	}

	agg := &Result{Status: StatusFailed, Error: "no targets executed"}
	var outputs []string
	completed := 0
	for _, target := range targets {
		sub := make(map[string]any, len(params))
		for k, v := range params {
			sub[k] = v
		}
		sub["target"] = target

		res := e.runOne(ctx, req, entry, sub, per)
		if res.Output != "" {
			outputs = append(outputs, res.Output)
		}
		agg.Findings = append(agg.Findings, res.Findings...)
		if res.Status == StatusCompleted {
			completed++
		} else {
			agg.Error = res.Error
		}
		if ctx.Err() != nil {
			break
		}
	}
	agg.Output = strings.Join(outputs, "\n")
	if completed > 0 {
		agg.Status = StatusCompleted
		agg.Error = ""
	}
	return agg
}

// runOne validates parameters, builds the argv and invokes the container.
func (e *Engine) runOne(ctx context.Context, req Request, entry catalog.Entry, params map[string]any, timeout time.Duration) *Result {
	if wl, ok := params["wordlist"].(string); ok && wl != "" {
		resolved, substituted := e.resolveWordlist(req.Tool, wl)
		if substituted {
			e.logger.Warn("wordlist substituted", "tool", req.Tool, "requested", wl, "resolved", resolved)
			_ = e.audit.Record(audit.Entry{
				WorkflowID:   req.WorkflowID,
				DecisionType: audit.DecisionExecution,
				Level:        "warning",
				Input:        map[string]any{"tool": req.Tool, "wordlist": wl},
				Output:       map[string]any{"substituted": resolved},
			})
		}
		params["wordlist"] = resolved
	}

	stringParams := e.normalizeParams(entry, stringifyParams(params))
	argv, err := entry.BuildArgv(stringParams)
	if err != nil {
		return &Result{Status: StatusFailed, Error: err.Error()}
	}
	if err := validateArgv(entry, argv); err != nil {
		return &Result{Status: StatusSkipped, Error: err.Error()}
	}

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return &Result{Status: StatusFailed, Error: "cancelled"}
	}
	defer func() { <-e.sem }()

	output, exitCode, err := e.invoke(ctx, entry, argv, timeout)
	if err != nil {
		return &Result{Status: StatusFailed, Output: output, Error: err.Error(), ExitCode: exitCode}
	}
	if exitCode != 0 {
		e.logger.Warn("tool exited non-zero", "tool", entry.Name, "exit", exitCode)
	}

	target := stringParams["target"]
	return &Result{
		Status:   StatusCompleted,
		Output:   output,
		Findings: parseOutput(entry.Name, target, output),
		ExitCode: exitCode,
	}
}

// invoke creates, attaches, starts and waits for one container under
// a hard deadline. The container never survives this call.
func (e *Engine) invoke(ctx context.Context, entry catalog.Entry, argv []string, timeout time.Duration) (string, int64, error) {
	if !entry.LocalBuild {
		if err := e.runtime.Pull(ctx, entry.Image); err != nil {
			return "", -1, err
		}
	}

	mounts := make([]BindMount, 0, len(entry.Mounts)+1)
	for _, m := range entry.Mounts {
		source := m.Source
		if source == "" {
			// Catalogue entries declare the wordlist mount with an empty
			// source; the configured host root backs it.
			if m.Target != e.cfg.WordlistRoot || e.cfg.WordlistHostRoot == "" {
				continue
			}
			source = e.cfg.WordlistHostRoot
		}
		mounts = append(mounts, BindMount{Source: source, Target: m.Target, ReadOnly: m.ReadOnly})
	}
	if e.cfg.WordlistHostRoot != "" && !hasMountTarget(mounts, e.cfg.WordlistRoot) {
		mounts = append(mounts, BindMount{Source: e.cfg.WordlistHostRoot, Target: e.cfg.WordlistRoot, ReadOnly: true})
	}

	name := e.cfg.ContainerPrefix + uuid.NewString()[:8]
	id, err := e.runtime.Create(ctx, ContainerSpec{
		Name:            name,
		Image:           entry.Image,
		Argv:            argv,
		MemoryBytes:     e.cfg.MemoryLimitBytes,
		CPUQuotaPercent: e.cfg.CPUQuotaPercent,
		Mounts:          mounts,
		AutoRemove:      true,
	})
	if err != nil {
		return "", -1, err
	}

	stream, err := e.runtime.Attach(ctx, id)
	if err != nil {
		e.cleanup(id)
		return "", -1, err
	}

	var buf bytes.Buffer
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		_, _ = io.Copy(&buf, stream)
	}()

	if err := e.runtime.Start(ctx, id); err != nil {
		stream.Close()
		e.cleanup(id)
		return "", -1, err
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type exit struct {
		code int64
		err  error
	}
	waitCh := make(chan exit, 1)
	go func() {
		code, werr := e.runtime.Wait(runCtx, id)
		waitCh <- exit{code: code, err: werr}
	}()

	select {
	case <-runCtx.Done():
		stream.Close()
		e.cleanup(id)
		if ctx.Err() != nil {
			return buf.String(), -1, fmt.Errorf("cancelled")
		}
		return buf.String(), -1, fmt.Errorf("execution timeout")

	case ex := <-waitCh:
		<-streamDone
		stream.Close()
		if ex.err != nil {
			e.cleanup(id)
			return buf.String(), ex.code, ex.err
		}
		return buf.String(), ex.code, nil
	}
}

// cleanup force-kills and removes a container, detached from the
// caller's (possibly cancelled) context.
func (e *Engine) cleanup(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.runtime.Kill(ctx, id); err != nil {
		e.logger.Warn("killing container", "container", id, "error", err)
	}
	if err := e.runtime.Remove(ctx, id); err != nil {
		e.logger.Warn("removing container", "container", id, "error", err)
	}
}

// Sweep removes containers left behind by earlier runs.
func (e *Engine) Sweep(ctx context.Context) int {
	ids, err := e.runtime.List(ctx, e.cfg.ContainerPrefix)
	if err != nil {
		e.logger.Warn("container sweep failed", "error", err)
		return 0
	}
	removed := 0
	for _, id := range ids {
		if err := e.runtime.Remove(ctx, id); err != nil {
			e.logger.Warn("sweeping container", "container", id, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		e.logger.Info("swept stale containers", "count", removed)
	}
	return removed
}

func (e *Engine) emit(eventType, workflowID string, payload map[string]any) {
	if e.events != nil {
		e.events.Emit(eventType, workflowID, payload)
	}
}

func hasMountTarget(mounts []BindMount, target string) bool {
	for _, m := range mounts {
		if m.Target == target {
			return true
		}
	}
	return false
}

func coalesce(list []string) string {
	if len(list) == 0 {
		return ""
	}
	return list[0]
}
