// Package orchestrator owns workflows from submission to terminal
// state: it drives the phase machine, consults the planner, runs the
// test tree and aggregates findings.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-sec/aegis/internal/approval"
	"github.com/aegis-sec/aegis/internal/audit"
	"github.com/aegis-sec/aegis/internal/bus"
	"github.com/aegis-sec/aegis/internal/catalog"
	"github.com/aegis-sec/aegis/internal/config"
	"github.com/aegis-sec/aegis/internal/engine"
	"github.com/aegis-sec/aegis/internal/planner"
	"github.com/aegis-sec/aegis/internal/tree"
	"github.com/aegis-sec/aegis/internal/workflow"
)

// Persister saves workflow state. Implemented by the SQLite store; nil
// disables persistence.
type Persister interface {
	SaveWorkflow(w *workflow.Workflow) error
	AppendFindings(workflowID string, findings []workflow.Finding) error
}

// Orchestrator runs workflows.
type Orchestrator struct {
	cfg       *config.Config
	catalog   *catalog.Catalog
	planner   *planner.Planner
	engine    *engine.Engine
	approvals *approval.Manager
	events    *bus.Bus
	persist   Persister
	audit     audit.Recorder
	logger    *slog.Logger

	mu   sync.Mutex
	runs map[string]*run
}

// run is the orchestrator's in-memory state for one workflow.
type run struct {
	mu         sync.Mutex
	wf         *workflow.Workflow
	cancel     context.CancelFunc
	cancelOnce sync.Once
	executed   []string // completed tool names across phases
	planned    int
	approvalOK bool // at least one approval granted
	gated      bool // some step needed an approval
	awaiting   int  // approval requests currently pending
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPersister sets the state store.
func WithPersister(p Persister) Option {
	return func(o *Orchestrator) { o.persist = p }
}

// WithAudit sets the decision log recorder.
func WithAudit(rec audit.Recorder) Option {
	return func(o *Orchestrator) { o.audit = rec }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an orchestrator over its collaborators.
func New(cfg *config.Config, cat *catalog.Catalog, p *planner.Planner, eng *engine.Engine, approvals *approval.Manager, events *bus.Bus, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		catalog:   cat,
		planner:   p,
		engine:    eng,
		approvals: approvals,
		events:    events,
		audit:     audit.Discard{},
		logger:    slog.Default(),
		runs:      make(map[string]*run),
	}
	for _, opt := range opts {
		opt(o)
	}

	// Mirror the HITL gate in the workflow status and track granted
	// approvals for the exploit gate.
	events.Subscribe(func(evt bus.Event) {
		o.mu.Lock()
		r, ok := o.runs[evt.WorkflowID]
		o.mu.Unlock()
		if !ok {
			return
		}
		r.mu.Lock()
		switch evt.Type {
		case bus.ApprovalRequested:
			r.awaiting++
			if r.wf.Status == workflow.StatusRunning {
				r.wf.Status = workflow.StatusAwaitingApproval
			}
		case bus.ApprovalProcessed, bus.ApprovalTimeout:
			if approved, _ := evt.Payload["approved"].(bool); approved {
				r.approvalOK = true
			}
			if r.awaiting > 0 {
				r.awaiting--
			}
			if r.awaiting == 0 && r.wf.Status == workflow.StatusAwaitingApproval {
				r.wf.Status = workflow.StatusRunning
			}
		}
		r.mu.Unlock()
	}, bus.ApprovalRequested, bus.ApprovalProcessed, bus.ApprovalTimeout)

	return o
}

// Submit validates the request, registers the workflow and starts
// asynchronous execution. It returns the workflow id immediately.
func (o *Orchestrator) Submit(target, intent string, constraints workflow.Constraints) (string, error) {
	if err := workflow.ValidateTarget(target); err != nil {
		return "", fmt.Errorf("invalid submission: %w", err)
	}
	if strings.TrimSpace(intent) == "" {
		return "", fmt.Errorf("invalid submission: intent is required")
	}
	if err := workflow.ValidateConstraints(constraints); err != nil {
		return "", fmt.Errorf("invalid submission: %w", err)
	}

	wf := &workflow.Workflow{
		ID:          uuid.NewString(),
		Target:      target,
		Intent:      intent,
		Constraints: constraints,
		Status:      workflow.StatusPending,
		StartedAt:   time.Now().UTC(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{wf: wf, cancel: cancel}

	o.mu.Lock()
	o.runs[wf.ID] = r
	o.mu.Unlock()

	o.save(wf)
	o.events.Emit(bus.WorkflowStart, wf.ID, map[string]any{"target": target, "intent": intent})
	o.events.Emit(bus.WorkflowClassified, wf.ID, map[string]any{"category": classifyIntent(intent)})

	go o.executeWorkflow(ctx, r)
	return wf.ID, nil
}

// Status returns the externally visible snapshot of a workflow.
func (o *Orchestrator) Status(id string) (*workflow.Snapshot, error) {
	o.mu.Lock()
	r, ok := o.runs[id]
	o.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown workflow %q", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	snap := &workflow.Snapshot{
		ID:        r.wf.ID,
		Status:    r.wf.Status,
		Phase:     r.wf.Phase,
		Executed:  len(r.executed),
		Planned:   r.planned,
		Summary:   workflow.Summarize(r.wf.Findings),
		Findings:  append([]workflow.Finding(nil), r.wf.Findings...),
		Truncated: r.wf.Truncated,
	}
	return snap, nil
}

// Cancel cooperatively cancels a workflow. Idempotent.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	r, ok := o.runs[id]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown workflow %q", id)
	}

	r.cancelOnce.Do(func() {
		o.logger.Info("cancelling workflow", "workflow", id)
		o.approvals.CancelWorkflow(id)
		r.cancel()
	})
	return nil
}

// ProcessApproval resolves a pending approval.
func (o *Orchestrator) ProcessApproval(approvalID string, decision approval.Decision) (*approval.Request, error) {
	return o.approvals.Process(approvalID, decision)
}

// PendingApprovals lists approvals awaiting a decision.
func (o *Orchestrator) PendingApprovals() []approval.Request {
	return o.approvals.Pending()
}

// executeWorkflow drives the phases in order, terminating with exactly
// one workflow:{completed,failed,cancelled} event.
func (o *Orchestrator) executeWorkflow(ctx context.Context, r *run) {
	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Error("workflow panicked", "workflow", r.wf.ID, "panic", rec)
			o.finish(r, workflow.StatusFailed, fmt.Sprintf("internal error: %v", rec))
		}
	}()

	if limit := r.wf.Constraints.TimeLimit; limit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	r.mu.Lock()
	r.wf.Status = workflow.StatusRunning
	r.mu.Unlock()
	o.save(r.wf)
	o.events.Emit(bus.WorkflowEnriched, r.wf.ID, map[string]any{
		"environment": r.wf.Constraints.Environment,
		"timeLimit":   r.wf.Constraints.TimeLimit.String(),
	})

	for _, phase := range workflow.Phases() {
		if ctx.Err() != nil {
			break
		}
		if skip, reason := o.skipPhase(r, phase); skip {
			o.logger.Info("skipping phase", "workflow", r.wf.ID, "phase", phase, "reason", reason)
			r.mu.Lock()
			r.wf.Phases = append(r.wf.Phases, workflow.PhaseRecord{
				Phase: phase, Reasoning: reason, Proceed: false,
				StartedAt: time.Now().UTC(), EndedAt: time.Now().UTC(),
			})
			r.mu.Unlock()
			continue
		}
		if !o.runPhase(ctx, r, phase) {
			break
		}
	}

	switch {
	case ctx.Err() == context.Canceled:
		o.finish(r, workflow.StatusCancelled, "")
	case ctx.Err() == context.DeadlineExceeded:
		r.mu.Lock()
		r.wf.Truncated = true
		r.mu.Unlock()
		o.finish(r, workflow.StatusCompleted, "")
	default:
		o.finish(r, workflow.StatusCompleted, "")
	}
}

// skipPhase applies the phase gates: exploit never runs against
// production, requires an obtained approval when one was demanded, and
// is pointless when every exploitation tool is excluded.
func (o *Orchestrator) skipPhase(r *run, phase string) (bool, string) {
	if phase != workflow.PhaseExploit {
		return false, ""
	}
	c := r.wf.Constraints
	if c.Environment == workflow.EnvProduction {
		return true, "exploit phase skipped against production"
	}
	if c.Excludes("injection-tester") && c.Excludes("api-fuzzer") && c.Excludes("ssrf-probe") {
		return true, "exploit phase skipped: all exploitation tools excluded"
	}
	r.mu.Lock()
	gated, ok := r.gated, r.approvalOK
	r.mu.Unlock()
	if gated && !ok {
		return true, "exploit phase skipped: required approval was not granted"
	}
	return false, ""
}

// runPhase plans, builds and drains one phase's test tree. It returns
// false when the workflow should stop advancing.
func (o *Orchestrator) runPhase(ctx context.Context, r *run, phase string) bool {
	started := time.Now().UTC()
	r.mu.Lock()
	r.wf.Phase = phase
	findingsBefore := len(r.wf.Findings)
	r.mu.Unlock()
	o.events.Emit(bus.WorkflowPhaseStart, r.wf.ID, map[string]any{"phase": phase})

	sc := o.strategyContext(r, phase)
	strategy := o.planner.Plan(ctx, sc)

	tr := tree.New(r.wf.ID)
	for _, rec := range strategy.Recommendations {
		o.trackGated(r, rec)
		if err := tr.Add(rec.Node()); err != nil {
			o.logger.Warn("discarding invalid recommendation", "workflow", r.wf.ID, "node", rec.ID, "error", err)
		}
	}
	r.mu.Lock()
	r.planned += tr.Len()
	r.mu.Unlock()
	o.events.Emit(bus.TreeBuilt, r.wf.ID, map[string]any{"phase": phase, "nodes": tr.Len()})

	runner := &engine.NodeRunner{
		Engine:      o.engine,
		Phase:       phase,
		Environment: r.wf.Constraints.Environment,
		AuthAllowed: r.wf.Constraints.RequiresAuth,
	}
	advisor := planner.NewAdvisor(o.planner, func() planner.Context {
		return o.strategyContext(r, phase)
	})
	cfg := o.config()
	executor := tree.NewExecutor(tr, runner, o.events, o.logger,
		tree.WithAdvisor(advisor),
		tree.WithConcurrency(cfg.Engine.MaxConcurrent),
		tree.WithMaxFollowups(cfg.Policy.MaxFollowupsPerFinding),
	)
	executor.OnFindings = func(findings []workflow.Finding) {
		o.appendFindings(r, findings)
	}

	rec, _ := executor.Run(ctx)

	r.mu.Lock()
	for _, id := range rec.History {
		if n, ok := tr.Node(id); ok {
			r.executed = append(r.executed, n.Tool)
		}
	}
	// Findings are append-only, so this phase's contribution is the
	// tail past the pre-phase length.
	phaseFindings := r.wf.Findings[findingsBefore:]
	r.mu.Unlock()

	proceed := o.proceed(r, phase, phaseFindings)
	record := workflow.PhaseRecord{
		Phase:     phase,
		StartedAt: started,
		EndedAt:   time.Now().UTC(),
		Reasoning: strategy.Reasoning,
		Executed:  rec.History,
		Summary:   workflow.Summarize(phaseFindings),
		Proceed:   proceed,
	}
	r.mu.Lock()
	r.wf.Phases = append(r.wf.Phases, record)
	r.mu.Unlock()
	o.save(r.wf)
	payload := map[string]any{
		"phase": phase, "executed": len(rec.History),
		"skipped": len(rec.Skipped), "failed": len(rec.Failed),
		"proceed": proceed,
	}
	if len(strategy.NextPhaseConditions) > 0 {
		payload["nextPhaseConditions"] = strategy.NextPhaseConditions
	}
	o.events.Emit(bus.WorkflowPhaseComplete, r.wf.ID, payload)

	return proceed && ctx.Err() == nil
}

// proceed decides whether the next phase runs. Recon always advances
// under the default exhaustive policy; a policy knob demands findings.
func (o *Orchestrator) proceed(r *run, phase string, findings []workflow.Finding) bool {
	if phase == workflow.PhaseExploit {
		return false
	}
	if o.config().Policy.RequireFindingsToAdvance && len(findings) == 0 {
		return false
	}
	return true
}

// SetConfig swaps the live configuration. New phases pick up the new
// values; phases already running keep the ones they started with.
func (o *Orchestrator) SetConfig(cfg *config.Config) {
	o.mu.Lock()
	o.cfg = cfg
	o.mu.Unlock()
}

func (o *Orchestrator) config() *config.Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

// trackGated notes steps that will need an approval so the exploit
// gate can check one was granted. The steps still execute; the
// restraint layer gates them individually.
func (o *Orchestrator) trackGated(r *run, rec planner.AttackStep) {
	if (rec.RequiresAuth && !r.wf.Constraints.RequiresAuth) || rec.Priority == tree.PriorityCritical {
		r.mu.Lock()
		r.gated = true
		r.mu.Unlock()
	}
}

func (o *Orchestrator) strategyContext(r *run, phase string) planner.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return planner.Context{
		WorkflowID:      r.wf.ID,
		Target:          r.wf.Target,
		UserIntent:      r.wf.Intent,
		CurrentFindings: append([]workflow.Finding(nil), r.wf.Findings...),
		CompletedTests:  append([]string(nil), r.executed...),
		AvailableTools:  o.catalog.Names(),
		Phase:           phase,
		Constraints:     r.wf.Constraints,
	}
}

// appendFindings grows the workflow's finding list. Append-only.
func (o *Orchestrator) appendFindings(r *run, findings []workflow.Finding) {
	if len(findings) == 0 {
		return
	}
	r.mu.Lock()
	r.wf.Findings = append(r.wf.Findings, findings...)
	r.mu.Unlock()
	if o.persist != nil {
		if err := o.persist.AppendFindings(r.wf.ID, findings); err != nil {
			o.logger.Warn("persisting findings", "workflow", r.wf.ID, "error", err)
		}
	}
}

// finish records the terminal state exactly once and emits the
// matching terminal event.
func (o *Orchestrator) finish(r *run, status workflow.Status, errText string) {
	r.mu.Lock()
	if r.wf.Status.Terminal() {
		r.mu.Unlock()
		return
	}
	r.wf.Status = status
	r.wf.EndedAt = time.Now().UTC()
	r.wf.Error = errText
	summary := workflow.Summarize(r.wf.Findings)
	truncated := r.wf.Truncated
	r.mu.Unlock()

	o.approvals.CancelWorkflow(r.wf.ID)
	o.save(r.wf)

	payload := map[string]any{"findings": summary.Total, "truncated": truncated}
	switch status {
	case workflow.StatusCancelled:
		o.events.Emit(bus.WorkflowCancelled, r.wf.ID, payload)
	case workflow.StatusFailed:
		payload["error"] = errText
		o.events.Emit(bus.WorkflowFailed, r.wf.ID, payload)
	default:
		o.events.Emit(bus.WorkflowCompleted, r.wf.ID, payload)
	}
	o.logger.Info("workflow finished", "workflow", r.wf.ID, "status", status, "findings", summary.Total)
}

func (o *Orchestrator) save(wf *workflow.Workflow) {
	if o.persist == nil {
		return
	}
	if err := o.persist.SaveWorkflow(wf); err != nil {
		o.logger.Warn("persisting workflow", "workflow", wf.ID, "error", err)
	}
}

// classifyIntent buckets the free-text intent for the classified event.
func classifyIntent(intent string) string {
	lower := strings.ToLower(intent)
	switch {
	case strings.Contains(lower, "api"):
		return "api"
	case strings.Contains(lower, "auth") || strings.Contains(lower, "login") || strings.Contains(lower, "jwt"):
		return "auth"
	case strings.Contains(lower, "subdomain") || strings.Contains(lower, "recon"):
		return "discovery"
	case strings.Contains(lower, "inject") || strings.Contains(lower, "sql") || strings.Contains(lower, "xss"):
		return "injection"
	default:
		return "general"
	}
}
