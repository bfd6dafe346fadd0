package planner

import (
	"context"
	"log/slog"

	"github.com/aegis-sec/aegis/internal/audit"
	"github.com/aegis-sec/aegis/internal/catalog"
	"github.com/aegis-sec/aegis/internal/llm"
	"github.com/aegis-sec/aegis/internal/tree"
	"github.com/aegis-sec/aegis/internal/workflow"
)

// Planner produces validated strategies for each phase. Every output,
// LLM-born or fallback, passes the deterministic pipeline before the
// orchestrator sees it.
type Planner struct {
	provider       llm.Provider
	catalog        *catalog.Catalog
	audit          audit.Recorder
	logger         *slog.Logger
	wordlistRoot   string
	authCandidates bool
	temperature    float64
}

// PlannerOption configures a Planner.
type PlannerOption func(*Planner)

// WithAudit sets the decision log recorder.
func WithAudit(rec audit.Recorder) PlannerOption {
	return func(p *Planner) { p.audit = rec }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) PlannerOption {
	return func(p *Planner) { p.logger = l }
}

// WithWordlistRoot sets the mount root wordlist paths must live under.
func WithWordlistRoot(root string) PlannerOption {
	return func(p *Planner) {
		if root != "" {
			p.wordlistRoot = root
		}
	}
}

// WithoutAuthCandidates drops steps requiring ungranted auth instead
// of passing them through as approval candidates.
func WithoutAuthCandidates() PlannerOption {
	return func(p *Planner) { p.authCandidates = false }
}

// New creates a planner. A nil provider is valid and yields the
// deterministic fallback on every call.
func New(provider llm.Provider, cat *catalog.Catalog, opts ...PlannerOption) *Planner {
	p := &Planner{
		provider:       provider,
		catalog:        cat,
		audit:          audit.Discard{},
		logger:         slog.Default(),
		wordlistRoot:   "/wordlists",
		authCandidates: true,
		temperature:    0.2,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan produces a validated strategy for the context's phase. It never
// fails: collaborator errors and unsafe output yield the fallback.
func (p *Planner) Plan(ctx context.Context, sc Context) *Strategy {
	strategy, source := p.propose(ctx, sc, phasePrompt(sc))
	if source != "fallback" {
		strategy = p.validate(sc, strategy)
	}
	p.record(sc, strategy, audit.DecisionPlanning, source)
	return strategy
}

// Adapt replays the planner against fresh findings and returns
// follow-up nodes rooted under the originating node, restricted to
// critical and high priority.
func (p *Planner) Adapt(ctx context.Context, sc Context, newFindings []workflow.Finding, origin string) []*tree.Node {
	if p.provider == nil {
		return nil
	}
	strategy, source := p.propose(ctx, sc, adaptPrompt(sc, newFindings, origin))
	if source == "fallback" {
		// Adaptation is opportunistic; a failed call adds nothing.
		return nil
	}
	strategy = p.validate(sc, strategy)
	p.record(sc, strategy, audit.DecisionAdaptation, source)

	var nodes []*tree.Node
	for _, rec := range strategy.Recommendations {
		if rec.Priority != tree.PriorityCritical && rec.Priority != tree.PriorityHigh {
			continue
		}
		n := rec.Node()
		n.ParentID = origin
		n.DependsOn = []string{origin}
		n.Conditions = append(n.Conditions, tree.Condition{Type: tree.CondFindingExists, Value: origin})
		nodes = append(nodes, n)
	}
	return nodes
}

// propose asks the collaborator for a strategy, returning the fallback
// when the call or the parse fails.
func (p *Planner) propose(ctx context.Context, sc Context, userPrompt string) (*Strategy, string) {
	if p.provider == nil {
		return Fallback(sc), "fallback"
	}

	resp, err := p.provider.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: p.systemPrompt()},
			{Role: "user", Content: userPrompt},
		},
		Temperature: p.temperature,
	})
	if err != nil {
		p.logger.Warn("planner call failed, using fallback", "workflow", sc.WorkflowID, "error", err)
		return Fallback(sc), "fallback"
	}

	strategy, err := ParseStrategy(resp.Content, sc.Phase)
	if err != nil {
		p.logger.Warn("unparseable strategy, using fallback", "workflow", sc.WorkflowID, "error", err)
		return Fallback(sc), "fallback"
	}
	return strategy, resp.Model
}

// record appends the planning decision to the audit log with a digest
// of the input context.
func (p *Planner) record(sc Context, s *Strategy, decisionType, source string) {
	tools := make([]string, 0, len(s.Recommendations))
	for _, rec := range s.Recommendations {
		tools = append(tools, rec.Tool)
	}
	_ = p.audit.Record(audit.Entry{
		WorkflowID:   sc.WorkflowID,
		DecisionType: decisionType,
		Input: map[string]any{
			"phase":    sc.Phase,
			"target":   sc.Target,
			"findings": len(sc.CurrentFindings),
			"executed": len(sc.CompletedTests),
		},
		Output: map[string]any{
			"reasoning":       s.Reasoning,
			"confidence":      s.ConfidenceLevel,
			"recommendations": tools,
		},
		Metadata: map[string]any{"model": source},
	})
}
