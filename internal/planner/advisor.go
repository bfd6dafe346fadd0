package planner

import (
	"context"

	"github.com/aegis-sec/aegis/internal/tree"
	"github.com/aegis-sec/aegis/internal/workflow"
)

// Advisor adapts the planner to the tree executor's hooks. The context
// supplier returns a fresh strategy context so follow-up planning sees
// the findings accumulated since the phase started.
type Advisor struct {
	planner  *Planner
	snapshot func() Context
}

// NewAdvisor builds an advisor over the planner.
func NewAdvisor(p *Planner, snapshot func() Context) *Advisor {
	return &Advisor{planner: p, snapshot: snapshot}
}

// Decide is the pre-dispatch hook. Constraint exclusions produce a
// skip; everything else executes. Tree-level conditions have already
// been evaluated by the executor.
func (a *Advisor) Decide(ctx context.Context, n *tree.Node, results map[string]*tree.Result) (tree.Decision, error) {
	sc := a.snapshot()
	if sc.Constraints.Excludes(n.Tool) {
		return tree.Decision{Action: tree.ActionSkip, Reason: "tool excluded by constraints"}, nil
	}
	return tree.Decision{Action: tree.ActionExecute}, nil
}

// Followups is the post-completion hook: it runs the adaptation path
// for the findings a node just produced.
func (a *Advisor) Followups(ctx context.Context, n *tree.Node, findings []workflow.Finding) ([]*tree.Node, error) {
	sc := a.snapshot()
	return a.planner.Adapt(ctx, sc, findings, n.ID), nil
}
