package engine

import (
	"context"
	"time"

	"github.com/aegis-sec/aegis/internal/tree"
)

// NodeRunner adapts the engine to the tree executor's Runner interface,
// carrying the workflow's constraint context into every request.
type NodeRunner struct {
	Engine      *Engine
	Phase       string
	Environment string
	AuthAllowed bool
	Timeout     time.Duration // per-node override; 0 uses the engine default
}

// Run executes one tree node through the engine.
func (r *NodeRunner) Run(ctx context.Context, workflowID string, n *tree.Node) (*tree.Result, error) {
	res := r.Engine.Execute(ctx, Request{
		WorkflowID:   workflowID,
		NodeID:       n.ID,
		Tool:         n.Tool,
		Parameters:   n.Parameters,
		Priority:     string(n.Priority),
		Timeout:      r.Timeout,
		Phase:        r.Phase,
		Environment:  r.Environment,
		RequiresAuth: n.RequiresAuth || requiresAuth(n),
		AuthAllowed:  r.AuthAllowed,
		SafetyChecks: n.SafetyChecks,
	})
	return &tree.Result{
		NodeID:    n.ID,
		Tool:      n.Tool,
		Status:    res.Status,
		Output:    res.Output,
		Findings:  res.Findings,
		Error:     res.Error,
		StartedAt: res.StartedAt,
		Duration:  res.Duration,
	}, nil
}

// requiresAuth reports whether the node carries the auth marker either
// as a parameter or a safety check tag.
func requiresAuth(n *tree.Node) bool {
	if v, ok := n.Parameters["requiresAuth"].(bool); ok && v {
		return true
	}
	for _, check := range n.SafetyChecks {
		if check == "requires-auth" {
			return true
		}
	}
	return false
}
