// Package tree implements the dynamic, dependency-aware test tree: a
// DAG of planned tool invocations grown at runtime as findings arrive.
package tree

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aegis-sec/aegis/internal/workflow"
)

// NodeStatus is the lifecycle state of a test node. Transitions are
// monotone except failed -> pending while retries remain.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeSkipped   NodeStatus = "skipped"
	NodeFailed    NodeStatus = "failed"
)

// Priority orders nodes within the eligibility queue and sets the
// retry budget: critical nodes retry up to 3 times, all others once.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// MaxRetriesFor returns the retry budget for a priority.
func MaxRetriesFor(p Priority) int {
	if p == PriorityCritical {
		return 3
	}
	return 1
}

// Condition types.
const (
	CondFindingExists  = "finding_exists"
	CondFindingMatches = "finding_matches"
	CondNoFindings     = "no_findings"
	CondCustom         = "custom"
)

// Condition operators.
const (
	OpEquals      = "equals"
	OpContains    = "contains"
	OpGreaterThan = "greater_than"
	OpExists      = "exists"
	OpNotExists   = "not_exists"
)

// Condition is a predicate gating node execution, evaluated against
// the results accumulated so far.
type Condition struct {
	Type     string `json:"type"`
	Field    string `json:"field,omitempty"`
	Value    any    `json:"value,omitempty"`
	Operator string `json:"operator,omitempty"`
}

// Result is the outcome of executing one node.
type Result struct {
	NodeID    string             `json:"nodeId"`
	Tool      string             `json:"tool"`
	Status    string             `json:"status"` // completed, skipped, failed
	Output    string             `json:"output,omitempty"`
	Findings  []workflow.Finding `json:"findings,omitempty"`
	Error     string             `json:"error,omitempty"`
	StartedAt time.Time          `json:"startedAt"`
	Duration  time.Duration      `json:"duration"`
}

// Node is a planned or executed invocation of a tool.
type Node struct {
	ID            string         `json:"id"`
	ParentID      string         `json:"parentId,omitempty"`
	Tool          string         `json:"tool"`
	Purpose       string         `json:"purpose"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	DependsOn     []string       `json:"dependsOn,omitempty"`
	Conditions    []Condition    `json:"conditions,omitempty"`
	Children      []string       `json:"children,omitempty"`
	Status        NodeStatus     `json:"status"`
	Result        *Result        `json:"result,omitempty"`
	StartedAt     time.Time      `json:"startedAt,omitempty"`
	EndedAt       time.Time      `json:"endedAt,omitempty"`
	Priority      Priority       `json:"priority"`
	OWASPCategory string         `json:"owaspCategory,omitempty"`
	SafetyChecks  []string       `json:"safetyChecks,omitempty"`
	RequiresAuth  bool           `json:"requiresAuth,omitempty"`
	RetryCount    int            `json:"retryCount"`
	MaxRetries    int            `json:"maxRetries"`
}

// EvaluateConditions reports whether every condition on the node holds
// against the accumulated results. Eligibility is never cached; this
// runs on each dispatch attempt.
func EvaluateConditions(conds []Condition, results map[string]*Result) bool {
	for _, c := range conds {
		if !evaluateCondition(c, results) {
			return false
		}
	}
	return true
}

func evaluateCondition(c Condition, results map[string]*Result) bool {
	switch c.Type {
	case CondFindingExists:
		// A non-empty Value scopes the check to one node's results.
		if nodeID := coerceString(c.Value); nodeID != "" {
			r, ok := results[nodeID]
			return ok && len(r.Findings) > 0
		}
		for _, r := range results {
			if len(r.Findings) > 0 {
				return true
			}
		}
		return false

	case CondFindingMatches:
		for _, r := range results {
			for _, f := range r.Findings {
				if matchFinding(f, c) {
					return true
				}
			}
		}
		return false

	case CondNoFindings:
		nodeID := coerceString(c.Value)
		r, ok := results[nodeID]
		return !ok || len(r.Findings) == 0

	case CondCustom:
		// Custom conditions are resolved by the planner decision hook;
		// the static evaluator lets them through.
		return true

	default:
		return true
	}
}

func matchFinding(f workflow.Finding, c Condition) bool {
	value := findingField(f, c.Field)
	switch c.Operator {
	case OpExists:
		return value != nil
	case OpNotExists:
		return value == nil
	case OpEquals:
		return value != nil && coerceString(value) == coerceString(c.Value)
	case OpContains:
		return value != nil && strings.Contains(coerceString(value), coerceString(c.Value))
	case OpGreaterThan:
		got, ok1 := coerceFloat(value)
		want, ok2 := coerceFloat(c.Value)
		return ok1 && ok2 && got > want
	default:
		return value != nil
	}
}

// findingField resolves a field name against the well-known finding
// attributes first, then the tool-specific data map.
func findingField(f workflow.Finding, field string) any {
	switch field {
	case "type":
		return f.Type
	case "severity":
		return f.Severity
	case "confidence":
		return f.Confidence
	case "target":
		return f.Target
	case "tool":
		return f.Tool
	}
	if f.Data != nil {
		if v, ok := f.Data[field]; ok {
			return v
		}
	}
	return nil
}

func coerceString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func coerceFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
