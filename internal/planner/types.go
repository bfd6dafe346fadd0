// Package planner implements the strategic planner: it asks the LLM
// collaborator for attack steps, then forces the response through a
// deterministic validation pipeline. The LLM proposes; the pipeline
// decides.
package planner

import (
	"time"

	"github.com/aegis-sec/aegis/internal/tree"
	"github.com/aegis-sec/aegis/internal/workflow"
)

// AttackStep is a candidate test node produced by the planner.
type AttackStep struct {
	ID            string           `json:"id"`
	Tool          string           `json:"tool"`
	Purpose       string           `json:"purpose"`
	Parameters    map[string]any   `json:"parameters,omitempty"`
	Priority      tree.Priority    `json:"priority,omitempty"`
	OWASPCategory string           `json:"owaspCategory,omitempty"`
	SafetyChecks  []string         `json:"safetyChecks,omitempty"`
	RequiresAuth  bool             `json:"requiresAuth,omitempty"`
	DependsOn     []string         `json:"dependsOn,omitempty"`
	Conditions    []tree.Condition `json:"conditions,omitempty"`
}

// Node converts the step into a test-tree node.
func (s AttackStep) Node() *tree.Node {
	return &tree.Node{
		ID:            s.ID,
		Tool:          s.Tool,
		Purpose:       s.Purpose,
		Parameters:    s.Parameters,
		DependsOn:     s.DependsOn,
		Conditions:    s.Conditions,
		Priority:      s.Priority,
		OWASPCategory: s.OWASPCategory,
		SafetyChecks:  s.SafetyChecks,
		RequiresAuth:  s.RequiresAuth,
	}
}

// ExpectedOutcome is a conditional branch template attached to a
// strategy. Only outcomes carrying a structured condition synthesise
// follow-up children; free-text outcomes are recorded as reasoning.
type ExpectedOutcome struct {
	Description string          `json:"description"`
	Condition   *tree.Condition `json:"condition,omitempty"`
	Step        *AttackStep     `json:"step,omitempty"`
}

// Strategy is the planner's structured output for one phase.
type Strategy struct {
	Phase                string            `json:"phase"`
	Reasoning            string            `json:"reasoning"`
	Recommendations      []AttackStep      `json:"recommendations"`
	ConfidenceLevel      float64           `json:"confidenceLevel"`
	ExpectedOutcomes     []ExpectedOutcome `json:"expectedOutcomes,omitempty"`
	NextPhaseConditions  []string          `json:"nextPhaseConditions,omitempty"`
	EstimatedDuration    time.Duration     `json:"-"`
	EstimatedDurationMin float64           `json:"estimatedDurationMinutes,omitempty"`
	SafetyConsiderations []string          `json:"safetyConsiderations,omitempty"`
}

// Context is everything the planner knows when asked for a strategy.
type Context struct {
	WorkflowID      string
	Target          string
	UserIntent      string
	CurrentFindings []workflow.Finding
	CompletedTests  []string
	AvailableTools  []string
	Phase           string
	Constraints     workflow.Constraints
}

// Confidence constants used when substituting deterministic output.
const (
	fallbackConfidenceRecon   = 0.5
	fallbackConfidenceAnalyze = 0.5
	fallbackConfidenceExploit = 0.3
	defaultConfidence         = 0.7
)
