// Package workflow defines the data model for security-testing workflows.
package workflow

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Status is the lifecycle state of a workflow.
type Status string

const (
	StatusPending          Status = "pending"
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting-approval"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// Phase names, in execution order.
const (
	PhaseRecon   = "recon"
	PhaseAnalyze = "analyze"
	PhaseExploit = "exploit"
)

// Phases returns the ordered phase sequence.
func Phases() []string {
	return []string{PhaseRecon, PhaseAnalyze, PhaseExploit}
}

// Environment values recognised in constraints.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Severity levels for findings, least to most severe.
const (
	SeverityInfo     = "info"
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Constraints are the caller-supplied limits on a workflow.
type Constraints struct {
	Environment          string        `json:"environment,omitempty"`
	Scope                []string      `json:"scope,omitempty"`
	TimeLimit            time.Duration `json:"timeLimit,omitempty"`
	MinTestsPerPhase     int           `json:"minTestsPerPhase,omitempty"`
	ExcludeTests         []string      `json:"excludeTests,omitempty"`
	RequiresAuth         bool          `json:"requiresAuth,omitempty"`
	UseSecListsWordlists bool          `json:"useSecListsWordlists,omitempty"`
}

// Excludes reports whether the named tool is forbidden by the constraints.
func (c Constraints) Excludes(tool string) bool {
	for _, t := range c.ExcludeTests {
		if strings.EqualFold(strings.TrimSpace(t), tool) {
			return true
		}
	}
	return false
}

// Finding is a structured observation produced by a tool parser.
// Findings are append-only within a workflow.
type Finding struct {
	Type       string         `json:"type"`
	Severity   string         `json:"severity"`
	Confidence float64        `json:"confidence"`
	Target     string         `json:"target"`
	Data       map[string]any `json:"data,omitempty"`
	Tool       string         `json:"tool"`
	Timestamp  time.Time      `json:"timestamp"`
}

// FindingSummary aggregates findings for a phase or a whole workflow.
type FindingSummary struct {
	Total      int            `json:"total"`
	BySeverity map[string]int `json:"bySeverity"`
}

// Summarize builds a FindingSummary over a set of findings.
func Summarize(findings []Finding) FindingSummary {
	s := FindingSummary{BySeverity: make(map[string]int)}
	for _, f := range findings {
		s.Total++
		sev := f.Severity
		if sev == "" {
			sev = SeverityInfo
		}
		s.BySeverity[sev]++
	}
	return s
}

// PhaseRecord captures one completed (or in-progress) phase of a workflow.
type PhaseRecord struct {
	Phase     string         `json:"phase"`
	StartedAt time.Time      `json:"startedAt"`
	EndedAt   time.Time      `json:"endedAt,omitempty"`
	Reasoning string         `json:"reasoning"`
	Executed  []string       `json:"executed"` // node ids in completion order
	Summary   FindingSummary `json:"summary"`
	Proceed   bool           `json:"proceed"`
}

// Workflow is one end-to-end run for a single target and intent.
// Mutated only by the orchestrator.
type Workflow struct {
	ID          string        `json:"id"`
	Target      string        `json:"target"`
	Intent      string        `json:"intent"`
	Constraints Constraints   `json:"constraints"`
	Status      Status        `json:"status"`
	Phase       string        `json:"phase"`
	StartedAt   time.Time     `json:"startedAt"`
	EndedAt     time.Time     `json:"endedAt,omitempty"`
	Findings    []Finding     `json:"findings"`
	Phases      []PhaseRecord `json:"phases"`
	Truncated   bool          `json:"truncated,omitempty"` // deadline hit before all phases ran
	Error       string        `json:"error,omitempty"`
}

// Snapshot is the externally visible view of a running workflow.
type Snapshot struct {
	ID        string         `json:"id"`
	Status    Status         `json:"status"`
	Phase     string         `json:"phase"`
	Executed  int            `json:"executed"`
	Planned   int            `json:"planned"`
	Summary   FindingSummary `json:"summary"`
	Findings  []Finding      `json:"findings"`
	Truncated bool           `json:"truncated,omitempty"`
}

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ValidateTarget checks that target is a URL or a bare host.
func ValidateTarget(target string) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return fmt.Errorf("target is required")
	}
	if strings.Contains(target, "://") {
		u, err := url.Parse(target)
		if err != nil {
			return fmt.Errorf("invalid target URL %q: %w", target, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("target scheme %q is not supported", u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("target URL %q has no host", target)
		}
		return nil
	}
	if strings.ContainsAny(target, " \t\n") {
		return fmt.Errorf("invalid target host %q", target)
	}
	return nil
}

// ValidateConstraints checks recognised constraint options are within range.
func ValidateConstraints(c Constraints) error {
	switch c.Environment {
	case "", EnvDevelopment, EnvStaging, EnvProduction:
	default:
		return fmt.Errorf("unknown environment %q", c.Environment)
	}
	if c.TimeLimit < 0 {
		return fmt.Errorf("timeLimit must not be negative")
	}
	if c.MinTestsPerPhase < 0 {
		return fmt.Errorf("minTestsPerPhase must not be negative")
	}
	return nil
}

// TargetHost extracts the bare host from a URL or host target.
func TargetHost(target string) string {
	target = strings.TrimSpace(target)
	if strings.Contains(target, "://") {
		if u, err := url.Parse(target); err == nil && u.Host != "" {
			return u.Hostname()
		}
	}
	if i := strings.IndexAny(target, "/:"); i > 0 {
		return target[:i]
	}
	return target
}
