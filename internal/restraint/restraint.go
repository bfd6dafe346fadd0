// Package restraint is the deterministic policy layer gating every
// tool execution. Rules are evaluated in declared order; the first
// rule returning anything other than approve wins.
package restraint

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aegis-sec/aegis/internal/catalog"
	"github.com/aegis-sec/aegis/internal/workflow"
)

// Action is the verdict of a restraint evaluation.
type Action string

const (
	Approve         Action = "approve"
	Mitigate        Action = "approve-with-mitigations"
	Deny            Action = "deny"
	RequireApproval Action = "require-approval"
)

// Outcome is the result of evaluating the rule set against one request.
type Outcome struct {
	Action      Action         `json:"action"`
	Rule        string         `json:"rule,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Severity    string         `json:"severity,omitempty"` // set for require-approval
	Mitigations map[string]any `json:"mitigations,omitempty"`
}

// Request describes a candidate test about to execute.
type Request struct {
	WorkflowID   string
	Tool         string
	Target       string
	Phase        string
	Environment  string
	Priority     string
	Parameters   map[string]any
	RequiresAuth bool // the step asserts it needs authenticated access
	AuthAllowed  bool // the caller's constraints permit authenticated testing
	SafetyChecks []string
}

// Rule is one ordered policy check.
type Rule struct {
	Name     string
	Evaluate func(Request) Outcome
}

// Evaluator holds the ordered rule set.
type Evaluator struct {
	rules []Rule
}

// NewEvaluator builds an evaluator. With no rules the default set is used.
func NewEvaluator(rules ...Rule) *Evaluator {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Evaluator{rules: rules}
}

// Evaluate runs rules in order and returns the first non-approve
// outcome. A mitigating rule is terminal like any other non-approve
// verdict; later rules never see the request.
func (e *Evaluator) Evaluate(req Request) Outcome {
	for _, r := range e.rules {
		out := r.Evaluate(req)
		if out.Rule == "" {
			out.Rule = r.Name
		}
		if out.Action != Approve {
			return out
		}
	}
	return Outcome{Action: Approve}
}

// exploitationTools are tools whose execution is intrusive rather than
// observational.
var exploitationTools = map[string]bool{
	"injection-tester": true,
	"api-fuzzer":       true,
	"ssrf-probe":       true,
}

// DefaultRules returns the built-in policy set, most restrictive first.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name: "destructive-parameters",
			Evaluate: func(req Request) Outcome {
				serialized, err := json.Marshal(req.Parameters)
				if err != nil {
					return Outcome{Action: Deny, Reason: fmt.Sprintf("unserialisable parameters: %v", err)}
				}
				if verb, hit := (catalog.Entry{}).ContainsForbidden(string(serialized)); hit {
					return Outcome{Action: Deny, Reason: fmt.Sprintf("destructive verb %q in parameters", verb)}
				}
				return Outcome{Action: Approve}
			},
		},
		{
			Name: "production-exploitation",
			Evaluate: func(req Request) Outcome {
				if req.Environment == workflow.EnvProduction && (req.Phase == workflow.PhaseExploit || exploitationTools[req.Tool]) {
					return Outcome{
						Action:   RequireApproval,
						Severity: workflow.SeverityHigh,
						Reason:   "exploitation against production requires sign-off",
					}
				}
				return Outcome{Action: Approve}
			},
		},
		{
			Name: "unauthorised-auth-testing",
			Evaluate: func(req Request) Outcome {
				if req.RequiresAuth && !req.AuthAllowed {
					return Outcome{
						Action:   RequireApproval,
						Severity: workflow.SeverityMedium,
						Reason:   "step requires authenticated access not granted by constraints",
					}
				}
				return Outcome{Action: Approve}
			},
		},
		{
			Name: "critical-in-production",
			Evaluate: func(req Request) Outcome {
				if req.Environment == workflow.EnvProduction && req.Priority == "critical" {
					return Outcome{
						Action:   RequireApproval,
						Severity: workflow.SeverityHigh,
						Reason:   "critical-priority test against production requires sign-off",
					}
				}
				return Outcome{Action: Approve}
			},
		},
		{
			Name: "production-rate-limit",
			Evaluate: func(req Request) Outcome {
				if req.Environment == workflow.EnvProduction {
					return Outcome{Action: Mitigate, Mitigations: map[string]any{
						"rate_limit": true,
						"read_only":  true,
					}}
				}
				return Outcome{Action: Approve}
			},
		},
		{
			Name: "safety-check-tags",
			Evaluate: func(req Request) Outcome {
				mitigations := map[string]any{}
				for _, check := range req.SafetyChecks {
					switch strings.ToLower(strings.TrimSpace(check)) {
					case "rate-limit", "rate limit all requests":
						mitigations["rate_limit"] = true
					case "read-only":
						mitigations["read_only"] = true
					case "test-credentials":
						mitigations["use_test_credentials"] = true
					}
				}
				if len(mitigations) > 0 {
					return Outcome{Action: Mitigate, Mitigations: mitigations}
				}
				return Outcome{Action: Approve}
			},
		},
	}
}
