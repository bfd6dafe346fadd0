package planner

import (
	"time"

	"github.com/aegis-sec/aegis/internal/tree"
	"github.com/aegis-sec/aegis/internal/workflow"
)

// Fallback returns the deterministic strategy substituted when the
// collaborator fails, returns garbage, or violates the safety filter.
func Fallback(sc Context) *Strategy {
	host := workflow.TargetHost(sc.Target)
	switch sc.Phase {
	case workflow.PhaseAnalyze:
		return &Strategy{
			Phase:     sc.Phase,
			Reasoning: "deterministic fallback: analyse response headers of the root target",
			Recommendations: []AttackStep{{
				ID:         stepID("header-analyzer", host),
				Tool:       "header-analyzer",
				Purpose:    "baseline security header review",
				Parameters: map[string]any{"target": host},
				Priority:   tree.PriorityMedium,
			}},
			ConfidenceLevel:      fallbackConfidenceAnalyze,
			EstimatedDuration:    10 * time.Minute,
			EstimatedDurationMin: 10,
			SafetyConsiderations: append([]string(nil), defaultSafetyConsiderations...),
		}

	case workflow.PhaseExploit:
		return &Strategy{
			Phase:                sc.Phase,
			Reasoning:            "deterministic fallback: no exploitation without a validated plan",
			Recommendations:      []AttackStep{},
			ConfidenceLevel:      fallbackConfidenceExploit,
			EstimatedDuration:    time.Minute,
			EstimatedDurationMin: 1,
			SafetyConsiderations: append([]string(nil), defaultSafetyConsiderations...),
		}

	default: // recon
		return &Strategy{
			Phase:     workflow.PhaseRecon,
			Reasoning: "deterministic fallback: enumerate subdomains and top ports of the root target",
			Recommendations: []AttackStep{
				{
					ID:         stepID("subdomain-scanner", host),
					Tool:       "subdomain-scanner",
					Purpose:    "enumerate subdomains",
					Parameters: map[string]any{"target": host},
					Priority:   tree.PriorityHigh,
				},
				{
					ID:         stepID("port-scanner", host),
					Tool:       "port-scanner",
					Purpose:    "scan top ports",
					Parameters: map[string]any{"target": host, "ports": "1-1000"},
					Priority:   tree.PriorityMedium,
				},
			},
			ConfidenceLevel:      fallbackConfidenceRecon,
			EstimatedDuration:    20 * time.Minute,
			EstimatedDurationMin: 20,
			SafetyConsiderations: append([]string(nil), defaultSafetyConsiderations...),
		}
	}
}
