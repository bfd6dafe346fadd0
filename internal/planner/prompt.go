package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aegis-sec/aegis/internal/workflow"
)

// systemPrompt encodes the tool catalogue, the safety rules and the
// output schema. The response contract lives in parse.go; this text is
// advisory input to the collaborator, never trusted output.
func (p *Planner) systemPrompt() string {
	var b strings.Builder
	b.WriteString("You are the strategic planner of a security-testing orchestrator.\n")
	b.WriteString("You propose test steps; a deterministic validator decides what runs.\n\n")

	b.WriteString("Available tools (use only these):\n")
	for _, name := range p.catalog.Names() {
		entry, _ := p.catalog.Get(name)
		fmt.Fprintf(&b, "- %s (params: %s)\n", name, strings.Join(entry.AllowedParams, ", "))
	}

	b.WriteString("\nSafety rules:\n")
	b.WriteString("- Never use destructive flags or verbs (rm, delete, drop, destroy, wipe).\n")
	fmt.Fprintf(&b, "- Wordlist paths must begin with %s.\n", p.wordlistRoot)
	b.WriteString("- Rate limit all requests against shared or production targets.\n")

	b.WriteString("\nRespond with a single JSON object:\n")
	b.WriteString(`{
  "phase": "recon|analyze|exploit",
  "reasoning": "...",
  "recommendations": [
    {"id": "...", "tool": "...", "purpose": "...", "parameters": {"target": "..."},
     "priority": "critical|high|medium|low", "owaspCategory": "...",
     "safetyChecks": ["..."], "requiresAuth": false,
     "dependsOn": ["..."], "conditions": [{"type": "finding_exists"}]}
  ],
  "confidenceLevel": 0.0,
  "expectedOutcomes": [{"description": "...", "condition": {"type": "finding_matches", "field": "type", "operator": "equals", "value": "port"}}],
  "nextPhaseConditions": ["..."],
  "estimatedDurationMinutes": 30,
  "safetyConsiderations": ["..."]
}`)
	return b.String()
}

// phasePrompt builds the user prompt for an initial planning call.
func phasePrompt(sc Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan the %s phase.\n", sc.Phase)
	fmt.Fprintf(&b, "Target: %s\n", sc.Target)
	fmt.Fprintf(&b, "User intent: %s\n", sc.UserIntent)
	writeConstraints(&b, sc.Constraints)
	writeFindings(&b, sc.CurrentFindings)
	if len(sc.CompletedTests) > 0 {
		fmt.Fprintf(&b, "Already executed: %s\n", strings.Join(sc.CompletedTests, ", "))
	}

	switch sc.Phase {
	case workflow.PhaseRecon:
		b.WriteString("\nEnumerate the attack surface: subdomains, open ports, technologies.\n")
	case workflow.PhaseAnalyze:
		b.WriteString("\nAnalyse the discovered surface: directories, headers, TLS, APIs, auth endpoints.\n")
	case workflow.PhaseExploit:
		b.WriteString("\nPropose careful, non-destructive verification of suspected weaknesses only.\n")
	}
	return b.String()
}

// adaptPrompt builds the user prompt for the adaptation path.
func adaptPrompt(sc Context, newFindings []workflow.Finding, originNodeID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Adapt the %s phase plan: node %s produced new findings.\n", sc.Phase, originNodeID)
	fmt.Fprintf(&b, "Target: %s\n", sc.Target)
	writeConstraints(&b, sc.Constraints)
	writeFindings(&b, newFindings)
	b.WriteString("\nPropose up to 3 follow-up steps that pursue these findings. ")
	b.WriteString("Prefer critical or high priority only where the finding justifies it.\n")
	return b.String()
}

func writeConstraints(b *strings.Builder, c workflow.Constraints) {
	if c.Environment != "" {
		fmt.Fprintf(b, "Environment: %s\n", c.Environment)
	}
	if len(c.Scope) > 0 {
		fmt.Fprintf(b, "Scope: %s\n", strings.Join(c.Scope, ", "))
	}
	if len(c.ExcludeTests) > 0 {
		fmt.Fprintf(b, "Excluded tools: %s\n", strings.Join(c.ExcludeTests, ", "))
	}
	if c.RequiresAuth {
		b.WriteString("Authenticated testing is permitted.\n")
	}
}

// writeFindings summarises findings compactly; the full maps would blow
// the prompt budget on large workflows.
func writeFindings(b *strings.Builder, findings []workflow.Finding) {
	if len(findings) == 0 {
		b.WriteString("No findings yet.\n")
		return
	}
	fmt.Fprintf(b, "Findings (%d):\n", len(findings))
	limit := len(findings)
	if limit > 40 {
		limit = 40
	}
	for _, f := range findings[:limit] {
		data, _ := json.Marshal(f.Data)
		fmt.Fprintf(b, "- [%s/%s] %s %s\n", f.Type, f.Severity, f.Target, string(data))
	}
	if limit < len(findings) {
		fmt.Fprintf(b, "... and %d more\n", len(findings)-limit)
	}
}
