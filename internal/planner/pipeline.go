package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/aegis-sec/aegis/internal/tree"
	"github.com/aegis-sec/aegis/internal/workflow"
)

// validate runs the deterministic post-validation pipeline over a
// parsed strategy: safety filter, per-tool parameter validation,
// constraint filter, exhaustive expansion and combo synthesis. A
// safety violation replaces the whole strategy with the fallback.
func (p *Planner) validate(sc Context, s *Strategy) *Strategy {
	if reason := p.safetyViolation(s); reason != "" {
		p.logger.Warn("strategy rejected by safety filter", "workflow", sc.WorkflowID, "reason", reason)
		fb := Fallback(sc)
		fb.Reasoning = fmt.Sprintf("safety fallback: %s", reason)
		return fb
	}

	s.Recommendations = p.validateParams(sc, s.Recommendations)
	s.Recommendations = p.filterConstraints(sc, s.Recommendations)
	if sc.Phase != workflow.PhaseExploit {
		s.Recommendations = p.expand(sc, s.Recommendations)
		s.Recommendations = p.synthesizeCombos(sc, s.Recommendations)
	}
	return s
}

// safetyViolation returns a non-empty reason when any recommendation
// names an unknown tool or carries a forbidden substring. One bad step
// poisons the whole strategy.
func (p *Planner) safetyViolation(s *Strategy) string {
	for _, rec := range s.Recommendations {
		entry, ok := p.catalog.Get(rec.Tool)
		if !ok {
			return fmt.Sprintf("unknown tool %q", rec.Tool)
		}
		serialized, err := json.Marshal(rec.Parameters)
		if err != nil {
			return fmt.Sprintf("unserialisable parameters for %s", rec.Tool)
		}
		if verb, hit := entry.ContainsForbidden(string(serialized)); hit {
			return fmt.Sprintf("forbidden token %q in %s parameters", verb, rec.Tool)
		}
	}
	return ""
}

// validateParams drops recommendations that fail their per-tool
// validator: missing required parameters or a wordlist outside the
// configured root.
func (p *Planner) validateParams(sc Context, recs []AttackStep) []AttackStep {
	kept := recs[:0]
	for _, rec := range recs {
		entry, _ := p.catalog.Get(rec.Tool)
		valid := true
		for _, required := range entry.RequiredParams {
			if _, ok := rec.Parameters[required]; ok {
				continue
			}
			if _, ok := entry.DefaultParams[required]; ok {
				continue
			}
			p.logger.Warn("dropping step missing required parameter",
				"workflow", sc.WorkflowID, "tool", rec.Tool, "param", required)
			valid = false
			break
		}
		if wl, ok := rec.Parameters["wordlist"].(string); valid && ok && wl != "" {
			if !strings.HasPrefix(wl, p.wordlistRoot) {
				p.logger.Warn("dropping step with wordlist outside the mount root",
					"workflow", sc.WorkflowID, "tool", rec.Tool, "wordlist", wl)
				valid = false
			}
		}
		if valid {
			kept = append(kept, rec)
		}
	}
	return kept
}

// filterConstraints applies the caller's constraints: excluded tools
// are dropped, and in the exploit phase against production everything
// is dropped. Steps needing auth the caller did not grant stay in the
// set as approval candidates; the restraint layer gates them.
func (p *Planner) filterConstraints(sc Context, recs []AttackStep) []AttackStep {
	if sc.Phase == workflow.PhaseExploit && sc.Constraints.Environment == workflow.EnvProduction {
		if len(recs) > 0 {
			p.logger.Warn("dropping all exploit steps against production", "workflow", sc.WorkflowID)
		}
		return nil
	}

	kept := recs[:0]
	for _, rec := range recs {
		if sc.Constraints.Excludes(rec.Tool) {
			p.logger.Info("dropping excluded tool", "workflow", sc.WorkflowID, "tool", rec.Tool)
			continue
		}
		if rec.RequiresAuth && !sc.Constraints.RequiresAuth && !p.authCandidates {
			p.logger.Info("dropping unauthorised auth step", "workflow", sc.WorkflowID, "tool", rec.Tool)
			continue
		}
		kept = append(kept, rec)
	}
	return kept
}

// expansion tool triplet applied to every discovered subdomain.
var perHostTools = []string{"directory-bruteforce", "port-scanner", "tech-fingerprint"}

// endpointTools maps analyse-phase finding types to the test they demand.
var endpointTools = map[string]string{
	"form":          "injection-tester",
	"api-endpoint":  "api-fuzzer",
	"auth-endpoint": "jwt-analyzer",
}

// expand enforces the exhaustive-coverage floor: one scan triplet per
// subdomain, endpoint-specific tests during analyse, then generic
// steps until max(minTestsPerPhase, assets*3) is met.
func (p *Planner) expand(sc Context, recs []AttackStep) []AttackStep {
	type key struct{ tool, target string }
	have := make(map[key]bool, len(recs))
	for _, rec := range recs {
		if t, ok := rec.Parameters["target"].(string); ok {
			have[key{rec.Tool, t}] = true
		}
	}

	add := func(tool, target string, extra map[string]any) {
		if sc.Constraints.Excludes(tool) || have[key{tool, target}] {
			return
		}
		params := map[string]any{"target": target}
		for k, v := range extra {
			params[k] = v
		}
		recs = append(recs, AttackStep{
			ID:         stepID(tool, target),
			Tool:       tool,
			Purpose:    fmt.Sprintf("%s coverage of %s", tool, target),
			Parameters: params,
			Priority:   tree.PriorityMedium,
		})
		have[key{tool, target}] = true
	}

	hosts := subdomainHosts(sc.CurrentFindings)
	for _, host := range hosts {
		for _, tool := range perHostTools {
			add(tool, host, nil)
		}
	}

	if sc.Phase == workflow.PhaseAnalyze {
		for _, f := range sc.CurrentFindings {
			tool, ok := endpointTools[f.Type]
			if !ok || f.Target == "" {
				continue
			}
			add(tool, f.Target, nil)
		}
	}

	floor := sc.Constraints.MinTestsPerPhase
	if assetFloor := len(hosts) * 3; assetFloor > floor {
		floor = assetFloor
	}
	generic := make([]string, 0, 2)
	for _, tool := range []string{"header-analyzer", "ssl-checker"} {
		if !sc.Constraints.Excludes(tool) {
			generic = append(generic, tool)
		}
	}
	root := workflow.TargetHost(sc.Target)
	for i := 0; len(generic) > 0 && len(recs) < floor; i++ {
		tool := generic[i%len(generic)]
		target := root
		if len(hosts) > 0 {
			target = hosts[(i/len(generic))%len(hosts)]
		}
		if have[key{tool, target}] {
			// All host/tool pairs exhausted; pad with uniquely
			// identified repeats of the root target.
			recs = append(recs, AttackStep{
				ID:         stepID(tool, fmt.Sprintf("%s-%d", target, i)),
				Tool:       tool,
				Purpose:    fmt.Sprintf("%s coverage of %s", tool, target),
				Parameters: map[string]any{"target": target},
				Priority:   tree.PriorityLow,
			})
			continue
		}
		add(tool, target, nil)
	}
	if len(recs) < floor {
		p.logger.Warn("coverage floor unreachable with generic tools excluded",
			"workflow", sc.WorkflowID, "planned", len(recs), "floor", floor)
	}
	return recs
}

// synthesizeCombos adds one cross-target probe when at least two
// subdomains are known, pairing the first two.
func (p *Planner) synthesizeCombos(sc Context, recs []AttackStep) []AttackStep {
	hosts := subdomainHosts(sc.CurrentFindings)
	if len(hosts) < 2 || sc.Constraints.Excludes("ssrf-probe") {
		return recs
	}
	for _, rec := range recs {
		if rec.Tool == "ssrf-probe" {
			return recs
		}
	}
	return append(recs, AttackStep{
		ID:      stepID("ssrf-probe", hosts[0]),
		Tool:    "ssrf-probe",
		Purpose: fmt.Sprintf("cross-target request forgery probe between %s and %s", hosts[0], hosts[1]),
		Parameters: map[string]any{
			"target":           hosts[0],
			"secondary-target": hosts[1],
		},
		Priority: tree.PriorityMedium,
	})
}

// subdomainHosts extracts unique subdomain hosts from findings,
// preserving discovery order.
func subdomainHosts(findings []workflow.Finding) []string {
	seen := make(map[string]bool)
	var hosts []string
	for _, f := range findings {
		if f.Type != "subdomain" {
			continue
		}
		host, _ := f.Data["host"].(string)
		if host == "" {
			host = f.Target
		}
		if host == "" || seen[host] {
			continue
		}
		seen[host] = true
		hosts = append(hosts, host)
	}
	return hosts
}

// stepID builds a unique, readable node id.
func stepID(tool, target string) string {
	target = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, target)
	return fmt.Sprintf("%s-%s-%s", tool, target, uuid.NewString()[:8])
}
