package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/aegis-sec/aegis/internal/catalog"
	"github.com/aegis-sec/aegis/internal/llm"
	"github.com/aegis-sec/aegis/internal/tree"
	"github.com/aegis-sec/aegis/internal/workflow"
)

type fakeProvider struct {
	content string
	err     error
	calls   int
}

func (f *fakeProvider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{Content: f.content, Model: "fake-model"}, nil
}

func subdomainFindings(hosts ...string) []workflow.Finding {
	var out []workflow.Finding
	for _, h := range hosts {
		out = append(out, workflow.Finding{
			Type: "subdomain", Severity: workflow.SeverityInfo,
			Target: h, Data: map[string]any{"host": h}, Tool: "subdomain-scanner",
		})
	}
	return out
}

func reconContext(findings []workflow.Finding) Context {
	return Context{
		WorkflowID:      "wf-1",
		Target:          "https://example.test",
		UserIntent:      "test subdomains",
		Phase:           workflow.PhaseRecon,
		CurrentFindings: findings,
	}
}

func TestParseStrategyDefaults(t *testing.T) {
	content := "```json\n{\"recommendations\": []}\n```"
	s, err := ParseStrategy(content, workflow.PhaseRecon)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s.Phase != workflow.PhaseRecon {
		t.Fatalf("phase default missing: %q", s.Phase)
	}
	if s.Reasoning != "no reasoning provided" {
		t.Fatalf("reasoning default missing: %q", s.Reasoning)
	}
	if s.ConfidenceLevel != 0.7 {
		t.Fatalf("confidence default missing: %v", s.ConfidenceLevel)
	}
	if s.EstimatedDuration != 30*time.Minute {
		t.Fatalf("duration default missing: %v", s.EstimatedDuration)
	}
	if len(s.SafetyConsiderations) != 1 || s.SafetyConsiderations[0] != "rate limit all requests" {
		t.Fatalf("safety default missing: %v", s.SafetyConsiderations)
	}
}

func TestParseStrategyRoundTrip(t *testing.T) {
	original := &Strategy{
		Phase:           workflow.PhaseAnalyze,
		Reasoning:       "probe the admin surface",
		ConfidenceLevel: 0.85,
		Recommendations: []AttackStep{{
			ID: "n-1", Tool: "header-analyzer", Purpose: "headers",
			Parameters: map[string]any{"target": "example.test"},
			Priority:   tree.PriorityHigh,
		}},
		EstimatedDurationMin: 15,
	}
	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	reparsed, err := ParseStrategy(string(data), workflow.PhaseAnalyze)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if reparsed.Reasoning != original.Reasoning || reparsed.ConfidenceLevel != original.ConfidenceLevel {
		t.Fatalf("round trip drifted: %+v", reparsed)
	}
	if len(reparsed.Recommendations) != 1 || reparsed.Recommendations[0].Tool != "header-analyzer" {
		t.Fatalf("recommendations drifted: %+v", reparsed.Recommendations)
	}
	if reparsed.EstimatedDuration != 15*time.Minute {
		t.Fatalf("duration drifted: %v", reparsed.EstimatedDuration)
	}
}

func TestUnknownToolTriggersFallback(t *testing.T) {
	provider := &fakeProvider{content: `{
		"reasoning": "install persistence",
		"recommendations": [{"id": "x", "tool": "backdoor-installer", "parameters": {"target": "example.test"}}]
	}`}
	p := New(provider, catalog.New(catalog.Builtin()))
	s := p.Plan(context.Background(), reconContext(nil))

	if s.ConfidenceLevel != 0.5 {
		t.Fatalf("expected fallback confidence 0.5, got %v", s.ConfidenceLevel)
	}
	if len(s.Recommendations) != 2 {
		t.Fatalf("expected fallback pair, got %d steps", len(s.Recommendations))
	}
	tools := map[string]bool{}
	for _, rec := range s.Recommendations {
		tools[rec.Tool] = true
	}
	if !tools["subdomain-scanner"] || !tools["port-scanner"] {
		t.Fatalf("unexpected fallback tools: %v", tools)
	}
}

func TestDestructiveVerbTriggersFallback(t *testing.T) {
	provider := &fakeProvider{content: `{
		"recommendations": [{"id": "x", "tool": "directory-bruteforce",
			"parameters": {"target": "example.test", "extra": "; rm -rf /"}}]
	}`}
	p := New(provider, catalog.New(catalog.Builtin()))
	s := p.Plan(context.Background(), reconContext(nil))
	if s.ConfidenceLevel != 0.5 {
		t.Fatalf("expected fallback, got confidence %v", s.ConfidenceLevel)
	}
}

func TestProviderErrorUsesFallbackPerPhase(t *testing.T) {
	provider := &fakeProvider{err: fmt.Errorf("upstream 503")}
	p := New(provider, catalog.New(catalog.Builtin()))

	sc := reconContext(nil)
	sc.Phase = workflow.PhaseAnalyze
	s := p.Plan(context.Background(), sc)
	if len(s.Recommendations) != 1 || s.Recommendations[0].Tool != "header-analyzer" {
		t.Fatalf("unexpected analyze fallback: %+v", s.Recommendations)
	}

	sc.Phase = workflow.PhaseExploit
	s = p.Plan(context.Background(), sc)
	if len(s.Recommendations) != 0 || s.ConfidenceLevel != 0.3 {
		t.Fatalf("unexpected exploit fallback: %+v", s)
	}
}

func TestSubdomainExpansion(t *testing.T) {
	provider := &fakeProvider{content: `{"reasoning": "continue recon", "recommendations": []}`}
	p := New(provider, catalog.New(catalog.Builtin()))

	sc := reconContext(subdomainFindings("a.example.test", "b.example.test", "c.example.test"))
	s := p.Plan(context.Background(), sc)

	counts := map[string]map[string]bool{}
	ids := map[string]bool{}
	for _, rec := range s.Recommendations {
		if ids[rec.ID] {
			t.Fatalf("duplicate step id %q", rec.ID)
		}
		ids[rec.ID] = true
		target, _ := rec.Parameters["target"].(string)
		if counts[rec.Tool] == nil {
			counts[rec.Tool] = map[string]bool{}
		}
		counts[rec.Tool][target] = true
	}
	for _, tool := range []string{"directory-bruteforce", "port-scanner", "tech-fingerprint"} {
		for _, host := range []string{"a.example.test", "b.example.test", "c.example.test"} {
			if !counts[tool][host] {
				t.Fatalf("missing %s step for %s", tool, host)
			}
		}
	}
}

func TestComboSynthesis(t *testing.T) {
	provider := &fakeProvider{content: `{"recommendations": []}`}
	p := New(provider, catalog.New(catalog.Builtin()))

	s := p.Plan(context.Background(), reconContext(subdomainFindings("a.example.test", "b.example.test")))

	var combo *AttackStep
	for i := range s.Recommendations {
		if s.Recommendations[i].Tool == "ssrf-probe" {
			combo = &s.Recommendations[i]
		}
	}
	if combo == nil {
		t.Fatal("expected an ssrf-probe combo step")
	}
	if combo.Parameters["target"] != "a.example.test" || combo.Parameters["secondary-target"] != "b.example.test" {
		t.Fatalf("combo should pair the first two subdomains: %v", combo.Parameters)
	}
}

func TestMinTestsPerPhaseFloor(t *testing.T) {
	provider := &fakeProvider{content: `{"recommendations": []}`}
	p := New(provider, catalog.New(catalog.Builtin()))

	sc := reconContext(subdomainFindings("a.example.test"))
	sc.Constraints.MinTestsPerPhase = 8
	s := p.Plan(context.Background(), sc)

	if len(s.Recommendations) < 8 {
		t.Fatalf("floor not met: %d recommendations", len(s.Recommendations))
	}
	var generic int
	for _, rec := range s.Recommendations {
		if rec.Tool == "header-analyzer" || rec.Tool == "ssl-checker" {
			generic++
		}
	}
	if generic == 0 {
		t.Fatal("expected generic padding steps")
	}
}

func TestFloorUnreachableWithGenericToolsExcluded(t *testing.T) {
	provider := &fakeProvider{content: `{
		"recommendations": [{"id": "x", "tool": "port-scanner", "parameters": {"target": "example.test"}}]
	}`}
	p := New(provider, catalog.New(catalog.Builtin()))

	sc := reconContext(nil)
	sc.Constraints.MinTestsPerPhase = 3
	sc.Constraints.ExcludeTests = []string{"header-analyzer", "ssl-checker"}

	done := make(chan *Strategy, 1)
	go func() { done <- p.Plan(context.Background(), sc) }()

	var s *Strategy
	select {
	case s = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("planning did not finish with both padding tools excluded")
	}
	for _, rec := range s.Recommendations {
		if rec.Tool == "header-analyzer" || rec.Tool == "ssl-checker" {
			t.Fatalf("excluded tool used for padding: %s", rec.Tool)
		}
	}
	if len(s.Recommendations) != 1 {
		t.Fatalf("expected only the provider step, got %+v", s.Recommendations)
	}
}

func TestExploitAgainstProductionDropsEverything(t *testing.T) {
	provider := &fakeProvider{content: `{
		"recommendations": [{"id": "x", "tool": "injection-tester", "parameters": {"target": "example.test"}}]
	}`}
	p := New(provider, catalog.New(catalog.Builtin()))

	sc := reconContext(nil)
	sc.Phase = workflow.PhaseExploit
	sc.Constraints.Environment = workflow.EnvProduction
	s := p.Plan(context.Background(), sc)
	if len(s.Recommendations) != 0 {
		t.Fatalf("expected empty exploit plan, got %+v", s.Recommendations)
	}
}

func TestWordlistOutsideRootDropped(t *testing.T) {
	provider := &fakeProvider{content: `{
		"recommendations": [
			{"id": "a", "tool": "directory-bruteforce", "parameters": {"target": "example.test", "wordlist": "/etc/passwd"}},
			{"id": "b", "tool": "directory-bruteforce", "parameters": {"target": "example.test", "wordlist": "/wordlists/Discovery/Web-Content/common.txt"}}
		]
	}`}
	p := New(provider, catalog.New(catalog.Builtin()))
	s := p.Plan(context.Background(), reconContext(nil))

	for _, rec := range s.Recommendations {
		if wl, ok := rec.Parameters["wordlist"].(string); ok && wl == "/etc/passwd" {
			t.Fatal("wordlist outside the root survived validation")
		}
	}
}

func TestExcludedToolsFiltered(t *testing.T) {
	provider := &fakeProvider{content: `{
		"recommendations": [{"id": "x", "tool": "port-scanner", "parameters": {"target": "example.test"}}]
	}`}
	p := New(provider, catalog.New(catalog.Builtin()))

	sc := reconContext(subdomainFindings("a.example.test"))
	sc.Constraints.ExcludeTests = []string{"port-scanner"}
	s := p.Plan(context.Background(), sc)
	for _, rec := range s.Recommendations {
		if rec.Tool == "port-scanner" {
			t.Fatal("excluded tool survived the constraint filter")
		}
	}
}

func TestAdaptEmitsFollowupsUnderOrigin(t *testing.T) {
	provider := &fakeProvider{content: `{
		"recommendations": [
			{"id": "f1", "tool": "injection-tester", "priority": "critical", "parameters": {"target": "a.example.test/login"}},
			{"id": "f2", "tool": "header-analyzer", "priority": "low", "parameters": {"target": "a.example.test"}}
		]
	}`}
	p := New(provider, catalog.New(catalog.Builtin()))

	sc := reconContext(nil)
	sc.Phase = workflow.PhaseAnalyze
	nodes := p.Adapt(context.Background(), sc, subdomainFindings("a.example.test"), "origin-node")

	var critical *tree.Node
	for _, n := range nodes {
		if n.Tool == "injection-tester" {
			critical = n
		}
		if n.Tool == "header-analyzer" {
			t.Fatal("low-priority follow-up should be filtered")
		}
	}
	if critical == nil {
		t.Fatal("expected a critical follow-up node")
	}
	if critical.ParentID != "origin-node" || critical.DependsOn[0] != "origin-node" {
		t.Fatalf("follow-up not rooted under origin: %+v", critical)
	}
	var hasCondition bool
	for _, c := range critical.Conditions {
		if c.Type == tree.CondFindingExists {
			hasCondition = true
		}
	}
	if !hasCondition {
		t.Fatal("follow-up missing finding_exists condition")
	}
}

func TestNilProviderYieldsFallback(t *testing.T) {
	p := New(nil, catalog.New(catalog.Builtin()))
	s := p.Plan(context.Background(), reconContext(nil))
	if s.ConfidenceLevel != 0.5 || len(s.Recommendations) != 2 {
		t.Fatalf("unexpected strategy without a provider: %+v", s)
	}
	if nodes := p.Adapt(context.Background(), reconContext(nil), nil, "x"); nodes != nil {
		t.Fatal("adaptation without a provider should add nothing")
	}
}
