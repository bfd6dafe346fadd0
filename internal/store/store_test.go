package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/aegis-sec/aegis/internal/approval"
	"github.com/aegis-sec/aegis/internal/audit"
	"github.com/aegis-sec/aegis/internal/workflow"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "aegis.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWorkflowRoundTrip(t *testing.T) {
	s := openTestStore(t)

	w := &workflow.Workflow{
		ID:     "wf-1",
		Target: "https://example.test",
		Intent: "test subdomains",
		Constraints: workflow.Constraints{
			Environment:      workflow.EnvStaging,
			MinTestsPerPhase: 5,
			ExcludeTests:     []string{"injection-tester"},
		},
		Status:    workflow.StatusRunning,
		Phase:     workflow.PhaseRecon,
		StartedAt: time.Now().UTC().Truncate(time.Second),
		Phases: []workflow.PhaseRecord{{
			Phase: workflow.PhaseRecon, Reasoning: "enumerate", Proceed: true,
		}},
	}
	if err := s.SaveWorkflow(w); err != nil {
		t.Fatalf("save: %v", err)
	}

	w.Status = workflow.StatusCompleted
	w.EndedAt = time.Now().UTC().Truncate(time.Second)
	if err := s.SaveWorkflow(w); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetWorkflow("wf-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != workflow.StatusCompleted || got.Phase != workflow.PhaseRecon {
		t.Fatalf("unexpected workflow: %+v", got)
	}
	if got.Constraints.Environment != workflow.EnvStaging || got.Constraints.MinTestsPerPhase != 5 {
		t.Fatalf("constraints drifted: %+v", got.Constraints)
	}
	if len(got.Phases) != 1 || !got.Phases[0].Proceed {
		t.Fatalf("phases drifted: %+v", got.Phases)
	}
}

func TestGetWorkflowNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetWorkflow("missing"); err == nil {
		t.Fatal("expected error for missing workflow")
	}
}

func TestFindingsAppendOnly(t *testing.T) {
	s := openTestStore(t)
	if err := s.SaveWorkflow(&workflow.Workflow{ID: "wf-1", Target: "t", Intent: "i"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	batch1 := []workflow.Finding{
		{Type: "subdomain", Severity: workflow.SeverityInfo, Confidence: 0.95, Target: "a.example.test", Data: map[string]any{"host": "a.example.test"}, Tool: "subdomain-scanner"},
	}
	batch2 := []workflow.Finding{
		{Type: "port", Severity: workflow.SeverityInfo, Confidence: 0.9, Target: "a.example.test", Data: map[string]any{"port": 443.0, "service": "https"}, Tool: "port-scanner"},
	}
	if err := s.AppendFindings("wf-1", batch1); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AppendFindings("wf-1", batch2); err != nil {
		t.Fatalf("append: %v", err)
	}

	findings, err := s.Findings("wf-1")
	if err != nil {
		t.Fatalf("findings: %v", err)
	}
	if len(findings) != 2 {
		t.Fatalf("expected 2 findings, got %d", len(findings))
	}
	if findings[0].Type != "subdomain" || findings[1].Type != "port" {
		t.Fatalf("insertion order lost: %+v", findings)
	}
	if findings[1].Data["service"] != "https" {
		t.Fatalf("data drifted: %+v", findings[1].Data)
	}
}

func TestDecisionLogQuery(t *testing.T) {
	s := openTestStore(t)

	entries := []audit.Entry{
		{WorkflowID: "wf-1", DecisionType: audit.DecisionPlanning, Output: map[string]any{"confidence": 0.7}},
		{WorkflowID: "wf-1", DecisionType: audit.DecisionExecution, Output: map[string]any{"status": "completed"}},
		{WorkflowID: "wf-2", DecisionType: audit.DecisionPlanning},
	}
	for _, e := range entries {
		if err := s.Record(e); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	all, err := s.ListDecisions("wf-1", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(all))
	}

	planning, err := s.ListDecisions("wf-1", audit.DecisionPlanning)
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if len(planning) != 1 || planning[0].Output["confidence"] != 0.7 {
		t.Fatalf("unexpected filtered entries: %+v", planning)
	}
}

func TestApprovalRoundTrip(t *testing.T) {
	s := openTestStore(t)

	req := &approval.Request{
		ID:         "ap-1",
		WorkflowID: "wf-1",
		Type:       approval.TypeTestExecution,
		Context:    approval.Context{Test: "jwt-analyzer", Environment: workflow.EnvProduction, Severity: workflow.SeverityHigh},
		Status:     approval.StatusPending,
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
	if err := s.SaveApproval(req); err != nil {
		t.Fatalf("save: %v", err)
	}

	req.Status = approval.StatusDenied
	req.Decision = &approval.Decision{Approved: false, Approver: "sec-lead", Reason: "out of scope"}
	if err := s.SaveApproval(req); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.ListApprovals("wf-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 approval, got %d", len(got))
	}
	if got[0].Status != approval.StatusDenied || got[0].Decision == nil || got[0].Decision.Approver != "sec-lead" {
		t.Fatalf("unexpected approval: %+v", got[0])
	}
}
