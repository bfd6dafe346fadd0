// Package store provides SQLite-backed persistence for workflow state,
// findings, approvals and the decision log.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aegis-sec/aegis/internal/approval"
	"github.com/aegis-sec/aegis/internal/audit"
	"github.com/aegis-sec/aegis/internal/workflow"
)

// Store wraps the SQLite handle.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS workflows (
	id TEXT PRIMARY KEY,
	target TEXT NOT NULL,
	intent TEXT NOT NULL,
	constraints TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'pending',
	phase TEXT NOT NULL DEFAULT '',
	started_at DATETIME,
	ended_at DATETIME,
	truncated BOOLEAN NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	phases TEXT NOT NULL DEFAULT '[]',
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS findings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	workflow_id TEXT NOT NULL REFERENCES workflows(id),
	type TEXT NOT NULL,
	severity TEXT NOT NULL DEFAULT 'info',
	confidence REAL NOT NULL DEFAULT 0,
	target TEXT NOT NULL DEFAULT '',
	data TEXT NOT NULL DEFAULT '{}',
	tool TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS decisions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	workflow_id TEXT NOT NULL,
	decision_type TEXT NOT NULL,
	level TEXT NOT NULL DEFAULT '',
	input TEXT NOT NULL DEFAULT '{}',
	output TEXT NOT NULL DEFAULT '{}',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS approvals (
	id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	type TEXT NOT NULL,
	context TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'pending',
	decision TEXT NOT NULL DEFAULT '',
	escalation TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_findings_workflow ON findings(workflow_id);
CREATE INDEX IF NOT EXISTS idx_decisions_workflow ON decisions(workflow_id, decision_type);
CREATE INDEX IF NOT EXISTS idx_approvals_workflow ON approvals(workflow_id);
CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status);
`

// Open creates or opens the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveWorkflow upserts the workflow row. Findings are stored
// separately through AppendFindings.
func (s *Store) SaveWorkflow(w *workflow.Workflow) error {
	constraints, err := json.Marshal(w.Constraints)
	if err != nil {
		return fmt.Errorf("store: marshal constraints: %w", err)
	}
	phases, err := json.Marshal(w.Phases)
	if err != nil {
		return fmt.Errorf("store: marshal phases: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO workflows (id, target, intent, constraints, status, phase, started_at, ended_at, truncated, error, phases, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			phase = excluded.phase,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			truncated = excluded.truncated,
			error = excluded.error,
			phases = excluded.phases,
			updated_at = datetime('now')`,
		w.ID, w.Target, w.Intent, string(constraints), string(w.Status), w.Phase,
		nullTime(w.StartedAt), nullTime(w.EndedAt), w.Truncated, w.Error, string(phases))
	if err != nil {
		return fmt.Errorf("store: save workflow %s: %w", w.ID, err)
	}
	return nil
}

// GetWorkflow loads a workflow row and its findings.
func (s *Store) GetWorkflow(id string) (*workflow.Workflow, error) {
	row := s.db.QueryRow(`
		SELECT id, target, intent, constraints, status, phase, started_at, ended_at, truncated, error, phases
		FROM workflows WHERE id = ?`, id)

	var (
		w                   workflow.Workflow
		constraints, phases string
		startedAt, endedAt  sql.NullTime
		status              string
	)
	err := row.Scan(&w.ID, &w.Target, &w.Intent, &constraints, &status, &w.Phase,
		&startedAt, &endedAt, &w.Truncated, &w.Error, &phases)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: workflow %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: load workflow %s: %w", id, err)
	}

	w.Status = workflow.Status(status)
	if startedAt.Valid {
		w.StartedAt = startedAt.Time
	}
	if endedAt.Valid {
		w.EndedAt = endedAt.Time
	}
	if err := json.Unmarshal([]byte(constraints), &w.Constraints); err != nil {
		return nil, fmt.Errorf("store: decode constraints: %w", err)
	}
	if err := json.Unmarshal([]byte(phases), &w.Phases); err != nil {
		return nil, fmt.Errorf("store: decode phases: %w", err)
	}

	w.Findings, err = s.Findings(id)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// ListWorkflows returns workflows, optionally filtered by status.
func (s *Store) ListWorkflows(status string) ([]workflow.Workflow, error) {
	query := `SELECT id, target, intent, status, phase, truncated, error FROM workflows`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list workflows: %w", err)
	}
	defer rows.Close()

	var out []workflow.Workflow
	for rows.Next() {
		var w workflow.Workflow
		var st string
		if err := rows.Scan(&w.ID, &w.Target, &w.Intent, &st, &w.Phase, &w.Truncated, &w.Error); err != nil {
			return nil, fmt.Errorf("store: scan workflow: %w", err)
		}
		w.Status = workflow.Status(st)
		out = append(out, w)
	}
	return out, rows.Err()
}

// AppendFindings inserts findings for a workflow. Append-only.
func (s *Store) AppendFindings(workflowID string, findings []workflow.Finding) error {
	if len(findings) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO findings (workflow_id, type, severity, confidence, target, data, tool, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: prepare findings insert: %w", err)
	}
	defer stmt.Close()

	for _, f := range findings {
		data, err := json.Marshal(f.Data)
		if err != nil {
			return fmt.Errorf("store: marshal finding data: %w", err)
		}
		ts := f.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		if _, err := stmt.Exec(workflowID, f.Type, f.Severity, f.Confidence, f.Target, string(data), f.Tool, ts); err != nil {
			return fmt.Errorf("store: insert finding: %w", err)
		}
	}
	return tx.Commit()
}

// Findings returns a workflow's findings in insertion order.
func (s *Store) Findings(workflowID string) ([]workflow.Finding, error) {
	rows, err := s.db.Query(`
		SELECT type, severity, confidence, target, data, tool, created_at
		FROM findings WHERE workflow_id = ? ORDER BY id`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("store: query findings: %w", err)
	}
	defer rows.Close()

	var out []workflow.Finding
	for rows.Next() {
		var f workflow.Finding
		var data string
		if err := rows.Scan(&f.Type, &f.Severity, &f.Confidence, &f.Target, &data, &f.Tool, &f.Timestamp); err != nil {
			return nil, fmt.Errorf("store: scan finding: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &f.Data); err != nil {
			return nil, fmt.Errorf("store: decode finding data: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Record implements audit.Recorder against the decisions table, so the
// decision log is queryable alongside the per-workflow audit files.
func (s *Store) Record(e audit.Entry) error {
	if e.WorkflowID == "" {
		return fmt.Errorf("store: decision entry has no workflow id")
	}
	input, _ := json.Marshal(e.Input)
	output, _ := json.Marshal(e.Output)
	metadata, _ := json.Marshal(e.Metadata)
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO decisions (workflow_id, decision_type, level, input, output, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.WorkflowID, e.DecisionType, e.Level, string(input), string(output), string(metadata), ts)
	if err != nil {
		return fmt.Errorf("store: record decision: %w", err)
	}
	return nil
}

// ListDecisions returns decision log entries for a workflow, optionally
// filtered by decision type.
func (s *Store) ListDecisions(workflowID, decisionType string) ([]audit.Entry, error) {
	query := `SELECT workflow_id, decision_type, level, input, output, metadata, created_at FROM decisions WHERE workflow_id = ?`
	args := []any{workflowID}
	if decisionType != "" {
		query += ` AND decision_type = ?`
		args = append(args, decisionType)
	}
	query += ` ORDER BY id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query decisions: %w", err)
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var e audit.Entry
		var input, output, metadata string
		if err := rows.Scan(&e.WorkflowID, &e.DecisionType, &e.Level, &input, &output, &metadata, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("store: scan decision: %w", err)
		}
		json.Unmarshal([]byte(input), &e.Input)
		json.Unmarshal([]byte(output), &e.Output)
		json.Unmarshal([]byte(metadata), &e.Metadata)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveApproval upserts an approval request's current state.
func (s *Store) SaveApproval(req *approval.Request) error {
	context, err := json.Marshal(req.Context)
	if err != nil {
		return fmt.Errorf("store: marshal approval context: %w", err)
	}
	decision := ""
	if req.Decision != nil {
		data, _ := json.Marshal(req.Decision)
		decision = string(data)
	}
	escalation := ""
	if req.Escalation != nil {
		data, _ := json.Marshal(req.Escalation)
		escalation = string(data)
	}

	_, err = s.db.Exec(`
		INSERT INTO approvals (id, workflow_id, type, context, status, decision, escalation, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			decision = excluded.decision,
			escalation = excluded.escalation,
			updated_at = datetime('now')`,
		req.ID, req.WorkflowID, string(req.Type), string(context), string(req.Status), decision, escalation, req.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: save approval %s: %w", req.ID, err)
	}
	return nil
}

// ListApprovals returns a workflow's approval requests.
func (s *Store) ListApprovals(workflowID string) ([]approval.Request, error) {
	rows, err := s.db.Query(`
		SELECT id, workflow_id, type, context, status, decision, escalation, created_at
		FROM approvals WHERE workflow_id = ? ORDER BY created_at`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("store: query approvals: %w", err)
	}
	defer rows.Close()

	var out []approval.Request
	for rows.Next() {
		var (
			req                          approval.Request
			reqType, context             string
			status, decision, escalation string
		)
		if err := rows.Scan(&req.ID, &req.WorkflowID, &reqType, &context, &status, &decision, &escalation, &req.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan approval: %w", err)
		}
		req.Type = approval.Type(reqType)
		req.Status = approval.Status(status)
		if err := json.Unmarshal([]byte(context), &req.Context); err != nil {
			return nil, fmt.Errorf("store: decode approval context: %w", err)
		}
		if decision != "" {
			req.Decision = &approval.Decision{}
			json.Unmarshal([]byte(decision), req.Decision)
		}
		if escalation != "" {
			req.Escalation = &approval.Escalation{}
			json.Unmarshal([]byte(escalation), req.Escalation)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
