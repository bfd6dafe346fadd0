// Package audit persists the append-only decision log: planner
// decisions, tool invocations and approval outcomes, one NDJSON file
// per workflow.
package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aegis-sec/aegis/internal/bus"
)

// Decision types recorded in the log.
const (
	DecisionPlanning   = "planning"
	DecisionAdaptation = "adaptation"
	DecisionExecution  = "execution"
	DecisionRestraint  = "restraint"
	DecisionApproval   = "approval"
	DecisionEvent      = "event"
)

// Entry is one append-only decision log record.
type Entry struct {
	WorkflowID   string         `json:"workflowId"`
	Timestamp    time.Time      `json:"timestamp"`
	DecisionType string         `json:"decisionType"`
	Level        string         `json:"level,omitempty"` // info or warning
	Input        map[string]any `json:"input,omitempty"`
	Output       map[string]any `json:"output,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Recorder accepts decision log entries. Implementations must be safe
// for concurrent use.
type Recorder interface {
	Record(e Entry) error
}

// Discard is a Recorder that drops everything. Useful in tests.
type Discard struct{}

func (Discard) Record(Entry) error { return nil }

// Multi fans each entry out to every recorder. The first error is
// returned after all recorders have been given the entry.
type Multi []Recorder

func (m Multi) Record(e Entry) error {
	var firstErr error
	for _, rec := range m {
		if err := rec.Record(e); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// FileLog appends entries to one NDJSON file per workflow under a
// directory. Writes are serialised per workflow; each entry is a
// single write syscall so concurrent workflows never interleave lines.
type FileLog struct {
	dir string

	mu    sync.Mutex
	files map[string]*os.File
}

// NewFileLog creates the directory if needed and returns a log.
func NewFileLog(dir string) (*FileLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating audit dir %s: %w", dir, err)
	}
	return &FileLog{dir: dir, files: make(map[string]*os.File)}, nil
}

// Record appends one entry to the workflow's file.
func (l *FileLog) Record(e Entry) error {
	if e.WorkflowID == "" {
		return fmt.Errorf("audit: entry has no workflow id")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	f, ok := l.files[e.WorkflowID]
	if !ok {
		path := filepath.Join(l.dir, e.WorkflowID+".ndjson")
		f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("audit: open %s: %w", path, err)
		}
		l.files[e.WorkflowID] = f
	}
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("audit: append entry: %w", err)
	}
	return nil
}

// Read returns all entries recorded for a workflow.
func (l *FileLog) Read(workflowID string) ([]Entry, error) {
	path := filepath.Join(l.dir, workflowID+".ndjson")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: read %s: %w", path, err)
	}

	var entries []Entry
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			return entries, fmt.Errorf("audit: decode entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Close closes all per-workflow files.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for id, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(l.files, id)
	}
	return firstErr
}

// Attach subscribes the recorder to the bus, persisting every decision
// and execution event. Returns the unsubscribe function.
func Attach(b *bus.Bus, rec Recorder) func() {
	return b.Subscribe(func(evt bus.Event) {
		_ = rec.Record(Entry{
			WorkflowID:   evt.WorkflowID,
			Timestamp:    evt.Timestamp,
			DecisionType: DecisionEvent,
			Input:        map[string]any{"event": evt.Type},
			Output:       evt.Payload,
		})
	},
		bus.NodeDecision,
		bus.ExecutionStart, bus.ExecutionComplete, bus.ExecutionFailed,
		bus.ApprovalRequested, bus.ApprovalProcessed, bus.ApprovalTimeout, bus.ApprovalEscalated,
	)
}
