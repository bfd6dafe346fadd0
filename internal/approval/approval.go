// Package approval implements the human-in-the-loop gate: pending
// requests resolved by an external decision, a timeout timer, and an
// escalation chain. Approvals are futures; callers wait on the
// returned channel while the rest of the workflow keeps running.
package approval

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-sec/aegis/internal/bus"
	"github.com/aegis-sec/aegis/internal/workflow"
)

// Type classifies what is being approved.
type Type string

const (
	TypeTestExecution     Type = "test-execution"
	TypePhaseTransition   Type = "phase-transition"
	TypeRestraintOverride Type = "restraint-override"
	TypeDataAccess        Type = "data-access"
	TypeExploitation      Type = "exploitation"
)

// Status of an approval request. Pending may re-enter via escalation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusDenied    Status = "denied"
	StatusTimeout   Status = "timeout"
	StatusEscalated Status = "escalated"
)

// Context carries the facts an approver needs.
type Context struct {
	Target      string `json:"target"`
	Test        string `json:"test"`
	Phase       string `json:"phase"`
	Environment string `json:"environment"`
	Severity    string `json:"severity"`
	Reason      string `json:"reason"`
}

// Decision is the resolution of a request.
type Decision struct {
	Approved   bool      `json:"approved"`
	Approver   string    `json:"approver"`
	Reason     string    `json:"reason,omitempty"`
	Conditions []string  `json:"conditions,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Escalation records where a request currently sits in the chain.
type Escalation struct {
	Level     int       `json:"level"`
	Target    string    `json:"target"`
	Timestamp time.Time `json:"timestamp"`
}

// Request is one approval request.
type Request struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflowId"`
	Type       Type           `json:"type"`
	Context    Context        `json:"context"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Timeout    time.Duration  `json:"timeout"`
	Status     Status         `json:"status"`
	Decision   *Decision      `json:"decision,omitempty"`
	Escalation *Escalation    `json:"escalation,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Policy matches a class of requests and may auto-approve them.
type Policy struct {
	Name        string
	Applies     func(*Request) bool
	AutoApprove func(*Request) bool // may be nil
	Timeout     time.Duration       // 0 means manager default
}

// Notifier delivers pending requests to human channels.
type Notifier interface {
	Notify(req Request)
}

// LogNotifier writes requests to the structured log. The default when
// no external channel is wired.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(req Request) {
	n.Logger.Warn("approval required",
		"approval", req.ID, "workflow", req.WorkflowID, "type", req.Type,
		"test", req.Context.Test, "target", req.Context.Target, "reason", req.Context.Reason)
}

type pending struct {
	req      *Request
	timer    *time.Timer
	resolved chan Decision
	level    int // next escalation index
}

// Manager owns the pending registry, timers and escalation chain.
type Manager struct {
	mu       sync.Mutex
	requests map[string]*pending

	policies        []Policy
	events          *bus.Bus
	logger          *slog.Logger
	notifier        Notifier
	defaultTimeout  time.Duration
	escalationChain []string
	escalationWait  time.Duration
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithPolicies replaces the default policy set.
func WithPolicies(policies []Policy) ManagerOption {
	return func(m *Manager) { m.policies = policies }
}

// WithNotifier sets the notification channel.
func WithNotifier(n Notifier) ManagerOption {
	return func(m *Manager) { m.notifier = n }
}

// WithDefaultTimeout sets the timeout used when no policy supplies one.
func WithDefaultTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.defaultTimeout = d
		}
	}
}

// WithEscalation sets the approver chain and the per-level wait.
func WithEscalation(chain []string, wait time.Duration) ManagerOption {
	return func(m *Manager) {
		m.escalationChain = chain
		if wait > 0 {
			m.escalationWait = wait
		}
	}
}

// NewManager creates an approval manager.
func NewManager(events *bus.Bus, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		requests:       make(map[string]*pending),
		policies:       DefaultPolicies(),
		events:         events,
		logger:         logger,
		defaultTimeout: 15 * time.Minute,
		escalationWait: 10 * time.Minute,
	}
	m.notifier = LogNotifier{Logger: logger}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Submit registers a request and returns a future carrying exactly one
// Decision. Auto-approvable requests resolve before Submit returns.
func (m *Manager) Submit(req *Request) (<-chan Decision, error) {
	if req.WorkflowID == "" {
		return nil, fmt.Errorf("approval: request has no workflow id")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.CreatedAt = time.Now().UTC()
	req.Status = StatusPending

	resolved := make(chan Decision, 1)

	timeout := m.defaultTimeout
	for _, p := range m.policies {
		if p.Applies == nil || !p.Applies(req) {
			continue
		}
		if p.Timeout > 0 && timeout == m.defaultTimeout {
			timeout = p.Timeout
		}
		if p.AutoApprove != nil && p.AutoApprove(req) {
			req.Status = StatusApproved
			d := Decision{Approved: true, Approver: p.Name, Reason: "policy auto-approval", Timestamp: time.Now().UTC()}
			req.Decision = &d
			resolved <- d
			close(resolved)
			m.emit(bus.ApprovalProcessed, req, map[string]any{"approved": true, "approver": p.Name, "auto": true})
			return resolved, nil
		}
	}
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	req.Timeout = timeout

	p := &pending{req: req, resolved: resolved}
	m.mu.Lock()
	m.requests[req.ID] = p
	p.timer = time.AfterFunc(timeout, func() { m.expire(req.ID) })
	m.mu.Unlock()

	m.emit(bus.ApprovalRequested, req, map[string]any{
		"type": string(req.Type), "test": req.Context.Test, "reason": req.Context.Reason,
		"timeout": timeout.String(),
	})
	m.notifier.Notify(*req)
	return resolved, nil
}

// Process resolves a pending request with an external decision.
func (m *Manager) Process(id string, d Decision) (*Request, error) {
	m.mu.Lock()
	p, ok := m.requests[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("approval: no pending request %q", id)
	}
	delete(m.requests, id)
	p.timer.Stop()

	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now().UTC()
	}
	if d.Approved {
		p.req.Status = StatusApproved
	} else {
		p.req.Status = StatusDenied
	}
	p.req.Decision = &d
	m.mu.Unlock()

	p.resolved <- d
	close(p.resolved)
	m.emit(bus.ApprovalProcessed, p.req, map[string]any{
		"approved": d.Approved, "approver": d.Approver, "reason": d.Reason,
	})
	return p.req, nil
}

// expire handles a timer firing: escalate while the chain has a next
// level, otherwise time the request out and deny it.
func (m *Manager) expire(id string) {
	m.mu.Lock()
	p, ok := m.requests[id]
	if !ok {
		m.mu.Unlock()
		return
	}

	if p.level < len(m.escalationChain) {
		target := m.escalationChain[p.level]
		p.level++
		p.req.Status = StatusEscalated
		p.req.Escalation = &Escalation{Level: p.level, Target: target, Timestamp: time.Now().UTC()}
		p.req.Status = StatusPending
		p.timer = time.AfterFunc(m.escalationWait, func() { m.expire(id) })
		level := p.level
		req := *p.req
		m.mu.Unlock()

		m.logger.Warn("approval escalated", "approval", id, "level", level, "target", target)
		m.emit(bus.ApprovalEscalated, &req, map[string]any{"level": level, "target": target})
		m.notifier.Notify(req)
		return
	}

	delete(m.requests, id)
	p.req.Status = StatusTimeout
	d := Decision{Approved: false, Approver: "system", Reason: "request timed out", Timestamp: time.Now().UTC()}
	p.req.Decision = &d
	m.mu.Unlock()

	p.resolved <- d
	close(p.resolved)
	m.logger.Warn("approval timed out", "approval", id, "workflow", p.req.WorkflowID)
	m.emit(bus.ApprovalTimeout, p.req, map[string]any{"reason": d.Reason})
}

// CancelWorkflow denies every pending request for a workflow. Safe to
// call repeatedly.
func (m *Manager) CancelWorkflow(workflowID string) {
	m.mu.Lock()
	var cancelled []*pending
	for id, p := range m.requests {
		if p.req.WorkflowID != workflowID {
			continue
		}
		delete(m.requests, id)
		p.timer.Stop()
		d := Decision{Approved: false, Approver: "system", Reason: "workflow cancelled", Timestamp: time.Now().UTC()}
		p.req.Status = StatusDenied
		p.req.Decision = &d
		cancelled = append(cancelled, p)
	}
	m.mu.Unlock()

	for _, p := range cancelled {
		p.resolved <- *p.req.Decision
		close(p.resolved)
		m.emit(bus.ApprovalProcessed, p.req, map[string]any{"approved": false, "reason": "workflow cancelled"})
	}
}

// Pending returns a snapshot of outstanding requests.
func (m *Manager) Pending() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, 0, len(m.requests))
	for _, p := range m.requests {
		out = append(out, *p.req)
	}
	return out
}

// Get returns a pending request by id.
func (m *Manager) Get(id string) (*Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.requests[id]
	if !ok {
		return nil, false
	}
	req := *p.req
	return &req, true
}

func (m *Manager) emit(eventType string, req *Request, payload map[string]any) {
	if m.events == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["approvalId"] = req.ID
	m.events.Emit(eventType, req.WorkflowID, payload)
}

// DefaultPolicies returns the built-in policy classes: production
// safety, data protection, exploitation control and auth testing.
func DefaultPolicies() []Policy {
	return []Policy{
		{
			Name:    "production-safety",
			Applies: func(r *Request) bool { return r.Context.Environment == workflow.EnvProduction },
		},
		{
			Name:    "exploitation-control",
			Applies: func(r *Request) bool { return r.Type == TypeExploitation || r.Context.Phase == workflow.PhaseExploit },
			AutoApprove: func(r *Request) bool {
				return r.Context.Environment == workflow.EnvDevelopment
			},
		},
		{
			Name:    "data-protection",
			Applies: func(r *Request) bool { return r.Type == TypeDataAccess },
			AutoApprove: func(r *Request) bool {
				if r.Context.Environment == workflow.EnvProduction {
					return false
				}
				return r.Context.Severity == workflow.SeverityInfo || r.Context.Severity == workflow.SeverityLow
			},
		},
		{
			Name: "auth-testing",
			Applies: func(r *Request) bool {
				return r.Type == TypeTestExecution && r.Context.Severity == workflow.SeverityMedium
			},
			AutoApprove: func(r *Request) bool {
				return r.Context.Environment == workflow.EnvDevelopment
			},
		},
	}
}
