package tree

import (
	"fmt"
	"strings"
	"sync"
)

// Tree holds the node DAG for one workflow. Nodes reference each other
// by id only; the tree may grow while the executor runs.
type Tree struct {
	mu         sync.RWMutex
	workflowID string
	rootID     string
	nodes      map[string]*Node
	order      []string           // insertion order
	results    map[string]*Result // by node id
	history    []string           // completion order
}

// New creates an empty tree for a workflow.
func New(workflowID string) *Tree {
	return &Tree{
		workflowID: workflowID,
		nodes:      make(map[string]*Node),
		results:    make(map[string]*Result),
	}
}

// WorkflowID returns the owning workflow id.
func (t *Tree) WorkflowID() string { return t.workflowID }

// Build inserts planner recommendations. The first node becomes the
// root; later nodes become children when their dependencies reference
// an existing node, parallel branches of the root otherwise.
func (t *Tree) Build(nodes []*Node) error {
	for _, n := range nodes {
		if err := t.Add(n); err != nil {
			return err
		}
	}
	return nil
}

// Add inserts one node, applying defaults and wiring parent/children.
func (t *Tree) Add(n *Node) error {
	if n == nil || strings.TrimSpace(n.ID) == "" {
		return fmt.Errorf("tree: node id is required")
	}
	if strings.TrimSpace(n.Tool) == "" {
		return fmt.Errorf("tree: node %s has no tool", n.ID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.nodes[n.ID]; exists {
		return fmt.Errorf("tree: duplicate node id %q", n.ID)
	}

	if n.Status == "" {
		n.Status = NodePending
	}
	if n.Priority == "" {
		n.Priority = PriorityMedium
	}
	if n.MaxRetries == 0 {
		n.MaxRetries = MaxRetriesFor(n.Priority)
	}

	if t.rootID == "" {
		t.rootID = n.ID
	} else if n.ParentID == "" {
		if len(n.DependsOn) > 0 && t.hasAllLocked(n.DependsOn) {
			n.ParentID = n.DependsOn[0]
		} else {
			n.ParentID = t.rootID
		}
	}
	if parent, ok := t.nodes[n.ParentID]; ok {
		parent.Children = append(parent.Children, n.ID)
	}

	t.nodes[n.ID] = n
	t.order = append(t.order, n.ID)
	return nil
}

func (t *Tree) hasAllLocked(ids []string) bool {
	for _, id := range ids {
		if _, ok := t.nodes[id]; !ok {
			return false
		}
	}
	return true
}

// Node returns a node by id.
func (t *Tree) Node(id string) (*Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	return n, ok
}

// RootID returns the root node id, or "" for an empty tree.
func (t *Tree) RootID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rootID
}

// Len returns the node count.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// Order returns node ids in insertion order.
func (t *Tree) Order() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Results returns a snapshot of accumulated results keyed by node id.
func (t *Tree) Results() map[string]*Result {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]*Result, len(t.results))
	for id, r := range t.results {
		out[id] = r
	}
	return out
}

// History returns node ids in completion order.
func (t *Tree) History() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, len(t.history))
	copy(out, t.history)
	return out
}

func (t *Tree) setStatus(id string, status NodeStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.nodes[id]; ok {
		n.Status = status
	}
}

func (t *Tree) recordResult(id string, res *Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok {
		return
	}
	n.Result = res
	t.results[id] = res
	if res.Status == string(NodeCompleted) {
		t.history = append(t.history, id)
	}
}

// firstCompletedByTool returns the earliest completed result produced
// by the named tool, used for {{tool.results}} substitution.
func (t *Tree) firstCompletedByTool(tool string) (*Result, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, id := range t.history {
		r := t.results[id]
		if r != nil && r.Tool == tool {
			return r, true
		}
	}
	return nil, false
}
