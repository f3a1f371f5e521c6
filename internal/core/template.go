package core

import (
	"errors"
	"fmt"
	"time"
)

// KanbanTrigger selects which node lifecycle moment moves the ticket.
type KanbanTrigger string

const (
	KanbanOnStart    KanbanTrigger = "on_start"
	KanbanOnComplete KanbanTrigger = "on_complete"
)

// Node is one step of a workflow template.
type Node struct {
	ID               string        `json:"id" yaml:"id"`
	Role             Role          `json:"role" yaml:"role"`
	RequiresApproval bool          `json:"requires_approval,omitempty" yaml:"requires_approval,omitempty"`
	Description      string        `json:"description,omitempty" yaml:"description,omitempty"`
	NextNodeID       string        `json:"next_node_id,omitempty" yaml:"next_node_id,omitempty"`
	KanbanStatus     string        `json:"kanban_status,omitempty" yaml:"kanban_status,omitempty"`
	KanbanTrigger    KanbanTrigger `json:"kanban_trigger,omitempty" yaml:"kanban_trigger,omitempty"`
}

// EffectiveTrigger returns the kanban trigger, defaulting to on_start.
func (n *Node) EffectiveTrigger() KanbanTrigger {
	if n.KanbanTrigger == "" {
		return KanbanOnStart
	}
	return n.KanbanTrigger
}

// Edge is a declared connection between nodes. Edges are kept for
// presentation; traversal follows Node.NextNodeID.
type Edge struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// WorkflowTemplate is a declarative single-path graph of work nodes.
type WorkflowTemplate struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Nodes       []Node    `json:"nodes" yaml:"nodes"`
	Edges       []Edge    `json:"edges,omitempty" yaml:"edges,omitempty"`
	CreatedAt   time.Time `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"-"`
}

// Node looks up a node by id.
func (t *WorkflowTemplate) Node(id string) (*Node, bool) {
	for i := range t.Nodes {
		if t.Nodes[i].ID == id {
			return &t.Nodes[i], true
		}
	}
	return nil, false
}

// Entry returns the first declared node, or nil for an empty template.
func (t *WorkflowTemplate) Entry() *Node {
	if len(t.Nodes) == 0 {
		return nil
	}
	return &t.Nodes[0]
}

// Next resolves the successor of nodeID. It returns (nil, nil) when the node
// is the last one and a *GraphError when NextNodeID names a missing node.
func (t *WorkflowTemplate) Next(nodeID string) (*Node, error) {
	cur, ok := t.Node(nodeID)
	if !ok {
		return nil, ErrNotFound("node", nodeID)
	}
	if cur.NextNodeID == "" {
		return nil, nil
	}
	next, ok := t.Node(cur.NextNodeID)
	if !ok {
		return nil, &GraphError{TemplateID: t.ID, NodeID: cur.ID, NextNodeID: cur.NextNodeID}
	}
	return next, nil
}

// Validate checks the template structure. Dangling next pointers and edges
// are reported as *GraphError values joined with any other problems.
func (t *WorkflowTemplate) Validate() error {
	if t.ID == "" {
		return ErrValidation(CodeMissingField, "template id is required")
	}
	if len(t.Nodes) == 0 {
		return ErrValidation(CodeEmptyTemplate, fmt.Sprintf("template %s has no nodes", t.ID))
	}

	var errs []error
	seen := make(map[string]bool, len(t.Nodes))
	for _, n := range t.Nodes {
		if n.ID == "" {
			errs = append(errs, ErrValidation(CodeMissingField, "node id is required"))
			continue
		}
		if seen[n.ID] {
			errs = append(errs, ErrValidation(CodeDuplicateNode, fmt.Sprintf("duplicate node id %q", n.ID)))
		}
		seen[n.ID] = true
		if !n.Role.Valid() {
			errs = append(errs, ErrValidation(CodeInvalidRole, fmt.Sprintf("node %s: unknown role %q", n.ID, n.Role)))
		}
		switch n.KanbanTrigger {
		case "", KanbanOnStart, KanbanOnComplete:
		default:
			errs = append(errs, ErrValidation(CodeInvalidTrigger,
				fmt.Sprintf("node %s: kanban_trigger must be on_start or on_complete", n.ID)))
		}
	}
	for _, n := range t.Nodes {
		if n.NextNodeID != "" && !seen[n.NextNodeID] {
			errs = append(errs, &GraphError{TemplateID: t.ID, NodeID: n.ID, NextNodeID: n.NextNodeID})
		}
	}
	for _, e := range t.Edges {
		if !seen[e.From] || !seen[e.To] {
			errs = append(errs, &GraphError{TemplateID: t.ID, NodeID: e.From, NextNodeID: e.To})
		}
	}
	return errors.Join(errs...)
}

// Clone returns a deep copy.
func (t *WorkflowTemplate) Clone() *WorkflowTemplate {
	if t == nil {
		return nil
	}
	c := *t
	c.Nodes = append([]Node(nil), t.Nodes...)
	c.Edges = append([]Edge(nil), t.Edges...)
	return &c
}
