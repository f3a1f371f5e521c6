package core

import "time"

// RunStatus represents the current state of a workflow run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// NodeStatus is the state of a single node execution.
type NodeStatus string

const (
	NodeStatusPending         NodeStatus = "pending"
	NodeStatusRunning         NodeStatus = "running"
	NodeStatusCompleted       NodeStatus = "completed"
	NodeStatusFailed          NodeStatus = "failed"
	NodeStatusWaitingApproval NodeStatus = "waiting_approval"
)

// IsActive reports whether the execution still occupies the run's single path.
func (s NodeStatus) IsActive() bool {
	return s == NodeStatusRunning || s == NodeStatusWaitingApproval
}

// NodeExecution records one visit of a run to a node.
type NodeExecution struct {
	NodeID           string     `json:"node_id"`
	Status           NodeStatus `json:"status"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	WorkerInstanceID string     `json:"worker_instance_id,omitempty"`
	Error            string     `json:"error,omitempty"`
}

// WorkflowRun is one execution of a template against a target.
type WorkflowRun struct {
	ID            string          `json:"id"`
	TemplateID    string          `json:"template_id"`
	ProjectID     string          `json:"project_id"`
	TargetID      string          `json:"target_id,omitempty"`
	Status        RunStatus       `json:"status"`
	CurrentNodeID string          `json:"current_node_id"`
	Executions    []NodeExecution `json:"executions"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ActiveExecution returns the execution in running or waiting_approval, if any.
func (r *WorkflowRun) ActiveExecution() *NodeExecution {
	for i := len(r.Executions) - 1; i >= 0; i-- {
		if r.Executions[i].Status.IsActive() {
			return &r.Executions[i]
		}
	}
	return nil
}

// LatestExecution returns the most recent execution of nodeID.
func (r *WorkflowRun) LatestExecution(nodeID string) *NodeExecution {
	for i := len(r.Executions) - 1; i >= 0; i-- {
		if r.Executions[i].NodeID == nodeID {
			return &r.Executions[i]
		}
	}
	return nil
}

// Clone returns a deep copy.
func (r *WorkflowRun) Clone() *WorkflowRun {
	if r == nil {
		return nil
	}
	c := *r
	c.Executions = make([]NodeExecution, len(r.Executions))
	for i, e := range r.Executions {
		if e.CompletedAt != nil {
			t := *e.CompletedAt
			e.CompletedAt = &t
		}
		c.Executions[i] = e
	}
	return &c
}

// RunFilter narrows run listings. Zero fields match everything.
type RunFilter struct {
	ProjectID  string
	TemplateID string
	TargetID   string
	Status     RunStatus
	Limit      int
}
