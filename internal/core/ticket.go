package core

import "time"

// TicketStatusBacklog is the column failed nodes return their ticket to.
const TicketStatusBacklog = "backlog"

// Ticket is the externally visible work item a run targets.
type Ticket struct {
	ID                 string    `json:"id"`
	ProjectID          string    `json:"project_id"`
	Title              string    `json:"title"`
	AssignedWorker     string    `json:"assigned_worker,omitempty"`
	Status             string    `json:"status"`
	WorkflowNodeStatus string    `json:"workflow_node_status,omitempty"`
	Branch             string    `json:"branch,omitempty"`
	UpdatedAt          time.Time `json:"updated_at"`
}
