package events

import "github.com/hugo-lorenzo-mato/squads/internal/core"

// Workflow run event type constants.
const (
	TypeNodeStarted        = "workflow.node.started"
	TypeNodeCompleted      = "workflow.node.completed"
	TypeNodeFailed         = "workflow.node.failed"
	TypeNodeApprovalNeeded = "workflow.node.approval_needed"
	TypeWorkflowAdvance    = "workflow.advance"
)

// NodeEvent reports a node lifecycle change within a run. Node is set when
// the run engine emits the event; inbound events from workers and
// collaborators usually carry only RunID and NodeID.
type NodeEvent struct {
	BaseEvent
	RunID      string     `json:"run_id"`
	TemplateID string     `json:"template_id,omitempty"`
	TargetID   string     `json:"target_id,omitempty"`
	NodeID     string     `json:"node_id"`
	Node       *core.Node `json:"node,omitempty"`
	WorkerID   string     `json:"worker_id,omitempty"`
	Error      string     `json:"error,omitempty"`
}

func newNodeEvent(typ string, run *core.WorkflowRun, node *core.Node) NodeEvent {
	n := *node
	return NodeEvent{
		BaseEvent:  NewBaseEvent(typ, run.ProjectID),
		RunID:      run.ID,
		TemplateID: run.TemplateID,
		TargetID:   run.TargetID,
		NodeID:     node.ID,
		Node:       &n,
	}
}

// NewNodeStartedEvent creates a node started event carrying the node definition.
func NewNodeStartedEvent(run *core.WorkflowRun, node *core.Node, workerID string) NodeEvent {
	e := newNodeEvent(TypeNodeStarted, run, node)
	e.WorkerID = workerID
	return e
}

// NewNodeApprovalNeededEvent creates an approval needed event.
func NewNodeApprovalNeededEvent(run *core.WorkflowRun, node *core.Node) NodeEvent {
	return newNodeEvent(TypeNodeApprovalNeeded, run, node)
}

// NewNodeCompletedEvent creates a node completed event for run and node.
func NewNodeCompletedEvent(run *core.WorkflowRun, node *core.Node, workerID string) NodeEvent {
	e := newNodeEvent(TypeNodeCompleted, run, node)
	e.WorkerID = workerID
	return e
}

// NewNodeFailedEvent creates a node failed event.
func NewNodeFailedEvent(run *core.WorkflowRun, node *core.Node, reason string) NodeEvent {
	e := newNodeEvent(TypeNodeFailed, run, node)
	e.Error = reason
	return e
}

// NodeCompletionReport is what a worker or collaborator publishes when it
// finishes (or gives up on) a node. Only run and node ids are known.
func NodeCompletionReport(projectID, runID, nodeID string) NodeEvent {
	return NodeEvent{BaseEvent: NewBaseEvent(TypeNodeCompleted, projectID), RunID: runID, NodeID: nodeID}
}

// NodeFailureReport is the inbound counterpart of NewNodeFailedEvent.
func NodeFailureReport(projectID, runID, nodeID, reason string) NodeEvent {
	return NodeEvent{BaseEvent: NewBaseEvent(TypeNodeFailed, projectID), RunID: runID, NodeID: nodeID, Error: reason}
}

// AdvanceEvent asks the engine to complete the current node of a run and move on.
type AdvanceEvent struct {
	BaseEvent
	RunID string `json:"run_id"`
}

// NewAdvanceEvent creates a workflow.advance event.
func NewAdvanceEvent(projectID, runID string) AdvanceEvent {
	return AdvanceEvent{BaseEvent: NewBaseEvent(TypeWorkflowAdvance, projectID), RunID: runID}
}
