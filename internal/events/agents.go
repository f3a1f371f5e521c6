package events

// Agent and story event type constants.
const (
	TypeAgentsSpawnAll = "agents.spawn.all"
	TypeWorkerExited   = "agents.worker.exited"
	TypeStoryAssigned  = "story.assigned"
	TypeSprintReady    = "sprint.ready"
	TypeStoryApproved  = "story.approved"
)

// SpawnAllEvent asks the supervisor to start every active worker of a project.
type SpawnAllEvent struct {
	BaseEvent
}

// NewSpawnAllEvent creates an agents.spawn.all event.
func NewSpawnAllEvent(projectID string) SpawnAllEvent {
	return SpawnAllEvent{BaseEvent: NewBaseEvent(TypeAgentsSpawnAll, projectID)}
}

// WorkerExitedEvent is emitted after a tracked worker process exits and the
// worker has been released.
type WorkerExitedEvent struct {
	BaseEvent
	WorkerID string `json:"worker_id"`
	PID      int    `json:"pid"`
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}

// NewWorkerExitedEvent creates an agents.worker.exited event.
func NewWorkerExitedEvent(projectID, workerID string, pid, exitCode int, err error) WorkerExitedEvent {
	e := WorkerExitedEvent{
		BaseEvent: NewBaseEvent(TypeWorkerExited, projectID),
		WorkerID:  workerID,
		PID:       pid,
		ExitCode:  exitCode,
	}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// StoryAssignedEvent reports a ticket assigned to a worker. TemplateID,
// when set, selects the workflow to run for the ticket.
type StoryAssignedEvent struct {
	BaseEvent
	TicketID   string `json:"ticket_id"`
	WorkerID   string `json:"worker_id,omitempty"`
	TemplateID string `json:"template_id,omitempty"`
}

// NewStoryAssignedEvent creates a story.assigned event.
func NewStoryAssignedEvent(projectID, ticketID, workerID, templateID string) StoryAssignedEvent {
	return StoryAssignedEvent{
		BaseEvent:  NewBaseEvent(TypeStoryAssigned, projectID),
		TicketID:   ticketID,
		WorkerID:   workerID,
		TemplateID: templateID,
	}
}

// SprintReadyEvent reports a sprint ready for planning.
type SprintReadyEvent struct {
	BaseEvent
	SprintID  string   `json:"sprint_id"`
	TicketIDs []string `json:"ticket_ids,omitempty"`
}

// NewSprintReadyEvent creates a sprint.ready event.
func NewSprintReadyEvent(projectID, sprintID string, ticketIDs []string) SprintReadyEvent {
	return SprintReadyEvent{
		BaseEvent: NewBaseEvent(TypeSprintReady, projectID),
		SprintID:  sprintID,
		TicketIDs: ticketIDs,
	}
}

// StoryApprovedEvent reports a human approval. RunID and NodeID are optional;
// without them the ticket's active run and its waiting node are used.
type StoryApprovedEvent struct {
	BaseEvent
	TicketID   string `json:"ticket_id"`
	RunID      string `json:"run_id,omitempty"`
	NodeID     string `json:"node_id,omitempty"`
	ApprovedBy string `json:"approved_by,omitempty"`
}

// NewStoryApprovedEvent creates a story.approved event.
func NewStoryApprovedEvent(projectID, ticketID, runID, nodeID, approvedBy string) StoryApprovedEvent {
	return StoryApprovedEvent{
		BaseEvent:  NewBaseEvent(TypeStoryApproved, projectID),
		TicketID:   ticketID,
		RunID:      runID,
		NodeID:     nodeID,
		ApprovedBy: approvedBy,
	}
}
