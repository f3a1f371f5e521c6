package core

import "context"

// =============================================================================
// Storage ports
// =============================================================================

// WorkerFilter narrows worker listings. Zero fields match everything.
type WorkerFilter struct {
	ProjectID  string
	Status     WorkerStatus
	ActiveOnly bool
}

// WorkerStore persists worker instances.
type WorkerStore interface {
	CreateWorker(ctx context.Context, w *WorkerInstance) error
	GetWorker(ctx context.Context, id string) (*WorkerInstance, error)
	ListWorkers(ctx context.Context, filter WorkerFilter) ([]*WorkerInstance, error)

	// CompareAndSwapStatus moves the worker from one status to another only if
	// it is currently in from. It must be a single atomic conditional update
	// against the backing store; it reports whether the swap happened.
	CompareAndSwapStatus(ctx context.Context, id string, from, to WorkerStatus) (bool, error)

	SetWorkerStatus(ctx context.Context, id string, status WorkerStatus) error
	SetWorkerPID(ctx context.Context, id string, pid *int) error
	DeactivateWorker(ctx context.Context, id string) error
}

// TemplateStore persists workflow templates.
type TemplateStore interface {
	SaveTemplate(ctx context.Context, t *WorkflowTemplate) error
	GetTemplate(ctx context.Context, id string) (*WorkflowTemplate, error)
	ListTemplates(ctx context.Context) ([]*WorkflowTemplate, error)
}

// RunStore persists workflow runs.
type RunStore interface {
	CreateRun(ctx context.Context, r *WorkflowRun) error
	SaveRun(ctx context.Context, r *WorkflowRun) error
	GetRun(ctx context.Context, id string) (*WorkflowRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*WorkflowRun, error)
}

// TicketStore persists the tickets runs target.
type TicketStore interface {
	SaveTicket(ctx context.Context, t *Ticket) error
	GetTicket(ctx context.Context, id string) (*Ticket, error)
	ListTickets(ctx context.Context, projectID string) ([]*Ticket, error)
	MoveTicket(ctx context.Context, id, status string) error
	AnnotateTicket(ctx context.Context, id, annotation string) error
}

// LogSink receives worker output lines.
type LogSink interface {
	WriteWorkerLog(ctx context.Context, line WorkerLogLine) error
}

// LogReader returns the most recent output lines of a worker, oldest first.
type LogReader interface {
	ListWorkerLogs(ctx context.Context, workerID string, limit int) ([]WorkerLogLine, error)
}

// Store aggregates every persistence port behind one backend.
type Store interface {
	WorkerStore
	TemplateStore
	RunStore
	TicketStore
	LogSink
	LogReader
	Close() error
}

// =============================================================================
// Collaborator ports
// =============================================================================

// Reserver hands out idle workers for a role.
type Reserver interface {
	Reserve(ctx context.Context, projectID string, role Role) (*WorkerInstance, error)
	Release(ctx context.Context, workerID string) error
}

// WorkerMessenger feeds input to live workers and wakes them.
type WorkerMessenger interface {
	Inject(workerID, line string) bool
	SignalWorker(workerID string) error
}
