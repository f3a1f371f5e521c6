// Package workflow runs workflow templates against targets. A run walks a
// single path of nodes; each node is handed to one reserved worker and the
// run advances when that node is reported complete.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hugo-lorenzo-mato/squads/internal/core"
	"github.com/hugo-lorenzo-mato/squads/internal/events"
	"github.com/hugo-lorenzo-mato/squads/internal/logging"
	"github.com/hugo-lorenzo-mato/squads/internal/protocol"
)

// DanglingEdgePolicy decides what happens when a node points at a node the
// template does not define.
type DanglingEdgePolicy string

const (
	// DanglingFail fails the run and emits workflow.node.failed.
	DanglingFail DanglingEdgePolicy = "fail"
	// DanglingStall logs the problem and leaves the run running.
	DanglingStall DanglingEdgePolicy = "stall"
)

// Publisher is the subset of the event bus the engine emits on.
type Publisher interface {
	Publish(ctx context.Context, e events.Event)
}

// Subscriber is the subset of the event bus the engine listens on.
type Subscriber interface {
	Subscribe(pattern, name string, fn events.Handler) func()
}

// Target identifies what a run works on.
type Target struct {
	ProjectID string
	TargetID  string
}

// EngineConfig holds the engine's collaborators.
type EngineConfig struct {
	Templates core.TemplateStore
	Runs      core.RunStore
	Pool      core.Reserver
	Messenger core.WorkerMessenger
	Bus       Publisher
	Logger    *logging.Logger

	DanglingEdge      DanglingEdgePolicy
	FailOrphanedNodes bool

	// NewID generates run ids. Defaults to random UUIDs.
	NewID func() string
}

// Engine drives workflow runs. Every mutation of a run happens under that
// run's lock; events are published after the lock is released so handlers
// may call back into the engine.
type Engine struct {
	templates core.TemplateStore
	runs      core.RunStore
	pool      core.Reserver
	messenger core.WorkerMessenger
	bus       Publisher
	logger    *logging.Logger
	dangling  DanglingEdgePolicy
	orphans   bool
	newID     func() string

	mu    sync.Mutex
	locks map[string]*runLock
}

type runLock struct {
	mu   sync.Mutex
	refs int
}

// NewEngine creates an engine.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if cfg.DanglingEdge == "" {
		cfg.DanglingEdge = DanglingFail
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Engine{
		templates: cfg.Templates,
		runs:      cfg.Runs,
		pool:      cfg.Pool,
		messenger: cfg.Messenger,
		bus:       cfg.Bus,
		logger:    cfg.Logger.WithComponent("workflow"),
		dangling:  cfg.DanglingEdge,
		orphans:   cfg.FailOrphanedNodes,
		newID:     cfg.NewID,
		locks:     make(map[string]*runLock),
	}
}

func (e *Engine) lock(runID string) func() {
	e.mu.Lock()
	l, ok := e.locks[runID]
	if !ok {
		l = &runLock{}
		e.locks[runID] = l
	}
	l.refs++
	e.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, runID)
		}
		e.mu.Unlock()
	}
}

func (e *Engine) publish(ctx context.Context, evts []events.Event) {
	if e.bus == nil {
		return
	}
	for _, ev := range evts {
		e.bus.Publish(ctx, ev)
	}
}

// Trigger starts a run of templateID for target. Templates without nodes
// are rejected.
func (e *Engine) Trigger(ctx context.Context, templateID string, target Target) (*core.WorkflowRun, error) {
	if target.ProjectID == "" {
		return nil, core.ErrValidation(core.CodeMissingField, "project id is required")
	}
	tmpl, err := e.templates.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	entry := tmpl.Entry()
	if entry == nil {
		return nil, core.ErrValidation(core.CodeEmptyTemplate, "template has no nodes: "+templateID)
	}

	run := &core.WorkflowRun{
		ID:         e.newID(),
		TemplateID: tmpl.ID,
		ProjectID:  target.ProjectID,
		TargetID:   target.TargetID,
		Status:     core.RunStatusRunning,
	}
	unlock := e.lock(run.ID)
	exec := enter(run, entry)
	if err := e.runs.CreateRun(ctx, run); err != nil {
		unlock()
		return nil, fmt.Errorf("creating run: %w", err)
	}
	evts := e.start(ctx, run, entry, exec)
	if err := e.runs.SaveRun(ctx, run); err != nil {
		unlock()
		return nil, fmt.Errorf("saving run %s: %w", run.ID, err)
	}
	out := run.Clone()
	unlock()

	e.logger.WithProject(run.ProjectID).WithRun(run.ID, entry.ID).Info("workflow run started",
		"template_id", tmpl.ID, "target_id", run.TargetID)
	e.publish(ctx, evts)
	return out, nil
}

// enter appends the execution for node and makes it current. Nodes that
// require approval wait and pause the run.
func enter(run *core.WorkflowRun, node *core.Node) *core.NodeExecution {
	ex := core.NodeExecution{
		NodeID:    node.ID,
		Status:    core.NodeStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if node.RequiresApproval {
		ex.Status = core.NodeStatusWaitingApproval
		run.Status = core.RunStatusPaused
	}
	run.CurrentNodeID = node.ID
	run.Executions = append(run.Executions, ex)
	return &run.Executions[len(run.Executions)-1]
}

// start dispatches a freshly entered execution and returns the event
// announcing it.
func (e *Engine) start(ctx context.Context, run *core.WorkflowRun, node *core.Node, ex *core.NodeExecution) []events.Event {
	if ex.Status == core.NodeStatusWaitingApproval {
		e.logger.WithProject(run.ProjectID).WithRun(run.ID, node.ID).Info("node awaiting approval")
		return []events.Event{events.NewNodeApprovalNeededEvent(run, node)}
	}
	e.dispatch(ctx, run, node, ex)
	return []events.Event{events.NewNodeStartedEvent(run, node, ex.WorkerInstanceID)}
}

// dispatch reserves a worker for the node and hands it the node context.
// With no eligible worker the node stays running and unassigned.
func (e *Engine) dispatch(ctx context.Context, run *core.WorkflowRun, node *core.Node, ex *core.NodeExecution) {
	logger := e.logger.WithProject(run.ProjectID).WithRun(run.ID, node.ID)
	if e.pool == nil {
		logger.Warn("no pool configured, node left unassigned")
		return
	}
	w, err := e.pool.Reserve(ctx, run.ProjectID, node.Role)
	if err != nil {
		logger.Error("reserving worker", "role", node.Role, "error", err)
		return
	}
	if w == nil {
		logger.Warn("no eligible worker available, node left unassigned", "role", node.Role)
		return
	}
	ex.WorkerInstanceID = w.ID
	logger.Info("node assigned", "worker_id", w.ID, "role", node.Role)
	e.notify(w.ID, protocol.NodeAssignment(run, node), logger)
}

// notify injects msg into the worker, then wakes it.
func (e *Engine) notify(workerID string, msg protocol.Message, logger *logging.Logger) {
	if e.messenger == nil {
		return
	}
	for _, line := range msg.Lines() {
		if !e.messenger.Inject(workerID, line) {
			logger.Warn("worker has no running process, node context not delivered", "worker_id", workerID)
			break
		}
	}
	if err := e.messenger.SignalWorker(workerID); err != nil {
		logger.Warn("waking worker", "worker_id", workerID, "error", err)
	}
}

// ExecuteNode retries assignment of a running node that has no worker.
// A node that already has one is left alone.
func (e *Engine) ExecuteNode(ctx context.Context, runID, nodeID string) error {
	evts, err := e.update(ctx, runID, func(run *core.WorkflowRun, tmpl *core.WorkflowTemplate) ([]events.Event, bool, error) {
		if run.Status.IsTerminal() {
			return nil, false, core.ErrState(core.CodeRunTerminal, "run is "+string(run.Status))
		}
		ex := run.LatestExecution(nodeID)
		if ex == nil || ex.Status != core.NodeStatusRunning {
			return nil, false, core.ErrState(core.CodeNodeNotActive, "node is not running: "+nodeID)
		}
		if ex.WorkerInstanceID != "" {
			return nil, false, nil
		}
		node, ok := tmpl.Node(nodeID)
		if !ok {
			return nil, false, core.ErrNotFound("node", nodeID)
		}
		e.dispatch(ctx, run, node, ex)
		if ex.WorkerInstanceID == "" {
			return nil, false, nil
		}
		return []events.Event{events.NewNodeStartedEvent(run, node, ex.WorkerInstanceID)}, true, nil
	})
	if err != nil {
		return err
	}
	e.publish(ctx, evts)
	return nil
}

// update runs fn on the current state of a run under its lock and saves the
// run when fn reports a change, even if fn also returns an error.
func (e *Engine) update(ctx context.Context, runID string,
	fn func(*core.WorkflowRun, *core.WorkflowTemplate) ([]events.Event, bool, error),
) ([]events.Event, error) {
	unlock := e.lock(runID)
	defer unlock()

	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	tmpl, err := e.templates.GetTemplate(ctx, run.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("loading template of run %s: %w", runID, err)
	}
	evts, dirty, fnErr := fn(run, tmpl)
	if dirty {
		if err := e.runs.SaveRun(ctx, run); err != nil {
			return nil, fmt.Errorf("saving run %s: %w", runID, err)
		}
	}
	return evts, fnErr
}

// Complete marks nodeID of a run completed and moves the run on. Completing
// a node that is already completed is a no-op.
func (e *Engine) Complete(ctx context.Context, runID, nodeID string) error {
	evts, err := e.update(ctx, runID, func(run *core.WorkflowRun, tmpl *core.WorkflowTemplate) ([]events.Event, bool, error) {
		ex := run.LatestExecution(nodeID)
		if ex != nil && ex.Status == core.NodeStatusCompleted {
			return nil, false, nil
		}
		if run.Status.IsTerminal() {
			return nil, false, core.ErrState(core.CodeRunTerminal, "run is "+string(run.Status))
		}
		if ex == nil || ex.Status != core.NodeStatusRunning {
			return nil, false, core.ErrState(core.CodeNodeNotActive, "node is not running: "+nodeID)
		}
		return e.advanceFrom(ctx, run, tmpl, ex)
	})
	e.publish(ctx, evts)
	return err
}

// Advance completes the current running node of a run and moves on. Paused
// runs only move through Approve.
func (e *Engine) Advance(ctx context.Context, runID string) error {
	evts, err := e.update(ctx, runID, func(run *core.WorkflowRun, tmpl *core.WorkflowTemplate) ([]events.Event, bool, error) {
		switch {
		case run.Status.IsTerminal():
			return nil, false, core.ErrState(core.CodeRunTerminal, "run is "+string(run.Status))
		case run.Status == core.RunStatusPaused:
			return nil, false, core.ErrState(core.CodeInvalidState, "run is paused awaiting approval")
		}
		ex := run.ActiveExecution()
		if ex == nil {
			return nil, false, core.ErrState(core.CodeNodeNotActive, "run has no running node")
		}
		return e.advanceFrom(ctx, run, tmpl, ex)
	})
	e.publish(ctx, evts)
	return err
}

// Approve releases a node waiting for approval in a paused run. It is the
// only way a paused run resumes.
func (e *Engine) Approve(ctx context.Context, runID, nodeID string) error {
	evts, err := e.update(ctx, runID, func(run *core.WorkflowRun, tmpl *core.WorkflowTemplate) ([]events.Event, bool, error) {
		if run.Status.IsTerminal() {
			return nil, false, core.ErrState(core.CodeRunTerminal, "run is "+string(run.Status))
		}
		ex := run.LatestExecution(nodeID)
		if run.Status != core.RunStatusPaused || ex == nil || ex.Status != core.NodeStatusWaitingApproval {
			return nil, false, core.ErrState(core.CodeNotAwaiting, "node is not awaiting approval: "+nodeID)
		}
		run.Status = core.RunStatusRunning
		e.logger.WithProject(run.ProjectID).WithRun(run.ID, nodeID).Info("node approved")
		return e.advanceFrom(ctx, run, tmpl, ex)
	})
	e.publish(ctx, evts)
	return err
}

// advanceFrom completes ex and enters the next node, if any. The departing
// worker is released before the next reservation, and also when the run
// completes so it can take other work.
func (e *Engine) advanceFrom(ctx context.Context, run *core.WorkflowRun, tmpl *core.WorkflowTemplate,
	ex *core.NodeExecution,
) ([]events.Event, bool, error) {
	node, ok := tmpl.Node(ex.NodeID)
	if !ok {
		return nil, false, core.ErrNotFound("node", ex.NodeID)
	}
	next, err := tmpl.Next(ex.NodeID)
	var graphErr *core.GraphError
	if errors.As(err, &graphErr) {
		return e.danglingEdge(ctx, run, node, ex, graphErr)
	}
	if err != nil {
		return nil, false, err
	}

	now := time.Now().UTC()
	ex.Status = core.NodeStatusCompleted
	ex.CompletedAt = &now
	departing := ex.WorkerInstanceID
	logger := e.logger.WithProject(run.ProjectID).WithRun(run.ID, node.ID)

	evts := []events.Event{events.NewNodeCompletedEvent(run, node, departing)}
	e.release(ctx, departing, logger)

	if next == nil {
		run.Status = core.RunStatusCompleted
		logger.Info("workflow run completed")
		return evts, true, nil
	}
	nextEx := enter(run, next)
	return append(evts, e.start(ctx, run, next, nextEx)...), true, nil
}

func (e *Engine) danglingEdge(ctx context.Context, run *core.WorkflowRun, node *core.Node,
	ex *core.NodeExecution, graphErr *core.GraphError,
) ([]events.Event, bool, error) {
	logger := e.logger.WithProject(run.ProjectID).WithRun(run.ID, node.ID)
	if e.dangling == DanglingStall {
		logger.Error("next node missing, run left in place", "next_node_id", graphErr.NextNodeID)
		return nil, false, graphErr
	}

	reason := graphErr.Error()
	e.failExecution(ctx, run, ex, reason, logger)
	logger.Error("next node missing, run failed", "next_node_id", graphErr.NextNodeID)
	return []events.Event{events.NewNodeFailedEvent(run, node, reason)}, true, nil
}

func (e *Engine) failExecution(ctx context.Context, run *core.WorkflowRun, ex *core.NodeExecution, reason string, logger *logging.Logger) {
	now := time.Now().UTC()
	ex.Status = core.NodeStatusFailed
	ex.CompletedAt = &now
	ex.Error = reason
	run.Status = core.RunStatusFailed
	run.Error = reason
	e.release(ctx, ex.WorkerInstanceID, logger)
}

func (e *Engine) release(ctx context.Context, workerID string, logger *logging.Logger) {
	if workerID == "" || e.pool == nil {
		return
	}
	if err := e.pool.Release(ctx, workerID); err != nil {
		logger.Warn("releasing worker", "worker_id", workerID, "error", err)
	}
}

// Fail marks the node and its run failed and releases the node's worker.
// Failed runs are terminal; nothing else is compensated. Failing an already
// failed node is a no-op.
func (e *Engine) Fail(ctx context.Context, runID, nodeID, reason string) error {
	evts, err := e.update(ctx, runID, func(run *core.WorkflowRun, tmpl *core.WorkflowTemplate) ([]events.Event, bool, error) {
		ex := run.LatestExecution(nodeID)
		if run.Status == core.RunStatusFailed && ex != nil && ex.Status == core.NodeStatusFailed {
			return nil, false, nil
		}
		if run.Status.IsTerminal() {
			return nil, false, core.ErrState(core.CodeRunTerminal, "run is "+string(run.Status))
		}
		if ex == nil || !ex.Status.IsActive() {
			return nil, false, core.ErrState(core.CodeNodeNotActive, "node is not active: "+nodeID)
		}
		if reason == "" {
			reason = "node failed"
		}
		logger := e.logger.WithProject(run.ProjectID).WithRun(run.ID, nodeID)
		e.failExecution(ctx, run, ex, reason, logger)
		logger.Warn("workflow run failed", "reason", reason)
		node, ok := tmpl.Node(nodeID)
		if !ok {
			node = &core.Node{ID: nodeID}
		}
		return []events.Event{events.NewNodeFailedEvent(run, node, reason)}, true, nil
	})
	e.publish(ctx, evts)
	return err
}

// Get returns a run.
func (e *Engine) Get(ctx context.Context, runID string) (*core.WorkflowRun, error) {
	return e.runs.GetRun(ctx, runID)
}

// List returns runs matching filter, newest first.
func (e *Engine) List(ctx context.Context, filter core.RunFilter) ([]*core.WorkflowRun, error) {
	return e.runs.ListRuns(ctx, filter)
}

// ActiveRunFor returns the newest non-terminal run targeting targetID, or
// nil when there is none.
func (e *Engine) ActiveRunFor(ctx context.Context, projectID, targetID string) (*core.WorkflowRun, error) {
	runs, err := e.runs.ListRuns(ctx, core.RunFilter{ProjectID: projectID, TargetID: targetID})
	if err != nil {
		return nil, err
	}
	for _, r := range runs {
		if !r.Status.IsTerminal() {
			return r, nil
		}
	}
	return nil, nil
}
