package workflow

import (
	"context"
	"fmt"

	"github.com/hugo-lorenzo-mato/squads/internal/core"
	"github.com/hugo-lorenzo-mato/squads/internal/events"
)

// Subscribe wires the engine to the bus. Inbound completion and failure
// reports are validated here; accepted ones are announced again with the
// node attached, which is what observers such as the ticket bridge follow.
func (e *Engine) Subscribe(bus Subscriber) func() {
	unsubs := []func(){
		bus.Subscribe(events.TypeNodeCompleted, "workflow.engine", e.onNodeCompleted),
		bus.Subscribe(events.TypeNodeFailed, "workflow.engine", e.onNodeFailed),
		bus.Subscribe(events.TypeWorkflowAdvance, "workflow.engine", e.onAdvance),
		bus.Subscribe(events.TypeWorkerExited, "workflow.engine", e.onWorkerExited),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// onNodeCompleted handles completion reports. Events carrying a node are
// the engine's own announcements coming back and are skipped.
func (e *Engine) onNodeCompleted(ctx context.Context, ev events.Event) error {
	ne, ok := ev.(events.NodeEvent)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", ev, ev.EventType())
	}
	if ne.Node != nil {
		return nil
	}
	return e.Complete(ctx, ne.RunID, ne.NodeID)
}

func (e *Engine) onNodeFailed(ctx context.Context, ev events.Event) error {
	ne, ok := ev.(events.NodeEvent)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", ev, ev.EventType())
	}
	if ne.Node != nil {
		return nil
	}
	return e.Fail(ctx, ne.RunID, ne.NodeID, ne.Error)
}

func (e *Engine) onAdvance(ctx context.Context, ev events.Event) error {
	ae, ok := ev.(events.AdvanceEvent)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", ev, ev.EventType())
	}
	return e.Advance(ctx, ae.RunID)
}

// onWorkerExited fails the running node a dead worker was holding, when
// configured to. Otherwise such nodes stay running until someone reports.
func (e *Engine) onWorkerExited(ctx context.Context, ev events.Event) error {
	if !e.orphans {
		return nil
	}
	we, ok := ev.(events.WorkerExitedEvent)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", ev, ev.EventType())
	}
	runs, err := e.runs.ListRuns(ctx, core.RunFilter{ProjectID: we.ProjectID(), Status: core.RunStatusRunning})
	if err != nil {
		return err
	}
	for _, run := range runs {
		ex := run.ActiveExecution()
		if ex == nil || ex.Status != core.NodeStatusRunning || ex.WorkerInstanceID != we.WorkerID {
			continue
		}
		reason := fmt.Sprintf("worker %s exited with code %d", we.WorkerID, we.ExitCode)
		if err := e.Fail(ctx, run.ID, ex.NodeID, reason); err != nil {
			e.logger.WithRun(run.ID, ex.NodeID).Warn("failing orphaned node", "error", err)
		}
	}
	return nil
}
