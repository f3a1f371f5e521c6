// Package dispatch turns inbound domain events (assignments, sprints,
// approvals, provider webhooks, chat) into actions on workers and runs.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/squads/internal/core"
	"github.com/hugo-lorenzo-mato/squads/internal/events"
	"github.com/hugo-lorenzo-mato/squads/internal/logging"
	"github.com/hugo-lorenzo-mato/squads/internal/protocol"
	"github.com/hugo-lorenzo-mato/squads/internal/workflow"
)

// Runs is the part of the run engine the dispatcher drives.
type Runs interface {
	Trigger(ctx context.Context, templateID string, target workflow.Target) (*core.WorkflowRun, error)
	Approve(ctx context.Context, runID, nodeID string) error
	Get(ctx context.Context, runID string) (*core.WorkflowRun, error)
	ActiveRunFor(ctx context.Context, projectID, targetID string) (*core.WorkflowRun, error)
}

// Spawner starts worker processes.
type Spawner interface {
	Spawn(ctx context.Context, w *core.WorkerInstance, extraEnv ...string) error
}

// Bus publishes and subscribes events.
type Bus interface {
	Publish(ctx context.Context, e events.Event)
	Subscribe(pattern, name string, fn events.Handler) func()
}

// Config holds dispatcher collaborators and settings.
type Config struct {
	Workers   core.WorkerStore
	Tickets   core.TicketStore
	Pool      core.Reserver
	Messenger core.WorkerMessenger
	Spawner   Spawner
	Runs      Runs
	Bus       Bus
	Branches  *BranchMatcher
	Logger    *logging.Logger

	SpawnConcurrency int
	DefaultTemplate  string
}

// Dispatcher reacts to inbound events.
type Dispatcher struct {
	cfg    Config
	logger *logging.Logger
}

// New creates a dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if cfg.SpawnConcurrency <= 0 {
		cfg.SpawnConcurrency = 4
	}
	return &Dispatcher{cfg: cfg, logger: cfg.Logger.WithComponent("dispatch")}
}

// Subscribe registers every reaction on the bus.
func (d *Dispatcher) Subscribe() func() {
	bus := d.cfg.Bus
	unsubs := []func(){
		bus.Subscribe(events.TypeAgentsSpawnAll, "dispatch", d.onSpawnAll),
		bus.Subscribe(events.TypeStoryAssigned, "dispatch", d.onStoryAssigned),
		bus.Subscribe(events.TypeSprintReady, "dispatch", d.onSprintReady),
		bus.Subscribe(events.TypeStoryApproved, "dispatch", d.onStoryApproved),
		bus.Subscribe(events.PatternPROpened, "dispatch", d.onPROpened),
		bus.Subscribe(events.PatternPRMerged, "dispatch", d.onPRMerged),
		bus.Subscribe(events.PatternPRComment, "dispatch", d.onPRComment),
		bus.Subscribe(events.PatternMessageReceived, "dispatch", d.onMessageReceived),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// SpawnAll starts every active worker of a project, a few at a time.
func (d *Dispatcher) SpawnAll(ctx context.Context, projectID string) error {
	workers, err := d.cfg.Workers.ListWorkers(ctx, core.WorkerFilter{ProjectID: projectID, ActiveOnly: true})
	if err != nil {
		return fmt.Errorf("listing workers of %s: %w", projectID, err)
	}
	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(d.cfg.SpawnConcurrency)
	for _, w := range workers {
		g.Go(func() error {
			if err := d.cfg.Spawner.Spawn(ctx, w); err != nil {
				d.logger.WithProject(projectID).WithWorker(w.ID).Error("spawning worker", "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("worker %s: %w", w.ID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	d.logger.WithProject(projectID).Info("spawn all finished", "workers", len(workers), "failed", len(errs))
	return errors.Join(errs...)
}

func (d *Dispatcher) onSpawnAll(ctx context.Context, ev events.Event) error {
	return d.SpawnAll(ctx, ev.ProjectID())
}

func (d *Dispatcher) onStoryAssigned(ctx context.Context, ev events.Event) error {
	e, ok := ev.(events.StoryAssignedEvent)
	if !ok {
		return unexpected(ev)
	}
	logger := d.logger.WithProject(e.ProjectID()).With("ticket_id", e.TicketID)

	ticket, err := d.cfg.Tickets.GetTicket(ctx, e.TicketID)
	switch {
	case core.IsNotFound(err):
		ticket = &core.Ticket{ID: e.TicketID, ProjectID: e.ProjectID()}
	case err != nil:
		return err
	}
	ticket.AssignedWorker = e.WorkerID
	if err := d.cfg.Tickets.SaveTicket(ctx, ticket); err != nil {
		return fmt.Errorf("recording assignment of %s: %w", e.TicketID, err)
	}

	templateID := e.TemplateID
	if templateID == "" {
		templateID = d.cfg.DefaultTemplate
	}
	if templateID != "" {
		run, err := d.cfg.Runs.Trigger(ctx, templateID, workflow.Target{ProjectID: e.ProjectID(), TargetID: e.TicketID})
		if err != nil {
			return fmt.Errorf("starting %s for %s: %w", templateID, e.TicketID, err)
		}
		logger.Info("story workflow started", "run_id", run.ID, "template_id", templateID)
		return nil
	}
	if e.WorkerID == "" {
		logger.Warn("story assigned without worker or template")
		return nil
	}
	d.deliver(e.WorkerID, protocol.StoryAssignment(e.TicketID), logger)
	return nil
}

func (d *Dispatcher) onSprintReady(ctx context.Context, ev events.Event) error {
	e, ok := ev.(events.SprintReadyEvent)
	if !ok {
		return unexpected(ev)
	}
	logger := d.logger.WithProject(e.ProjectID()).With("sprint_id", e.SprintID)
	w, err := d.cfg.Pool.Reserve(ctx, e.ProjectID(), core.RolePM)
	if err != nil {
		return err
	}
	if w == nil {
		logger.Warn("no pm worker available for sprint")
		return nil
	}
	msg := protocol.SprintReady(e.SprintID)
	for _, id := range e.TicketIDs {
		msg = append(msg, protocol.StoryAssignment(id)...)
	}
	d.deliverReserved(ctx, w.ID, msg, logger)
	return nil
}

func (d *Dispatcher) onStoryApproved(ctx context.Context, ev events.Event) error {
	e, ok := ev.(events.StoryApprovedEvent)
	if !ok {
		return unexpected(ev)
	}
	logger := d.logger.WithProject(e.ProjectID()).With("ticket_id", e.TicketID)

	var run *core.WorkflowRun
	var err error
	if e.RunID != "" {
		run, err = d.cfg.Runs.Get(ctx, e.RunID)
	} else {
		run, err = d.cfg.Runs.ActiveRunFor(ctx, e.ProjectID(), e.TicketID)
	}
	if err != nil {
		return err
	}
	if run == nil {
		logger.Warn("approval for ticket without an active run")
		return nil
	}
	nodeID := e.NodeID
	if nodeID == "" {
		ex := run.ActiveExecution()
		if ex == nil || ex.Status != core.NodeStatusWaitingApproval {
			logger.Warn("approval for run not awaiting approval", "run_id", run.ID)
			return nil
		}
		nodeID = ex.NodeID
	}
	if err := d.cfg.Runs.Approve(ctx, run.ID, nodeID); err != nil {
		return err
	}
	logger.Info("story approved", "run_id", run.ID, "node_id", nodeID, "approved_by", e.ApprovedBy)
	return nil
}

func (d *Dispatcher) onPROpened(ctx context.Context, ev events.Event) error {
	e, ok := ev.(events.PullRequestEvent)
	if !ok {
		return unexpected(ev)
	}
	logger := d.logger.WithProject(e.ProjectID()).With("provider", e.Provider, "pr", e.Number)
	w, err := d.cfg.Pool.Reserve(ctx, e.ProjectID(), core.RoleReviewer)
	if err != nil {
		return err
	}
	if w == nil {
		logger.Warn("no reviewer available for change request")
		return nil
	}
	msg := protocol.ReviewRequest(e.Title, e.URL)
	if ticketID := d.cfg.Branches.TicketID(e.SourceBranch); ticketID != "" {
		msg = append(msg, protocol.StoryAssignment(ticketID)...)
	}
	d.deliverReserved(ctx, w.ID, msg, logger)
	return nil
}

// onPRMerged reports the ticket's running node complete, which moves its
// run on through the normal completion path.
func (d *Dispatcher) onPRMerged(ctx context.Context, ev events.Event) error {
	e, ok := ev.(events.PullRequestEvent)
	if !ok {
		return unexpected(ev)
	}
	logger := d.logger.WithProject(e.ProjectID()).With("provider", e.Provider, "pr", e.Number)
	ticketID := d.cfg.Branches.TicketID(e.SourceBranch)
	if ticketID == "" {
		logger.Debug("merged branch names no ticket", "branch", e.SourceBranch)
		return nil
	}
	run, err := d.cfg.Runs.ActiveRunFor(ctx, e.ProjectID(), ticketID)
	if err != nil {
		return err
	}
	if run == nil {
		logger.Debug("merged ticket has no active run", "ticket_id", ticketID)
		return nil
	}
	ex := run.ActiveExecution()
	if ex == nil || ex.Status != core.NodeStatusRunning {
		logger.Info("merge ignored, run is not on a running node", "run_id", run.ID, "ticket_id", ticketID)
		return nil
	}
	d.cfg.Bus.Publish(ctx, events.NodeCompletionReport(e.ProjectID(), run.ID, ex.NodeID))
	return nil
}

func (d *Dispatcher) onPRComment(ctx context.Context, ev events.Event) error {
	e, ok := ev.(events.PRCommentEvent)
	if !ok {
		return unexpected(ev)
	}
	logger := d.logger.WithProject(e.ProjectID()).With("provider", e.Provider, "pr", e.Number)
	ticketID := d.cfg.Branches.TicketID(e.Branch)
	if ticketID == "" {
		logger.Debug("comment branch names no ticket", "branch", e.Branch)
		return nil
	}
	workerID, err := d.assignee(ctx, ticketID)
	if err != nil {
		return err
	}
	if workerID == "" {
		logger.Warn("comment on ticket with no assigned worker", "ticket_id", ticketID)
		return nil
	}
	d.deliver(workerID, protocol.PRComment(e.URL, e.Author, e.Body), logger)
	return nil
}

// onMessageReceived routes a chat message to the named worker, else the
// ticket's assignee, else any free pm.
func (d *Dispatcher) onMessageReceived(ctx context.Context, ev events.Event) error {
	e, ok := ev.(events.MessageReceivedEvent)
	if !ok {
		return unexpected(ev)
	}
	logger := d.logger.WithProject(e.ProjectID()).With("provider", e.Provider, "channel", e.Channel)

	workerID := e.TargetWorkerID
	reserved := false
	if workerID == "" && e.TicketID != "" {
		id, err := d.assignee(ctx, e.TicketID)
		if err != nil {
			return err
		}
		workerID = id
	}
	if workerID == "" {
		w, err := d.cfg.Pool.Reserve(ctx, e.ProjectID(), core.RolePM)
		if err != nil {
			return err
		}
		if w == nil {
			logger.Warn("no worker available for message")
			return nil
		}
		workerID = w.ID
		reserved = true
	}

	var thread any
	if len(e.Thread) > 0 {
		thread = e.Thread
	}
	msg, err := protocol.UserMessage(e.Text, thread)
	if err != nil {
		return err
	}
	if reserved {
		d.deliverReserved(ctx, workerID, msg, logger)
	} else {
		d.deliver(workerID, msg, logger)
	}
	return nil
}

func (d *Dispatcher) assignee(ctx context.Context, ticketID string) (string, error) {
	t, err := d.cfg.Tickets.GetTicket(ctx, ticketID)
	if core.IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return t.AssignedWorker, nil
}

// deliver injects msg and wakes the worker. It reports false when the
// worker has no running process.
func (d *Dispatcher) deliver(workerID string, msg protocol.Message, logger *logging.Logger) bool {
	for _, line := range msg.Lines() {
		if !d.cfg.Messenger.Inject(workerID, line) {
			logger.Warn("worker has no running process, message dropped", "worker_id", workerID)
			return false
		}
	}
	if err := d.cfg.Messenger.SignalWorker(workerID); err != nil {
		logger.Warn("waking worker", "worker_id", workerID, "error", err)
	}
	return true
}

// deliverReserved is deliver for a worker reserved just for msg; an
// undeliverable message hands the worker back.
func (d *Dispatcher) deliverReserved(ctx context.Context, workerID string, msg protocol.Message, logger *logging.Logger) {
	if d.deliver(workerID, msg, logger) {
		return
	}
	if err := d.cfg.Pool.Release(ctx, workerID); err != nil {
		logger.Warn("releasing worker", "worker_id", workerID, "error", err)
	}
}

func unexpected(ev events.Event) error {
	return fmt.Errorf("unexpected payload %T for %s", ev, ev.EventType())
}
