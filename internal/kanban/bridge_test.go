package kanban

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/squads/internal/adapters/state"
	"github.com/hugo-lorenzo-mato/squads/internal/core"
	"github.com/hugo-lorenzo-mato/squads/internal/events"
	"github.com/hugo-lorenzo-mato/squads/internal/logging"
	"github.com/hugo-lorenzo-mato/squads/internal/pool"
	"github.com/hugo-lorenzo-mato/squads/internal/workflow"
)

// mockTicketStore records moves in order and can fail on demand.
type mockTicketStore struct {
	core.TicketStore
	mu      sync.Mutex
	moves   []string
	notes   []string
	moveErr error
}

func (m *mockTicketStore) MoveTicket(ctx context.Context, id, status string) error {
	m.mu.Lock()
	m.moves = append(m.moves, id+"->"+status)
	err := m.moveErr
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.TicketStore.MoveTicket(ctx, id, status)
}

func (m *mockTicketStore) AnnotateTicket(ctx context.Context, id, note string) error {
	m.mu.Lock()
	m.notes = append(m.notes, note)
	m.mu.Unlock()
	return m.TicketStore.AnnotateTicket(ctx, id, note)
}

type fixture struct {
	store   *state.MemoryStore
	tickets *mockTicketStore
	bridge  *Bridge
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := state.NewMemoryStore()
	tickets := &mockTicketStore{TicketStore: store}
	require.NoError(t, store.SaveTicket(context.Background(), &core.Ticket{ID: "SQ-1", ProjectID: "alpha"}))
	return &fixture{
		store:   store,
		tickets: tickets,
		bridge:  NewBridge(BridgeConfig{Tickets: tickets, Logger: logging.NewNop()}),
	}
}

func (f *fixture) ticket(t *testing.T) *core.Ticket {
	t.Helper()
	tk, err := f.store.GetTicket(context.Background(), "SQ-1")
	require.NoError(t, err)
	return tk
}

func testRun() *core.WorkflowRun {
	return &core.WorkflowRun{ID: "run-1", TemplateID: "feature", ProjectID: "alpha", TargetID: "SQ-1"}
}

func TestHandle_OnStartMovesOnStart(t *testing.T) {
	f := newFixture(t)
	node := &core.Node{ID: "build", KanbanStatus: "in_progress"}

	require.NoError(t, f.bridge.Handle(context.Background(), events.NewNodeStartedEvent(testRun(), node, "dev-1")))
	tk := f.ticket(t)
	assert.Equal(t, "in_progress", tk.Status)
	assert.Equal(t, "build: running on dev-1", tk.WorkflowNodeStatus)

	require.NoError(t, f.bridge.Handle(context.Background(), events.NewNodeCompletedEvent(testRun(), node, "dev-1")))
	assert.Equal(t, []string{"SQ-1->in_progress"}, f.tickets.moves)
	assert.Equal(t, "build: completed", f.ticket(t).WorkflowNodeStatus)
}

func TestHandle_OnCompleteDoesNotMoveOnStart(t *testing.T) {
	f := newFixture(t)
	node := &core.Node{ID: "review", KanbanStatus: "done", KanbanTrigger: core.KanbanOnComplete}

	require.NoError(t, f.bridge.Handle(context.Background(), events.NewNodeStartedEvent(testRun(), node, "")))
	tk := f.ticket(t)
	assert.Equal(t, core.TicketStatusBacklog, tk.Status)
	assert.Equal(t, "review: running", tk.WorkflowNodeStatus)
	assert.Empty(t, f.tickets.moves)

	require.NoError(t, f.bridge.Handle(context.Background(), events.NewNodeCompletedEvent(testRun(), node, "")))
	assert.Equal(t, "done", f.ticket(t).Status)
}

func TestHandle_NodeWithoutStatusOnlyAnnotates(t *testing.T) {
	f := newFixture(t)
	node := &core.Node{ID: "think"}
	require.NoError(t, f.bridge.Handle(context.Background(), events.NewNodeStartedEvent(testRun(), node, "")))
	assert.Empty(t, f.tickets.moves)
	assert.Equal(t, "think: running", f.ticket(t).WorkflowNodeStatus)
}

func TestHandle_FailureResetsToBacklog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.MoveTicket(ctx, "SQ-1", "in_review"))

	node := &core.Node{ID: "review", KanbanStatus: "in_review"}
	require.NoError(t, f.bridge.Handle(ctx, events.NewNodeFailedEvent(testRun(), node, "reviewer crashed")))
	tk := f.ticket(t)
	assert.Equal(t, core.TicketStatusBacklog, tk.Status)
	assert.Equal(t, "review: failed: reviewer crashed", tk.WorkflowNodeStatus)
}

func TestHandle_ApprovalAnnotatesOnly(t *testing.T) {
	f := newFixture(t)
	node := &core.Node{ID: "signoff", KanbanStatus: "awaiting", RequiresApproval: true}
	require.NoError(t, f.bridge.Handle(context.Background(), events.NewNodeApprovalNeededEvent(testRun(), node)))
	assert.Empty(t, f.tickets.moves)
	assert.Equal(t, "signoff: awaiting approval", f.ticket(t).WorkflowNodeStatus)
}

func TestHandle_SkipsInboundReports(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.bridge.Handle(ctx, events.NodeCompletionReport("alpha", "run-1", "build")))
	require.NoError(t, f.bridge.Handle(ctx, events.NodeFailureReport("alpha", "run-1", "build", "gave up")))

	assert.Empty(t, f.tickets.moves)
	assert.Empty(t, f.tickets.notes)
	assert.Equal(t, core.TicketStatusBacklog, f.ticket(t).Status)
}

func TestHandle_IgnoresNonTicketTargets(t *testing.T) {
	f := newFixture(t)
	node := &core.Node{ID: "x", KanbanStatus: "y"}

	run := testRun()
	run.TargetID = "not-a-ticket"
	require.NoError(t, f.bridge.Handle(context.Background(), events.NewNodeStartedEvent(run, node, "")))
	assert.Empty(t, f.tickets.moves)

	run.TargetID = ""
	require.NoError(t, f.bridge.Handle(context.Background(), events.NewNodeStartedEvent(run, node, "")))
	assert.Empty(t, f.tickets.moves)
	assert.Equal(t, []string{"x: running"}, f.tickets.notes, "untargeted runs are not annotated")
}

func TestHandle_MoveErrorSurfaces(t *testing.T) {
	f := newFixture(t)
	f.tickets.moveErr = errors.New("tracker offline")
	err := f.bridge.Handle(context.Background(), events.NewNodeStartedEvent(testRun(), &core.Node{ID: "build", KanbanStatus: "doing"}, ""))
	assert.ErrorContains(t, err, "tracker offline")
}

func TestWithEngine_CompleteMoveLandsFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.SaveTemplate(ctx, &core.WorkflowTemplate{
		ID: "feature",
		Nodes: []core.Node{
			{ID: "build", Role: core.RoleDeveloper, NextNodeID: "review", KanbanStatus: "built", KanbanTrigger: core.KanbanOnComplete},
			{ID: "review", Role: core.RoleReviewer, KanbanStatus: "in_review"},
		},
	}))

	bus := events.New(logging.NewNop())
	defer bus.Close()
	engine := workflow.NewEngine(workflow.EngineConfig{
		Templates: f.store, Runs: f.store, Pool: pool.New(f.store), Bus: bus,
	})
	f.bridge.Subscribe(bus)
	engine.Subscribe(bus)

	run, err := engine.Trigger(ctx, "feature", workflow.Target{ProjectID: "alpha", TargetID: "SQ-1"})
	require.NoError(t, err)
	bus.Publish(ctx, events.NodeCompletionReport("alpha", run.ID, "build"))

	assert.Equal(t, []string{"SQ-1->built", "SQ-1->in_review"}, f.tickets.moves)
	assert.Equal(t, "in_review", f.ticket(t).Status)
	assert.Equal(t, int64(0), bus.FailureCount())
}

func TestWithEngine_StaleReportAfterFailureKeepsTicket(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.SaveTemplate(ctx, &core.WorkflowTemplate{
		ID:    "feature",
		Nodes: []core.Node{{ID: "build", Role: core.RoleDeveloper, KanbanStatus: "review", KanbanTrigger: core.KanbanOnComplete}},
	}))

	bus := events.New(logging.NewNop())
	defer bus.Close()
	engine := workflow.NewEngine(workflow.EngineConfig{
		Templates: f.store, Runs: f.store, Pool: pool.New(f.store), Bus: bus,
	})
	f.bridge.Subscribe(bus)
	engine.Subscribe(bus)

	run, err := engine.Trigger(ctx, "feature", workflow.Target{ProjectID: "alpha", TargetID: "SQ-1"})
	require.NoError(t, err)
	require.NoError(t, engine.Fail(ctx, run.ID, "build", "tests red"))
	require.Equal(t, core.TicketStatusBacklog, f.ticket(t).Status)

	bus.Publish(ctx, events.NodeCompletionReport("alpha", run.ID, "build"))

	got, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusFailed, got.Status)
	tk := f.ticket(t)
	assert.Equal(t, core.TicketStatusBacklog, tk.Status)
	assert.Equal(t, "build: failed: tests red", tk.WorkflowNodeStatus)
	assert.Equal(t, []string{"SQ-1->backlog"}, f.tickets.moves)
	assert.Equal(t, int64(1), bus.FailureCount(), "engine rejects the late report")
}

func TestWithEngine_InboundFailureReportResetsTicket(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.SaveTemplate(ctx, &core.WorkflowTemplate{
		ID:    "feature",
		Nodes: []core.Node{{ID: "build", Role: core.RoleDeveloper, KanbanStatus: "in_progress"}},
	}))

	bus := events.New(logging.NewNop())
	defer bus.Close()
	engine := workflow.NewEngine(workflow.EngineConfig{
		Templates: f.store, Runs: f.store, Pool: pool.New(f.store), Bus: bus,
	})
	f.bridge.Subscribe(bus)
	engine.Subscribe(bus)

	run, err := engine.Trigger(ctx, "feature", workflow.Target{ProjectID: "alpha", TargetID: "SQ-1"})
	require.NoError(t, err)
	require.Equal(t, "in_progress", f.ticket(t).Status)

	bus.Publish(ctx, events.NodeFailureReport("alpha", run.ID, "build", "gave up"))
	tk := f.ticket(t)
	assert.Equal(t, core.TicketStatusBacklog, tk.Status)
	assert.Equal(t, "build: failed: gave up", tk.WorkflowNodeStatus)

	// A report for a run that does not exist changes nothing.
	bus.Publish(ctx, events.NodeFailureReport("alpha", "run-missing", "build", "late"))
	assert.Equal(t, "build: failed: gave up", f.ticket(t).WorkflowNodeStatus)
	assert.Equal(t, []string{"SQ-1->in_progress", "SQ-1->backlog"}, f.tickets.moves)
}
