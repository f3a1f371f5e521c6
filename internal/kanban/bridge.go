// Package kanban mirrors workflow progress onto tickets. The bridge only
// observes node events; it never feeds back into the run engine.
package kanban

import (
	"context"
	"fmt"

	"github.com/hugo-lorenzo-mato/squads/internal/core"
	"github.com/hugo-lorenzo-mato/squads/internal/events"
	"github.com/hugo-lorenzo-mato/squads/internal/logging"
)

// Subscriber is the subset of the event bus the bridge listens on.
type Subscriber interface {
	Subscribe(pattern, name string, fn events.Handler) func()
}

// BridgeConfig holds the bridge's collaborators.
type BridgeConfig struct {
	Tickets core.TicketStore
	Logger  *logging.Logger
}

// Bridge keeps ticket columns and annotations in step with node events.
type Bridge struct {
	tickets core.TicketStore
	logger  *logging.Logger
}

// NewBridge creates a bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	return &Bridge{
		tickets: cfg.Tickets,
		logger:  cfg.Logger.WithComponent("kanban"),
	}
}

// Subscribe registers the bridge for node events.
func (b *Bridge) Subscribe(bus Subscriber) func() {
	unsubs := []func(){
		bus.Subscribe(events.TypeNodeStarted, "kanban.bridge", b.Handle),
		bus.Subscribe(events.TypeNodeCompleted, "kanban.bridge", b.Handle),
		bus.Subscribe(events.TypeNodeFailed, "kanban.bridge", b.Handle),
		bus.Subscribe(events.TypeNodeApprovalNeeded, "kanban.bridge", b.Handle),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Handle applies one node event to its ticket. Only events emitted by the
// run engine carry the node definition; inbound reports from workers and
// collaborators do not, and are left to the engine to accept or reject.
func (b *Bridge) Handle(ctx context.Context, ev events.Event) error {
	ne, ok := ev.(events.NodeEvent)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", ev, ev.EventType())
	}
	if ne.Node == nil {
		b.logger.WithRun(ne.RunID, ne.NodeID).Debug("skipping unconfirmed node report", "type", ne.EventType())
		return nil
	}
	if ne.TargetID == "" {
		return nil
	}
	logger := b.logger.WithRun(ne.RunID, ne.NodeID).With("ticket_id", ne.TargetID)

	annotation, column := plan(ne)
	if err := b.tickets.AnnotateTicket(ctx, ne.TargetID, annotation); err != nil {
		if core.IsNotFound(err) {
			logger.Debug("run target is not a ticket")
			return nil
		}
		return fmt.Errorf("annotating ticket %s: %w", ne.TargetID, err)
	}
	if column == "" {
		return nil
	}
	if err := b.tickets.MoveTicket(ctx, ne.TargetID, column); err != nil {
		return fmt.Errorf("moving ticket %s to %s: %w", ne.TargetID, column, err)
	}
	logger.Info("ticket moved", "status", column)
	return nil
}

// plan returns the annotation to write and the column to move to, if any.
func plan(ne events.NodeEvent) (annotation, column string) {
	node := ne.Node
	switch ne.EventType() {
	case events.TypeNodeStarted:
		annotation = node.ID + ": running"
		if ne.WorkerID != "" {
			annotation += " on " + ne.WorkerID
		}
		if node.EffectiveTrigger() == core.KanbanOnStart {
			column = node.KanbanStatus
		}
	case events.TypeNodeCompleted:
		annotation = node.ID + ": completed"
		if node.EffectiveTrigger() == core.KanbanOnComplete {
			column = node.KanbanStatus
		}
	case events.TypeNodeFailed:
		annotation = node.ID + ": failed"
		if ne.Error != "" {
			annotation += ": " + ne.Error
		}
		column = core.TicketStatusBacklog
	case events.TypeNodeApprovalNeeded:
		annotation = node.ID + ": awaiting approval"
	}
	return annotation, column
}
