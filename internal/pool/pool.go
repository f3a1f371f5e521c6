// Package pool hands out idle workers by role. Reservation is a single
// conditional status update in the backing store, so two callers can never
// hold the same worker.
package pool

import (
	"context"
	"fmt"

	"github.com/sahilm/fuzzy"

	"github.com/hugo-lorenzo-mato/squads/internal/core"
	"github.com/hugo-lorenzo-mato/squads/internal/logging"
)

// Pool reserves and releases workers.
type Pool struct {
	store  core.WorkerStore
	legacy *core.LegacyRoleMatcher
	logger *logging.Logger
}

// Option configures a Pool.
type Option func(*Pool)

// WithLegacyMatcher lets untagged workers be matched by identity text.
// Without it, workers with no role tag are never reserved.
func WithLegacyMatcher(m *core.LegacyRoleMatcher) Option {
	return func(p *Pool) { p.legacy = m }
}

// WithLogger sets the pool logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// New creates a pool over store.
func New(store core.WorkerStore, opts ...Option) *Pool {
	p := &Pool{store: store, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Reserve claims one idle, active worker of the project eligible for role and
// marks it busy. It returns nil, nil when no worker is available; callers
// decide what to do, nothing is queued.
func (p *Pool) Reserve(ctx context.Context, projectID string, role core.Role) (*core.WorkerInstance, error) {
	candidates, err := p.store.ListWorkers(ctx, core.WorkerFilter{
		ProjectID:  projectID,
		Status:     core.WorkerStatusIdle,
		ActiveOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("listing idle workers: %w", err)
	}
	for _, w := range candidates {
		if !p.eligible(w, role) {
			continue
		}
		ok, err := p.store.CompareAndSwapStatus(ctx, w.ID, core.WorkerStatusIdle, core.WorkerStatusBusy)
		if err != nil {
			return nil, fmt.Errorf("reserving worker %s: %w", w.ID, err)
		}
		if !ok {
			// Someone else got it first.
			continue
		}
		w.Status = core.WorkerStatusBusy
		p.logger.WithProject(projectID).Debug("worker reserved", "worker_id", w.ID, "role", role)
		return w, nil
	}
	return nil, nil
}

func (p *Pool) eligible(w *core.WorkerInstance, role core.Role) bool {
	if w.Role == "" && p.legacy == nil {
		return false
	}
	return w.MatchesRole(role, p.legacy)
}

// Release returns a worker to idle regardless of its current status.
// Releasing an idle worker is a no-op.
func (p *Pool) Release(ctx context.Context, workerID string) error {
	if err := p.store.SetWorkerStatus(ctx, workerID, core.WorkerStatusIdle); err != nil {
		return fmt.Errorf("releasing worker %s: %w", workerID, err)
	}
	return nil
}

// SuggestRole returns the known role closest to input, or "" when nothing
// resembles it.
func SuggestRole(input string) core.Role {
	roles := core.AllRoles()
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	matches := fuzzy.Find(input, names)
	if len(matches) == 0 {
		return ""
	}
	return roles[matches[0].Index]
}
