package state

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/squads/internal/core"
)

// MemoryStore is an in-process core.Store. It backs tests and the
// "memory" state backend; nothing survives a restart.
type MemoryStore struct {
	mu        sync.RWMutex
	workers   map[string]*core.WorkerInstance
	templates map[string]*core.WorkflowTemplate
	runs      map[string]*core.WorkflowRun
	tickets   map[string]*core.Ticket
	logs      map[string][]core.WorkerLogLine
	maxLogs   int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workers:   make(map[string]*core.WorkerInstance),
		templates: make(map[string]*core.WorkflowTemplate),
		runs:      make(map[string]*core.WorkflowRun),
		tickets:   make(map[string]*core.Ticket),
		logs:      make(map[string][]core.WorkerLogLine),
		maxLogs:   1000,
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateWorker(ctx context.Context, w *core.WorkerInstance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workers[w.ID]; ok {
		return core.ErrConflict("WORKER_EXISTS", "worker already exists: "+w.ID)
	}
	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	if w.Status == "" {
		w.Status = core.WorkerStatusIdle
	}
	s.workers[w.ID] = w.Clone()
	return nil
}

func (s *MemoryStore) GetWorker(ctx context.Context, id string) (*core.WorkerInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[id]
	if !ok {
		return nil, core.ErrNotFound("worker", id)
	}
	return w.Clone(), nil
}

func (s *MemoryStore) ListWorkers(ctx context.Context, f core.WorkerFilter) ([]*core.WorkerInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.WorkerInstance
	for _, w := range s.workers {
		if f.ProjectID != "" && w.ProjectID != f.ProjectID {
			continue
		}
		if f.Status != "" && w.Status != f.Status {
			continue
		}
		if f.ActiveOnly && !w.Active {
			continue
		}
		out = append(out, w.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) CompareAndSwapStatus(ctx context.Context, id string, from, to core.WorkerStatus) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok || !w.Active || w.Status != from {
		return false, nil
	}
	w.Status = to
	w.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) SetWorkerStatus(ctx context.Context, id string, status core.WorkerStatus) error {
	return s.mutateWorker(ctx, id, func(w *core.WorkerInstance) { w.Status = status })
}

func (s *MemoryStore) SetWorkerPID(ctx context.Context, id string, pid *int) error {
	return s.mutateWorker(ctx, id, func(w *core.WorkerInstance) {
		if pid == nil {
			w.PID = nil
			return
		}
		p := *pid
		w.PID = &p
	})
}

func (s *MemoryStore) DeactivateWorker(ctx context.Context, id string) error {
	return s.mutateWorker(ctx, id, func(w *core.WorkerInstance) {
		w.Active = false
		w.PID = nil
	})
}

func (s *MemoryStore) mutateWorker(ctx context.Context, id string, fn func(*core.WorkerInstance)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return core.ErrNotFound("worker", id)
	}
	fn(w)
	w.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SaveTemplate(ctx context.Context, t *core.WorkflowTemplate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if prev, ok := s.templates[t.ID]; ok {
		t.CreatedAt = prev.CreatedAt
	} else if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	s.templates[t.ID] = t.Clone()
	return nil
}

func (s *MemoryStore) GetTemplate(ctx context.Context, id string) (*core.WorkflowTemplate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, core.ErrNotFound("template", id)
	}
	return t.Clone(), nil
}

func (s *MemoryStore) ListTemplates(ctx context.Context) ([]*core.WorkflowTemplate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.WorkflowTemplate, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CreateRun(ctx context.Context, r *core.WorkflowRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; ok {
		return core.ErrConflict("RUN_EXISTS", "run already exists: "+r.ID)
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	s.runs[r.ID] = r.Clone()
	return nil
}

func (s *MemoryStore) SaveRun(ctx context.Context, r *core.WorkflowRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; !ok {
		return core.ErrNotFound("run", r.ID)
	}
	r.UpdatedAt = time.Now().UTC()
	s.runs[r.ID] = r.Clone()
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (*core.WorkflowRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, core.ErrNotFound("run", id)
	}
	return r.Clone(), nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, f core.RunFilter) ([]*core.WorkflowRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.WorkflowRun
	for _, r := range s.runs {
		if f.ProjectID != "" && r.ProjectID != f.ProjectID {
			continue
		}
		if f.TemplateID != "" && r.TemplateID != f.TemplateID {
			continue
		}
		if f.TargetID != "" && r.TargetID != f.TargetID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) SaveTicket(ctx context.Context, t *core.Ticket) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Status == "" {
		t.Status = core.TicketStatusBacklog
	}
	t.UpdatedAt = time.Now().UTC()
	c := *t
	s.tickets[t.ID] = &c
	return nil
}

func (s *MemoryStore) GetTicket(ctx context.Context, id string) (*core.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[id]
	if !ok {
		return nil, core.ErrNotFound("ticket", id)
	}
	c := *t
	return &c, nil
}

func (s *MemoryStore) ListTickets(ctx context.Context, projectID string) ([]*core.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Ticket
	for _, t := range s.tickets {
		if t.ProjectID == projectID {
			c := *t
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) MoveTicket(ctx context.Context, id, status string) error {
	return s.mutateTicket(ctx, id, func(t *core.Ticket) { t.Status = status })
}

func (s *MemoryStore) AnnotateTicket(ctx context.Context, id, annotation string) error {
	return s.mutateTicket(ctx, id, func(t *core.Ticket) { t.WorkflowNodeStatus = annotation })
}

func (s *MemoryStore) mutateTicket(ctx context.Context, id string, fn func(*core.Ticket)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return core.ErrNotFound("ticket", id)
	}
	fn(t)
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// WriteWorkerLog keeps the most recent lines per worker.
func (s *MemoryStore) WriteWorkerLog(ctx context.Context, l core.WorkerLogLine) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	lines := append(s.logs[l.WorkerID], l)
	if len(lines) > s.maxLogs {
		lines = lines[len(lines)-s.maxLogs:]
	}
	s.logs[l.WorkerID] = lines
	return nil
}

func (s *MemoryStore) ListWorkerLogs(ctx context.Context, workerID string, limit int) ([]core.WorkerLogLine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	lines := s.logs[workerID]
	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return append([]core.WorkerLogLine(nil), lines...), nil
}
