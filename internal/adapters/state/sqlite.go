package state

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hugo-lorenzo-mato/squads/internal/core"
)

//go:embed migrations/001_initial_schema.sql
var migrationV1 string

// SQLiteStore implements core.Store on a single SQLite database file.
type SQLiteStore struct {
	dbPath      string
	busyTimeout time.Duration
	db          *sql.DB
}

// SQLiteStoreOption configures the store.
type SQLiteStoreOption func(*SQLiteStore)

// WithBusyTimeout sets how long a writer waits on a locked database.
func WithBusyTimeout(d time.Duration) SQLiteStoreOption {
	return func(s *SQLiteStore) {
		s.busyTimeout = d
	}
}

// NewSQLiteStore opens (creating if needed) the database at dbPath.
func NewSQLiteStore(dbPath string, opts ...SQLiteStoreOption) (*SQLiteStore, error) {
	s := &SQLiteStore{dbPath: dbPath, busyTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)",
		dbPath, s.busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s.db = db

	if err := s.migrate(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("running migrations: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

func (s *SQLiteStore) migrate() error {
	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		version = 0
	}
	if version < 1 {
		if _, err := s.db.Exec(migrationV1); err != nil {
			return fmt.Errorf("applying migration v1: %w", err)
		}
	}
	return nil
}

// =============================================================================
// Workers
// =============================================================================

const workerColumns = `id, project_id, name, role, identity, capabilities, status, pid,
	workspace_path, active, created_at, updated_at`

// CreateWorker inserts a new worker.
func (s *SQLiteStore) CreateWorker(ctx context.Context, w *core.WorkerInstance) error {
	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	if w.Status == "" {
		w.Status = core.WorkerStatusIdle
	}
	caps, err := json.Marshal(w.Capabilities)
	if err != nil {
		return fmt.Errorf("marshaling capabilities: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO workers (`+workerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.ProjectID, w.Name, string(w.Role), w.Identity, string(caps), string(w.Status),
		nullableInt(w.PID), w.WorkspacePath, w.Active, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return core.ErrConflict("WORKER_EXISTS", "worker already exists: "+w.ID).WithCause(err)
		}
		return fmt.Errorf("inserting worker: %w", err)
	}
	return nil
}

// GetWorker loads one worker.
func (s *SQLiteStore) GetWorker(ctx context.Context, id string) (*core.WorkerInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = ?`, id)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound("worker", id)
	}
	return w, err
}

// ListWorkers returns workers ordered by creation time.
func (s *SQLiteStore) ListWorkers(ctx context.Context, f core.WorkerFilter) ([]*core.WorkerInstance, error) {
	query := `SELECT ` + workerColumns + ` FROM workers WHERE 1=1`
	var args []interface{}
	if f.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.ActiveOnly {
		query += ` AND active = 1`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying workers: %w", err)
	}
	defer rows.Close()

	var out []*core.WorkerInstance
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// CompareAndSwapStatus is a single conditional UPDATE, so concurrent callers
// (including other processes on the same file) cannot both win.
func (s *SQLiteStore) CompareAndSwapStatus(ctx context.Context, id string, from, to core.WorkerStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workers SET status = ?, updated_at = ? WHERE id = ? AND status = ? AND active = 1`,
		string(to), time.Now().UTC(), id, string(from))
	if err != nil {
		return false, fmt.Errorf("swapping worker status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading affected rows: %w", err)
	}
	return n == 1, nil
}

// SetWorkerStatus unconditionally sets the status.
func (s *SQLiteStore) SetWorkerStatus(ctx context.Context, id string, status core.WorkerStatus) error {
	return s.updateWorker(ctx, id, `status = ?`, string(status))
}

// SetWorkerPID records or clears the OS process id.
func (s *SQLiteStore) SetWorkerPID(ctx context.Context, id string, pid *int) error {
	return s.updateWorker(ctx, id, `pid = ?`, nullableInt(pid))
}

// DeactivateWorker marks the worker inactive. Rows are never deleted.
func (s *SQLiteStore) DeactivateWorker(ctx context.Context, id string) error {
	return s.updateWorker(ctx, id, `active = 0, pid = NULL`)
}

func (s *SQLiteStore) updateWorker(ctx context.Context, id, set string, args ...interface{}) error {
	args = append(args, time.Now().UTC(), id)
	res, err := s.db.ExecContext(ctx, `UPDATE workers SET `+set+`, updated_at = ? WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("updating worker %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrNotFound("worker", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorker(row rowScanner) (*core.WorkerInstance, error) {
	var (
		w      core.WorkerInstance
		role   string
		status string
		caps   string
		pid    sql.NullInt64
	)
	err := row.Scan(&w.ID, &w.ProjectID, &w.Name, &role, &w.Identity, &caps, &status, &pid,
		&w.WorkspacePath, &w.Active, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	w.Role = core.Role(role)
	w.Status = core.WorkerStatus(status)
	if caps != "" {
		if err := json.Unmarshal([]byte(caps), &w.Capabilities); err != nil {
			return nil, fmt.Errorf("decoding capabilities of %s: %w", w.ID, err)
		}
	}
	if pid.Valid {
		p := int(pid.Int64)
		w.PID = &p
	}
	return &w, nil
}

// =============================================================================
// Templates
// =============================================================================

// SaveTemplate upserts a template.
func (s *SQLiteStore) SaveTemplate(ctx context.Context, t *core.WorkflowTemplate) error {
	nodes, err := json.Marshal(t.Nodes)
	if err != nil {
		return fmt.Errorf("marshaling nodes: %w", err)
	}
	edges, err := json.Marshal(t.Edges)
	if err != nil {
		return fmt.Errorf("marshaling edges: %w", err)
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_templates (id, name, description, nodes, edges, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			nodes = excluded.nodes,
			edges = excluded.edges,
			updated_at = excluded.updated_at`,
		t.ID, t.Name, t.Description, string(nodes), string(edges), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting template: %w", err)
	}
	return nil
}

// GetTemplate loads one template.
func (s *SQLiteStore) GetTemplate(ctx context.Context, id string) (*core.WorkflowTemplate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, nodes, edges, created_at, updated_at FROM workflow_templates WHERE id = ?`, id)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound("template", id)
	}
	return t, err
}

// ListTemplates returns all templates ordered by id.
func (s *SQLiteStore) ListTemplates(ctx context.Context) ([]*core.WorkflowTemplate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, nodes, edges, created_at, updated_at FROM workflow_templates ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying templates: %w", err)
	}
	defer rows.Close()
	var out []*core.WorkflowTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTemplate(row rowScanner) (*core.WorkflowTemplate, error) {
	var t core.WorkflowTemplate
	var nodes, edges string
	if err := row.Scan(&t.ID, &t.Name, &t.Description, &nodes, &edges, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(nodes), &t.Nodes); err != nil {
		return nil, fmt.Errorf("decoding nodes of template %s: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(edges), &t.Edges); err != nil {
		return nil, fmt.Errorf("decoding edges of template %s: %w", t.ID, err)
	}
	return &t, nil
}

// =============================================================================
// Runs
// =============================================================================

const runColumns = `id, template_id, project_id, target_id, status, current_node_id, executions, error, created_at, updated_at`

// CreateRun inserts a new run.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *core.WorkflowRun) error {
	execs, err := json.Marshal(r.Executions)
	if err != nil {
		return fmt.Errorf("marshaling executions: %w", err)
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	_, err = s.db.ExecContext(ctx, `INSERT INTO workflow_runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TemplateID, r.ProjectID, r.TargetID, string(r.Status), r.CurrentNodeID, string(execs), r.Error,
		r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// SaveRun updates an existing run.
func (s *SQLiteStore) SaveRun(ctx context.Context, r *core.WorkflowRun) error {
	execs, err := json.Marshal(r.Executions)
	if err != nil {
		return fmt.Errorf("marshaling executions: %w", err)
	}
	r.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs SET status = ?, current_node_id = ?, executions = ?, error = ?, updated_at = ?
		WHERE id = ?`,
		string(r.Status), r.CurrentNodeID, string(execs), r.Error, r.UpdatedAt, r.ID)
	if err != nil {
		return fmt.Errorf("updating run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrNotFound("run", r.ID)
	}
	return nil
}

// GetRun loads one run.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*core.WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound("run", id)
	}
	return r, err
}

// ListRuns returns runs newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, f core.RunFilter) ([]*core.WorkflowRun, error) {
	query := `SELECT ` + runColumns + ` FROM workflow_runs WHERE 1=1`
	var args []interface{}
	if f.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, f.ProjectID)
	}
	if f.TemplateID != "" {
		query += ` AND template_id = ?`
		args = append(args, f.TemplateID)
	}
	if f.TargetID != "" {
		query += ` AND target_id = ?`
		args = append(args, f.TargetID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()
	var out []*core.WorkflowRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRun(row rowScanner) (*core.WorkflowRun, error) {
	var r core.WorkflowRun
	var status, execs string
	if err := row.Scan(&r.ID, &r.TemplateID, &r.ProjectID, &r.TargetID, &status, &r.CurrentNodeID,
		&execs, &r.Error, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = core.RunStatus(status)
	if err := json.Unmarshal([]byte(execs), &r.Executions); err != nil {
		return nil, fmt.Errorf("decoding executions of run %s: %w", r.ID, err)
	}
	return &r, nil
}

// =============================================================================
// Tickets
// =============================================================================

const ticketColumns = `id, project_id, title, assigned_worker, status, workflow_node_status, branch, updated_at`

// SaveTicket upserts a ticket.
func (s *SQLiteStore) SaveTicket(ctx context.Context, t *core.Ticket) error {
	if t.Status == "" {
		t.Status = core.TicketStatusBacklog
	}
	t.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tickets (`+ticketColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id,
			title = excluded.title,
			assigned_worker = excluded.assigned_worker,
			status = excluded.status,
			workflow_node_status = excluded.workflow_node_status,
			branch = excluded.branch,
			updated_at = excluded.updated_at`,
		t.ID, t.ProjectID, t.Title, t.AssignedWorker, t.Status, t.WorkflowNodeStatus, t.Branch, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting ticket: %w", err)
	}
	return nil
}

// GetTicket loads one ticket.
func (s *SQLiteStore) GetTicket(ctx context.Context, id string) (*core.Ticket, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id)
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound("ticket", id)
	}
	return t, err
}

// ListTickets returns a project's tickets ordered by id.
func (s *SQLiteStore) ListTickets(ctx context.Context, projectID string) ([]*core.Ticket, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE project_id = ? ORDER BY id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("querying tickets: %w", err)
	}
	defer rows.Close()
	var out []*core.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MoveTicket sets the ticket's kanban column.
func (s *SQLiteStore) MoveTicket(ctx context.Context, id, status string) error {
	return s.updateTicket(ctx, id, `status = ?`, status)
}

// AnnotateTicket sets the workflow node annotation.
func (s *SQLiteStore) AnnotateTicket(ctx context.Context, id, annotation string) error {
	return s.updateTicket(ctx, id, `workflow_node_status = ?`, annotation)
}

func (s *SQLiteStore) updateTicket(ctx context.Context, id, set string, value string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tickets SET `+set+`, updated_at = ? WHERE id = ?`,
		value, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating ticket %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrNotFound("ticket", id)
	}
	return nil
}

func scanTicket(row rowScanner) (*core.Ticket, error) {
	var t core.Ticket
	if err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.AssignedWorker, &t.Status,
		&t.WorkflowNodeStatus, &t.Branch, &t.UpdatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// =============================================================================
// Worker logs
// =============================================================================

// WriteWorkerLog appends one output line.
func (s *SQLiteStore) WriteWorkerLog(ctx context.Context, l core.WorkerLogLine) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO worker_logs (worker_id, project_id, stream, line, logged_at) VALUES (?, ?, ?, ?, ?)`,
		l.WorkerID, l.ProjectID, l.Stream, l.Line, l.Time.UTC())
	if err != nil {
		return fmt.Errorf("inserting worker log: %w", err)
	}
	return nil
}

// ListWorkerLogs returns the last limit lines of a worker, oldest first.
func (s *SQLiteStore) ListWorkerLogs(ctx context.Context, workerID string, limit int) ([]core.WorkerLogLine, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT worker_id, project_id, stream, line, logged_at FROM (
			SELECT id, worker_id, project_id, stream, line, logged_at FROM worker_logs
			WHERE worker_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id`, workerID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying worker logs: %w", err)
	}
	defer rows.Close()
	var out []core.WorkerLogLine
	for rows.Next() {
		var l core.WorkerLogLine
		if err := rows.Scan(&l.WorkerID, &l.ProjectID, &l.Stream, &l.Line, &l.Time); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func nullableInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}
