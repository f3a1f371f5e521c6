// Package supervisor owns one long-running OS process per worker instance.
// It captures output, writes tagged lines to stdin, delivers the wake
// signal and returns workers to the pool when their process exits.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/hugo-lorenzo-mato/squads/internal/core"
	"github.com/hugo-lorenzo-mato/squads/internal/events"
	"github.com/hugo-lorenzo-mato/squads/internal/logging"
)

// Environment variables every worker process receives.
const (
	EnvProjectID  = "SQUADS_PROJECT_ID"
	EnvWorkerID   = "SQUADS_WORKER_ID"
	EnvWorkerRole = "SQUADS_WORKER_ROLE"
	EnvRunID      = "SQUADS_RUN_ID"
	EnvTargetID   = "SQUADS_TARGET_ID"
)

// Config holds the fixed worker command line.
type Config struct {
	Executable  string
	Args        []string
	GracePeriod time.Duration
}

// Publisher is the subset of the event bus the supervisor needs.
type Publisher interface {
	Publish(ctx context.Context, e events.Event)
}

// Releaser returns a worker to the pool.
type Releaser interface {
	Release(ctx context.Context, workerID string) error
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogSink sends worker output to sink instead of the logger.
func WithLogSink(sink core.LogSink) Option {
	return func(s *Supervisor) { s.sink = sink }
}

// WithPublisher announces worker exits on the bus.
func WithPublisher(p Publisher) Option {
	return func(s *Supervisor) { s.bus = p }
}

// WithReleaser routes exit-time releases through the pool.
func WithReleaser(r Releaser) Option {
	return func(s *Supervisor) { s.releaser = r }
}

// WithEnvResolver adds per-project variables (provider credentials) to
// every spawned process.
func WithEnvResolver(fn func(projectID string) []string) Option {
	return func(s *Supervisor) { s.envFor = fn }
}

// WithLogger sets the supervisor logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// Supervisor tracks live worker processes keyed by worker id. Handles are
// in memory only; after a restart no worker is considered running.
type Supervisor struct {
	cfg      Config
	store    core.WorkerStore
	sink     core.LogSink
	bus      Publisher
	releaser Releaser
	envFor   func(string) []string
	logger   *logging.Logger

	mu       sync.Mutex
	procs    map[string]*workerProcess
	starting map[string]struct{}
	wg       sync.WaitGroup
}

type workerProcess struct {
	workerID  string
	projectID string
	cmd       *exec.Cmd
	pid       int

	writeMu sync.Mutex
	stdin   io.WriteCloser
	done    chan struct{}
}

// New creates a supervisor.
func New(cfg Config, store core.WorkerStore, opts ...Option) *Supervisor {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 10 * time.Second
	}
	s := &Supervisor{
		cfg:      cfg,
		store:    store,
		logger:   logging.NewNop(),
		procs:    make(map[string]*workerProcess),
		starting: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Spawn starts the worker's process. A worker whose process is already
// tracked, or being started by another call, is left alone. A missing
// executable is not an error: the worker stays idle with no pid and a
// warning is logged.
func (s *Supervisor) Spawn(ctx context.Context, w *core.WorkerInstance, extraEnv ...string) error {
	if !w.Active {
		return core.ErrState(core.CodeWorkerInactive, "worker is deactivated: "+w.ID)
	}
	logger := s.logger.WithProject(w.ProjectID).WithWorker(w.ID)

	s.mu.Lock()
	if p, ok := s.procs[w.ID]; ok {
		s.mu.Unlock()
		logger.Debug("worker already running", "pid", p.pid)
		return nil
	}
	if _, ok := s.starting[w.ID]; ok {
		s.mu.Unlock()
		logger.Debug("worker already starting")
		return nil
	}
	s.starting[w.ID] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.starting, w.ID)
		s.mu.Unlock()
	}()

	path, err := exec.LookPath(s.cfg.Executable)
	if err != nil {
		missing := core.ErrExecution(core.CodeExecutableMissing, "worker executable not found: "+s.cfg.Executable).
			WithCause(err)
		logger.Warn("leaving worker idle", "code", missing.Code, "error", missing)
		if err := s.store.SetWorkerPID(ctx, w.ID, nil); err != nil {
			return err
		}
		return s.store.SetWorkerStatus(ctx, w.ID, core.WorkerStatusIdle)
	}

	if w.WorkspacePath != "" {
		if err := os.MkdirAll(w.WorkspacePath, 0o750); err != nil {
			return fmt.Errorf("creating workspace %s: %w", w.WorkspacePath, err)
		}
	}

	// #nosec G204 -- executable and args come from validated config
	cmd := exec.Command(path, s.cfg.Args...)
	cmd.Dir = w.WorkspacePath
	cmd.Env = s.environment(w, extraEnv)
	configureProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		_ = stderr.Close()
		return core.ErrExecution(core.CodeSpawnFailed, "starting worker "+w.ID).WithCause(err)
	}

	p := &workerProcess{
		workerID:  w.ID,
		projectID: w.ProjectID,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		stdin:     stdin,
		done:      make(chan struct{}),
	}
	s.mu.Lock()
	s.procs[w.ID] = p
	s.mu.Unlock()

	logger.Info("worker spawned", "pid", p.pid, "executable", path, "workspace", w.WorkspacePath)

	// Record the pid before the reaper can clear it.
	pid := p.pid
	if err := s.store.SetWorkerPID(ctx, w.ID, &pid); err != nil {
		logger.Error("recording worker pid", "error", err)
	}
	if err := s.store.SetWorkerStatus(ctx, w.ID, core.WorkerStatusIdle); err != nil {
		logger.Error("marking worker idle", "error", err)
	}

	var pumps sync.WaitGroup
	pumps.Add(2)
	go s.pump(p, core.StreamStdout, stdout, &pumps)
	go s.pump(p, core.StreamStderr, stderr, &pumps)

	s.wg.Add(1)
	go s.wait(p, &pumps)
	return nil
}

func (s *Supervisor) environment(w *core.WorkerInstance, extra []string) []string {
	role := string(w.Role)
	if role == "" {
		role = w.Identity
	}
	env := os.Environ()
	env = append(env,
		EnvProjectID+"="+w.ProjectID,
		EnvWorkerID+"="+w.ID,
		EnvWorkerRole+"="+role,
	)
	if s.envFor != nil {
		env = append(env, s.envFor(w.ProjectID)...)
	}
	return append(env, extra...)
}

// pump forwards one output stream line by line.
func (s *Supervisor) pump(p *workerProcess, stream string, r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := s.logger.Sanitize(scanner.Text())
		if s.sink == nil {
			s.logger.Info("worker output",
				"project_id", p.projectID, "worker_id", p.workerID, "stream", stream, "line", line)
			continue
		}
		err := s.sink.WriteWorkerLog(context.Background(), core.WorkerLogLine{
			WorkerID:  p.workerID,
			ProjectID: p.projectID,
			Stream:    stream,
			Line:      line,
			Time:      time.Now().UTC(),
		})
		if err != nil {
			s.logger.Warn("writing worker log", "worker_id", p.workerID, "error", err)
		}
	}
}

// wait reaps the process and returns the worker to the pool. No respawn.
func (s *Supervisor) wait(p *workerProcess, pumps *sync.WaitGroup) {
	defer s.wg.Done()
	pumps.Wait()
	waitErr := p.cmd.Wait()
	exitCode := -1
	if p.cmd.ProcessState != nil {
		exitCode = p.cmd.ProcessState.ExitCode()
	}

	s.mu.Lock()
	if s.procs[p.workerID] == p {
		delete(s.procs, p.workerID)
	}
	s.mu.Unlock()

	p.writeMu.Lock()
	_ = p.stdin.Close()
	p.writeMu.Unlock()
	close(p.done)

	ctx := context.Background()
	logger := s.logger.WithProject(p.projectID).WithWorker(p.workerID)
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		logger.Warn("waiting for worker", "error", waitErr)
	}
	logger.Info("worker exited", "pid", p.pid, "exit_code", exitCode)

	if err := s.release(ctx, p.workerID); err != nil {
		logger.Error("releasing exited worker", "error", err)
	}
	if err := s.store.SetWorkerPID(ctx, p.workerID, nil); err != nil {
		logger.Error("clearing worker pid", "error", err)
	}
	if s.bus != nil {
		s.bus.Publish(ctx, events.NewWorkerExitedEvent(p.projectID, p.workerID, p.pid, exitCode, waitErr))
	}
}

func (s *Supervisor) release(ctx context.Context, workerID string) error {
	if s.releaser != nil {
		return s.releaser.Release(ctx, workerID)
	}
	return s.store.SetWorkerStatus(ctx, workerID, core.WorkerStatusIdle)
}

var lineBreaks = strings.NewReplacer("\r", `\r`, "\n", `\n`)

// Inject writes one line to the worker's stdin. It reports false when the
// worker has no tracked process or the write fails; both are logged and
// otherwise ignored.
func (s *Supervisor) Inject(workerID, line string) bool {
	p := s.lookup(workerID)
	if p == nil {
		s.logger.Debug("inject skipped, worker not running", "worker_id", workerID)
		return false
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := io.WriteString(p.stdin, lineBreaks.Replace(line)+"\n"); err != nil {
		s.logger.Warn("writing to worker stdin", "worker_id", workerID, "error", err)
		return false
	}
	return true
}

// Signal delivers the wake signal to pid. A pid that no longer exists is
// logged and tolerated.
func (s *Supervisor) Signal(pid int) error {
	err := signalWake(pid)
	if errors.Is(err, errProcessGone) {
		s.logger.Warn("wake signal target is gone", "pid", pid)
		return nil
	}
	return err
}

// SignalWorker wakes a worker by id. Workers without a tracked process fall
// back to the pid recorded in the store, which covers processes started by
// another orchestrator instance.
func (s *Supervisor) SignalWorker(workerID string) error {
	if p := s.lookup(workerID); p != nil {
		return s.Signal(p.pid)
	}
	w, err := s.store.GetWorker(context.Background(), workerID)
	if err != nil {
		return err
	}
	if w.PID == nil || !s.IsAlive(*w.PID) {
		s.logger.Debug("wake skipped, worker not running", "worker_id", workerID)
		return nil
	}
	return s.Signal(*w.PID)
}

// IsAlive reports whether pid names a running process.
func (s *Supervisor) IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

// Terminate asks the process group of pid to stop and kills it after the
// grace period.
func (s *Supervisor) Terminate(pid int) error {
	var done <-chan struct{}
	s.mu.Lock()
	for _, p := range s.procs {
		if p.pid == pid {
			done = p.done
			break
		}
	}
	s.mu.Unlock()
	if done == nil {
		done = s.pollExit(pid)
	}
	return terminate(pid, s.cfg.GracePeriod, done)
}

// TerminateWorker stops the tracked process of a worker, if any.
func (s *Supervisor) TerminateWorker(workerID string) error {
	p := s.lookup(workerID)
	if p == nil {
		return nil
	}
	return s.Terminate(p.pid)
}

func (s *Supervisor) pollExit(pid int) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.Now().Add(s.cfg.GracePeriod + time.Second)
		for time.Now().Before(deadline) {
			if !s.IsAlive(pid) {
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	}()
	return done
}

// StopAll terminates every tracked process and waits for their exits to be
// processed or ctx to end.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	pids := make([]int, 0, len(s.procs))
	for _, p := range s.procs {
		pids = append(pids, p.pid)
	}
	s.mu.Unlock()

	var errs []error
	var wg sync.WaitGroup
	var errMu sync.Mutex
	for _, pid := range pids {
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			if err := s.Terminate(pid); err != nil {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
		}(pid)
	}
	wg.Wait()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}

// Tracked returns the ids of workers with a live process, sorted.
func (s *Supervisor) Tracked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PID returns the tracked pid of a worker.
func (s *Supervisor) PID(workerID string) (int, bool) {
	p := s.lookup(workerID)
	if p == nil {
		return 0, false
	}
	return p.pid, true
}

func (s *Supervisor) lookup(workerID string) *workerProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[workerID]
}
