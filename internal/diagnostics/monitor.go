package diagnostics

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/hugo-lorenzo-mato/squads/internal/logging"
)

// ProcessSource lists the worker processes to sample. The supervisor
// satisfies it.
type ProcessSource interface {
	Tracked() []string
	PID(workerID string) (int, bool)
}

// Thresholds trigger warnings. A zero value disables the check.
type Thresholds struct {
	WorkerRSSMB    float64
	HostMemPercent float64
}

// WorkerUsage is the sampled usage of one worker process.
type WorkerUsage struct {
	WorkerID   string  `json:"worker_id"`
	PID        int     `json:"pid"`
	Running    bool    `json:"running"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSMB      float64 `json:"rss_mb"`
	Threads    int32   `json:"threads"`
}

// Warning reports a crossed threshold.
type Warning struct {
	Level   string  `json:"level"` // warning, critical
	Type    string  `json:"type"`  // worker_memory, host_memory
	Subject string  `json:"subject,omitempty"`
	Message string  `json:"message"`
	Value   float64 `json:"value"`
	Limit   float64 `json:"limit"`
}

// Snapshot captures resource state at a point in time.
type Snapshot struct {
	Timestamp   time.Time     `json:"timestamp"`
	Uptime      time.Duration `json:"uptime"`
	Goroutines  int           `json:"goroutines"`
	HeapAllocMB float64       `json:"heap_alloc_mb"`
	Host        HostMetrics   `json:"host"`
	Workers     []WorkerUsage `json:"workers"`
	Warnings    []Warning     `json:"warnings,omitempty"`
}

// Options configures a Monitor.
type Options struct {
	Interval    time.Duration
	HistorySize int
	Thresholds  Thresholds
	DiskPath    string
	Logger      *logging.Logger
}

// Monitor periodically samples resource usage.
type Monitor struct {
	source     ProcessSource
	interval   time.Duration
	historyCap int
	thresholds Thresholds
	diskPath   string
	logger     *logging.Logger
	started    time.Time

	mu      sync.RWMutex
	history []Snapshot

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewMonitor creates a monitor over source.
func NewMonitor(source ProcessSource, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 120
	}
	if opts.DiskPath == "" {
		opts.DiskPath = defaultDiskPath()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	return &Monitor{
		source:     source,
		interval:   opts.Interval,
		historyCap: opts.HistorySize,
		thresholds: opts.Thresholds,
		diskPath:   opts.DiskPath,
		logger:     opts.Logger.WithComponent("diagnostics"),
		started:    time.Now(),
		history:    make([]Snapshot, 0, opts.HistorySize),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start begins periodic sampling until ctx is cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		defer close(m.done)
		m.tick(ctx)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.tick(ctx)
			}
		}
	}()
}

// Stop halts sampling. It is safe to call more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Done is closed when the sampling loop started by Start exits.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

func (m *Monitor) tick(ctx context.Context) {
	s := m.Sample(ctx)
	for _, w := range s.Warnings {
		m.logger.Warn("resource warning",
			"type", w.Type,
			"level", w.Level,
			"subject", w.Subject,
			"value", w.Value,
			"limit", w.Limit,
		)
	}
}

// Sample takes a snapshot now and records it in the history.
func (m *Monitor) Sample(ctx context.Context) Snapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	s := Snapshot{
		Timestamp:   time.Now(),
		Uptime:      time.Since(m.started),
		Goroutines:  runtime.NumGoroutine(),
		HeapAllocMB: toMB(ms.HeapAlloc),
		Host:        collectHost(ctx, m.diskPath),
		Workers:     m.sampleWorkers(ctx),
	}
	s.Warnings = m.check(s)

	m.mu.Lock()
	m.history = append(m.history, s)
	if len(m.history) > m.historyCap {
		m.history = m.history[len(m.history)-m.historyCap:]
	}
	m.mu.Unlock()
	return s
}

func (m *Monitor) sampleWorkers(ctx context.Context) []WorkerUsage {
	if m.source == nil {
		return nil
	}
	ids := m.source.Tracked()
	usage := make([]WorkerUsage, 0, len(ids))
	for _, id := range ids {
		pid, ok := m.source.PID(id)
		if !ok {
			continue
		}
		usage = append(usage, sampleProcess(ctx, id, pid))
	}
	return usage
}

func sampleProcess(ctx context.Context, workerID string, pid int) WorkerUsage {
	u := WorkerUsage{WorkerID: workerID, PID: pid}
	// #nosec G115 -- pids fit in int32 on every supported platform
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return u
	}
	u.Running = true
	if pct, err := p.CPUPercentWithContext(ctx); err == nil {
		u.CPUPercent = pct
	}
	if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
		u.RSSMB = toMB(mi.RSS)
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		u.Threads = n
	}
	return u
}

func (m *Monitor) check(s Snapshot) []Warning {
	var warnings []Warning

	if limit := m.thresholds.WorkerRSSMB; limit > 0 {
		for _, w := range s.Workers {
			if !w.Running || w.RSSMB <= limit {
				continue
			}
			warnings = append(warnings, Warning{
				Level:   levelFor(w.RSSMB, limit, 1.5),
				Type:    "worker_memory",
				Subject: w.WorkerID,
				Message: fmt.Sprintf("worker %s RSS at %.1f MB (threshold: %.0f MB)", w.WorkerID, w.RSSMB, limit),
				Value:   w.RSSMB,
				Limit:   limit,
			})
		}
	}

	if limit := m.thresholds.HostMemPercent; limit > 0 && s.Host.MemPercent > limit {
		warnings = append(warnings, Warning{
			Level:   levelFor(s.Host.MemPercent, limit, 1.05),
			Type:    "host_memory",
			Message: fmt.Sprintf("host memory at %.1f%% (threshold: %.0f%%)", s.Host.MemPercent, limit),
			Value:   s.Host.MemPercent,
			Limit:   limit,
		})
	}
	return warnings
}

func levelFor(value, limit, criticalFactor float64) string {
	if value > limit*criticalFactor {
		return "critical"
	}
	return "warning"
}

// Latest returns the most recent snapshot.
func (m *Monitor) Latest() (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.history) == 0 {
		return Snapshot{}, false
	}
	return m.history[len(m.history)-1], true
}

// History returns a copy of the recorded snapshots, oldest first.
func (m *Monitor) History() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, len(m.history))
	copy(out, m.history)
	return out
}
