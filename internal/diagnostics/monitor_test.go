package diagnostics

import (
	"context"
	"os"
	"testing"
	"time"
)

type fakeSource struct {
	pids map[string]int
	ids  []string
}

func (f *fakeSource) Tracked() []string { return f.ids }

func (f *fakeSource) PID(id string) (int, bool) {
	pid, ok := f.pids[id]
	return pid, ok
}

func selfSource() *fakeSource {
	return &fakeSource{
		ids:  []string{"dev-1", "gone", "untracked"},
		pids: map[string]int{"dev-1": os.Getpid(), "gone": -1},
	}
}

func TestNewMonitor_Defaults(t *testing.T) {
	m := NewMonitor(nil, Options{})
	if m.interval != 30*time.Second {
		t.Errorf("interval = %v, want 30s", m.interval)
	}
	if m.historyCap != 120 {
		t.Errorf("historyCap = %d, want 120", m.historyCap)
	}
	if _, ok := m.Latest(); ok {
		t.Error("expected no snapshot before sampling")
	}
}

func TestMonitor_SampleWorkers(t *testing.T) {
	m := NewMonitor(selfSource(), Options{})
	s := m.Sample(context.Background())

	if s.Goroutines <= 0 {
		t.Errorf("goroutines = %d", s.Goroutines)
	}
	if len(s.Workers) != 2 {
		t.Fatalf("workers = %+v, want dev-1 and gone", s.Workers)
	}

	self := s.Workers[0]
	if self.WorkerID != "dev-1" || self.PID != os.Getpid() || !self.Running {
		t.Errorf("unexpected usage for self: %+v", self)
	}
	if self.RSSMB <= 0 {
		t.Errorf("expected resident memory for the test process, got %v", self.RSSMB)
	}

	if gone := s.Workers[1]; gone.Running {
		t.Errorf("invalid pid reported as running: %+v", gone)
	}
}

func TestMonitor_WorkerMemoryWarning(t *testing.T) {
	m := NewMonitor(selfSource(), Options{Thresholds: Thresholds{WorkerRSSMB: 0.001}})
	s := m.Sample(context.Background())

	if len(s.Warnings) != 1 {
		t.Fatalf("warnings = %+v, want one", s.Warnings)
	}
	w := s.Warnings[0]
	if w.Type != "worker_memory" || w.Subject != "dev-1" || w.Level != "critical" {
		t.Errorf("unexpected warning: %+v", w)
	}
}

func TestMonitor_ThresholdsDisabled(t *testing.T) {
	m := NewMonitor(selfSource(), Options{})
	if s := m.Sample(context.Background()); len(s.Warnings) != 0 {
		t.Errorf("expected no warnings with zero thresholds, got %+v", s.Warnings)
	}
}

func TestMonitor_HistoryBounded(t *testing.T) {
	m := NewMonitor(nil, Options{HistorySize: 2})
	ctx := context.Background()
	m.Sample(ctx)
	m.Sample(ctx)
	last := m.Sample(ctx)

	h := m.History()
	if len(h) != 2 {
		t.Fatalf("history length = %d, want 2", len(h))
	}
	latest, ok := m.Latest()
	if !ok || !latest.Timestamp.Equal(last.Timestamp) {
		t.Errorf("latest = %v, want %v", latest.Timestamp, last.Timestamp)
	}
}

func TestMonitor_StartStop(t *testing.T) {
	m := NewMonitor(nil, Options{Interval: 10 * time.Millisecond})
	m.Start(context.Background())

	deadline := time.After(2 * time.Second)
	for len(m.History()) < 2 {
		select {
		case <-deadline:
			t.Fatal("monitor did not sample")
		case <-time.After(5 * time.Millisecond):
		}
	}

	m.Stop()
	m.Stop()
	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("monitor loop did not exit")
	}
}

func TestMonitor_StopsOnContextCancel(t *testing.T) {
	m := NewMonitor(nil, Options{Interval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	cancel()

	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("monitor loop did not exit")
	}
	if _, ok := m.Latest(); !ok {
		t.Error("expected the initial sample")
	}
}
