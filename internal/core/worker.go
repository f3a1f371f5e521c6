package core

import "time"

// WorkerStatus is the lifecycle state of a worker instance.
type WorkerStatus string

const (
	WorkerStatusIdle  WorkerStatus = "idle"
	WorkerStatusBusy  WorkerStatus = "busy"
	WorkerStatusError WorkerStatus = "error"
)

// Valid reports whether s is a known worker status.
func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerStatusIdle, WorkerStatusBusy, WorkerStatusError:
		return true
	}
	return false
}

// WorkerInstance is a long-running worker process bound to one project and role.
// Instances are deactivated, never deleted.
type WorkerInstance struct {
	ID            string       `json:"id"`
	ProjectID     string       `json:"project_id"`
	Name          string       `json:"name"`
	Role          Role         `json:"role,omitempty"`
	Identity      string       `json:"identity,omitempty"`
	Capabilities  []Capability `json:"capabilities,omitempty"`
	Status        WorkerStatus `json:"status"`
	PID           *int         `json:"pid,omitempty"`
	WorkspacePath string       `json:"workspace_path,omitempty"`
	Active        bool         `json:"active"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// HasCapability reports whether the worker carries flag c.
func (w *WorkerInstance) HasCapability(c Capability) bool {
	for _, have := range w.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (w *WorkerInstance) Clone() *WorkerInstance {
	if w == nil {
		return nil
	}
	c := *w
	if w.Capabilities != nil {
		c.Capabilities = append([]Capability(nil), w.Capabilities...)
	}
	if w.PID != nil {
		pid := *w.PID
		c.PID = &pid
	}
	return &c
}

// MatchesRole reports whether the worker may be reserved for role. Tagged
// workers compare by equality; untagged ones go through the legacy matcher.
// Capabilities the role requires are always checked.
func (w *WorkerInstance) MatchesRole(role Role, legacy *LegacyRoleMatcher) bool {
	if w.Role != "" {
		if w.Role != role {
			return false
		}
	} else if !legacy.Matches(w.Identity, role) {
		return false
	}
	for _, c := range role.RequiredCapabilities() {
		if !w.HasCapability(c) {
			return false
		}
	}
	return true
}

// WorkerLogLine is one line of worker output.
type WorkerLogLine struct {
	WorkerID  string    `json:"worker_id"`
	ProjectID string    `json:"project_id"`
	Stream    string    `json:"stream"`
	Line      string    `json:"line"`
	Time      time.Time `json:"time"`
}

// Log stream names.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)
