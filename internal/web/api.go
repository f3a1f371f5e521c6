package web

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hugo-lorenzo-mato/squads/internal/core"
	"github.com/hugo-lorenzo-mato/squads/internal/events"
	"github.com/hugo-lorenzo-mato/squads/internal/workflow"
)

type accepted struct {
	Status string `json:"status"`
	Event  string `json:"event"`
}

func (s *Server) publish(w http.ResponseWriter, r *http.Request, e events.Event) {
	if s.svc.Bus == nil {
		respondError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	s.svc.Bus.Publish(r.Context(), e)
	respondJSON(w, http.StatusAccepted, accepted{Status: "accepted", Event: e.EventType()})
}

func (s *Server) handleSpawnAll(w http.ResponseWriter, r *http.Request) {
	s.publish(w, r, events.NewSpawnAllEvent(chi.URLParam(r, "project")))
}

type sprintReadyRequest struct {
	TicketIDs []string `json:"ticket_ids"`
}

func (s *Server) handleSprintReady(w http.ResponseWriter, r *http.Request) {
	var req sprintReadyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondDomainError(w, err)
		return
	}
	s.publish(w, r, events.NewSprintReadyEvent(chi.URLParam(r, "project"), chi.URLParam(r, "sprint"), req.TicketIDs))
}

type assignRequest struct {
	ProjectID  string `json:"project_id"`
	WorkerID   string `json:"worker_id,omitempty"`
	TemplateID string `json:"template_id,omitempty"`
}

func (s *Server) handleAssignTicket(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondDomainError(w, err)
		return
	}
	if req.ProjectID == "" {
		respondDomainError(w, core.ErrValidation(core.CodeMissingField, "project_id is required"))
		return
	}
	s.publish(w, r, events.NewStoryAssignedEvent(req.ProjectID, chi.URLParam(r, "ticket"), req.WorkerID, req.TemplateID))
}

type approveTicketRequest struct {
	ProjectID  string `json:"project_id"`
	RunID      string `json:"run_id,omitempty"`
	NodeID     string `json:"node_id,omitempty"`
	ApprovedBy string `json:"approved_by,omitempty"`
}

func (s *Server) handleApproveTicket(w http.ResponseWriter, r *http.Request) {
	var req approveTicketRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondDomainError(w, err)
		return
	}
	if req.ProjectID == "" {
		respondDomainError(w, core.ErrValidation(core.CodeMissingField, "project_id is required"))
		return
	}
	s.publish(w, r, events.NewStoryApprovedEvent(req.ProjectID, chi.URLParam(r, "ticket"), req.RunID, req.NodeID, req.ApprovedBy))
}

type triggerRequest struct {
	TemplateID string `json:"template_id"`
	ProjectID  string `json:"project_id"`
	TargetID   string `json:"target_id,omitempty"`
}

func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondDomainError(w, err)
		return
	}
	if req.TemplateID == "" {
		respondDomainError(w, core.ErrValidation(core.CodeMissingField, "template_id is required"))
		return
	}
	run, err := s.svc.Runs.Trigger(r.Context(), req.TemplateID, workflow.Target{ProjectID: req.ProjectID, TargetID: req.TargetID})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := core.RunFilter{
		ProjectID:  q.Get("project"),
		TemplateID: q.Get("template"),
		TargetID:   q.Get("target"),
		Status:     core.RunStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondDomainError(w, core.ErrValidation("INVALID_LIMIT", "limit must be a non-negative integer"))
			return
		}
		filter.Limit = n
	}
	runs, err := s.svc.Runs.List(r.Context(), filter)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if runs == nil {
		runs = []*core.WorkflowRun{}
	}
	respondJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	s.respondRun(w, r, http.StatusOK)
}

// respondRun writes the current state of the run named in the path.
func (s *Server) respondRun(w http.ResponseWriter, r *http.Request, status int) {
	run, err := s.svc.Runs.Get(r.Context(), chi.URLParam(r, "run"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, status, run)
}

func (s *Server) handleAdvanceRun(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Runs.Advance(r.Context(), chi.URLParam(r, "run")); err != nil {
		respondDomainError(w, err)
		return
	}
	s.respondRun(w, r, http.StatusOK)
}

func (s *Server) handleCompleteNode(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Runs.Complete(r.Context(), chi.URLParam(r, "run"), chi.URLParam(r, "node")); err != nil {
		respondDomainError(w, err)
		return
	}
	s.respondRun(w, r, http.StatusOK)
}

type failRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleFailNode(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondDomainError(w, err)
		return
	}
	if req.Reason == "" {
		req.Reason = "failed via api"
	}
	if err := s.svc.Runs.Fail(r.Context(), chi.URLParam(r, "run"), chi.URLParam(r, "node"), req.Reason); err != nil {
		respondDomainError(w, err)
		return
	}
	s.respondRun(w, r, http.StatusOK)
}

func (s *Server) handleApproveNode(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Runs.Approve(r.Context(), chi.URLParam(r, "run"), chi.URLParam(r, "node")); err != nil {
		respondDomainError(w, err)
		return
	}
	s.respondRun(w, r, http.StatusOK)
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	workers, err := s.svc.Workers.ListWorkers(r.Context(), core.WorkerFilter{
		ProjectID:  q.Get("project"),
		Status:     core.WorkerStatus(q.Get("status")),
		ActiveOnly: q.Get("active") == "true",
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if workers == nil {
		workers = []*core.WorkerInstance{}
	}
	respondJSON(w, http.StatusOK, workers)
}

func (s *Server) handlePokeWorker(w http.ResponseWriter, r *http.Request) {
	if s.svc.Messenger == nil {
		respondError(w, http.StatusServiceUnavailable, "worker supervisor not configured")
		return
	}
	if err := s.svc.Messenger.SignalWorker(chi.URLParam(r, "worker")); err != nil {
		respondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReleaseWorker(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Pool.Release(r.Context(), chi.URLParam(r, "worker")); err != nil {
		respondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDiagnostics serves the latest resource snapshot, sampling on demand
// when the monitor has not run yet or ?fresh=true is passed.
func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if s.svc.Monitor == nil {
		respondError(w, http.StatusServiceUnavailable, "diagnostics disabled")
		return
	}
	snap, ok := s.svc.Monitor.Latest()
	if !ok || r.URL.Query().Get("fresh") == "true" {
		snap = s.svc.Monitor.Sample(r.Context())
	}
	respondJSON(w, http.StatusOK, snap)
}
