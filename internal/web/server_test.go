package web

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/squads/internal/adapters/state"
	"github.com/hugo-lorenzo-mato/squads/internal/config"
	"github.com/hugo-lorenzo-mato/squads/internal/core"
	"github.com/hugo-lorenzo-mato/squads/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/squads/internal/events"
	"github.com/hugo-lorenzo-mato/squads/internal/logging"
	"github.com/hugo-lorenzo-mato/squads/internal/pool"
	"github.com/hugo-lorenzo-mato/squads/internal/workflow"
)

type fakeMessenger struct {
	mu      sync.Mutex
	signals []string
}

func (f *fakeMessenger) Inject(string, string) bool { return true }

func (f *fakeMessenger) SignalWorker(workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if workerID == "ghost" {
		return core.ErrNotFound("worker", workerID)
	}
	f.signals = append(f.signals, workerID)
	return nil
}

type fixture struct {
	store     *state.MemoryStore
	bus       *events.EventBus
	messenger *fakeMessenger
	published <-chan events.Event
	handler   http.Handler
}

func newFixture(t *testing.T, hooks config.WebhooksConfig) *fixture {
	t.Helper()
	f := &fixture{
		store:     state.NewMemoryStore(),
		bus:       events.New(logging.NewNop()),
		messenger: &fakeMessenger{},
	}
	t.Cleanup(f.bus.Close)
	f.published = f.bus.Tap(64)
	p := pool.New(f.store)
	engine := workflow.NewEngine(workflow.EngineConfig{
		Templates: f.store,
		Runs:      f.store,
		Pool:      p,
		Messenger: f.messenger,
		Bus:       f.bus,
	})
	cfg := DefaultConfig()
	cfg.Webhooks = hooks
	srv := New(cfg, Services{
		Runs:      engine,
		Workers:   f.store,
		Pool:      p,
		Messenger: f.messenger,
		Bus:       f.bus,
	}, logging.NewNop())
	f.handler = srv.Handler()

	ctx := context.Background()
	require.NoError(t, f.store.SaveTemplate(ctx, &core.WorkflowTemplate{
		ID: "feature",
		Nodes: []core.Node{
			{ID: "build", Role: core.RoleDeveloper, NextNodeID: "signoff"},
			{ID: "signoff", Role: core.RoleReviewer, RequiresApproval: true},
		},
	}))
	require.NoError(t, f.store.CreateWorker(ctx, &core.WorkerInstance{
		ID: "dev-1", ProjectID: "alpha", Role: core.RoleDeveloper, Active: true,
		Capabilities: []core.Capability{core.CapWriteCode},
	}))
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case []byte:
		buf.Write(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

// drain returns the types of events published so far.
func (f *fixture) drain() []string {
	var out []string
	for {
		select {
		case e := <-f.published:
			out = append(out, e.EventType())
		default:
			return out
		}
	}
}

func decodeRun(t *testing.T, rec *httptest.ResponseRecorder) core.WorkflowRun {
	t.Helper()
	var run core.WorkflowRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	return run
}

func TestHealth(t *testing.T) {
	f := newFixture(t, config.WebhooksConfig{})
	rec := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestRunLifecycle(t *testing.T) {
	f := newFixture(t, config.WebhooksConfig{})

	rec := f.do(t, http.MethodPost, "/api/v1/runs", map[string]string{
		"template_id": "feature", "project_id": "alpha", "target_id": "SQ-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	run := decodeRun(t, rec)
	assert.Equal(t, "build", run.CurrentNodeID)
	assert.Equal(t, "dev-1", run.Executions[0].WorkerInstanceID)

	rec = f.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/nodes/build/complete", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run = decodeRun(t, rec)
	assert.Equal(t, core.RunStatusPaused, run.Status)
	assert.Equal(t, "signoff", run.CurrentNodeID)

	rec = f.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/nodes/signoff/approve", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, core.RunStatusCompleted, decodeRun(t, rec).Status)

	rec = f.do(t, http.MethodGet, "/api/v1/runs?project=alpha&status=completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []core.WorkflowRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)

	assert.Contains(t, f.drain(), events.TypeNodeApprovalNeeded)
}

func TestRunErrors(t *testing.T) {
	f := newFixture(t, config.WebhooksConfig{})

	rec := f.do(t, http.MethodPost, "/api/v1/runs", map[string]string{"template_id": "nope", "project_id": "alpha"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/runs", map[string]string{"project_id": "alpha"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/runs", []byte(`{"template_id":"feature","colour":"red"}`))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/runs", map[string]string{"template_id": "feature", "project_id": "alpha"})
	require.Equal(t, http.StatusCreated, rec.Code)
	run := decodeRun(t, rec)

	rec = f.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/nodes/signoff/complete", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/nodes/build/fail", map[string]string{"reason": "tests broke"})
	require.Equal(t, http.StatusOK, rec.Code)
	failed := decodeRun(t, rec)
	assert.Equal(t, core.RunStatusFailed, failed.Status)
	assert.Equal(t, "tests broke", failed.Executions[0].Error)

	rec = f.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/advance", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkers(t *testing.T) {
	f := newFixture(t, config.WebhooksConfig{})
	ctx := context.Background()
	ok, err := f.store.CompareAndSwapStatus(ctx, "dev-1", core.WorkerStatusIdle, core.WorkerStatusBusy)
	require.NoError(t, err)
	require.True(t, ok)

	rec := f.do(t, http.MethodPost, "/api/v1/workers/dev-1/release", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	w, err := f.store.GetWorker(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, core.WorkerStatusIdle, w.Status)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/v1/workers/ghost/release", nil).Code)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/api/v1/workers/dev-1/poke", nil).Code)
	assert.Equal(t, []string{"dev-1"}, f.messenger.signals)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/v1/workers/ghost/poke", nil).Code)

	rec = f.do(t, http.MethodGet, "/api/v1/workers?project=alpha", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var workers []core.WorkerInstance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &workers))
	require.Len(t, workers, 1)
	assert.Equal(t, "dev-1", workers[0].ID)
}

func TestDiagnostics(t *testing.T) {
	f := newFixture(t, config.WebhooksConfig{})
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/api/v1/diagnostics", nil).Code)

	monitor := diagnostics.NewMonitor(nil, diagnostics.Options{})
	srv := New(DefaultConfig(), Services{Workers: f.store, Monitor: monitor}, logging.NewNop())
	f.handler = srv.Handler()

	rec := f.do(t, http.MethodGet, "/api/v1/diagnostics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap diagnostics.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Positive(t, snap.Goroutines)
	assert.Len(t, monitor.History(), 1)

	f.do(t, http.MethodGet, "/api/v1/diagnostics", nil)
	assert.Len(t, monitor.History(), 1, "cached snapshot served")
	f.do(t, http.MethodGet, "/api/v1/diagnostics?fresh=true", nil)
	assert.Len(t, monitor.History(), 2)
}

func TestEventEndpoints(t *testing.T) {
	f := newFixture(t, config.WebhooksConfig{})

	tests := []struct {
		path string
		body interface{}
		want string
	}{
		{"/api/v1/projects/alpha/spawn", nil, events.TypeAgentsSpawnAll},
		{"/api/v1/projects/alpha/sprints/s1/ready", map[string][]string{"ticket_ids": {"SQ-1"}}, events.TypeSprintReady},
		{"/api/v1/tickets/SQ-1/assign", map[string]string{"project_id": "alpha", "template_id": "feature"}, events.TypeStoryAssigned},
		{"/api/v1/tickets/SQ-1/approve", map[string]string{"project_id": "alpha"}, events.TypeStoryApproved},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, tt.path, tt.body)
			require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
			assert.Contains(t, f.drain(), tt.want)
		})
	}

	rec := f.do(t, http.MethodPost, "/api/v1/tickets/SQ-1/assign", map[string]string{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestGitHubWebhook(t *testing.T) {
	f := newFixture(t, config.WebhooksConfig{GitHubSecret: "s3cret"})

	opened := []byte(`{"action":"opened","pull_request":{"number":7,"title":"SQ-1 login","html_url":"https://github.com/o/r/pull/7","head":{"ref":"feature/SQ-1"},"base":{"ref":"main"},"user":{"login":"octo"}}}`)
	rec := f.do(t, http.MethodPost, "/webhooks/alpha/github", opened,
		"X-GitHub-Event", "pull_request", "X-Hub-Signature-256", sign("s3cret", opened))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"github.pr.opened"}, f.drain())

	merged := []byte(`{"action":"closed","pull_request":{"number":7,"merged":true,"head":{"ref":"feature/SQ-1"}}}`)
	rec = f.do(t, http.MethodPost, "/webhooks/alpha/github", merged,
		"X-GitHub-Event", "pull_request", "X-Hub-Signature-256", sign("s3cret", merged))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"github.pr.merged"}, f.drain())

	comment := []byte(`{"action":"created","issue":{"number":7,"pull_request":{"url":"x"}},"comment":{"body":"nit","user":{"login":"rev"}}}`)
	rec = f.do(t, http.MethodPost, "/webhooks/alpha/github", comment,
		"X-GitHub-Event", "issue_comment", "X-Hub-Signature-256", sign("s3cret", comment))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"github.pr.comment"}, f.drain())

	closed := []byte(`{"action":"closed","pull_request":{"number":8,"merged":false}}`)
	rec = f.do(t, http.MethodPost, "/webhooks/alpha/github", closed,
		"X-GitHub-Event", "pull_request", "X-Hub-Signature-256", sign("s3cret", closed))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ignored")

	rec = f.do(t, http.MethodPost, "/webhooks/alpha/github", opened,
		"X-GitHub-Event", "pull_request", "X-Hub-Signature-256", sign("wrong", opened))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, f.drain())
}

func TestGitLabWebhook(t *testing.T) {
	f := newFixture(t, config.WebhooksConfig{GitLabToken: "tok"})

	mr := []byte(`{"object_kind":"merge_request","user":{"username":"gl"},"object_attributes":{"iid":3,"title":"SQ-2","url":"https://gitlab.com/o/r/-/merge_requests/3","source_branch":"feature/SQ-2","target_branch":"main","action":"open"}}`)
	rec := f.do(t, http.MethodPost, "/webhooks/alpha/gitlab", mr,
		"X-Gitlab-Event", "Merge Request Hook", "X-Gitlab-Token", "tok")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"gitlab.pr.opened"}, f.drain())

	note := []byte(`{"object_kind":"note","user":{"username":"rev"},"object_attributes":{"note":"fix this","noteable_type":"MergeRequest","url":"https://gitlab.com/o/r/-/merge_requests/3#note_1"},"merge_request":{"iid":3,"source_branch":"feature/SQ-2"}}`)
	rec = f.do(t, http.MethodPost, "/webhooks/alpha/gitlab", note,
		"X-Gitlab-Event", "Note Hook", "X-Gitlab-Token", "tok")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"gitlab.pr.comment"}, f.drain())

	rec = f.do(t, http.MethodPost, "/webhooks/alpha/gitlab", mr,
		"X-Gitlab-Event", "Merge Request Hook", "X-Gitlab-Token", "nope")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChatWebhook(t *testing.T) {
	f := newFixture(t, config.WebhooksConfig{})

	rec := f.do(t, http.MethodPost, "/webhooks/alpha/chat", map[string]interface{}{
		"provider":  "slack",
		"text":      "status?",
		"ticket_id": "SQ-1",
		"thread":    []map[string]string{{"author": "ana", "text": "hi"}},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"slack.message.received"}, f.drain())

	rec = f.do(t, http.MethodPost, "/webhooks/alpha/chat", map[string]string{"author": "ana"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
