package templates

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/squads/internal/adapters/state"
	"github.com/hugo-lorenzo-mato/squads/internal/core"
	"github.com/hugo-lorenzo-mato/squads/internal/fsutil"
)

const featureYAML = `id: feature
name: Feature
nodes:
  - id: build
    role: developer
    description: Implement the story
    next_node_id: review
    kanban_status: in_progress
  - id: review
    role: reviewer
    requires_approval: true
    kanban_status: done
    kanban_trigger: on_complete
edges:
  - from: build
    to: review
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestParse(t *testing.T) {
	tmpl, err := Parse([]byte(featureYAML))
	require.NoError(t, err)
	assert.Equal(t, "feature", tmpl.ID)
	require.Len(t, tmpl.Nodes, 2)
	assert.Equal(t, core.RoleReviewer, tmpl.Nodes[1].Role)
	assert.True(t, tmpl.Nodes[1].RequiresApproval)
	assert.Equal(t, core.KanbanOnComplete, tmpl.Nodes[1].KanbanTrigger)

	tests := map[string]string{
		"unknown field": "id: x\nnodes:\n  - id: a\n    role: developer\n    colour: red\n",
		"bad role":      "id: x\nnodes:\n  - id: a\n    role: wizard\n",
		"no nodes":      "id: x\nnodes: []\n",
		"dangling":      "id: x\nnodes:\n  - id: a\n    role: qa\n    next_node_id: b\n",
		"not yaml":      "id: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadFile_TooLarge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "huge.yaml")
	padding := "# " + strings.Repeat("x", maxTemplateSize) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(padding+featureYAML), 0o600))

	_, err := LoadFile(path)
	require.ErrorIs(t, err, fsutil.ErrTooLarge)
}

func TestLoadAll(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "feature.yaml", featureYAML)
	writeFile(t, dir, "broken.yml", "id: broken\nnodes: []\n")
	writeFile(t, dir, "notes.txt", "ignored")
	store := state.NewMemoryStore()
	c := NewCatalog(dir, store, nil)

	n, err := c.LoadAll(context.Background())
	assert.Equal(t, 1, n)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.yml")

	_, err = store.GetTemplate(context.Background(), "feature")
	require.NoError(t, err)

	n, err = NewCatalog(filepath.Join(dir, "missing"), store, nil).LoadAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSaveAndImport(t *testing.T) {
	dir := t.TempDir()
	store := state.NewMemoryStore()
	c := NewCatalog(filepath.Join(dir, "catalog"), store, nil)
	ctx := context.Background()

	src := writeFile(t, dir, "incoming.yaml", featureYAML)
	tmpl, err := c.Import(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, "feature", tmpl.ID)

	saved, err := LoadFile(filepath.Join(dir, "catalog", "feature.yaml"))
	require.NoError(t, err)
	assert.Equal(t, tmpl.Nodes, saved.Nodes)
	assert.Equal(t, tmpl.Edges, saved.Edges)

	err = c.Save(ctx, &core.WorkflowTemplate{ID: "empty"})
	assert.True(t, core.IsCategory(err, core.ErrCatValidation))
	_, statErr := os.Stat(filepath.Join(dir, "catalog", "empty.yaml"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestWatch_ReloadsChangedFiles(t *testing.T) {
	dir := t.TempDir()
	store := state.NewMemoryStore()
	c := NewCatalog(dir, store, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx) }()

	// The watcher registers asynchronously; keep rewriting until it notices.
	require.Eventually(t, func() bool {
		writeFile(t, dir, "feature.yaml", featureYAML)
		_, err := store.GetTemplate(context.Background(), "feature")
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}
