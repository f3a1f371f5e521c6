package pool

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/squads/internal/adapters/state"
	"github.com/hugo-lorenzo-mato/squads/internal/core"
)

func addWorker(t *testing.T, s core.WorkerStore, w *core.WorkerInstance) {
	t.Helper()
	w.Active = true
	require.NoError(t, s.CreateWorker(context.Background(), w))
}

func TestReserve_MatchesRoleAndMarksBusy(t *testing.T) {
	s := state.NewMemoryStore()
	addWorker(t, s, &core.WorkerInstance{ID: "rev", ProjectID: "alpha", Role: core.RoleReviewer})
	addWorker(t, s, &core.WorkerInstance{ID: "dev", ProjectID: "alpha", Role: core.RoleDeveloper, Capabilities: []core.Capability{core.CapWriteCode}})
	addWorker(t, s, &core.WorkerInstance{ID: "other", ProjectID: "beta", Role: core.RoleReviewer})

	p := New(s)
	w, err := p.Reserve(context.Background(), "alpha", core.RoleReviewer)
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, "rev", w.ID)
	assert.Equal(t, core.WorkerStatusBusy, w.Status)

	stored, err := s.GetWorker(context.Background(), "rev")
	require.NoError(t, err)
	assert.Equal(t, core.WorkerStatusBusy, stored.Status)

	// Only reviewer in alpha is taken now.
	w, err = p.Reserve(context.Background(), "alpha", core.RoleReviewer)
	require.NoError(t, err)
	assert.Nil(t, w)
}

func TestReserve_DeveloperNeedsWriteCode(t *testing.T) {
	s := state.NewMemoryStore()
	addWorker(t, s, &core.WorkerInstance{ID: "dev-ro", ProjectID: "p", Role: core.RoleDeveloper})
	p := New(s)

	w, err := p.Reserve(context.Background(), "p", core.RoleDeveloper)
	require.NoError(t, err)
	assert.Nil(t, w)

	addWorker(t, s, &core.WorkerInstance{ID: "dev-rw", ProjectID: "p", Role: core.RoleDeveloper, Capabilities: []core.Capability{core.CapWriteCode}})
	w, err = p.Reserve(context.Background(), "p", core.RoleDeveloper)
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, "dev-rw", w.ID)
}

func TestReserve_SkipsInactiveAndBusy(t *testing.T) {
	s := state.NewMemoryStore()
	ctx := context.Background()
	addWorker(t, s, &core.WorkerInstance{ID: "gone", ProjectID: "p", Role: core.RoleQA})
	require.NoError(t, s.DeactivateWorker(ctx, "gone"))
	addWorker(t, s, &core.WorkerInstance{ID: "busy", ProjectID: "p", Role: core.RoleQA, Status: core.WorkerStatusBusy})
	addWorker(t, s, &core.WorkerInstance{ID: "broken", ProjectID: "p", Role: core.RoleQA, Status: core.WorkerStatusError})

	w, err := New(s).Reserve(ctx, "p", core.RoleQA)
	require.NoError(t, err)
	assert.Nil(t, w)
}

func TestReserve_LegacyIdentity(t *testing.T) {
	s := state.NewMemoryStore()
	addWorker(t, s, &core.WorkerInstance{ID: "old", ProjectID: "p", Identity: "Senior Code Reviewer"})

	w, err := New(s).Reserve(context.Background(), "p", core.RoleReviewer)
	require.NoError(t, err)
	assert.Nil(t, w, "untagged workers need the legacy matcher")

	m, err := core.NewLegacyRoleMatcher(core.DefaultLegacyRolePatterns)
	require.NoError(t, err)
	w, err = New(s, WithLegacyMatcher(m)).Reserve(context.Background(), "p", core.RoleReviewer)
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, "old", w.ID)
}

func TestReserve_ConcurrentCallersNeverShareAWorker(t *testing.T) {
	for name, s := range map[string]core.WorkerStore{
		"memory": state.NewMemoryStore(),
		"sqlite": newSQLite(t),
	} {
		t.Run(name, func(t *testing.T) {
			const workers = 3
			for i := 0; i < workers; i++ {
				addWorker(t, s, &core.WorkerInstance{ID: fmt.Sprintf("w%d", i), ProjectID: "p", Role: core.RoleReviewer})
			}
			p := New(s)

			var mu sync.Mutex
			got := map[string]int{}
			misses := 0
			var wg sync.WaitGroup
			for i := 0; i < 12; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					w, err := p.Reserve(context.Background(), "p", core.RoleReviewer)
					assert.NoError(t, err)
					mu.Lock()
					defer mu.Unlock()
					if w == nil {
						misses++
						return
					}
					got[w.ID]++
				}()
			}
			wg.Wait()

			assert.Len(t, got, workers)
			for id, n := range got {
				assert.Equal(t, 1, n, "worker %s reserved more than once", id)
			}
			assert.Equal(t, 12-workers, misses)
		})
	}
}

func TestRelease_Idempotent(t *testing.T) {
	s := state.NewMemoryStore()
	ctx := context.Background()
	addWorker(t, s, &core.WorkerInstance{ID: "w", ProjectID: "p", Role: core.RolePM})
	p := New(s)

	w, err := p.Reserve(ctx, "p", core.RolePM)
	require.NoError(t, err)
	require.NotNil(t, w)

	require.NoError(t, p.Release(ctx, "w"))
	require.NoError(t, p.Release(ctx, "w"))
	got, err := s.GetWorker(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, core.WorkerStatusIdle, got.Status)

	err = p.Release(ctx, "missing")
	assert.True(t, core.IsNotFound(err))
}

func TestSuggestRole(t *testing.T) {
	assert.Equal(t, core.RoleReviewer, SuggestRole("revw"))
	assert.Equal(t, core.RoleArchitect, SuggestRole("arch"))
	assert.Equal(t, core.Role(""), SuggestRole("zzz"))
}

func newSQLite(t *testing.T) *state.SQLiteStore {
	t.Helper()
	s, err := state.NewSQLiteStore(t.TempDir() + "/pool.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}
