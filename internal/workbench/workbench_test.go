package workbench

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mnesis/mnesis/internal/embedder"
	"github.com/mnesis/mnesis/internal/store"
)

func setup(t *testing.T) (*Workbench, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(context.Background(), filepath.Join(dir, "mnesis.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	emb := embedder.New(nil)
	w := New(st, emb, nil)
	clock := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return clock }
	return w, st
}

func seedConflict(t *testing.T, st *store.Store) (existingID, candidateID, conflictID string) {
	t.Helper()
	ctx := context.Background()
	mtbl, err := st.Table("memories")
	require.NoError(t, err)
	existingID, candidateID = "existing", "candidate"
	require.NoError(t, mtbl.Add(ctx, store.Row{
		"id": existingID, "content": "likes remote work", "status": "active",
		"level": "semantic", "category": "preferences", "version": int64(1),
		"created_at": "2026-07-01T00:00:00Z",
	}))
	require.NoError(t, mtbl.Add(ctx, store.Row{
		"id": candidateID, "content": "dislikes remote work", "status": "active",
		"level": "semantic", "category": "preferences", "created_at": "2026-07-30T00:00:00Z",
	}))
	ptbl, err := st.Table("pending_conflicts")
	require.NoError(t, err)
	conflictID = "conflict1"
	require.NoError(t, ptbl.Add(ctx, store.Row{
		"id": conflictID, "memory_id_existing": existingID, "memory_id_candidate": candidateID,
		"candidate_content": "dislikes remote work", "candidate_category": "preferences",
		"candidate_level": "semantic", "similarity_score": 0.8, "status": "pending",
		"detected_at": "2026-07-30T00:00:00Z",
	}))
	return
}

func TestListPendingReturnsOnlyPending(t *testing.T) {
	w, st := setup(t)
	_, _, conflictID := seedConflict(t, st)
	pending, err := w.ListPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, conflictID, pending[0].ID)
}

func TestResolveKeptExistingLeavesBothUntouched(t *testing.T) {
	w, st := setup(t)
	existingID, candidateID, conflictID := seedConflict(t, st)
	require.NoError(t, w.Resolve(context.Background(), conflictID, ResolutionKeptExisting, ""))

	mtbl, _ := st.Table("memories")
	e, err := mtbl.Get(context.Background(), existingID)
	require.NoError(t, err)
	require.Equal(t, "active", e["status"])
	c, err := mtbl.Get(context.Background(), candidateID)
	require.NoError(t, err)
	require.Equal(t, "active", c["status"])

	ptbl, _ := st.Table("pending_conflicts")
	p, err := ptbl.Get(context.Background(), conflictID)
	require.NoError(t, err)
	require.Equal(t, "resolved", p["status"])
}

func TestResolveOverwrittenArchivesExisting(t *testing.T) {
	w, st := setup(t)
	existingID, candidateID, conflictID := seedConflict(t, st)
	require.NoError(t, w.Resolve(context.Background(), conflictID, ResolutionOverwritten, ""))

	mtbl, _ := st.Table("memories")
	e, err := mtbl.Get(context.Background(), existingID)
	require.NoError(t, err)
	require.Equal(t, "archived", e["status"])
	c, err := mtbl.Get(context.Background(), candidateID)
	require.NoError(t, err)
	require.Equal(t, "active", c["status"])
}

func TestResolveVersionedLeavesBothActive(t *testing.T) {
	w, st := setup(t)
	existingID, candidateID, conflictID := seedConflict(t, st)
	require.NoError(t, w.Resolve(context.Background(), conflictID, ResolutionVersioned, ""))

	mtbl, _ := st.Table("memories")
	e, err := mtbl.Get(context.Background(), existingID)
	require.NoError(t, err)
	require.Equal(t, "active", e["status"])
	c, err := mtbl.Get(context.Background(), candidateID)
	require.NoError(t, err)
	require.Equal(t, "active", c["status"])
}

func TestResolveMergedRequiresContent(t *testing.T) {
	w, st := setup(t)
	_, _, conflictID := seedConflict(t, st)
	err := w.Resolve(context.Background(), conflictID, ResolutionMerged, "")
	require.Error(t, err)
}

func TestResolveMergedReplacesExistingContentAndArchivesCandidate(t *testing.T) {
	w, st := setup(t)
	existingID, candidateID, conflictID := seedConflict(t, st)
	require.NoError(t, w.Resolve(context.Background(), conflictID, ResolutionMerged, "works remote some days"))

	mtbl, _ := st.Table("memories")
	e, err := mtbl.Get(context.Background(), existingID)
	require.NoError(t, err)
	require.Equal(t, "works remote some days", e["content"])
	require.Equal(t, int64(2), e["version"])
	c, err := mtbl.Get(context.Background(), candidateID)
	require.NoError(t, err)
	require.Equal(t, "archived", c["status"])

	vtbl, _ := st.Table("memory_versions")
	versions, err := vtbl.Search(nil).Where("memory_id = '" + existingID + "'").ToList(context.Background())
	require.NoError(t, err)
	require.Len(t, versions, 1)
	require.Equal(t, "likes remote work", versions[0]["content"])

	ptbl, _ := st.Table("pending_conflicts")
	p, err := ptbl.Get(context.Background(), conflictID)
	require.NoError(t, err)
	require.Equal(t, "resolved", p["status"])
	require.Equal(t, "merged", p["resolution"])

	etbl, _ := st.Table("memory_events")
	events, err := etbl.Search(nil).Where("memory_id = '" + existingID + "'").ToList(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "conflict_resolved", events[0]["kind"])
}
