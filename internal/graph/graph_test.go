package graph

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mnesis/mnesis/internal/embedder"
	"github.com/mnesis/mnesis/internal/store"
)

func newTestLayer(t *testing.T) (*Layer, *store.Store, *embedder.Embedder) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(context.Background(), filepath.Join(dir, "mnesis.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	emb := embedder.New(nil)
	clock := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	l := New(st, emb, nil, WithClock(func() time.Time { return clock }))
	return l, st, emb
}

func addMemory(t *testing.T, st *store.Store, emb *embedder.Embedder, id, content, category string) {
	t.Helper()
	vec, err := emb.Embed(context.Background(), content)
	require.NoError(t, err)
	tbl, err := st.Table("memories")
	require.NoError(t, err)
	require.NoError(t, tbl.Add(context.Background(), store.Row{
		"id": id, "content": content, "category": category, "level": "semantic",
		"status": "active", "embedding": vec, "created_at": "2026-07-31T00:00:00Z",
	}))
}

func TestDeriveEdgesBelongsToSameCategory(t *testing.T) {
	l, st, emb := newTestLayer(t)
	ctx := context.Background()
	addMemory(t, st, emb, "a", "Works on the platform infrastructure team as a backend engineer", "identity")
	addMemory(t, st, emb, "b", "Works on the platform infrastructure team as a backend engineer lead", "identity")

	require.NoError(t, l.DeriveEdges(ctx, "b"))

	edges, err := l.EdgesFor(ctx, "b")
	require.NoError(t, err)
	require.NotEmpty(t, edges)
}

func TestDeriveEdgesContradicts(t *testing.T) {
	l, st, emb := newTestLayer(t)
	ctx := context.Background()
	addMemory(t, st, emb, "a", "Really enjoys working remotely full time from a home office", "preferences")
	addMemory(t, st, emb, "b", "No longer enjoys working remotely full time from a home office", "preferences")

	require.NoError(t, l.DeriveEdges(ctx, "b"))

	edges, err := l.EdgesFor(ctx, "b")
	require.NoError(t, err)
	var found bool
	for _, e := range edges {
		if e["type"] == EdgeContradicts {
			found = true
		}
	}
	require.True(t, found)
}

func TestDeriveEdgesInvolvesPerson(t *testing.T) {
	l, st, emb := newTestLayer(t)
	ctx := context.Background()
	addMemory(t, st, emb, "a", "Spoke with Jordan about the roadmap for next quarter release planning", "projects")
	addMemory(t, st, emb, "b", "Jordan agreed to own the roadmap for next quarter release planning", "projects")

	require.NoError(t, l.DeriveEdges(ctx, "b"))

	edges, err := l.EdgesFor(ctx, "b")
	require.NoError(t, err)
	var found bool
	for _, e := range edges {
		if e["type"] == EdgeInvolvesPerson {
			found = true
		}
	}
	require.True(t, found)
}

func TestExtractPeopleExcludesCommonNames(t *testing.T) {
	people := extractPeople("On Monday, Jordan met with The team in January")
	require.Contains(t, people, "Jordan")
	require.NotContains(t, people, "Monday")
	require.NotContains(t, people, "January")
	require.NotContains(t, people, "The")
}

func TestNoEdgesBelowNeighborMinScore(t *testing.T) {
	l, st, emb := newTestLayer(t)
	ctx := context.Background()
	addMemory(t, st, emb, "a", "Enjoys painting landscapes on weekends", "hobbies")
	addMemory(t, st, emb, "b", "The quarterly tax filing deadline is in April", "finance")

	require.NoError(t, l.DeriveEdges(ctx, "b"))
	edges, err := l.EdgesFor(ctx, "b")
	require.NoError(t, err)
	require.Empty(t, edges)
}
