package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), filepath.Join(dir, "mnesis.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddGetUpdateDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tbl, err := s.Table("memories")
	require.NoError(t, err)

	err = tbl.Add(ctx, Row{
		"id":               "m1",
		"content":          "likes coffee",
		"level":            "semantic",
		"category":         "preferences",
		"importance_score": 0.6,
		"status":           "active",
		"tags":             []string{"coffee", "drinks"},
		"created_at":       "2026-01-01T00:00:00Z",
	})
	require.NoError(t, err)

	row, err := tbl.Get(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, "likes coffee", row["content"])
	require.Equal(t, "active", row["status"])
	tags, ok := row["tags"].([]any)
	require.True(t, ok)
	require.Len(t, tags, 2)

	err = tbl.Update(ctx, "m1", Row{"status": "archived", "importance_score": 0.9})
	require.NoError(t, err)
	row, err = tbl.Get(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, "archived", row["status"])

	n, err := tbl.Count(ctx, "status = 'archived'")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, tbl.Delete(ctx, "id = 'm1'"))
	_, err = tbl.Get(ctx, "m1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateNotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tbl, err := s.Table("memories")
	require.NoError(t, err)
	err = tbl.Update(ctx, "missing", Row{"status": "archived"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestVectorSearch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tbl, err := s.Table("memories")
	require.NoError(t, err)

	mk := func(id string, vec []float32) {
		require.NoError(t, tbl.Add(ctx, Row{
			"id": id, "content": id, "level": "semantic", "category": "preferences",
			"status": "active", "embedding": vec, "created_at": "2026-01-01T00:00:00Z",
		}))
	}
	dim := EmbeddingDim
	near := make([]float32, dim)
	far := make([]float32, dim)
	near[0] = 1
	far[0] = -1
	mk("near", near)
	mk("far", far)

	query := make([]float32, dim)
	query[0] = 1
	rows, err := tbl.Search(query).Where("status = 'active'").Limit(2).ToList(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	require.Equal(t, "near", rows[0]["id"])
	require.Contains(t, rows[0], "_distance")
}

func TestValidatePredicateRejectsUnsafe(t *testing.T) {
	require.NoError(t, ValidatePredicate("status = 'active'"))
	require.NoError(t, ValidatePredicate("content = 'O''Brien'"))
	require.Error(t, ValidatePredicate("status = 'active"))
	require.Error(t, ValidatePredicate("status = 'active'; DROP TABLE memories"))
}
