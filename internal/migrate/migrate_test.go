package migrate

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mnesis/mnesis/internal/embedder"
	"github.com/mnesis/mnesis/internal/store"
)

func TestEnsureSchemaIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(context.Background(), filepath.Join(dir, "mnesis.db"))
	require.NoError(t, err)
	defer st.Close()

	m := New(st, nil, nil)
	require.NoError(t, m.EnsureSchema(context.Background()))
	require.NoError(t, m.EnsureSchema(context.Background()))
}

func TestRepairTableReinsertsEmbeddings(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(context.Background(), filepath.Join(dir, "mnesis.db"))
	require.NoError(t, err)
	defer st.Close()

	emb := embedder.New(nil)
	vec, err := emb.Embed(context.Background(), "likes coffee")
	require.NoError(t, err)
	tbl, err := st.Table("memories")
	require.NoError(t, err)
	require.NoError(t, tbl.Add(context.Background(), store.Row{
		"id": "m1", "content": "likes coffee", "level": "semantic", "category": "preferences",
		"status": "active", "embedding": vec, "created_at": "2026-07-31T00:00:00Z",
	}))

	m := New(st, nil, func() string { return "test" })
	require.NoError(t, m.RepairTable(context.Background(), "memories"))

	rows, err := tbl.Search(vec).Limit(1).ToList(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	require.Equal(t, "m1", rows[0]["id"])
}

func TestRepairTableRejectsUnknownTable(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(context.Background(), filepath.Join(dir, "mnesis.db"))
	require.NoError(t, err)
	defer st.Close()

	m := New(st, nil, nil)
	err = m.RepairTable(context.Background(), "nope")
	require.Error(t, err)
}

func TestRepairTableRejectsNonVectorTable(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(context.Background(), filepath.Join(dir, "mnesis.db"))
	require.NoError(t, err)
	defer st.Close()

	m := New(st, nil, nil)
	err = m.RepairTable(context.Background(), "sessions")
	require.Error(t, err)
}
