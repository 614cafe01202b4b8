package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mnesis/mnesis/internal/store"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(context.Background(), filepath.Join(dir, "mnesis.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	tr := New(st, nil)
	clock := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return clock }
	return tr
}

func TestStartAndUpdateActivity(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	id, err := tr.Start(ctx, "key1", "claude")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, tr.UpdateActivity(ctx, id, []string{"m1"}, []string{"m2", "m3"}, nil))
	require.NoError(t, tr.UpdateActivity(ctx, id, []string{"m1"}, nil, []string{"m2"}))

	tbl, err := tr.store.Table("sessions")
	require.NoError(t, err)
	row, err := tbl.Get(ctx, id)
	require.NoError(t, err)
	written := row["memory_ids_written"].([]any)
	require.Len(t, written, 1)
	read := row["memory_ids_read"].([]any)
	require.Len(t, read, 2)
	feedback := row["memory_ids_feedback"].([]any)
	require.Len(t, feedback, 1)
}

func TestEndSession(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	id, err := tr.Start(ctx, "key1", "claude")
	require.NoError(t, err)

	require.NoError(t, tr.EndSession(ctx, id, "feedback_called"))

	tbl, err := tr.store.Table("sessions")
	require.NoError(t, err)
	row, err := tbl.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "feedback_called", row["end_reason"])
	require.NotEmpty(t, row["ended_at"])
}

func TestUpdateActivityMissingSessionIsNoop(t *testing.T) {
	tr := newTestTracker(t)
	err := tr.UpdateActivity(context.Background(), "", []string{"x"}, nil, nil)
	require.NoError(t, err)
}
