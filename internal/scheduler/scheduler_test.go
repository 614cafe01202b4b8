package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mnesis/mnesis/internal/jobqueue"
	"github.com/mnesis/mnesis/internal/store"
)

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(context.Background(), filepath.Join(dir, "mnesis.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	jq, err := jobqueue.New(context.Background(), st, nil)
	require.NoError(t, err)
	s, err := New(st, jq, Config{StateFilePath: filepath.Join(dir, "scheduler_state.json")}, nil)
	require.NoError(t, err)
	clock := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }
	return s, st
}

func TestDecaySweepArchivesDecayedWorkingMemory(t *testing.T) {
	s, st := newTestScheduler(t)
	ctx := context.Background()
	tbl, err := st.Table("memories")
	require.NoError(t, err)
	require.NoError(t, tbl.Add(ctx, store.Row{
		"id": "w1", "content": "scratch note", "level": "working", "category": "misc",
		"status": "active", "importance_score": 0.1,
		"last_referenced_at": "2026-06-01T00:00:00Z", "created_at": "2026-06-01T00:00:00Z",
	}))

	require.NoError(t, s.RunDecaySweep(ctx))

	row, err := tbl.Get(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, "archived", row["status"])
}

func TestDecaySweepFloorsSemanticImportance(t *testing.T) {
	s, st := newTestScheduler(t)
	ctx := context.Background()
	tbl, err := st.Table("memories")
	require.NoError(t, err)
	require.NoError(t, tbl.Add(ctx, store.Row{
		"id": "s1", "content": "durable fact", "level": "semantic", "category": "identity",
		"status": "active", "importance_score": 0.8,
		"last_referenced_at": "2020-01-01T00:00:00Z", "created_at": "2020-01-01T00:00:00Z",
	}))

	require.NoError(t, s.RunDecaySweep(ctx))

	row, err := tbl.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "active", row["status"])
	require.Greater(t, row["importance_score"].(float64), 0.0)
}

func TestMiningTriggerCheckEnqueuesForHighSignalConversation(t *testing.T) {
	s, st := newTestScheduler(t)
	ctx := context.Background()
	ctbl, err := st.Table("conversations")
	require.NoError(t, err)
	require.NoError(t, ctbl.Add(ctx, store.Row{
		"id": "conv1", "status": "active", "message_count": 20,
		"started_at": "2026-07-30T00:00:00Z",
	}))

	report, err := s.RunMiningTriggerCheck(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report["triggered"])
}

func TestMiningTriggerCheckSkipsBelowThreshold(t *testing.T) {
	s, st := newTestScheduler(t)
	ctx := context.Background()
	ctbl, err := st.Table("conversations")
	require.NoError(t, err)
	require.NoError(t, ctbl.Add(ctx, store.Row{
		"id": "conv1", "status": "active", "message_count": 3,
		"started_at": "2026-07-30T00:00:00Z",
	}))

	report, err := s.RunMiningTriggerCheck(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, report["triggered"])
}

func TestStateRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scheduler_state.json")
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	require.NoError(t, SaveState(path, State{LastDecaySweepAt: now}))

	loaded, err := LoadState(path)
	require.NoError(t, err)
	require.True(t, loaded.LastDecaySweepAt.Equal(now))
}

func TestLoadStateMissingFileReturnsZeroValue(t *testing.T) {
	dir := t.TempDir()
	loaded, err := LoadState(filepath.Join(dir, "missing.json"))
	require.NoError(t, err)
	require.True(t, loaded.LastDecaySweepAt.IsZero())
}
