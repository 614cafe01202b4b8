package candidate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mnesis/mnesis/internal/embedder"
	"github.com/mnesis/mnesis/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(context.Background(), filepath.Join(dir, "mnesis.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	emb := embedder.New(nil)
	s := New(st, emb, nil)
	clock := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }
	return s
}

func TestUpsertCreatesNewCandidate(t *testing.T) {
	s := newTestStore(t)
	c, outcome, err := s.Upsert(context.Background(), Extraction{
		Content: "Prefers tea over coffee", Category: "preferences", Level: "semantic",
		Confidence: 0.8, ConversationID: "conv1", Method: "llm",
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, outcome)
	require.Equal(t, 1, c.EvidenceCount)
}

func TestUpsertExactDuplicateReinforces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	first, _, err := s.Upsert(ctx, Extraction{
		Content: "Prefers tea over coffee", Category: "preferences", Level: "semantic",
		Confidence: 0.6, ConversationID: "conv1", Method: "llm",
	})
	require.NoError(t, err)

	second, outcome, err := s.Upsert(ctx, Extraction{
		Content: "prefers tea over coffee.", Category: "preferences", Level: "semantic",
		Confidence: 0.9, ConversationID: "conv2", Method: "heuristic",
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeMerged, outcome)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 2, second.EvidenceCount)
	require.InDelta(t, 0.9, second.Confidence, 0.001)
}

func TestCanonicalizeStripsNoiseAndCase(t *testing.T) {
	require.Equal(t, Canonicalize("Likes coffee."), Canonicalize("likes   COFFEE"))
}

func TestPromotionScoreRewardsConfidenceEvidenceAndRecency(t *testing.T) {
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	fresh := Candidate{Confidence: 0.9, EvidenceCount: 4, ConversationIDs: []string{"a", "b", "c"}, Level: "semantic", LastSeenAt: now}
	stale := fresh
	stale.LastSeenAt = now.AddDate(0, 0, -90)

	freshScore := PromotionScore(fresh, now)
	staleScore := PromotionScore(stale, now)
	require.Greater(t, freshScore, staleScore)
	require.LessOrEqual(t, freshScore, 0.99)
}

func TestPromotionScoreClampedNonNegative(t *testing.T) {
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	c := Candidate{Confidence: 0, EvidenceCount: 0, Level: "episodic", LastSeenAt: now.AddDate(0, 0, -400)}
	require.GreaterOrEqual(t, PromotionScore(c, now), 0.0)
}
