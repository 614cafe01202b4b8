package miner

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mnesis/mnesis/internal/candidate"
	"github.com/mnesis/mnesis/internal/embedder"
	"github.com/mnesis/mnesis/internal/llmprovider"
	"github.com/mnesis/mnesis/internal/memory"
	"github.com/mnesis/mnesis/internal/store"
	"github.com/mnesis/mnesis/internal/writequeue"
)

func TestToThirdPersonRewritesFirstPerson(t *testing.T) {
	require.Equal(t, "The user prefers tea over coffee.", toThirdPerson("I prefer tea over coffee"))
	require.Equal(t, "The user is a backend engineer.", toThirdPerson("I'm a backend engineer"))
}

func TestLooksGenericNonMemoryRejectsEncyclopediaFacts(t *testing.T) {
	require.True(t, looksGenericNonMemory("HTTP is a standard protocol for the web"))
	require.True(t, looksGenericNonMemory("The user could try it if needed"))
	require.False(t, looksGenericNonMemory("The user prefers dark roast coffee in the morning"))
}

func TestLooksTruncatedMemoryTextCatchesCutoffs(t *testing.T) {
	require.True(t, looksTruncatedMemoryText("The user works on a project called..."))
	require.True(t, looksTruncatedMemoryText("The user is building a tool for-"))
	require.False(t, looksTruncatedMemoryText("The user is building a tool for scheduling."))
}

func TestNormalizeConfidenceClampsAndDefaults(t *testing.T) {
	require.Equal(t, 0.8, normalizeConfidence(0))
	require.Equal(t, 0.5, normalizeConfidence(0.1))
	require.Equal(t, 0.99, normalizeConfidence(5))
	require.Equal(t, 0.85, normalizeConfidence(0.85))
}

func TestNormalizeCategoryAndLevelAliases(t *testing.T) {
	require.Equal(t, "preferences", normalizeCategory("working_style"))
	require.Equal(t, "skills", normalizeCategory("tech_stack"))
	require.Equal(t, "preferences", normalizeCategory("nonsense"))
	require.Equal(t, "semantic", normalizeLevel("long_term"))
	require.Equal(t, "working", normalizeLevel("temporary"))
}

func TestCleanCandidateTextsSplitsAndDedupes(t *testing.T) {
	out := cleanCandidateTexts("I like coffee; I like coffee; I work remotely from Lisbon", 420, 4)
	require.Len(t, out, 2)
	require.Contains(t, out[0], "The user")
}

func TestChunkTextBySentencesNeverDropsContent(t *testing.T) {
	long := "The user has a very long sentence describing their entire career history in great detail without a single period anywhere in it at all whatsoever"
	chunks := chunkTextBySentences(long, 40)
	var rebuilt string
	for _, c := range chunks {
		rebuilt += c
	}
	require.GreaterOrEqual(t, len(rebuilt), len(long)-len(chunks)) // minus the spaces trimmed at boundaries
}

func TestConsolidateCandidatesMergesRelatedTopicCluster(t *testing.T) {
	candidates := []rawCandidate{
		{Content: "The user works on a project called HomeBoard.", Category: "projects", Level: "semantic", Confidence: 0.8, ConversationID: "c1"},
		{Content: "HomeBoard uses a Postgres backend.", Category: "projects", Level: "semantic", Confidence: 0.9, ConversationID: "c1"},
		{Content: "The user prefers dark roast coffee.", Category: "preferences", Level: "semantic", Confidence: 0.7, ConversationID: "c1"},
	}
	out := consolidateCandidates(candidates, 420, 4)
	require.Len(t, out, 2)
	require.Contains(t, out[0].Content, "HomeBoard")
}

func TestCandidateRelatedToClusterSharedSourceMessage(t *testing.T) {
	cl := &candidateCluster{
		topicTokens: map[string]bool{}, namedTokens: map[string]bool{},
		categories: map[string]bool{}, sourceMessageIDs: map[string]bool{"m1": true},
	}
	require.True(t, candidateRelatedToCluster(rawCandidate{SourceMessageID: "m1"}, cl))
}

func TestCandidateIsPromotableHighConfidenceFastPath(t *testing.T) {
	now := time.Now()
	c := candidate.Candidate{Confidence: 0.95, EvidenceCount: 1, ConversationIDs: []string{"c1"}}
	opts := RunOptions{PromotionMinScore: 0.9, PromotionMinEvidence: 5, PromotionMinConversations: 5}
	require.True(t, candidateIsPromotable(c, now, opts))
}

func TestCandidateIsPromotableRequiresThresholds(t *testing.T) {
	now := time.Now()
	c := candidate.Candidate{Confidence: 0.7, EvidenceCount: 1, ConversationIDs: []string{"c1"}, PromotionScore: 0.5}
	opts := RunOptions{PromotionMinScore: 0.72, PromotionMinEvidence: 1, PromotionMinConversations: 1}
	require.False(t, candidateIsPromotable(c, now, opts))
}

func TestBuildCandidateReasonIncludesMethodAndConfidence(t *testing.T) {
	reason := buildCandidateReason(rawCandidate{
		Content: "The user prefers tea.", Method: "llm", Confidence: 0.91,
		ConversationTitle: "Morning chat", SourceMessageID: "msg-123",
	})
	require.Contains(t, reason, "Morning chat")
	require.Contains(t, reason, "llm")
	require.Contains(t, reason, "0.91")
}

// newTestMiner wires a full Miner against a temp-file store, an offline
// embedder, and the heuristic provider, matching internal/candidate and
// internal/memory's own temp-store test setup.
func newTestMiner(t *testing.T) (*Miner, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(context.Background(), filepath.Join(dir, "mnesis.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	emb := embedder.New(nil)
	wq := writequeue.New(16, nil)
	mem := memory.New(st, emb, wq, nil)
	cand := candidate.New(st, emb, nil)

	m := New(st, cand, mem, func(id string) (llmprovider.Provider, error) {
		return llmprovider.NewHeuristic(), nil
	}, nil)
	return m, st
}

func seedConversation(t *testing.T, st *store.Store, id string, messages []string) {
	t.Helper()
	ctx := context.Background()
	convTbl, err := st.Table("conversations")
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, convTbl.Add(ctx, store.Row{
		"id": id, "title": "Test conversation", "source_llm": "chatgpt",
		"started_at": now.Format(time.RFC3339), "ended_at": now.Format(time.RFC3339),
		"message_count": len(messages), "status": "active",
	}))
	msgTbl, err := st.Table("messages")
	require.NoError(t, err)
	for i, content := range messages {
		require.NoError(t, msgTbl.Add(ctx, store.Row{
			"id": id + "-m" + string(rune('0'+i)), "conversation_id": id, "role": "user",
			"content": content, "timestamp": now.Add(time.Duration(i) * time.Minute).Format(time.RFC3339),
		}))
	}
}

func TestMinerRunExtractsAndPromotesFromHeuristicMarkers(t *testing.T) {
	m, st := newTestMiner(t)
	seedConversation(t, st, "conv-1", []string{
		"I prefer dark roast coffee over anything else in the morning before work starts.",
		"My stack is Go and Postgres and I use it for almost every backend project I build.",
	})

	report, err := m.Run(context.Background(), RunOptions{WaitIfBusy: true, MaxConversations: 10})
	require.NoError(t, err)
	require.Equal(t, "ok", report.Status)
	require.GreaterOrEqual(t, report.ConversationsSelected, 1)
}

func TestMinerRunDryRunStagesNothing(t *testing.T) {
	m, st := newTestMiner(t)
	seedConversation(t, st, "conv-2", []string{
		"I prefer dark roast coffee over anything else in the morning before work starts.",
	})

	report, err := m.Run(context.Background(), RunOptions{WaitIfBusy: true, DryRun: true, MaxConversations: 10})
	require.NoError(t, err)
	require.Equal(t, 0, report.Created)

	cand := candidate.New(st, embedder.New(nil), nil)
	pending, err := cand.ListPending(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestMinerRunSecondPassSkipsFreshConversation(t *testing.T) {
	m, st := newTestMiner(t)
	seedConversation(t, st, "conv-3", []string{
		"I prefer dark roast coffee over anything else in the morning before work starts.",
	})

	ctx := context.Background()
	first, err := m.Run(ctx, RunOptions{WaitIfBusy: true, MaxConversations: 10})
	require.NoError(t, err)
	require.Equal(t, 1, first.ConversationsSelected)

	second, err := m.Run(ctx, RunOptions{WaitIfBusy: true, MaxConversations: 10})
	require.NoError(t, err)
	require.Equal(t, 0, second.ConversationsSelected)
}

func TestMinerRunNonWaitingProceedsWhenIdle(t *testing.T) {
	m, _ := newTestMiner(t)
	// No conversations seeded; just exercises the non-blocking busy path
	// structurally (no concurrent caller holds m.busy here, so this run
	// always proceeds — the race-dependent blocking case isn't something a
	// deterministic unit test can assert without a synchronization hook).
	report, err := m.Run(context.Background(), RunOptions{WaitIfBusy: false})
	require.NoError(t, err)
	require.NotEqual(t, "busy", report.Status)
}
