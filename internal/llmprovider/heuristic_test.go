package llmprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func extractionPrompt(messages []PromptMessage) string {
	payload := ExtractionPayload{ConversationID: "conv-1", Messages: messages}
	raw, _ := json.Marshal(payload)
	return fmt.Sprintf("You extract durable user memories from conversation transcripts.\nConversation data: %s", raw)
}

func TestHeuristicChatExtractsMarkerCandidates(t *testing.T) {
	p := NewHeuristic()
	prompt := extractionPrompt([]PromptMessage{
		{ID: "msg-42", Role: "user", Content: "My name is Dana. I prefer dark mode in every editor I use."},
	})

	out, err := p.Chat(context.Background(), prompt)
	require.NoError(t, err)

	var resp heuristicResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	candidates := resp.Memories
	require.NotEmpty(t, candidates)

	var sawIdentity, sawPreference bool
	for _, c := range candidates {
		require.Equal(t, "msg-42", c.SourceMessageID)
		if c.Category == "identity" {
			sawIdentity = true
		}
		if c.Category == "preferences" {
			sawPreference = true
		}
	}
	require.True(t, sawIdentity, "expected an identity candidate from 'my name is'")
	require.True(t, sawPreference, "expected a preferences candidate from 'i prefer'")
}

func TestHeuristicChatSkipsAssistantMessages(t *testing.T) {
	p := NewHeuristic()
	prompt := extractionPrompt([]PromptMessage{
		{ID: "msg-1", Role: "assistant", Content: "My name is Claude, the assistant."},
	})

	out, err := p.Chat(context.Background(), prompt)
	require.NoError(t, err)

	var resp heuristicResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Empty(t, resp.Memories)
}

func TestHeuristicChatNoMarkersReturnsEmptyArray(t *testing.T) {
	p := NewHeuristic()
	prompt := extractionPrompt([]PromptMessage{
		{ID: "msg-1", Role: "user", Content: "The weather today is sunny with a light breeze."},
	})

	out, err := p.Chat(context.Background(), prompt)
	require.NoError(t, err)
	require.True(t, strings.Contains(out, `"memories"`))

	var resp heuristicResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Empty(t, resp.Memories)
}

func TestHeuristicPreflightAlwaysClean(t *testing.T) {
	p := NewHeuristic()
	require.NoError(t, p.Preflight(context.Background()))
}

func TestNewDispatchesByID(t *testing.T) {
	p, err := New(Config{ID: "heuristic"})
	require.NoError(t, err)
	require.Equal(t, "heuristic", p.ID())

	_, err = New(Config{ID: "bogus"})
	require.Error(t, err)
}
