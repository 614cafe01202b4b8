package miner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mnesis/mnesis/internal/llmprovider"
)

// llmCandidate is the wire shape every provider's response is parsed as,
// matching the schema buildExtractionPrompt asks for.
type llmCandidate struct {
	Content         string  `json:"content"`
	Category        string  `json:"category"`
	Level           string  `json:"level"`
	Confidence      float64 `json:"confidence"`
	SourceMessageID string  `json:"source_message_id"`
}

type llmResponse struct {
	Memories []llmCandidate `json:"memories"`
}

// extractWithProvider calls provider.Chat, parses its {"memories": [...]}
// response, and runs each raw memory through the same clean/enrich/reject
// pipeline the heuristic path uses, matching how
// _extract_candidates_with_llm's output is treated identically to
// _heuristic_candidates_for_conversation's.
func extractWithProvider(ctx context.Context, provider llmprovider.Provider, cc conversationContext, maxCandidates int, minConfidence float64) ([]rawCandidate, error) {
	prompt := buildExtractionPrompt(cc, maxCandidates, minConfidence)
	out, err := provider.Chat(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("miner: provider chat: %w", err)
	}

	var resp llmResponse
	if err := json.Unmarshal([]byte(extractJSONObject(out)), &resp); err != nil {
		return nil, fmt.Errorf("miner: parse provider response: %w", err)
	}

	bySourceID := map[string]conversationMessage{}
	var userMessages []conversationMessage
	for _, m := range cc.Messages {
		if strings.EqualFold(m.Role, "user") {
			bySourceID[m.ID] = m
			userMessages = append(userMessages, m)
		}
	}

	method := provider.ID()
	if method == "" {
		method = "llm"
	}

	var out2 []rawCandidate
	seen := map[string]bool{}
	for _, raw := range resp.Memories {
		if len(out2) >= maxCandidates {
			break
		}
		source, ok := bySourceID[raw.SourceMessageID]
		if !ok {
			source = selectBestUserMessage(raw.Content, userMessages)
		}
		cleaned := cleanCandidateTexts(raw.Content, 420, 2)
		for _, c := range cleaned {
			if len(out2) >= maxCandidates {
				break
			}
			enriched := enrichCandidateWithSourceContext(c, source.Content)
			if len(enriched) < 20 || len(enriched) > 520 {
				continue
			}
			if looksTruncatedMemoryText(enriched) || looksGenericNonMemory(enriched) {
				continue
			}
			key := strings.ToLower(enriched)
			if seen[key] {
				continue
			}
			seen[key] = true
			out2 = append(out2, rawCandidate{
				Content:                enriched,
				Category:               normalizeCategory(raw.Category),
				Level:                  normalizeLevel(raw.Level),
				Confidence:             normalizeConfidence(raw.Confidence),
				ConversationID:          cc.ConversationID,
				ConversationTitle:       cc.Title,
				SourceMessageID:        source.ID,
				SourceMessageTimestamp: source.Timestamp,
				SourceExcerpt:          buildSourceExcerpt(source.Content, 120),
				Method:                 method,
			})
		}
	}
	if len(out2) >= maxCandidates {
		return out2[:maxCandidates], nil
	}
	return out2, nil
}

// extractJSONObject trims a provider response down to its outermost JSON
// object, tolerating chatty providers that wrap JSON in prose or code
// fences (real LLMs rarely return bare JSON despite being asked to).
func extractJSONObject(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return "{}"
	}
	return text[start : end+1]
}

// selectBestUserMessage mirrors _select_best_user_message_for_candidate:
// picks the user message sharing the most topic/named tokens with the
// candidate content, falling back to the most recent user message.
func selectBestUserMessage(content string, userMessages []conversationMessage) conversationMessage {
	if len(userMessages) == 0 {
		return conversationMessage{}
	}
	candidateTokens := extractTopicTokens(content)
	unionInto(candidateTokens, extractNamedTokens(content))
	if len(candidateTokens) == 0 {
		return userMessages[len(userMessages)-1]
	}
	best := userMessages[len(userMessages)-1]
	bestScore := 0
	for _, msg := range userMessages {
		msgTokens := extractTopicTokens(msg.Content)
		unionInto(msgTokens, extractNamedTokens(msg.Content))
		score := intersectCount(candidateTokens, msgTokens)
		if score > bestScore {
			bestScore = score
			best = msg
		}
	}
	return best
}
