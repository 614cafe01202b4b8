package miner

import (
	"encoding/json"
	"fmt"

	"github.com/mnesis/mnesis/internal/llmprovider"
)

// buildExtractionPrompt mirrors _build_llm_prompt: the instruction text is
// the contract every provider (real LLM or the heuristic fallback) is held
// to, followed by the JSON-encoded ExtractionPayload every provider parses
// identically.
func buildExtractionPrompt(ctx conversationContext, maxCandidates int, minConfidence float64) string {
	messages := make([]llmprovider.PromptMessage, 0, len(ctx.Messages))
	for _, m := range ctx.Messages {
		content := m.Content
		if len(content) > 480 {
			content = content[:480]
		}
		messages = append(messages, llmprovider.PromptMessage{
			ID: m.ID, Role: m.Role, Content: content, Timestamp: m.Timestamp,
		})
	}
	payload := llmprovider.ExtractionPayload{
		ConversationID: ctx.ConversationID,
		Title:          ctx.Title,
		SourceLLM:      ctx.SourceLLM,
		Messages:       messages,
	}
	raw, _ := json.Marshal(payload)
	return fmt.Sprintf(
		"You extract durable user memories from conversation transcripts.\n"+
			"Return STRICT JSON only with this schema:\n"+
			"{\"memories\":[{\"content\":\"...\",\"category\":\"identity|preferences|skills|relationships|projects|history|working\","+
			"\"level\":\"semantic|episodic|working\",\"confidence\":0.0,\"source_message_id\":\"...\"}]}\n"+
			"Rules:\n"+
			"- Return at most %d memories.\n"+
			"- Keep only memories with confidence >= %.2f.\n"+
			"- Keep durable, user-centric facts and preferences. Avoid transient tasks and one-off requests.\n"+
			"- Write in third-person declarative style (never first-person).\n"+
			"- Source grounding: source_message_id must reference a USER message from this transcript.\n"+
			"- Each memory must be 20-480 chars.\n"+
			"- Keep key context when available (time window, concrete reason, constraints), not generic paraphrases.\n"+
			"- Reject vague capability claims (e.g., 'the user can ... if needed') unless concretely evidenced and durable.\n"+
			"- Never truncate with ellipsis ('...' or '…'). If needed, shorten while keeping a complete sentence.\n"+
			"- Merge tightly related facts from the same topic into one memory instead of splitting excessively.\n"+
			"- Do not duplicate semantically equivalent memories.\n"+
			"Conversation data: %s",
		maxCandidates, minConfidence, raw,
	)
}
