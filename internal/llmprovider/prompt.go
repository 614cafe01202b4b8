package llmprovider

// PromptMessage is one transcript message embedded in an extraction
// prompt ({id, role, content, timestamp}).
type PromptMessage struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// ExtractionPayload is the "Conversation data: {...}" JSON object every
// extraction prompt embeds after its instruction text, regardless of which
// provider consumes it. heuristic.go parses this same payload instead of
// calling out to a network LLM, so the miner's prompt construction and
// response parsing stay provider-agnostic.
type ExtractionPayload struct {
	ConversationID string          `json:"conversation_id"`
	Title          string          `json:"title"`
	SourceLLM      string          `json:"source_llm"`
	Messages       []PromptMessage `json:"messages"`
}
