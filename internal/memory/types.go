// Package memory implements the memory core: the
// create/search/update/delete/feedback/snapshot operations every other
// component and a future transport layer call through, with the write
// path serialized through internal/writequeue.
package memory

import "time"

// Memory is the durable unit of recall.
type Memory struct {
	ID                   string     `json:"id"`
	Content              string     `json:"content"`
	Level                string     `json:"level"` // semantic | episodic | working
	Category             string     `json:"category"`
	ImportanceScore      float64    `json:"importance_score"`
	ConfidenceScore      float64    `json:"confidence_score"`
	Privacy              string     `json:"privacy"`
	Status               string     `json:"status"` // active | pending_review | archived
	Version              int        `json:"version"`
	ReferenceCount       int        `json:"reference_count"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	LastReferencedAt      time.Time  `json:"last_referenced_at"`
	SourceLLM            string     `json:"source_llm"`
	SourceConversationID string     `json:"source_conversation_id,omitempty"`
	SourceMessageID      string     `json:"source_message_id,omitempty"`
	SourceExcerpt        string     `json:"source_excerpt,omitempty"`
	Tags                 []string   `json:"tags"`
	SuggestionReason     string     `json:"suggestion_reason,omitempty"`
	ReviewNote           string     `json:"review_note,omitempty"`
	DecayProfile         string     `json:"decay_profile"`
	ExpiresAt            *time.Time `json:"expires_at,omitempty"`
	ReviewDueAt          *time.Time `json:"review_due_at,omitempty"`
	EventDate            *time.Time `json:"event_date,omitempty"`
	NeedsReview          bool       `json:"needs_review"`
}

// CreateRequest is the input to CreateMemory.
type CreateRequest struct {
	Content              string
	Level                string
	Category             string
	ImportanceScore      float64
	ConfidenceScore      float64
	Privacy              string
	SourceLLM            string
	SourceConversationID string
	SourceMessageID      string
	SourceExcerpt        string
	Tags                 []string
	SessionID            string

	// ForcedStatus overrides the default status a new memory is created
	// with ("pending_review" for a semantic memory with confidence below
	// 0.85, "active" otherwise). The miner sets this to "pending_review" so mined
	// memories wait for human confirmation instead of surfacing immediately.
	ForcedStatus string
	// SuggestionReason is a human-readable provenance note attached to
	// memories created with a ForcedStatus, e.g. "mined from 2 conversations".
	SuggestionReason string
}

// CreateAction is the disposition CreateMemory reports, matching the
// original's {"id", "status", "action"} response shape.
type CreateAction string

const (
	ActionCreated  CreateAction = "created"
	ActionMerged   CreateAction = "merged"
	ActionSkipped  CreateAction = "skipped"
	ActionRejected CreateAction = "rejected"
)

// Rejection reasons CreateMemory's validation pass can report, matching
// the status=error result taxonomy.
const (
	RejectedLength      = "rejected_length"
	RejectedTokens      = "rejected_tokens"
	RejectedFirstPerson = "rejected_first_person"
)

// CreateResult is returned by CreateMemory.
type CreateResult struct {
	ID           string
	Status       string
	Action       CreateAction
	RejectReason string
}

// SearchRequest is the input to SearchMemories.
type SearchRequest struct {
	Query     string
	Context   string
	Levels    []string
	Category  string
	Limit     int
	SessionID string
}

// SearchHit is one ranked result from SearchMemories.
type SearchHit struct {
	Memory Memory
	Score  float64
}

// FeedbackRequest is the input to ProcessFeedback.
type FeedbackRequest struct {
	MemoryID  string
	SessionID string
}

// UpdateRequest is the input to UpdateMemory.
type UpdateRequest struct {
	ID      string
	Content string
}

// Snapshot is the bundled context returned by GetSnapshot.
type Snapshot struct {
	Context  string
	Sections []SnapshotSection
	Working  []Memory
	Tokens   int
}

// SnapshotSection is one named, ordered group of memories in a snapshot.
type SnapshotSection struct {
	Header    string
	Category  string
	Memories  []Memory
	Truncated bool
}

// Stats is the data an admin-facing insights surface would summarize:
// per-category counts plus counts of rows awaiting review. The transport
// that would serve it is out of scope here, but the underlying query is
// kept so a future transport has something to call.
type Stats struct {
	Total            int
	ByStatus         map[string]int
	ByCategory       map[string]int
	ByLevel          map[string]int
	PendingReview    int
	NeedsReview      int
	PendingConflicts int
}
