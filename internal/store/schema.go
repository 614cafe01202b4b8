package store

// ColumnDef describes one column of a table managed by the store.
// Type is a SQLite storage class (TEXT, INTEGER, REAL, BLOB). Default, when
// non-empty, is rendered verbatim into DEFAULT clauses and ALTER TABLE ADD
// COLUMN statements emitted by the migrator.
type ColumnDef struct {
	Name    string
	Type    string
	Default string
}

// VectorSpec describes the vec0 shadow table backing semantic search on one
// table. Embedding is stored in both the main table (as a JSON-encoded
// []float32, for round-tripping through Export/Import and for rows that
// never got embedded) and in the shadow vec0 table (for ANN search).
type VectorSpec struct {
	Column string
	Dim    int
}

// TableSchema is the additive, idempotent definition of one logical table.
// The migrator walks these to create missing tables and add missing
// columns; it never drops or renames a column.
type TableSchema struct {
	Name    string
	Columns []ColumnDef
	Vector  *VectorSpec // nil if the table has no vector column
}

// EmbeddingDim is the fixed dimensionality memory vectors, candidate
// vectors, and message vectors share.
const EmbeddingDim = 384

// Schemas enumerates every table the core owns. Order matters only for
// readability; Store.createAll is independent of declaration order since it issues
// CREATE TABLE IF NOT EXISTS for each.
func Schemas() []TableSchema {
	return []TableSchema{
		memoriesSchema,
		memoryVersionsSchema,
		memoryEventsSchema,
		memoryGraphEdgesSchema,
		conversationsSchema,
		messagesSchema,
		pendingConflictsSchema,
		candidatesSchema,
		candidateIndexSchema,
		jobsSchema,
		sessionsSchema,
	}
}

var memoriesSchema = TableSchema{
	Name: "memories",
	Columns: []ColumnDef{
		{Name: "id", Type: "TEXT"},
		{Name: "content", Type: "TEXT"},
		{Name: "embedding", Type: "TEXT", Default: "'[]'"},
		{Name: "level", Type: "TEXT"},
		{Name: "category", Type: "TEXT"},
		{Name: "importance_score", Type: "REAL", Default: "0.5"},
		{Name: "confidence_score", Type: "REAL", Default: "0.7"},
		{Name: "privacy", Type: "TEXT", Default: "'public'"},
		{Name: "status", Type: "TEXT", Default: "'active'"},
		{Name: "version", Type: "INTEGER", Default: "1"},
		{Name: "reference_count", Type: "INTEGER", Default: "0"},
		{Name: "created_at", Type: "TEXT"},
		{Name: "updated_at", Type: "TEXT"},
		{Name: "last_referenced_at", Type: "TEXT"},
		{Name: "source_llm", Type: "TEXT", Default: "''"},
		{Name: "source_conversation_id", Type: "TEXT"},
		{Name: "source_message_id", Type: "TEXT"},
		{Name: "source_excerpt", Type: "TEXT"},
		{Name: "tags", Type: "TEXT", Default: "'[]'"},
		{Name: "suggestion_reason", Type: "TEXT"},
		{Name: "review_note", Type: "TEXT"},
		{Name: "decay_profile", Type: "TEXT", Default: "'stable'"},
		{Name: "expires_at", Type: "TEXT"},
		{Name: "review_due_at", Type: "TEXT"},
		{Name: "event_date", Type: "TEXT"},
		{Name: "needs_review", Type: "INTEGER", Default: "0"},
	},
	Vector: &VectorSpec{Column: "embedding", Dim: EmbeddingDim},
}

// legacyMemoryColumnNames lists memories columns that stores predating the
// decay-profile columns lack. Nothing reads it: CreateMemory's
// schema-mismatch fallback strips its own list of columns before retrying.
var legacyMemoryColumnNames = map[string]bool{
	"decay_profile": true, "expires_at": true, "needs_review": true,
	"review_due_at": true, "event_date": true,
	"source_excerpt": true, "suggestion_reason": true,
}

var memoryVersionsSchema = TableSchema{
	Name: "memory_versions",
	Columns: []ColumnDef{
		{Name: "id", Type: "TEXT"},
		{Name: "memory_id", Type: "TEXT"},
		{Name: "version", Type: "INTEGER"},
		{Name: "content", Type: "TEXT"},
		{Name: "changed_by", Type: "TEXT"},
		{Name: "created_at", Type: "TEXT"},
	},
}

var memoryEventsSchema = TableSchema{
	Name: "memory_events",
	Columns: []ColumnDef{
		{Name: "id", Type: "TEXT"},
		{Name: "memory_id", Type: "TEXT"},
		{Name: "kind", Type: "TEXT"},
		{Name: "detail", Type: "TEXT", Default: "''"},
		{Name: "created_at", Type: "TEXT"},
	},
}

var memoryGraphEdgesSchema = TableSchema{
	Name: "memory_graph_edges",
	Columns: []ColumnDef{
		{Name: "id", Type: "TEXT"},
		{Name: "source_id", Type: "TEXT"},
		{Name: "target_id", Type: "TEXT"},
		{Name: "type", Type: "TEXT"},
		{Name: "score", Type: "REAL"},
		{Name: "created_at", Type: "TEXT"},
	},
}

var conversationsSchema = TableSchema{
	Name: "conversations",
	Columns: []ColumnDef{
		{Name: "id", Type: "TEXT"},
		{Name: "title", Type: "TEXT", Default: "''"},
		{Name: "source_llm", Type: "TEXT", Default: "''"},
		{Name: "started_at", Type: "TEXT"},
		{Name: "ended_at", Type: "TEXT"},
		{Name: "message_count", Type: "INTEGER", Default: "0"},
		{Name: "summary", Type: "TEXT", Default: "''"},
		{Name: "status", Type: "TEXT", Default: "'active'"},
		{Name: "tags", Type: "TEXT", Default: "'[]'"},
		{Name: "memory_ids", Type: "TEXT", Default: "'[]'"},
		{Name: "raw_file_hash", Type: "TEXT", Default: "''"},
		{Name: "imported_at", Type: "TEXT"},
	},
}

var messagesSchema = TableSchema{
	Name: "messages",
	Columns: []ColumnDef{
		{Name: "id", Type: "TEXT"},
		{Name: "conversation_id", Type: "TEXT"},
		{Name: "role", Type: "TEXT"},
		{Name: "content", Type: "TEXT"},
		{Name: "timestamp", Type: "TEXT"},
		{Name: "embedding", Type: "TEXT"},
	},
}

var pendingConflictsSchema = TableSchema{
	Name: "pending_conflicts",
	Columns: []ColumnDef{
		{Name: "id", Type: "TEXT"},
		{Name: "memory_id_existing", Type: "TEXT"},
		{Name: "memory_id_candidate", Type: "TEXT"},
		{Name: "candidate_content", Type: "TEXT", Default: "''"},
		{Name: "candidate_category", Type: "TEXT", Default: "''"},
		{Name: "candidate_level", Type: "TEXT", Default: "''"},
		{Name: "similarity_score", Type: "REAL"},
		{Name: "detected_at", Type: "TEXT"},
		{Name: "resolved_at", Type: "TEXT"},
		{Name: "resolution", Type: "TEXT"},
		{Name: "status", Type: "TEXT", Default: "'pending'"},
	},
}

var candidatesSchema = TableSchema{
	Name: "candidates",
	Columns: []ColumnDef{
		{Name: "id", Type: "TEXT"},
		{Name: "canonical_key", Type: "TEXT"},
		{Name: "content", Type: "TEXT"},
		{Name: "normalized_content", Type: "TEXT"},
		{Name: "embedding", Type: "TEXT", Default: "'[]'"},
		{Name: "category", Type: "TEXT"},
		{Name: "level", Type: "TEXT"},
		{Name: "confidence", Type: "REAL"},
		{Name: "evidence_count", Type: "INTEGER", Default: "1"},
		{Name: "conversation_ids", Type: "TEXT", Default: "'[]'"},
		{Name: "source_message_ids", Type: "TEXT", Default: "'[]'"},
		{Name: "methods", Type: "TEXT", Default: "'[]'"},
		{Name: "first_seen_at", Type: "TEXT"},
		{Name: "last_seen_at", Type: "TEXT"},
		{Name: "promotion_score", Type: "REAL", Default: "0"},
		{Name: "status", Type: "TEXT", Default: "'pending'"},
		{Name: "promoted_memory_id", Type: "TEXT"},
	},
	Vector: &VectorSpec{Column: "embedding", Dim: EmbeddingDim},
}

var candidateIndexSchema = TableSchema{
	Name: "candidate_index",
	Columns: []ColumnDef{
		{Name: "conversation_id", Type: "TEXT"},
		{Name: "message_count", Type: "INTEGER"},
		{Name: "conversation_hash", Type: "TEXT"},
		{Name: "latest_message_at", Type: "TEXT"},
		{Name: "last_result", Type: "TEXT", Default: "'none'"},
		{Name: "provider", Type: "TEXT", Default: "''"},
		{Name: "signal_score", Type: "REAL", Default: "0"},
		{Name: "last_analyzed_at", Type: "TEXT"},
	},
}

var jobsSchema = TableSchema{
	Name: "jobs",
	Columns: []ColumnDef{
		{Name: "id", Type: "TEXT"},
		{Name: "trigger", Type: "TEXT"},
		{Name: "status", Type: "TEXT", Default: "'pending'"},
		{Name: "priority", Type: "INTEGER", Default: "0"},
		{Name: "dedupe_key", Type: "TEXT"},
		{Name: "payload", Type: "TEXT", Default: "'{}'"},
		{Name: "result", Type: "TEXT"},
		{Name: "attempt_count", Type: "INTEGER", Default: "0"},
		{Name: "max_attempts", Type: "INTEGER", Default: "3"},
		{Name: "created_at", Type: "TEXT"},
		{Name: "started_at", Type: "TEXT"},
		{Name: "completed_at", Type: "TEXT"},
		{Name: "error", Type: "TEXT"},
	},
}

var sessionsSchema = TableSchema{
	Name: "sessions",
	Columns: []ColumnDef{
		{Name: "id", Type: "TEXT"},
		{Name: "api_key_id", Type: "TEXT", Default: "''"},
		{Name: "source_llm", Type: "TEXT", Default: "''"},
		{Name: "started_at", Type: "TEXT"},
		{Name: "ended_at", Type: "TEXT"},
		{Name: "memory_ids_read", Type: "TEXT", Default: "'[]'"},
		{Name: "memory_ids_written", Type: "TEXT", Default: "'[]'"},
		{Name: "memory_ids_feedback", Type: "TEXT", Default: "'[]'"},
		{Name: "end_reason", Type: "TEXT"},
	},
}
