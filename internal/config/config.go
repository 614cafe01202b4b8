// Package config loads and deep-merges config.yaml over compiled-in
// defaults, with environment-variable overrides and a process-wide cache
// that survives until ForceReload is called.
package config

// Config is the persisted configuration document. Only the fields the
// core memory/ingestion subsystem consumes are modeled here; fields a
// transport layer (REST/MCP, auth, rate limiting, remote sync, insights
// dashboards) would need belong to components out of scope for this
// module and are not reproduced.
type Config struct {
	OnboardingCompleted bool `yaml:"onboarding_completed"`

	// ValidationMode ("auto", "review" or "strict") is loaded, saved and
	// overridable from the environment; no package reads it, so it does
	// not change how candidates are promoted.
	ValidationMode string `yaml:"validation_mode"`

	DecayRates DecayRates `yaml:"decay_rates"`

	RESTPort int `yaml:"rest_port"`
	MCPPort  int `yaml:"mcp_port"`

	ConversationAnalysis ConversationAnalysis `yaml:"conversation_analysis"`
}

// DecayRates holds per-level Ebbinghaus decay constants for config.yaml.
// internal/decay.Retention does not read them; it uses its own compiled-in
// constants.
type DecayRates struct {
	Semantic float64 `yaml:"semantic"`
	Episodic float64 `yaml:"episodic"`
	Working  float64 `yaml:"working"`
}

// ConversationAnalysis configures the Miner: which provider mines
// candidates, how much of each conversation it sees, and the thresholds
// governing dedup/consolidation/promotion.
type ConversationAnalysis struct {
	Enabled               bool   `yaml:"enabled"`
	RequireLLMConfigured  bool   `yaml:"require_llm_configured"`
	IntervalMinutes       int    `yaml:"interval_minutes"`
	Provider              string `yaml:"provider"` // auto|openai|anthropic|ollama|heuristic
	Model                 string `yaml:"model"`
	APIBaseURL            string `yaml:"api_base_url"`
	APIKey                string `yaml:"api_key"`

	MaxConversations             int `yaml:"max_conversations"`
	MaxMessagesPerConversation   int `yaml:"max_messages_per_conversation"`
	MaxCandidatesPerConversation int `yaml:"max_candidates_per_conversation"`
	MaxNewMemories               int `yaml:"max_new_memories"`

	MinConfidence             float64 `yaml:"min_confidence"`
	PromotionMinScore         float64 `yaml:"promotion_min_score"`
	PromotionMinEvidence      int     `yaml:"promotion_min_evidence"`
	PromotionMinConversations int     `yaml:"promotion_min_conversations"`
	SemanticDedupeThreshold   float64 `yaml:"semantic_dedupe_threshold"`

	Concurrency              int  `yaml:"concurrency"`
	IncludeAssistantMessages bool `yaml:"include_assistant_messages"`
}

// Defaults returns a fresh copy of the compiled-in default configuration.
func Defaults() Config {
	return Config{
		OnboardingCompleted: false,
		ValidationMode:      "auto",
		DecayRates: DecayRates{
			Semantic: 0.001,
			Episodic: 0.05,
			Working:  0.3,
		},
		RESTPort: 7860,
		MCPPort:  7861,
		ConversationAnalysis: ConversationAnalysis{
			Enabled:                      true,
			RequireLLMConfigured:         true,
			IntervalMinutes:              20,
			Provider:                     "auto",
			Model:                        "",
			APIBaseURL:                   "",
			APIKey:                       "",
			MaxConversations:             24,
			MaxMessagesPerConversation:   24,
			MaxCandidatesPerConversation: 4,
			MaxNewMemories:               40,
			MinConfidence:                0.8,
			PromotionMinScore:            0.72,
			PromotionMinEvidence:         1,
			PromotionMinConversations:    1,
			SemanticDedupeThreshold:      0.92,
			Concurrency:                  2,
			IncludeAssistantMessages:     false,
		},
	}
}
