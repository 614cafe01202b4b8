// Package llmprovider implements the miner's provider interface: the miner
// consumes any provider implementing Chat(prompt) -> text. Four provider
// IDs are recognized: openai, anthropic, ollama, heuristic.
package llmprovider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnreachable is returned by Preflight when a provider cannot be reached
// at all (connection refused, DNS failure, timeout).
var ErrUnreachable = errors.New("llmprovider: unreachable")

// ErrModelNotListed is returned by Preflight for local providers when the
// requested model isn't present in the provider's model listing.
var ErrModelNotListed = errors.New("llmprovider: model not listed")

// ChatTimeout and LocalChatTimeout are the per-request timeouts: 30s for
// hosted chat-style providers, 60s for local providers that may be
// running on slower hardware.
const (
	ChatTimeout      = 30 * time.Second
	LocalChatTimeout = 60 * time.Second
)

// Provider is the miner's view of an LLM backend.
type Provider interface {
	// ID is the provider identifier: one of openai, anthropic, ollama,
	// heuristic.
	ID() string
	// Chat sends prompt and returns the model's raw text response.
	Chat(ctx context.Context, prompt string) (string, error)
	// Preflight validates reachability (and, for local providers, that the
	// requested model is listed) before a mining run commits to this
	// provider. Heuristic always preflights clean since it makes no network
	// calls.
	Preflight(ctx context.Context) error
}

// Config configures provider construction. Only the fields relevant to the
// requested ID need to be set.
type Config struct {
	ID string

	// Remote providers (openai, anthropic).
	APIKey string
	Model  string

	// Local providers (ollama).
	BaseURL string
}

// New constructs the Provider named by cfg.ID. Unrecognized IDs return an
// error; callers that want a silent fallback should catch that and
// construct NewHeuristic themselves.
func New(cfg Config) (Provider, error) {
	switch cfg.ID {
	case "openai":
		return NewOpenAI(cfg.APIKey, cfg.Model), nil
	case "anthropic":
		return NewAnthropic(cfg.APIKey, cfg.Model), nil
	case "ollama":
		return NewOllama(cfg.BaseURL, cfg.Model), nil
	case "heuristic", "":
		return NewHeuristic(), nil
	default:
		return nil, fmt.Errorf("llmprovider: unknown provider %q", cfg.ID)
	}
}
