package llmprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/cenkalti/backoff/v4"
)

const defaultOpenAIModel = "gpt-4o-mini"
const defaultOpenAIBaseURL = "https://api.openai.com"

// openAIProvider talks to the OpenAI chat-completions REST API over plain
// net/http. No OpenAI SDK appears anywhere in the retrieved pack (only
// README/manifest mentions, never an imported+compiled client), so, like
// the Ollama provider, it is built directly on the standard library rather
// than a pack-sourced client package, documented in DESIGN.md. baseURL is
// configurable (not just for tests): OpenAI-compatible proxies are common
// in this space and reusing the same provider for them is natural.
type openAIProvider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// NewOpenAI constructs the openai provider.
func NewOpenAI(apiKey, model string) Provider {
	if model == "" {
		model = defaultOpenAIModel
	}
	return &openAIProvider{apiKey: apiKey, model: model, baseURL: defaultOpenAIBaseURL, client: &http.Client{Timeout: ChatTimeout}}
}

func (p *openAIProvider) ID() string { return "openai" }

func (p *openAIProvider) Chat(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, ChatTimeout)
	defer cancel()

	bo := backoff.WithContext(newRetryBackoff(), ctx)
	var out string
	err := backoff.Retry(func() error {
		text, retryable, err := p.chatOnce(ctx, prompt)
		if err == nil {
			out = text
			return nil
		}
		if retryable {
			return err
		}
		return backoff.Permanent(err)
	}, bo)
	if err != nil {
		return "", err
	}
	return out, nil
}

func (p *openAIProvider) chatOnce(ctx context.Context, prompt string) (text string, retryable bool, err error) {
	reqBody, err := json.Marshal(openAIChatRequest{
		Model:    p.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", false, fmt.Errorf("openai: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return "", false, fmt.Errorf("openai: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", true, fmt.Errorf("openai: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		body, _ := io.ReadAll(resp.Body)
		return "", true, fmt.Errorf("openai: status %d: %s", resp.StatusCode, string(body))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", false, fmt.Errorf("openai: status %d: %s", resp.StatusCode, string(body))
	}

	var out openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", false, fmt.Errorf("openai: decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", false, fmt.Errorf("openai: empty choices in response")
	}
	return out.Choices[0].Message.Content, false, nil
}

func (p *openAIProvider) Preflight(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, ChatTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/models", nil)
	if err != nil {
		return fmt.Errorf("%w: openai: build preflight request: %v", ErrUnreachable, err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: openai: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: openai: /v1/models returned status %d", ErrUnreachable, resp.StatusCode)
	}
	return nil
}
