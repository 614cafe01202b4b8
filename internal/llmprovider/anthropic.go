package llmprovider

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
)

const defaultAnthropicModel = anthropic.ModelClaude3_5HaikuLatest

// anthropicProvider wraps the real Anthropic SDK, with retry handled by
// backoff/v4 instead of a hand-rolled exponential loop.
type anthropicProvider struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropic constructs the anthropic provider. An empty model falls
// back to the fast Haiku tier.
func NewAnthropic(apiKey, model string) Provider {
	return newAnthropic(apiKey, model, option.WithAPIKey(apiKey))
}

// newAnthropic is split out so tests can inject option.WithBaseURL
// pointing at an httptest server.
func newAnthropic(apiKey, model string, opts ...option.RequestOption) Provider {
	if model == "" {
		model = string(defaultAnthropicModel)
	}
	return &anthropicProvider{
		client: anthropic.NewClient(opts...),
		model:  anthropic.Model(model),
	}
}

func (p *anthropicProvider) ID() string { return "anthropic" }

func (p *anthropicProvider) Chat(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, ChatTimeout)
	defer cancel()

	bo := backoff.WithContext(newRetryBackoff(), ctx)

	var out string
	err := backoff.Retry(func() error {
		params := anthropic.MessageNewParams{
			Model:     p.model,
			MaxTokens: 1024,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		}
		message, err := p.client.Messages.New(ctx, params)
		if err != nil {
			if isRetryableAnthropicError(err) {
				return err
			}
			return backoff.Permanent(fmt.Errorf("anthropic: chat call failed: %w", err))
		}
		if len(message.Content) == 0 {
			return backoff.Permanent(errors.New("anthropic: empty response"))
		}
		block := message.Content[0]
		if block.Type != "text" {
			return backoff.Permanent(fmt.Errorf("anthropic: unexpected content block type %q", block.Type))
		}
		out = block.Text
		return nil
	}, bo)
	if err != nil {
		return "", err
	}
	return out, nil
}

func (p *anthropicProvider) Preflight(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, ChatTimeout)
	defer cancel()
	_, err := p.Chat(ctx, "ping")
	if err != nil {
		return fmt.Errorf("%w: anthropic: %v", ErrUnreachable, err)
	}
	return nil
}

func isRetryableAnthropicError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}
