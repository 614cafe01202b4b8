package llmprovider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"
)

func mockAnthropicResponse(text string) map[string]any {
	return map[string]any{
		"id": "msg_test", "type": "message", "role": "assistant",
		"model": "claude-3-5-haiku-latest", "stop_reason": "end_turn", "stop_sequence": nil,
		"usage":   map[string]int{"input_tokens": 10, "output_tokens": 5},
		"content": []map[string]any{{"type": "text", "text": text}},
	}
}

func TestAnthropicChatReturnsText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/messages"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(mockAnthropicResponse("hello from claude"))
	}))
	defer srv.Close()

	p := newAnthropic("test-key", "", option.WithAPIKey("test-key"), option.WithBaseURL(srv.URL))
	out, err := p.Chat(context.Background(), "hi")
	require.NoError(t, err)
	require.Equal(t, "hello from claude", out)
}

func TestAnthropicChatNonRetryableFailsImmediately(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"type": "error", "error": map[string]any{"type": "invalid_request_error", "message": "bad request"},
		})
	}))
	defer srv.Close()

	p := newAnthropic("test-key", "", option.WithAPIKey("test-key"), option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	_, err := p.Chat(context.Background(), "hi")
	require.Error(t, err)
	require.Equal(t, 1, calls)
}
