package llmprovider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenAIChatReturnsFirstChoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openAIChatResponse{Choices: []struct {
			Message chatMessage `json:"message"`
		}{{Message: chatMessage{Role: "assistant", Content: "hi there"}}}})
	}))
	defer srv.Close()

	p := &openAIProvider{apiKey: "test-key", model: "gpt-4o-mini", baseURL: srv.URL, client: srv.Client()}
	out, err := p.Chat(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, "hi there", out)
}

func TestOpenAIChatRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openAIChatResponse{Choices: []struct {
			Message chatMessage `json:"message"`
		}{{Message: chatMessage{Role: "assistant", Content: "recovered"}}}})
	}))
	defer srv.Close()

	p := &openAIProvider{apiKey: "test-key", model: "gpt-4o-mini", baseURL: srv.URL, client: srv.Client()}
	out, err := p.Chat(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, "recovered", out)
	require.Equal(t, 2, calls)
}

func TestOpenAIChatNonRetryableFailsImmediately(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := &openAIProvider{apiKey: "bad-key", model: "gpt-4o-mini", baseURL: srv.URL, client: srv.Client()}
	_, err := p.Chat(context.Background(), "hello")
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestOpenAIPreflightUnreachable(t *testing.T) {
	p := NewOpenAI("bad-key", "gpt-4o-mini")
	p.(*openAIProvider).baseURL = "http://127.0.0.1:1"
	err := p.Preflight(context.Background())
	require.Error(t, err)
}
