package llmprovider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOllamaChatUsesFirstWorkingEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/generate" {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(generateResponse{Response: "hello from generate"})
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	p := NewOllama(srv.URL, "llama3")
	out, err := p.Chat(context.Background(), "hi")
	require.NoError(t, err)
	require.Equal(t, "hello from generate", out)
}

func TestOllamaChatFallsBackToChatEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/generate":
			http.NotFound(w, r)
		case "/api/chat":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(chatResponse{Message: chatMessage{Role: "assistant", Content: "hello from chat"}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := NewOllama(srv.URL, "llama3")
	out, err := p.Chat(context.Background(), "hi")
	require.NoError(t, err)
	require.Equal(t, "hello from chat", out)
}

func TestOllamaPreflightFindsListedModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(tagsResponse{Models: []struct {
				Name string `json:"name"`
			}{{Name: "llama3:latest"}}})
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	p := NewOllama(srv.URL, "llama3")
	require.NoError(t, p.Preflight(context.Background()))
}

func TestOllamaPreflightMissingModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(tagsResponse{})
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	p := NewOllama(srv.URL, "mistral")
	err := p.Preflight(context.Background())
	require.Error(t, err)
}

func TestOllamaPreflightUnreachable(t *testing.T) {
	p := NewOllama("http://127.0.0.1:1", "llama3")
	err := p.Preflight(context.Background())
	require.Error(t, err)
}
