package services_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MegaGrindStone/askstream/internal/models"
	"github.com/MegaGrindStone/askstream/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testConversation = []models.Message{
	{ID: "u1", Role: models.RoleUser, Content: "hello"},
	{ID: "a1", Role: models.RoleAssistant, Content: "hi"},
	{ID: "u2", Role: models.RoleUser, Content: "how are you?"},
}

func collect(t *testing.T, seq iter.Seq2[string, error]) (string, error) {
	t.Helper()
	var sb strings.Builder
	for chunk, err := range seq {
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(chunk)
	}
	return sb.String(), nil
}

type anthropicRequest struct {
	Model     string `json:"model"`
	System    string `json:"system"`
	MaxTokens int    `json:"max_tokens"`
	Stream    bool   `json:"stream"`
	Messages  []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	APIKey string `json:"-"`
}

func TestAnthropicChat(t *testing.T) {
	reqs := make(chan anthropicRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		var req anthropicRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		req.APIKey = r.Header.Get("x-api-key")
		reqs <- req

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: message_start\ndata: {\"type\":\"message_start\"}\n\n")
		for _, text := range []string{"I am", " fine"} {
			_, _ = fmt.Fprintf(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"text\":%q}}\n\n", text)
		}
		_, _ = io.WriteString(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
		_, _ = io.WriteString(w, "event: content_block_delta\ndata: {\"delta\":{\"text\":\"ignored\"}}\n\n")
	}))
	defer srv.Close()

	a := services.NewAnthropic("key", srv.URL+"/v1/", "claude", "be brief", 256, slog.New(slog.DiscardHandler))
	text, err := collect(t, a.Chat(context.Background(), testConversation))
	require.NoError(t, err)

	got := <-reqs
	assert.Equal(t, "I am fine", text)
	assert.Equal(t, "key", got.APIKey)
	assert.Equal(t, "claude", got.Model)
	assert.Equal(t, "be brief", got.System)
	assert.Equal(t, 256, got.MaxTokens)
	assert.True(t, got.Stream)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, "assistant", got.Messages[1].Role)
}

func TestAnthropicChatErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr string
	}{
		{
			name: "error event",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = io.WriteString(w, "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n")
			},
			wantErr: "anthropic error overloaded_error: Overloaded",
		},
		{
			name: "error status",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = io.WriteString(w, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
			},
			wantErr: "anthropic error authentication_error: invalid x-api-key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			a := services.NewAnthropic("key", srv.URL, "claude", "", 256, slog.New(slog.DiscardHandler))
			_, err := collect(t, a.Chat(context.Background(), testConversation))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

type chatRequest struct {
	Model    string `json:"model"`
	Stream   bool   `json:"stream"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func TestOpenAIChat(t *testing.T) {
	reqs := make(chan chatRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		var req chatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		reqs <- req

		w.Header().Set("Content-Type", "text/event-stream")
		for _, text := range []string{"I am", "", " fine"} {
			_, _ = fmt.Fprintf(w,
				"data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n",
				text)
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	o := services.NewOpenAI("key", srv.URL+"/v1", "gpt", "be brief", services.LLMParameters{}, slog.New(slog.DiscardHandler))
	text, err := collect(t, o.Chat(context.Background(), testConversation))
	require.NoError(t, err)

	got := <-reqs
	assert.Equal(t, "I am fine", text)
	assert.Equal(t, "gpt", got.Model)
	assert.True(t, got.Stream)
	require.Len(t, got.Messages, 4)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "be brief", got.Messages[0].Content)
	assert.Equal(t, "how are you?", got.Messages[3].Content)
}

func TestOpenAIChatStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":{"message":"boom","type":"server_error"}}`)
	}))
	defer srv.Close()

	o := services.NewOpenAI("key", srv.URL+"/v1", "gpt", "", services.LLMParameters{}, slog.New(slog.DiscardHandler))
	_, err := collect(t, o.Chat(context.Background(), testConversation))
	assert.Error(t, err)
}

func TestOllamaChat(t *testing.T) {
	reqs := make(chan chatRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var req chatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		reqs <- req

		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, text := range []string{"I am", " fine"} {
			_, _ = fmt.Fprintf(w, "{\"model\":\"llama\",\"message\":{\"role\":\"assistant\",\"content\":%q},\"done\":false}\n", text)
		}
		_, _ = io.WriteString(w, "{\"model\":\"llama\",\"message\":{\"role\":\"assistant\",\"content\":\"\"},\"done\":true}\n")
	}))
	defer srv.Close()

	o, err := services.NewOllama(srv.URL, "llama", "be brief", slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	text, err := collect(t, o.Chat(context.Background(), testConversation))
	require.NoError(t, err)

	got := <-reqs
	assert.Equal(t, "I am fine", text)
	assert.Equal(t, "llama", got.Model)
	require.Len(t, got.Messages, 4)
	assert.Equal(t, "system", got.Messages[0].Role)
}

func TestOllamaChatError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":"model \"llama\" not found"}`)
	}))
	defer srv.Close()

	o, err := services.NewOllama(srv.URL, "llama", "", slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	_, err = collect(t, o.Chat(context.Background(), testConversation))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
