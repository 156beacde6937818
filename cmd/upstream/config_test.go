package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/MegaGrindStone/askstream/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestConfigUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    llmConfig
		wantErr string
	}{
		{
			name: "ollama",
			input: `
llm:
  provider: ollama
  model: llama3.2
  host: http://gpu:11434
`,
			want: &ollamaConfig{
				BaseLLMConfig: BaseLLMConfig{Provider: "ollama", Model: "llama3.2"},
				Host:          "http://gpu:11434",
			},
		},
		{
			name: "openai",
			input: `
llm:
  provider: openai
  model: gpt-4o-mini
  baseURL: https://openrouter.ai/api/v1
  parameters:
    temperature: 0.2
    maxTokens: 512
`,
			want: &openAIConfig{
				BaseLLMConfig: BaseLLMConfig{Provider: "openai", Model: "gpt-4o-mini"},
				BaseURL:       "https://openrouter.ai/api/v1",
				Parameters: services.LLMParameters{
					Temperature: ptr(float32(0.2)),
					MaxTokens:   ptr(512),
				},
			},
		},
		{
			name: "anthropic",
			input: `
llm:
  provider: anthropic
  model: claude-3-5-haiku-latest
  maxTokens: 1024
`,
			want: &anthropicConfig{
				BaseLLMConfig: BaseLLMConfig{Provider: "anthropic", Model: "claude-3-5-haiku-latest"},
				MaxTokens:     1024,
			},
		},
		{name: "missing provider", input: "llm:\n  model: x\n", wantErr: "llm provider is required"},
		{name: "unknown provider", input: "llm:\n  provider: parrot\n", wantErr: "unknown llm provider: parrot"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg config
			err := yaml.Unmarshal([]byte(tt.input), &cfg)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.LLM)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upstream.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm:\n  provider: ollama\n  model: llama3.2\n"), 0600))

	cfg, err := loadConfig(path, func(key string) string {
		if key == "ASKSTREAM_UPSTREAM_PORT" {
			return "9090"
		}
		return ""
	})
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, defaultSystemPrompt, cfg.SystemPrompt)
	assert.Equal(t, 20, cfg.MaxHistory)
	assert.Equal(t, 1000, cfg.MaxSessions)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"), func(string) string { return "" })
	assert.Error(t, err)
}

func TestLLMConfigRequiresModel(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	for _, c := range []llmConfig{ollamaConfig{}, openAIConfig{}, anthropicConfig{}} {
		_, err := c.llm("", logger)
		assert.Error(t, err)
	}

	_, err := anthropicConfig{BaseLLMConfig: BaseLLMConfig{Model: "claude"}}.llm("", logger)
	assert.ErrorContains(t, err, "maxTokens")

	llm, err := ollamaConfig{BaseLLMConfig: BaseLLMConfig{Model: "llama3.2"}, Host: "http://gpu:11434"}.llm("", logger)
	require.NoError(t, err)
	assert.IsType(t, services.Ollama{}, llm)
}

func ptr[T any](v T) *T { return &v }
