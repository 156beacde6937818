package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/MegaGrindStone/askstream/internal/logging"
	"github.com/MegaGrindStone/askstream/internal/services"
	"github.com/MegaGrindStone/askstream/internal/upstream"
	"gopkg.in/yaml.v3"
)

type llmConfig interface {
	llm(systemPrompt string, logger *slog.Logger) (upstream.LLM, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type config struct {
	Port         string         `yaml:"port"`
	SystemPrompt string         `yaml:"systemPrompt"`
	MaxHistory   int            `yaml:"maxHistory"`
	MaxSessions  int            `yaml:"maxSessions"`
	CORSOrigins  []string       `yaml:"corsOrigins"`
	Log          logging.Config `yaml:"log"`
	LLM          llmConfig      `yaml:"llm"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string                 `yaml:"apiKey"`
	BaseURL       string                 `yaml:"baseURL"`
	Parameters    services.LLMParameters `yaml:"parameters"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	Endpoint      string `yaml:"endpoint"`
	MaxTokens     int    `yaml:"maxTokens"`
}

const defaultSystemPrompt = "You are a helpful search assistant. Answer the question concisely " +
	"in markdown, using the earlier messages of the conversation as context."

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port         string         `yaml:"port"`
		SystemPrompt string         `yaml:"systemPrompt"`
		MaxHistory   int            `yaml:"maxHistory"`
		MaxSessions  int            `yaml:"maxSessions"`
		CORSOrigins  []string       `yaml:"corsOrigins"`
		Log          logging.Config `yaml:"log"`
		LLM          map[string]any `yaml:"llm"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.SystemPrompt = rawConfig.SystemPrompt
	c.MaxHistory = rawConfig.MaxHistory
	c.MaxSessions = rawConfig.MaxSessions
	c.CORSOrigins = rawConfig.CORSOrigins
	c.Log = rawConfig.Log

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "ollama":
		llm = &ollamaConfig{}
	case "openai":
		llm = &openAIConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm

	return nil
}

func (c *config) applyDefaults(getenv func(string) string) {
	if v := getenv("ASKSTREAM_UPSTREAM_PORT"); v != "" {
		c.Port = v
	}
	if c.Port == "" {
		c.Port = "8080"
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = defaultSystemPrompt
	}
	if c.MaxHistory == 0 {
		c.MaxHistory = 20
	}
	if c.MaxSessions == 0 {
		c.MaxSessions = 1000
	}
	if len(c.CORSOrigins) == 0 {
		c.CORSOrigins = []string{"*"}
	}
	if v := getenv("ASKSTREAM_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

func loadConfig(path string, getenv func(string) string) (config, error) {
	f, err := os.Open(path)
	if err != nil {
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer f.Close()

	cfg := config{}
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}
	cfg.applyDefaults(getenv)
	return cfg, nil
}

func (o ollamaConfig) llm(systemPrompt string, logger *slog.Logger) (upstream.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = "http://localhost:11434"
	}
	return services.NewOllama(host, o.Model, systemPrompt, logger)
}

func (o openAIConfig) llm(systemPrompt string, logger *slog.Logger) (upstream.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, systemPrompt, o.Parameters, logger), nil
}

func (a anthropicConfig) llm(systemPrompt string, logger *slog.Logger) (upstream.LLM, error) {
	if a.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if a.MaxTokens == 0 {
		return nil, fmt.Errorf("maxTokens is required")
	}

	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return services.NewAnthropic(apiKey, a.Endpoint, a.Model, systemPrompt, a.MaxTokens, logger), nil
}
