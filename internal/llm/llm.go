package llm

import (
	"context"
	"strings"
	"time"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider is a chat-style model backend.
type Provider interface {
	Generate(ctx context.Context, messages []Message) (string, error)
}

// Generator is the single-prompt capability the research operations depend on.
type Generator interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, prompt string) (string, error)

func (f GeneratorFunc) GenerateText(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

type Config struct {
	Provider         string
	Model            string
	BaseURL          string
	OpenAIAPIKey     string
	OpenRouterAPIKey string
	GeminiAPIKey     string
	Timeout          time.Duration
}

func NewProvider(ctx context.Context, cfg Config) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "local":
		return LocalProvider{}, nil
	case "openai":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
			Timeout: cfg.Timeout,
		}), nil
	case "openrouter":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:  cfg.OpenRouterAPIKey,
			Model:   cfg.Model,
			BaseURL: defaultIfEmpty(cfg.BaseURL, "https://openrouter.ai/api/v1"),
			Timeout: cfg.Timeout,
		}), nil
	case "gemini":
		return NewGeminiProvider(ctx, GeminiConfig{
			APIKey: cfg.GeminiAPIKey,
			Model:  cfg.Model,
		})
	default:
		return nil, ErrUnsupportedProvider{Provider: cfg.Provider}
	}
}

// NewGenerator wraps a Provider so each prompt becomes one user message,
// preceded by system when it is non-empty.
func NewGenerator(provider Provider, system string) Generator {
	return GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		messages := make([]Message, 0, 2)
		if system != "" {
			messages = append(messages, Message{Role: "system", Content: system})
		}
		messages = append(messages, Message{Role: "user", Content: prompt})
		return provider.Generate(ctx, messages)
	})
}

func defaultIfEmpty(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
