package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"taskmate/internal/config"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"
)

// ChatModelFactory builds a tool-calling chat model authenticated with apiKey.
type ChatModelFactory func(ctx context.Context, apiKey string) (model.ToolCallingChatModel, error)

// NewChatModelFactory returns a factory for the configured provider.
func NewChatModelFactory(cfg config.LLMConfig) (ChatModelFactory, error) {
	provider := strings.ToLower(cfg.Provider)
	modelName := cfg.Model
	if modelName == "" {
		return nil, errors.New("llm model is required")
	}
	temperature := cfg.Temperature
	maxTokens := cfg.MaxTokens

	switch provider {
	case "gemini":
		return func(ctx context.Context, apiKey string) (model.ToolCallingChatModel, error) {
			client, err := genai.NewClient(ctx, &genai.ClientConfig{
				APIKey:  apiKey,
				Backend: genai.BackendGeminiAPI,
			})
			if err != nil {
				return nil, fmt.Errorf("new gemini client: %w", err)
			}
			chatModel, err := gemini.NewChatModel(ctx, &gemini.Config{
				Client:      client,
				Model:       modelName,
				Temperature: &temperature,
				MaxTokens:   positive(maxTokens),
			})
			if err != nil {
				return nil, fmt.Errorf("new gemini chat model: %w", err)
			}
			return chatModel, nil
		}, nil
	case "openai":
		baseURL := cfg.BaseURL
		return func(ctx context.Context, apiKey string) (model.ToolCallingChatModel, error) {
			chatModel, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
				BaseURL:     baseURL,
				Model:       modelName,
				APIKey:      apiKey,
				Temperature: &temperature,
				MaxTokens:   positive(maxTokens),
			})
			if err != nil {
				return nil, fmt.Errorf("new openai chat model: %w", err)
			}
			return chatModel, nil
		}, nil
	case "claude":
		var baseURLPtr *string
		if cfg.BaseURL != "" {
			baseURL := cfg.BaseURL
			baseURLPtr = &baseURL
		}
		if maxTokens <= 0 {
			maxTokens = 3000
		}
		return func(ctx context.Context, apiKey string) (model.ToolCallingChatModel, error) {
			chatModel, err := claude.NewChatModel(ctx, &claude.Config{
				APIKey:      apiKey,
				Model:       modelName,
				BaseURL:     baseURLPtr,
				MaxTokens:   maxTokens,
				Temperature: &temperature,
			})
			if err != nil {
				return nil, fmt.Errorf("new claude chat model: %w", err)
			}
			return chatModel, nil
		}, nil
	default:
		return nil, fmt.Errorf("invalid provider: %s", cfg.Provider)
	}
}

func positive(n int) *int {
	if n <= 0 {
		return nil
	}
	return &n
}
