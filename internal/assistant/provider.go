// Package assistant produces automatic replies for incoming chats through an LLM provider.
package assistant

import (
	"context"
	"fmt"
)

// Provider is an LLM API backend.
type Provider interface {
	Complete(ctx context.Context, request CompletionRequest) (string, error)
	Name() string
}

// CompletionRequest is one completion call.
type CompletionRequest struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
}

// Message is one conversation turn. Role is "user" or "assistant".
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ProviderConfig selects and authenticates a provider.
type ProviderConfig struct {
	Provider string
	APIKey   string
	BaseURL  string
}

// NewProvider creates the provider named in cfg.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIProvider(cfg.APIKey, cfg.BaseURL), nil
	case "anthropic":
		return NewAnthropicProvider(cfg.APIKey, cfg.BaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}
