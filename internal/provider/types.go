package provider

import (
	"context"
	"time"
)

// Provider defines the interface for LLM providers.
type Provider interface {
	ID() string
	Name() string
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

// ChatRequest represents a request to an LLM provider. Zero Model,
// Temperature and MaxTokens fall back to the provider's configuration.
type ChatRequest struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // system|user|assistant
	Content string `json:"content"`
}

// ChatResponse represents a response from an LLM provider.
type ChatResponse struct {
	ID           string `json:"id"`
	Model        string `json:"model"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ProviderConfig holds configuration for a provider instance.
type ProviderConfig struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"` // openai|groq|anthropic
	Name        string            `json:"name"`
	Endpoint    string            `json:"endpoint"`
	APIKey      string            `json:"api_key"`
	Model       string            `json:"model"`
	Temperature float64           `json:"temperature"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"` // extra HTTP headers
	Timeout     time.Duration     `json:"timeout,omitempty"`
}

func (c ProviderConfig) temperature(req *ChatRequest) float64 {
	if req.Temperature != nil {
		return *req.Temperature
	}
	return c.Temperature
}

func (c ProviderConfig) model(req *ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return c.Model
}

func (c ProviderConfig) maxTokens(req *ChatRequest) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return c.MaxTokens
}
