package agent

import (
	"context"

	"github.com/gogvych/tabular-analyst/internal/provider"
)

// StopSequence ends a reply before the model invents its own observation.
const StopSequence = "\nObservation:"

// Reasoner produces the next reply for a rendered prompt.
type Reasoner interface {
	Next(ctx context.Context, prompt string, stop []string) (string, error)
}

// ReasonerFunc adapts a function to Reasoner.
type ReasonerFunc func(ctx context.Context, prompt string, stop []string) (string, error)

func (f ReasonerFunc) Next(ctx context.Context, prompt string, stop []string) (string, error) {
	return f(ctx, prompt, stop)
}

// Chatter is the part of a provider router the loop needs.
type Chatter interface {
	Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error)
}

// ProviderReasoner sends each prompt as a single user message.
type ProviderReasoner struct {
	chat      Chatter
	model     string
	maxTokens int
}

// NewProviderReasoner wraps a provider or router. Empty model and zero
// maxTokens defer to the provider's configuration.
func NewProviderReasoner(chat Chatter, model string, maxTokens int) *ProviderReasoner {
	return &ProviderReasoner{chat: chat, model: model, maxTokens: maxTokens}
}

func (r *ProviderReasoner) Next(ctx context.Context, prompt string, stop []string) (string, error) {
	resp, err := r.chat.Chat(ctx, &provider.ChatRequest{
		Model:     r.model,
		Messages:  []provider.Message{{Role: "user", Content: prompt}},
		MaxTokens: r.maxTokens,
		Stop:      stop,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
