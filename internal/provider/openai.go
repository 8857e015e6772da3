package provider

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// GroqEndpoint is Groq's OpenAI-compatible API base.
const GroqEndpoint = "https://api.groq.com/openai/v1"

// OpenAIProvider implements the Provider interface for OpenAI-compatible APIs
// such as OpenAI itself, Groq and OpenRouter.
type OpenAIProvider struct {
	config ProviderConfig
	client *openai.Client
	logger *zap.Logger
}

// NewOpenAIProvider creates a new OpenAI-compatible provider.
func NewOpenAIProvider(cfg ProviderConfig, logger *zap.Logger) *OpenAIProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	if cfg.Endpoint == "" {
		if cfg.Type == "groq" {
			cfg.Endpoint = GroqEndpoint
		} else {
			cfg.Endpoint = "https://api.openai.com/v1"
		}
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = cfg.Endpoint
	httpClient := &http.Client{Timeout: timeout}
	if len(cfg.Extra) > 0 {
		httpClient.Transport = &headerTransport{headers: cfg.Extra, base: http.DefaultTransport}
	}
	oc.HTTPClient = httpClient
	return &OpenAIProvider{
		config: cfg,
		client: openai.NewClientWithConfig(oc),
		logger: logger,
	}
}

// headerTransport adds fixed headers to every request, e.g. the
// HTTP-Referer and X-Title that OpenRouter uses for attribution.
type headerTransport struct {
	headers map[string]string
	base    http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}

func (p *OpenAIProvider) ID() string   { return p.config.ID }
func (p *OpenAIProvider) Name() string { return p.config.Name }

// Chat sends a non-streaming chat completion request.
func (p *OpenAIProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	msgs := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	temp := float32(p.config.temperature(req))
	if temp == 0 {
		// go-openai omits a zero temperature; the smallest float keeps it
		// on the wire and is greedy in practice.
		temp = math.SmallestNonzeroFloat32
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.config.model(req),
		Messages:    msgs,
		Temperature: temp,
		MaxTokens:   p.config.maxTokens(req),
		Stop:        req.Stop,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("API error %d: %w", apiErr.HTTPStatusCode, err)
		}
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	choice := resp.Choices[0]
	p.logger.Debug("chat completion",
		zap.String("provider", p.config.ID),
		zap.String("model", resp.Model),
		zap.Int("tokens", resp.Usage.TotalTokens))
	return &ChatResponse{
		ID:           resp.ID,
		Model:        resp.Model,
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}
