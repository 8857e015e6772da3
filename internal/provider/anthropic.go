package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"
)

const (
	defaultAnthropicModel     = "claude-3-5-haiku-latest"
	defaultAnthropicMaxTokens = 1024
)

// AnthropicProvider implements the Provider interface for the Claude API.
type AnthropicProvider struct {
	config ProviderConfig
	client anthropic.Client
	logger *zap.Logger
}

// NewAnthropicProvider creates a new Anthropic provider. Endpoint, when set,
// is the API root without the /v1 suffix.
func NewAnthropicProvider(cfg ProviderConfig, logger *zap.Logger) *AnthropicProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(&http.Client{Timeout: timeout}),
		option.WithMaxRetries(2),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(cfg.Endpoint, "/v1")))
	}
	for k, v := range cfg.Extra {
		opts = append(opts, option.WithHeader(k, v))
	}
	return &AnthropicProvider{
		config: cfg,
		client: anthropic.NewClient(opts...),
		logger: logger,
	}
}

func (p *AnthropicProvider) ID() string   { return p.config.ID }
func (p *AnthropicProvider) Name() string { return p.config.Name }

// Chat sends a non-streaming messages request to Claude. System messages
// are lifted into the system prompt.
func (p *AnthropicProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	params, err := p.convertRequest(req)
	if err != nil {
		return nil, err
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("API error %d: %w", apiErr.StatusCode, err)
		}
		return nil, fmt.Errorf("messages request: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	usage := Usage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	p.logger.Debug("messages request",
		zap.String("provider", p.config.ID),
		zap.String("model", string(msg.Model)),
		zap.Int("tokens", usage.TotalTokens))
	return &ChatResponse{
		ID:           msg.ID,
		Model:        string(msg.Model),
		Content:      text.String(),
		FinishReason: string(msg.StopReason),
		Usage:        usage,
	}, nil
}

func (p *AnthropicProvider) convertRequest(req *ChatRequest) (anthropic.MessageNewParams, error) {
	var system []anthropic.TextBlockParam
	var msgs []anthropic.MessageParam
	for _, m := range req.Messages {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		switch m.Role {
		case "system":
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		case "assistant":
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if len(msgs) == 0 {
		return anthropic.MessageNewParams{}, errors.New("anthropic: request has no user message")
	}

	model := p.config.model(req)
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := p.config.maxTokens(req)
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   int64(maxTokens),
		Messages:    msgs,
		Temperature: anthropic.Float(p.config.temperature(req)),
	}
	if len(system) > 0 {
		params.System = system
	}
	for _, s := range req.Stop {
		// The API rejects whitespace-only stop sequences.
		if strings.TrimSpace(s) != "" {
			params.StopSequences = append(params.StopSequences, s)
		}
	}
	return params, nil
}
