package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var ErrNoProvider = errors.New("no provider available")

// Router manages multiple LLM providers and routes requests to the default
// one, falling back along a configured chain.
type Router struct {
	providers map[string]Provider
	order     []string
	fallbacks []string
	defaults  string
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRouter creates a new provider router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		providers: make(map[string]Provider),
		logger:    logger,
	}
}

// New builds a provider from its configuration.
func New(cfg ProviderConfig, logger *zap.Logger) (Provider, error) {
	switch strings.ToLower(cfg.Type) {
	case "", "openai", "groq":
		return NewOpenAIProvider(cfg, logger), nil
	case "anthropic", "claude":
		return NewAnthropicProvider(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q for %s", cfg.Type, cfg.ID)
	}
}

// NewRouterFromConfig registers every configured provider. The first one is
// the default and the rest form its fallback chain.
func NewRouterFromConfig(cfgs []ProviderConfig, logger *zap.Logger) (*Router, error) {
	r := NewRouter(logger)
	for _, cfg := range cfgs {
		p, err := New(cfg, logger)
		if err != nil {
			return nil, err
		}
		r.Register(p)
	}
	if len(r.order) > 1 {
		r.SetFallbacks(r.order[1:])
	}
	return r, nil
}

// Register adds a provider to the router.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[p.ID()]; !ok {
		r.order = append(r.order, p.ID())
	}
	r.providers[p.ID()] = p
	if r.defaults == "" {
		r.defaults = p.ID()
	}
	r.logger.Info("registered provider", zap.String("id", p.ID()), zap.String("name", p.Name()))
}

// SetDefault makes a registered provider the default. Every other provider
// becomes a fallback, in registration order.
func (r *Router) SetDefault(providerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[providerID]; !ok {
		return fmt.Errorf("default provider %q is not registered", providerID)
	}
	r.defaults = providerID
	r.fallbacks = r.fallbacks[:0:0]
	for _, id := range r.order {
		if id != providerID {
			r.fallbacks = append(r.fallbacks, id)
		}
	}
	return nil
}

// DefaultID returns the current default provider ID.
func (r *Router) DefaultID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

// SetFallbacks configures the providers tried after the default fails.
func (r *Router) SetFallbacks(providerIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks = providerIDs
}

// Chat sends a chat request to the default provider, then to each fallback
// until one succeeds.
func (r *Router) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	primary, ok := r.providers[r.defaults]
	if !ok {
		return nil, ErrNoProvider
	}

	resp, err := primary.Chat(ctx, req)
	if err == nil {
		return resp, nil
	}
	r.logger.Warn("primary provider failed, trying fallbacks",
		zap.String("provider", primary.ID()), zap.Error(err))

	for _, fbID := range r.fallbacks {
		if ctx.Err() != nil {
			break
		}
		fb, ok := r.providers[fbID]
		if !ok || fbID == r.defaults {
			continue
		}
		resp, err = fb.Chat(ctx, req)
		if err == nil {
			return resp, nil
		}
		r.logger.Warn("fallback provider failed", zap.String("provider", fbID), zap.Error(err))
	}

	return nil, fmt.Errorf("all providers failed: %w", err)
}

// GetProvider returns a provider by ID.
func (r *Router) GetProvider(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// ListProviders returns all registered providers in registration order.
func (r *Router) ListProviders() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Provider, 0, len(r.order))
	for _, id := range r.order {
		result = append(result, r.providers[id])
	}
	return result
}
