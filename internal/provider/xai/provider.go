// Package xai serves Grok models. The xAI API speaks the OpenAI chat
// completions dialect, so requests are delegated to the openai wire adapter
// configured with xAI's token parameter rules.
package xai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"chatrelay/internal/config"
	"chatrelay/internal/models"
	"chatrelay/internal/provider"
	openaiProvider "chatrelay/internal/provider/openai"
)

// Provider implements xAI routing on top of the openai adapter.
type Provider struct {
	name    string
	adapter *openaiProvider.Provider
	models  map[string]struct{}
}

// TokenParam returns max_completion_tokens for the grok-4 and grok-3-mini
// reasoning families and max_tokens otherwise.
func TokenParam(nativeID string) string {
	id := strings.ToLower(nativeID)
	if strings.HasPrefix(id, "grok-4") || strings.HasPrefix(id, "grok-3-mini") {
		return openaiProvider.ParamMaxCompletionTokens
	}
	return openaiProvider.ParamMaxTokens
}

// New constructs a provider that delegates to the openai wire adapter.
func New(name string, cfg config.ProviderConfig, client *http.Client, logger *zap.Logger) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	adapter, err := openaiProvider.New(name, cfg, client,
		openaiProvider.WithTokenParam(TokenParam),
		openaiProvider.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("initialize openai adapter: %w", err)
	}

	known := make(map[string]struct{}, len(cfg.Models))
	for _, model := range cfg.Models {
		known[model.ID] = struct{}{}
	}

	return &Provider{name: name, adapter: adapter, models: known}, nil
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) ListModels(ctx context.Context) ([]models.ModelConfig, error) {
	return p.adapter.ListModels(ctx)
}

func (p *Provider) Complete(ctx context.Context, call provider.Call) (*models.Completion, error) {
	if err := p.check(call); err != nil {
		return nil, err
	}
	return p.adapter.Complete(ctx, call)
}

func (p *Provider) Stream(ctx context.Context, call provider.Call) (<-chan provider.Chunk, error) {
	if err := p.check(call); err != nil {
		return nil, err
	}
	return p.adapter.Stream(ctx, call)
}

func (p *Provider) check(call provider.Call) error {
	if _, ok := p.models[call.Model.ID]; !ok {
		return fmt.Errorf("%w: %s", provider.ErrUnknownModel, call.Model.ID)
	}
	return nil
}
