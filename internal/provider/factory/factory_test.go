package factory

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/provider"
)

func TestRegisterConfiguredProviders(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Providers: config.ProvidersConfig{
		OpenAI: &config.ProviderConfig{
			BaseURL: "https://api.openai.test/v1",
			Models:  []config.ModelConfig{{ID: "gpt-4o"}},
			Aliases: map[string]string{"default": "gpt-4o"},
		},
		Anthropic: &config.ProviderConfig{
			BaseURL:           "https://api.anthropic.test/v1",
			Models:            []config.ModelConfig{{ID: "claude-sonnet", Thinking: true}},
			RequestsPerSecond: 2,
		},
		Perplexity: &config.ProviderConfig{
			BaseURL: "https://api.perplexity.test",
			Models:  []config.ModelConfig{{ID: "sonar"}},
		},
	}}

	registry := provider.NewRegistry()
	if err := RegisterConfiguredProviders(context.Background(), cfg, registry, nil); err != nil {
		t.Fatalf("RegisterConfiguredProviders() error = %v", err)
	}

	for id, wantProvider := range map[string]string{
		"gpt-4o":        "openai",
		"default":       "openai",
		"claude-sonnet": "anthropic",
		"sonar":         "perplexity",
	} {
		model, p, err := registry.LookupModel(id)
		if err != nil {
			t.Fatalf("LookupModel(%q) error = %v", id, err)
		}
		if p.Name() != wantProvider || model.Provider != wantProvider {
			t.Errorf("LookupModel(%q) provider = %s/%s, want %s", id, p.Name(), model.Provider, wantProvider)
		}
	}

	if _, _, err := registry.LookupModel("grok-4"); !errors.Is(err, provider.ErrUnknownModel) {
		t.Errorf("xai is not configured, got %v", err)
	}
	if got := len(registry.Models()); got != 3 {
		t.Errorf("Models() len = %d, want 3", got)
	}
}

func TestRegisterConfiguredProviders_DuplicateModel(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Providers: config.ProvidersConfig{
		OpenAI: &config.ProviderConfig{BaseURL: "https://a.test", Models: []config.ModelConfig{{ID: "shared"}}},
		XAI:    &config.ProviderConfig{BaseURL: "https://b.test", Models: []config.ModelConfig{{ID: "shared"}}},
	}}

	err := RegisterConfiguredProviders(context.Background(), cfg, provider.NewRegistry(), nil)
	if !errors.Is(err, provider.ErrDuplicateModel) {
		t.Fatalf("expected ErrDuplicateModel, got %v", err)
	}
}

func TestNewHTTPClient_Timeouts(t *testing.T) {
	t.Parallel()

	if got := newHTTPClient(config.ProviderConfig{}).Timeout; got != defaultHTTPTimeout {
		t.Errorf("default timeout = %v", got)
	}
	if got := newHTTPClient(config.ProviderConfig{TimeoutSeconds: 7}).Timeout; got != 7*time.Second {
		t.Errorf("configured timeout = %v", got)
	}
	if _, ok := newHTTPClient(config.ProviderConfig{RequestsPerSecond: 1}).Transport.(*rateLimitedTransport); !ok {
		t.Error("expected rate limited transport")
	}
}

func TestRateLimitedTransport_HonoursContext(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	client := &http.Client{Transport: newRateLimitedTransport(http.DefaultTransport, 0.01, 1)}

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("first request error = %v", err)
	}
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, _ = http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	if _, err := client.Do(req); err == nil {
		t.Fatal("second request should wait past its deadline")
	}
	if hits.Load() != 1 {
		t.Errorf("server hits = %d, want 1", hits.Load())
	}
}
