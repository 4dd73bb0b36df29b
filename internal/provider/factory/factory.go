package factory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"chatrelay/internal/config"
	"chatrelay/internal/provider"
	anthropicProvider "chatrelay/internal/provider/anthropic"
	openaiProvider "chatrelay/internal/provider/openai"
	perplexityProvider "chatrelay/internal/provider/perplexity"
	xaiProvider "chatrelay/internal/provider/xai"
)

const (
	defaultHTTPTimeout     = 120 * time.Second
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// registrationOrder keeps registry conflicts and logs deterministic.
var registrationOrder = []string{
	config.ProviderOpenAI,
	config.ProviderXAI,
	config.ProviderAnthropic,
	config.ProviderPerplexity,
}

// RegisterConfiguredProviders constructs providers from configuration and stores them in the registry.
func RegisterConfiguredProviders(ctx context.Context, cfg config.Config, registry *provider.Registry, logger *zap.Logger) error {
	if registry == nil {
		return errors.New("registry must not be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	configured := cfg.Providers.Configured()
	for _, name := range registrationOrder {
		pcfg, ok := configured[name]
		if !ok {
			continue
		}

		p, err := build(name, pcfg, newHTTPClient(pcfg), logger.Named(name))
		if err != nil {
			return fmt.Errorf("initialise %s provider: %w", name, err)
		}
		if err := registry.RegisterProvider(ctx, p, pcfg.Aliases); err != nil {
			return fmt.Errorf("register %s provider: %w", name, err)
		}
		logger.Info("provider registered",
			zap.String("provider", name),
			zap.Int("models", len(pcfg.Models)),
			zap.Float64("rps", pcfg.RequestsPerSecond),
		)
	}

	return nil
}

func build(name string, cfg config.ProviderConfig, client *http.Client, logger *zap.Logger) (provider.Provider, error) {
	switch name {
	case config.ProviderOpenAI:
		return openaiProvider.New(name, cfg, client, openaiProvider.WithLogger(logger))
	case config.ProviderXAI:
		return xaiProvider.New(name, cfg, client, logger)
	case config.ProviderAnthropic:
		return anthropicProvider.New(name, cfg, client, logger)
	case config.ProviderPerplexity:
		return perplexityProvider.New(name, cfg, client)
	default:
		return nil, fmt.Errorf("unsupported provider %q", name)
	}
}

func newHTTPClient(cfg config.ProviderConfig) *http.Client {
	var transport http.RoundTripper = &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if cfg.RequestsPerSecond > 0 {
		transport = newRateLimitedTransport(transport, cfg.RequestsPerSecond, cfg.Burst)
	}

	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
