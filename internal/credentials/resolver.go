// Package credentials picks the API key used for an upstream call.
package credentials

import (
	"context"
	"errors"
	"fmt"

	"chatrelay/internal/config"
)

var (
	// ErrMissingCredential means the user has no key for the provider and
	// the platform key may not be used for the model.
	ErrMissingCredential = errors.New("no usable api key")
)

// KeyStore looks up keys users registered themselves.
type KeyStore interface {
	UserAPIKey(ctx context.Context, userID, provider string) (string, error)
}

// Resolver prefers the user's own key and falls back to the platform key
// only for models that allow it.
type Resolver struct {
	keys        KeyStore
	platform    map[string]string
	allowListed map[string]bool
}

// NewResolver builds a resolver from the configured providers.
func NewResolver(keys KeyStore, providers map[string]config.ProviderConfig) *Resolver {
	r := &Resolver{
		keys:        keys,
		platform:    make(map[string]string, len(providers)),
		allowListed: make(map[string]bool),
	}
	for name, p := range providers {
		r.platform[name] = p.PlatformKey
		for _, m := range p.Models {
			if m.PlatformKeyAllowed {
				r.allowListed[name+"/"+m.ID] = true
			}
		}
	}
	return r
}

// Resolve returns the key to use for modelID on provider.
func (r *Resolver) Resolve(ctx context.Context, userID, provider, modelID string) (string, error) {
	if r.keys != nil {
		key, err := r.keys.UserAPIKey(ctx, userID, provider)
		if err != nil {
			return "", fmt.Errorf("look up user key: %w", err)
		}
		if key != "" {
			return key, nil
		}
	}

	if r.allowListed[provider+"/"+modelID] && r.platform[provider] != "" {
		return r.platform[provider], nil
	}
	return "", fmt.Errorf("%w for %s model %s", ErrMissingCredential, provider, modelID)
}
