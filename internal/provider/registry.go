package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"chatrelay/internal/models"
)

// ErrUnknownModel indicates the requested model is not registered.
var ErrUnknownModel = errors.New("unknown model")

// ErrDuplicateModel indicates an attempt to register the same model twice.
var ErrDuplicateModel = errors.New("model already registered")

// ErrUnsupportedOperation indicates the provider cannot fulfill the requested action.
var ErrUnsupportedOperation = errors.New("unsupported provider operation")

type modelEntry struct {
	model    models.ModelConfig
	provider Provider
}

// Registry maintains a mapping of model IDs to providers. It is filled at
// startup and read-only afterwards.
type Registry struct {
	mu     sync.RWMutex
	models map[string]modelEntry
	byName map[string]Provider
}

// NewRegistry constructs an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		models: make(map[string]modelEntry),
		byName: make(map[string]Provider),
	}
}

// RegisterProvider adds the provider and its models to the registry, wiring optional aliases.
func (r *Registry) RegisterProvider(ctx context.Context, p Provider, aliases map[string]string) error {
	if p == nil {
		return errors.New("provider must not be nil")
	}

	modelsList, err := p.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("list models for provider %q: %w", p.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[p.Name()]; exists {
		return fmt.Errorf("provider %q already registered", p.Name())
	}
	r.byName[p.Name()] = p

	for _, model := range modelsList {
		if _, exists := r.models[model.ID]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateModel, model.ID)
		}

		r.models[model.ID] = modelEntry{
			model:    model,
			provider: p,
		}
	}

	for alias, target := range aliases {
		if _, exists := r.models[alias]; exists {
			return fmt.Errorf("alias %q conflicts with existing model", alias)
		}

		targetEntry, ok := r.models[target]
		if !ok {
			return fmt.Errorf("alias %q references unknown model %q", alias, target)
		}

		r.models[alias] = targetEntry
	}

	return nil
}

// LookupModel returns the provider and descriptor for a model ID or alias.
func (r *Registry) LookupModel(modelID string) (models.ModelConfig, Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.models[modelID]
	if !ok {
		return models.ModelConfig{}, nil, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	return entry.model, entry.provider, nil
}

// Models lists every registered model once, aliases excluded, sorted by id.
func (r *Registry) Models() []models.ModelConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.ModelConfig, 0, len(r.models))
	for id, entry := range r.models {
		if id != entry.model.ID {
			continue
		}
		out = append(out, entry.model)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
