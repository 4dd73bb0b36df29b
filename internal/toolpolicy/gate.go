package toolpolicy

import (
	"context"

	"go.uber.org/zap"

	"chatrelay/internal/models"
)

// Source supplies administrator policies and the published release.
type Source interface {
	ToolPolicies(ctx context.Context, provider string) ([]models.ToolPolicy, error)
	ActiveRelease(ctx context.Context) (*models.Release, error)
}

// Gate loads the per-request policy map for a provider.
//
// A lookup failure is logged and, by default, yields an empty map so every
// tool stays enabled. With failClosed set the same failure disables every
// known tool instead.
type Gate struct {
	source     Source
	failClosed bool
	logger     *zap.Logger
}

// NewGate constructs a gate over source. A nil source always yields an empty map.
func NewGate(source Source, failClosed bool, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{source: source, failClosed: failClosed, logger: logger}
}

// Load returns the policy map for provider.
func (g *Gate) Load(ctx context.Context, provider string) Map {
	if g == nil || g.source == nil {
		return Map{}
	}

	policies, err := g.source.ToolPolicies(ctx, provider)
	if err != nil {
		return g.onLookupError(provider, "tool policies", err)
	}

	release, err := g.source.ActiveRelease(ctx)
	if err != nil {
		return g.onLookupError(provider, "active release", err)
	}

	return Build(policies, release)
}

func (g *Gate) onLookupError(provider, what string, err error) Map {
	g.logger.Warn("tool policy lookup failed",
		zap.String("provider", provider),
		zap.String("lookup", what),
		zap.Bool("fail_closed", g.failClosed),
		zap.Error(err),
	)
	if g.failClosed {
		return DenyAll(provider, "tool policy lookup unavailable")
	}
	return Map{}
}
