package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"chatrelay/internal/models"
	"chatrelay/internal/toolpolicy"
)

// ToolSpec describes a server-side tool in provider-neutral terms. Adapters
// render it into their own tool definition shape.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

var webSearchSpec = ToolSpec{
	Name:        models.ToolWebSearch,
	Description: "Search the web for current information. Returns result titles, URLs and snippets.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string", "description": "The search query."},
		},
		"required": []string{"query"},
	},
}

var codeInterpreterSpec = ToolSpec{
	Name:        models.ToolCodeInterpreter,
	Description: "Run code in an isolated sandbox and return its output.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"language": map[string]any{"type": "string", "enum": []string{"python", "javascript", "bash"}},
			"code":     map[string]any{"type": "string", "description": "Source code to execute."},
		},
		"required": []string{"language", "code"},
	},
}

// OfferedTools returns the tools to advertise for call: at most one per
// category, each gated by the model capabilities and the policy map.
func OfferedTools(call Call) []ToolSpec {
	if call.Tools == nil {
		return nil
	}

	var out []ToolSpec
	caps := call.Model.Capabilities
	if caps.SupportsWebSearch && toolpolicy.IsEnabled(models.ToolWebSearch, call.Policies) {
		out = append(out, webSearchSpec)
	}
	if caps.SupportsCodeInterpreter && toolpolicy.IsEnabled(models.ToolCodeInterpreter, call.Policies) {
		out = append(out, codeInterpreterSpec)
	}
	return out
}

// FirstBlocked returns the first requested tool that policy disables.
func FirstBlocked(requested []string, policies toolpolicy.Map) (string, bool) {
	for _, name := range requested {
		if !toolpolicy.IsEnabled(name, policies) {
			return name, true
		}
	}
	return "", false
}

// RunTool executes one tool call. A failing tool never fails the completion:
// the returned text then tells the model the tool was unavailable and ok is
// false so the tool is not recorded as executed.
func RunTool(ctx context.Context, call Call, logger *zap.Logger, name string, args json.RawMessage) (result string, ok bool) {
	if call.Tools == nil {
		return fmt.Sprintf("Tool %s is not available. Answer without it.", name), false
	}

	out, err := call.Tools.Execute(ctx, name, args)
	if err != nil {
		logger.Warn("tool execution failed",
			zap.String("tool", name),
			zap.String("model", call.Model.ID),
			zap.Error(err),
		)
		return fmt.Sprintf("Tool %s failed and returned no result. Answer without it.", name), false
	}
	return out, true
}

// SumUsage adds b into a, allocating when a is nil.
func SumUsage(a, b *models.Usage) *models.Usage {
	if b == nil {
		return a
	}
	if a == nil {
		a = &models.Usage{}
	}
	a.PromptTokens += b.PromptTokens
	a.CompletionTokens += b.CompletionTokens
	a.TotalTokens += b.TotalTokens
	return a
}
