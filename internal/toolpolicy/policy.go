// Package toolpolicy decides whether a server-side tool may run for a request
// and renders the notices shown to the model and the user when it may not.
package toolpolicy

import (
	"fmt"
	"sort"
	"strings"

	"chatrelay/internal/models"
)

// Map is the per-request policy view keyed by lower-cased tool name. It is
// built once per request and never shared.
type Map map[string]models.ToolPolicy

// Build indexes policies by tool name. When release is non-nil only
// policies whose id is allowed by the release are kept.
func Build(policies []models.ToolPolicy, release *models.Release) Map {
	var allowed map[int64]struct{}
	if release != nil {
		allowed = make(map[int64]struct{}, len(release.AllowedToolPolicyIDs))
		for _, id := range release.AllowedToolPolicyIDs {
			allowed[id] = struct{}{}
		}
	}

	m := make(Map, len(policies))
	for _, p := range policies {
		if allowed != nil {
			if _, ok := allowed[p.ID]; !ok {
				continue
			}
		}
		m[key(p.ToolName)] = p
	}
	return m
}

// DenyAll returns a map disabling every known tool for provider.
func DenyAll(provider, reason string) Map {
	m := make(Map)
	for _, tool := range models.KnownTools() {
		m[tool] = models.ToolPolicy{Provider: provider, ToolName: tool, IsEnabled: false, SafetyNote: reason}
	}
	return m
}

// IsEnabled reports whether tool may be invoked. Tools without a policy row
// are enabled.
func IsEnabled(tool string, m Map) bool {
	p, ok := m[key(tool)]
	if !ok {
		return true
	}
	return p.IsEnabled
}

// BlockedNotice is the literal appended to content when a disabled tool was
// requested.
func BlockedNotice(tool string) string {
	return fmt.Sprintf("[Tool use blocked by administrator policy: %s]", tool)
}

// BlockedMessage appends the blocked notice for tool to existing content,
// separated by a blank line when there is content to separate from.
func BlockedMessage(existing, tool string) string {
	return existing + BlockedSuffix(existing, tool)
}

// BlockedSuffix is the text BlockedMessage adds to existing. Streaming
// adapters emit it as the last fragment.
func BlockedSuffix(existing, tool string) string {
	if strings.TrimSpace(existing) == "" {
		return BlockedNotice(tool)
	}
	return "\n\n" + BlockedNotice(tool)
}

// NoticeSystemMessage builds a system instruction listing disabled tools and
// the safety notes of enabled ones. ok is false when there is nothing to say.
func NoticeSystemMessage(m Map) (models.Message, bool) {
	var disabled, notes []string
	for _, name := range sortedKeys(m) {
		p := m[name]
		switch {
		case !p.IsEnabled:
			disabled = append(disabled, name)
		case strings.TrimSpace(p.SafetyNote) != "":
			notes = append(notes, fmt.Sprintf("- %s: %s", name, strings.TrimSpace(p.SafetyNote)))
		}
	}
	if len(disabled) == 0 && len(notes) == 0 {
		return models.Message{}, false
	}

	var b strings.Builder
	b.WriteString("Tool usage policy set by the administrator.")
	if len(disabled) > 0 {
		b.WriteString("\nThe following tools are disabled and must not be called: ")
		b.WriteString(strings.Join(disabled, ", "))
		b.WriteString(". Answer without them.")
	}
	if len(notes) > 0 {
		b.WriteString("\nFollow these safety notes when using tools:\n")
		b.WriteString(strings.Join(notes, "\n"))
	}
	return models.Message{Role: models.RoleSystem, Content: b.String()}, true
}

// Disabled returns the disabled tool names in sorted order.
func Disabled(m Map) []string {
	var out []string
	for _, name := range sortedKeys(m) {
		if !m[name].IsEnabled {
			out = append(out, name)
		}
	}
	return out
}

func sortedKeys(m Map) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func key(tool string) string {
	return strings.ToLower(strings.TrimSpace(tool))
}
