package orchestrator

import (
	"strings"

	"chatrelay/internal/config"
	"chatrelay/internal/models"
)

func templateInstruction(tpl config.TemplateConfig) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(tpl.Instructions))
	if len(tpl.RequiredSections) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("Structure the answer with these sections as markdown headings, in this order: ")
		b.WriteString(strings.Join(tpl.RequiredSections, ", "))
		b.WriteString(".")
	}
	return b.String()
}

// validateTemplate checks that every required section appears as a heading
// line: a markdown heading, a bold line, or a line ending in a colon.
func validateTemplate(tpl config.TemplateConfig, content string) *models.TemplateValidation {
	headings := make(map[string]struct{})
	for _, line := range strings.Split(content, "\n") {
		if h, ok := headingText(line); ok {
			headings[strings.ToLower(h)] = struct{}{}
		}
	}

	result := &models.TemplateValidation{TemplateID: tpl.ID, Valid: true}
	for _, section := range tpl.RequiredSections {
		if _, ok := headings[strings.ToLower(strings.TrimSpace(section))]; !ok {
			result.Valid = false
			result.MissingSections = append(result.MissingSections, section)
		}
	}
	return result
}

func headingText(line string) (string, bool) {
	line = strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(line, "#"):
		line = strings.TrimLeft(line, "#")
	case strings.HasPrefix(line, "**") && strings.HasSuffix(line, "**") && len(line) > 4:
		line = line[2 : len(line)-2]
	case strings.HasSuffix(line, ":") && len(line) <= 60:
	default:
		return "", false
	}
	line = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(line), ":"))
	line = strings.Trim(line, "*")
	return strings.TrimSpace(line), line != ""
}
