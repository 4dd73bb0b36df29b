// Package prompt layers platform, expert, project and per-request fragments
// in front of the conversation history.
package prompt

import (
	"context"
	"fmt"
	"strings"

	"chatrelay/internal/models"
)

// Layers is the input of one assembly. Empty fields are skipped.
type Layers struct {
	ExpertID     string
	ProjectID    string
	Instructions []string
	TaskSummary  string
	History      []models.Message
}

// FragmentSource resolves expert and project prompt fragments by id. A
// missing fragment is reported as "", not as an error.
type FragmentSource interface {
	ExpertPrompt(ctx context.Context, id string) (string, error)
	ProjectPrompt(ctx context.Context, id string) (string, error)
}

// StaticFragments serves fragments from configuration maps.
type StaticFragments struct {
	Experts  map[string]string
	Projects map[string]string
}

func (s StaticFragments) ExpertPrompt(_ context.Context, id string) (string, error) {
	return s.Experts[id], nil
}

func (s StaticFragments) ProjectPrompt(_ context.Context, id string) (string, error) {
	return s.Projects[id], nil
}

// Assembler builds the final message list. Layer order is: platform system
// prompt, expert, project, request instructions, task summary, history.
type Assembler struct {
	system    string
	fragments FragmentSource
}

// NewAssembler returns an assembler with the platform system prompt.
func NewAssembler(system string, fragments FragmentSource) *Assembler {
	return &Assembler{system: system, fragments: fragments}
}

// Assemble returns a fresh slice; the history in layers is not modified.
func (a *Assembler) Assemble(ctx context.Context, layers Layers) ([]models.Message, error) {
	out := make([]models.Message, 0, len(layers.History)+len(layers.Instructions)+4)
	add := func(content string) {
		if content = strings.TrimSpace(content); content != "" {
			out = append(out, models.Message{Role: models.RoleSystem, Content: content})
		}
	}

	add(a.system)

	if a.fragments != nil {
		if layers.ExpertID != "" {
			text, err := a.fragments.ExpertPrompt(ctx, layers.ExpertID)
			if err != nil {
				return nil, fmt.Errorf("load expert %s: %w", layers.ExpertID, err)
			}
			add(text)
		}
		if layers.ProjectID != "" {
			text, err := a.fragments.ProjectPrompt(ctx, layers.ProjectID)
			if err != nil {
				return nil, fmt.Errorf("load project %s: %w", layers.ProjectID, err)
			}
			add(text)
		}
	}

	for _, instruction := range layers.Instructions {
		add(instruction)
	}
	if summary := strings.TrimSpace(layers.TaskSummary); summary != "" {
		add("Summary of the task so far:\n" + summary)
	}

	out = append(out, layers.History...)
	return out, nil
}
