package prompt

import (
	"context"
	"errors"
	"testing"

	"chatrelay/internal/models"
)

type failingFragments struct{}

func (failingFragments) ExpertPrompt(context.Context, string) (string, error) {
	return "", errors.New("unavailable")
}

func (failingFragments) ProjectPrompt(context.Context, string) (string, error) {
	return "", nil
}

func TestAssemble_LayerOrder(t *testing.T) {
	t.Parallel()

	a := NewAssembler("You are helpful.", StaticFragments{
		Experts:  map[string]string{"lawyer": "Answer as a contracts lawyer."},
		Projects: map[string]string{"p1": "Project: tenancy dispute."},
	})
	history := []models.Message{
		{Role: models.RoleUser, Content: "Can I break my lease?"},
	}

	got, err := a.Assemble(context.Background(), Layers{
		ExpertID:     "lawyer",
		ProjectID:    "p1",
		Instructions: []string{"Use headings.", "  "},
		TaskSummary:  "User rents in Berlin.",
		History:      history,
	})
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}

	want := []string{
		"You are helpful.",
		"Answer as a contracts lawyer.",
		"Project: tenancy dispute.",
		"Use headings.",
		"Summary of the task so far:\nUser rents in Berlin.",
		"Can I break my lease?",
	}
	if len(got) != len(want) {
		t.Fatalf("messages = %+v", got)
	}
	for i, w := range want {
		if got[i].Content != w {
			t.Errorf("message %d = %q, want %q", i, got[i].Content, w)
		}
	}
	if got[5].Role != models.RoleUser || got[0].Role != models.RoleSystem {
		t.Errorf("roles not preserved")
	}

	got[5].Content = "changed"
	if history[0].Content != "Can I break my lease?" {
		t.Error("history was aliased")
	}
}

func TestAssemble_MissingFragmentsAndErrors(t *testing.T) {
	t.Parallel()

	a := NewAssembler("", StaticFragments{})
	got, err := a.Assemble(context.Background(), Layers{ExpertID: "nobody", History: []models.Message{{Role: models.RoleUser, Content: "hi"}}})
	if err != nil || len(got) != 1 {
		t.Fatalf("Assemble() = %+v, %v", got, err)
	}

	if _, err := NewAssembler("", failingFragments{}).Assemble(context.Background(), Layers{ExpertID: "x"}); err == nil {
		t.Error("fragment error must propagate")
	}
}
