package toolpolicy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"chatrelay/internal/models"
)

func TestIsEnabled_DefaultsToEnabled(t *testing.T) {
	t.Parallel()

	m := Build([]models.ToolPolicy{
		{ID: 1, Provider: "openai", ToolName: "Web_Search", IsEnabled: false},
	}, nil)

	if IsEnabled("web_search", m) {
		t.Error("web_search should be disabled (lookup is case-insensitive)")
	}
	if !IsEnabled("code_interpreter", m) {
		t.Error("tool without a policy row must be enabled")
	}
	if !IsEnabled("anything", nil) {
		t.Error("nil map must enable everything")
	}
}

func TestBuild_FiltersByRelease(t *testing.T) {
	t.Parallel()

	policies := []models.ToolPolicy{
		{ID: 1, ToolName: "web_search", IsEnabled: false},
		{ID: 2, ToolName: "code_interpreter", IsEnabled: false},
	}
	m := Build(policies, &models.Release{ID: 9, AllowedToolPolicyIDs: []int64{2}})

	if !IsEnabled("web_search", m) {
		t.Error("policy outside the release must be ignored")
	}
	if IsEnabled("code_interpreter", m) {
		t.Error("policy inside the release must apply")
	}
}

func TestBlockedMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		existing string
		want     string
	}{
		{"", "[Tool use blocked by administrator policy: web_search]"},
		{"Let me look that up.", "Let me look that up.\n\n[Tool use blocked by administrator policy: web_search]"},
	}
	for _, tc := range tests {
		got := BlockedMessage(tc.existing, "web_search")
		if got != tc.want {
			t.Errorf("BlockedMessage(%q) = %q; want %q", tc.existing, got, tc.want)
		}
		if !strings.HasSuffix(got, "[Tool use blocked by administrator policy: web_search]") {
			t.Errorf("content must end with the literal notice, got %q", got)
		}
		if tc.existing+BlockedSuffix(tc.existing, "web_search") != got {
			t.Error("suffix and message disagree")
		}
	}
}

func TestNoticeSystemMessage(t *testing.T) {
	t.Parallel()

	if _, ok := NoticeSystemMessage(Map{}); ok {
		t.Fatal("empty map must not produce a notice")
	}

	m := Build([]models.ToolPolicy{
		{ToolName: "web_search", IsEnabled: false},
		{ToolName: "code_interpreter", IsEnabled: true, SafetyNote: "No network access from code."},
	}, nil)

	msg, ok := NoticeSystemMessage(m)
	if !ok {
		t.Fatal("expected a notice")
	}
	if msg.Role != models.RoleSystem {
		t.Errorf("role = %q; want system", msg.Role)
	}
	for _, want := range []string{"web_search", "must not be called", "code_interpreter: No network access from code."} {
		if !strings.Contains(msg.Content, want) {
			t.Errorf("notice %q missing %q", msg.Content, want)
		}
	}
}

type fakeSource struct {
	policies   []models.ToolPolicy
	release    *models.Release
	policyErr  error
	releaseErr error
}

func (f fakeSource) ToolPolicies(context.Context, string) ([]models.ToolPolicy, error) {
	return f.policies, f.policyErr
}

func (f fakeSource) ActiveRelease(context.Context) (*models.Release, error) {
	return f.release, f.releaseErr
}

func TestGate_Load(t *testing.T) {
	t.Parallel()

	lookupErr := errors.New("store unreachable")
	tests := []struct {
		name       string
		source     Source
		failClosed bool
		wantSearch bool
	}{
		{"policies applied", fakeSource{policies: []models.ToolPolicy{{ToolName: "web_search"}}}, false, false},
		{"fail open on policy error", fakeSource{policyErr: lookupErr}, false, true},
		{"fail open on release error", fakeSource{releaseErr: lookupErr}, false, true},
		{"fail closed on policy error", fakeSource{policyErr: lookupErr}, true, false},
		{"nil source", nil, true, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			g := NewGate(tc.source, tc.failClosed, zap.NewNop())
			m := g.Load(context.Background(), "openai")
			if got := IsEnabled("web_search", m); got != tc.wantSearch {
				t.Fatalf("IsEnabled(web_search) = %v; want %v", got, tc.wantSearch)
			}
		})
	}
}

func TestDisabled(t *testing.T) {
	t.Parallel()

	got := Disabled(DenyAll("xai", "down"))
	if strings.Join(got, ",") != "code_interpreter,web_search" {
		t.Fatalf("Disabled() = %v", got)
	}
}
