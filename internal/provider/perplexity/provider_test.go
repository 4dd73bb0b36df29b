package perplexity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/models"
	"chatrelay/internal/provider"
	"chatrelay/internal/toolpolicy"
)

func newProvider(t *testing.T, url string) (*Provider, models.ModelConfig) {
	t.Helper()
	mc := config.ModelConfig{ID: "sonar-pro", WebSearch: true}
	p, err := New("perplexity", config.ProviderConfig{BaseURL: url, Models: []config.ModelConfig{mc}}, &http.Client{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p, mc.Model("perplexity")
}

func call(model models.ModelConfig) provider.Call {
	return provider.Call{
		Model:  model,
		APIKey: "pplx-test",
		Request: models.CompletionRequest{Messages: []models.Message{
			{Role: models.RoleSystem, Content: "Be concise."},
			{Role: models.RoleUser, Content: "Who won?"},
			{Role: models.RoleSystem, Content: "Cite sources."},
			{Role: models.RoleUser, Content: "The 2022 final."},
		}},
	}
}

func TestComplete_CitationsBecomeSources(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer pplx-test" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var payload chatPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode: %v", err)
		}
		if len(payload.Messages) != 2 {
			t.Fatalf("messages = %+v", payload.Messages)
		}
		if payload.Messages[0].Role != models.RoleSystem || payload.Messages[0].Content != "Be concise.\n\nCite sources." {
			t.Errorf("system = %+v", payload.Messages[0])
		}
		if payload.Messages[1].Content != "Who won?\n\nThe 2022 final." {
			t.Errorf("user turns not merged: %+v", payload.Messages[1])
		}
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"Argentina."}}],
			"citations":["https://a.example","https://b.example"],
			"usage":{"prompt_tokens":4,"completion_tokens":2,"total_tokens":6}}`)
	}))
	defer srv.Close()

	p, model := newProvider(t, srv.URL)
	got, err := p.Complete(context.Background(), call(model))
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	want := "Argentina.\n\nSources:\n1. https://a.example\n2. https://b.example"
	if got.Content != want {
		t.Errorf("Content = %q, want %q", got.Content, want)
	}
	if len(got.ExecutedTools) != 1 || got.ExecutedTools[0] != models.ToolWebSearch {
		t.Errorf("ExecutedTools = %v", got.ExecutedTools)
	}
	if got.Usage == nil || got.Usage.TotalTokens != 6 {
		t.Errorf("Usage = %+v", got.Usage)
	}
}

func TestComplete_DisabledSearchIsSoftEnforced(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload chatPayload
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if !strings.Contains(payload.Messages[0].Content, "Web search is disabled") {
			t.Errorf("constraint missing from system message: %q", payload.Messages[0].Content)
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"From memory."}}],"citations":["https://c.example"]}`)
	}))
	defer srv.Close()

	p, model := newProvider(t, srv.URL)
	c := call(model)
	c.Policies = toolpolicy.Build([]models.ToolPolicy{{ToolName: models.ToolWebSearch}}, nil)

	got, err := p.Complete(context.Background(), c)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if len(got.ExecutedTools) != 0 {
		t.Errorf("web_search recorded while disabled: %v", got.ExecutedTools)
	}
}

func TestStream_ThinkHeldBackAndSourcesLast(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, data := range []string{
			`{"choices":[{"delta":{"content":"<thi"}}]}`,
			`{"choices":[{"delta":{"content":"nk>weighing</think>"}}]}`,
			`{"choices":[{"delta":{"content":"It was "}}]}`,
			`{"choices":[{"delta":{"content":"Argentina."}}],"citations":["https://a.example"]}`,
			`{"choices":[],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`,
			`[DONE]`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	p, model := newProvider(t, srv.URL)
	ch, err := p.Stream(context.Background(), call(model))
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	var text strings.Builder
	var final *models.Completion
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("stream error = %v", chunk.Err)
		}
		if chunk.Final != nil {
			final = chunk.Final
			continue
		}
		text.WriteString(chunk.Text)
	}

	want := "It was Argentina.\n\nSources:\n1. https://a.example"
	if text.String() != want || final.Content != want {
		t.Errorf("streamed %q final %q, want %q", text.String(), final.Content, want)
	}
	if final.Thinking != "weighing" {
		t.Errorf("Thinking = %q", final.Thinking)
	}
}

func TestBuildPayload_RequiresTrailingUser(t *testing.T) {
	t.Parallel()

	_, err := buildPayload(provider.Call{Request: models.CompletionRequest{Messages: []models.Message{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, Content: "hello"},
	}}}, false)
	if err == nil {
		t.Fatal("expected error for conversation ending with assistant")
	}
}

func TestSplitThink(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, content, reasoning string
	}{
		{"plain", "plain", ""},
		{"<think>a</think>b", "b", "a"},
		{"\n<think> a </think>\n\nb", "b", "a"},
		{"<think>open", "<think>open", ""},
	}
	for _, tc := range cases {
		content, reasoning := splitThink(tc.in)
		if content != tc.content || reasoning != tc.reasoning {
			t.Errorf("splitThink(%q) = %q, %q", tc.in, content, reasoning)
		}
	}
}

func TestComplete_AuthFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"invalid key","type":"invalid_api_key"}}`)
	}))
	defer srv.Close()

	p, model := newProvider(t, srv.URL)
	_, err := p.Complete(context.Background(), call(model))
	if !provider.IsAuthenticationError(err) {
		t.Fatalf("expected authentication error, got %v", err)
	}
}
