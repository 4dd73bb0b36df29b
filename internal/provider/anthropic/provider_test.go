package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/models"
	"chatrelay/internal/provider"
	"chatrelay/internal/toolpolicy"
)

type recordingExecutor struct {
	calls atomic.Int32
	args  atomic.Value
}

func (r *recordingExecutor) Execute(_ context.Context, tool string, args json.RawMessage) (string, error) {
	r.calls.Add(1)
	r.args.Store(string(args))
	return "42 results", nil
}

func newProvider(t *testing.T, url string, model config.ModelConfig) (*Provider, models.ModelConfig) {
	t.Helper()
	p, err := New("anthropic", config.ProviderConfig{BaseURL: url, Models: []config.ModelConfig{model}}, &http.Client{Timeout: 5 * time.Second}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p, model.Model("anthropic")
}

func baseCall(model models.ModelConfig) provider.Call {
	return provider.Call{
		Request: models.CompletionRequest{
			Messages: []models.Message{
				{Role: models.RoleSystem, Content: "Be brief."},
				{Role: models.RoleSystem, Content: "Use metric units."},
				{Role: models.RoleUser, Content: "How far is the moon?"},
			},
			Sampling: models.Sampling{ReasoningEffort: "high"},
		},
		Model:  model,
		APIKey: "ak-test",
	}
}

func sse(w http.ResponseWriter, events ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, e := range events {
		var probe struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal([]byte(e), &probe)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", probe.Type, e)
	}
}

func TestComplete_SeparatesThinkingFromText(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "ak-test" || r.Header.Get("anthropic-version") == "" {
			http.Error(w, "bad headers", http.StatusUnauthorized)
			return
		}
		var payload messagePayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode: %v", err)
		}
		if payload.System != "Be brief.\n\nUse metric units." {
			t.Errorf("system = %q", payload.System)
		}
		if payload.Thinking == nil || payload.Thinking.BudgetTokens != 16384 {
			t.Errorf("thinking = %+v", payload.Thinking)
		}
		if payload.Thinking != nil && payload.MaxTokens <= payload.Thinking.BudgetTokens {
			t.Errorf("max_tokens %d must exceed the thinking budget", payload.MaxTokens)
		}
		if payload.Temperature != nil {
			t.Errorf("temperature must be omitted with thinking")
		}
		fmt.Fprint(w, `{"id":"m1","role":"assistant","content":[
			{"type":"thinking","thinking":"Average distance...","signature":"sig"},
			{"type":"text","text":"About 384,400 km."}],
			"usage":{"input_tokens":12,"output_tokens":30},"stop_reason":"end_turn"}`)
	}))
	defer srv.Close()

	p, model := newProvider(t, srv.URL, config.ModelConfig{ID: "claude-sonnet", Thinking: true})
	got, err := p.Complete(context.Background(), baseCall(model))
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got.Content != "About 384,400 km." {
		t.Errorf("Content = %q", got.Content)
	}
	if got.Thinking != "Average distance..." {
		t.Errorf("Thinking = %q", got.Thinking)
	}
	if got.Usage.TotalTokens != 42 {
		t.Errorf("Usage = %+v", got.Usage)
	}
}

func TestStream_ToolUseRoundTrip(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload messagePayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode: %v", err)
		}
		if requests.Add(1) == 1 {
			if len(payload.Tools) != 1 || payload.Tools[0].Name != models.ToolWebSearch {
				t.Errorf("tools = %+v", payload.Tools)
			}
			sse(w,
				`{"type":"message_start","message":{"id":"m","role":"assistant","content":[],"usage":{"input_tokens":5,"output_tokens":0}}}`,
				`{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":""}}`,
				`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"Need fresh data."}}`,
				`{"type":"content_block_delta","index":0,"delta":{"type":"signature_delta","signature":"abc"}}`,
				`{"type":"content_block_stop","index":0}`,
				`{"type":"content_block_start","index":1,"content_block":{"type":"text","text":""}}`,
				`{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Searching."}}`,
				`{"type":"content_block_stop","index":1}`,
				`{"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"tu_1","name":"web_search","input":{}}}`,
				`{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"query\":"}}`,
				`{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"\"moon\"}"}}`,
				`{"type":"content_block_stop","index":2}`,
				`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":9}}`,
				`{"type":"message_stop"}`,
			)
			return
		}

		if payload.ToolChoice == nil || payload.ToolChoice.Type != "none" {
			t.Errorf("follow-up must disable tool calls, got %+v", payload.ToolChoice)
		}
		n := len(payload.Messages)
		assistant, results := payload.Messages[n-2], payload.Messages[n-1]
		if assistant.Content[0].Type != "thinking" || assistant.Content[0].Signature != "abc" {
			t.Errorf("thinking block not replayed with signature: %+v", assistant.Content)
		}
		if results.Content[0].Type != "tool_result" || results.Content[0].ToolUseID != "tu_1" {
			t.Errorf("tool result = %+v", results.Content)
		}
		sse(w,
			`{"type":"message_start","message":{"usage":{"input_tokens":7}}}`,
			`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Found it."}}`,
			`{"type":"message_stop"}`,
		)
	}))
	defer srv.Close()

	p, model := newProvider(t, srv.URL, config.ModelConfig{ID: "claude-sonnet", Thinking: true, WebSearch: true})
	exec := &recordingExecutor{}
	call := baseCall(model)
	call.Tools = exec

	ch, err := p.Stream(context.Background(), call)
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

	if text.String() != "Searching.\n\nFound it." || final.Content != text.String() {
		t.Errorf("streamed %q, final %q", text.String(), final.Content)
	}
	if final.Thinking != "Need fresh data." {
		t.Errorf("Thinking = %q", final.Thinking)
	}
	if strings.Contains(text.String(), "Need fresh data") {
		t.Error("thinking leaked into visible text")
	}
	if exec.calls.Load() != 1 || exec.args.Load() != `{"query":"moon"}` {
		t.Errorf("executor calls=%d args=%v", exec.calls.Load(), exec.args.Load())
	}
	if len(final.ExecutedTools) != 1 {
		t.Errorf("ExecutedTools = %v", final.ExecutedTools)
	}
}

func TestComplete_BlockedToolUse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"role":"assistant","content":[
			{"type":"text","text":"I'll run that."},
			{"type":"tool_use","id":"t","name":"code_interpreter","input":{"language":"python","code":"1"}}],
			"usage":{"input_tokens":1,"output_tokens":1}}`)
	}))
	defer srv.Close()

	p, model := newProvider(t, srv.URL, config.ModelConfig{ID: "claude-haiku", CodeInterpreter: true})
	exec := &recordingExecutor{}
	call := baseCall(model)
	call.Tools = exec
	call.Policies = toolpolicy.Build([]models.ToolPolicy{{ToolName: models.ToolCodeInterpreter}}, nil)

	got, err := p.Complete(context.Background(), call)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got.Content != "I'll run that.\n\n[Tool use blocked by administrator policy: code_interpreter]" {
		t.Errorf("Content = %q", got.Content)
	}
	if exec.calls.Load() != 0 || len(got.ExecutedTools) != 0 {
		t.Error("blocked tool must not run")
	}
}

func TestBuildMessagePayload(t *testing.T) {
	t.Parallel()

	model := config.ModelConfig{ID: "claude", Temperature: ptr(0.3)}.Model("anthropic")
	call := provider.Call{Model: model, Request: models.CompletionRequest{Messages: []models.Message{
		{Role: models.RoleUser, Content: "a"},
		{Role: models.RoleUser, Content: "b"},
		{Role: models.RoleAssistant, Content: "c"},
	}}}

	payload, err := buildMessagePayload(call)
	if err != nil {
		t.Fatalf("buildMessagePayload() error = %v", err)
	}
	if len(payload.Messages) != 2 || len(payload.Messages[0].Content) != 2 {
		t.Errorf("consecutive user turns not merged: %+v", payload.Messages)
	}
	if payload.MaxTokens != defaultMaxTokens || payload.Thinking != nil {
		t.Errorf("unexpected defaults: %+v", payload)
	}
	if payload.Temperature == nil || *payload.Temperature != 0.3 {
		t.Errorf("default temperature not applied")
	}

	call.Request.Messages = []models.Message{{Role: models.RoleAssistant, Content: "hi"}}
	if _, err := buildMessagePayload(call); err == nil {
		t.Error("conversation starting with assistant must be rejected")
	}
}

func TestComplete_OverloadedIsServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(529)
		fmt.Fprint(w, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
	}))
	defer srv.Close()

	p, model := newProvider(t, srv.URL, config.ModelConfig{ID: "claude"})
	_, err := p.Complete(context.Background(), baseCall(model))
	if !provider.IsServerError(err) {
		t.Fatalf("expected server error, got %v", err)
	}
}

func TestReadStream_RejectsBlockIndexOutOfRange(t *testing.T) {
	t.Parallel()

	for name, index := range map[string]int{"negative": -1, "far ahead": 1 << 30} {
		t.Run(name, func(t *testing.T) {
			body := fmt.Sprintf("event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":%d,\"delta\":{\"type\":\"text_delta\",\"text\":\"x\"}}\n\n", index)
			_, err := readStream(context.Background(), strings.NewReader(body), func(string) bool { return true })
			if !errors.Is(err, errBlockIndex) {
				t.Fatalf("readStream() error = %v, want errBlockIndex", err)
			}
			if !provider.IsServerError(provider.MapError("anthropic", err)) {
				t.Errorf("mapped error = %v, want server error", provider.MapError("anthropic", err))
			}
		})
	}
}

func ptr(f float64) *float64 { return &f }
