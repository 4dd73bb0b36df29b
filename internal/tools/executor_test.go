package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chatrelay/internal/models"
	"chatrelay/internal/sandbox"
)

type fakeRunner struct {
	res sandbox.Result
	err error
}

func (f fakeRunner) Run(_ context.Context, language, code string) (sandbox.Result, error) {
	return f.res, f.err
}

func TestExecutor_WebSearch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") != "go generics" || r.Header.Get("Authorization") != "Bearer sk" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"results":[
			{"title":"Tutorial","url":"https://go.dev/doc/tutorial/generics","snippet":"Getting started."},
			{"title":"Spec","url":"https://go.dev/ref/spec"}]}`)
	}))
	defer srv.Close()

	e := NewExecutor(NewSearchClient(srv.URL, "sk", srv.Client()), nil, nil)
	out, err := e.Execute(context.Background(), models.ToolWebSearch, json.RawMessage(`{"query":"go generics"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	want := "1. Tutorial\nhttps://go.dev/doc/tutorial/generics\nGetting started.\n\n2. Spec\nhttps://go.dev/ref/spec"
	if out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}

func TestExecutor_CodeInterpreter(t *testing.T) {
	t.Parallel()

	e := NewExecutor(nil, fakeRunner{res: sandbox.Result{Stdout: "2\n", ExitCode: 0}}, nil)
	out, err := e.Execute(context.Background(), models.ToolCodeInterpreter, json.RawMessage(`{"language":"python","code":"print(1+1)"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out != "exit code: 0\nstdout:\n2\n" {
		t.Errorf("output = %q", out)
	}
}

func TestExecutor_Failures(t *testing.T) {
	t.Parallel()

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer down.Close()

	tests := []struct {
		name string
		exec *Executor
		tool string
		args string
	}{
		{"unknown tool", NewExecutor(nil, nil, nil), "image_gen", `{}`},
		{"search not configured", NewExecutor(nil, nil, nil), models.ToolWebSearch, `{"query":"x"}`},
		{"empty query", NewExecutor(NewSearchClient(down.URL, "", nil), nil, nil), models.ToolWebSearch, `{"query":" "}`},
		{"bad json", NewExecutor(NewSearchClient(down.URL, "", nil), nil, nil), models.ToolWebSearch, `{`},
		{"backend down", NewExecutor(NewSearchClient(down.URL, "", nil), nil, nil), models.ToolWebSearch, `{"query":"x"}`},
		{"sandbox error", NewExecutor(nil, fakeRunner{err: sandbox.ErrNotConfigured}, nil), models.ToolCodeInterpreter, `{"code":"1"}`},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := tt.exec.Execute(context.Background(), tt.tool, json.RawMessage(tt.args))
			var te *ToolExecutionError
			if !errors.As(err, &te) || te.Tool != tt.tool {
				t.Fatalf("expected ToolExecutionError for %s, got %v", tt.tool, err)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", maxToolOutput+10)
	if got := truncate(long, maxToolOutput); !strings.HasSuffix(got, "[output truncated]") {
		t.Errorf("long output not truncated")
	}
	if got := truncate("short", maxToolOutput); got != "short" {
		t.Errorf("short output changed: %q", got)
	}
}
