// Package tools executes the server-side tools models may call.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"chatrelay/internal/metrics"
	"chatrelay/internal/models"
	"chatrelay/internal/sandbox"
)

const maxToolOutput = 8000

// ErrUnknownTool is returned for a tool name no backend serves.
var ErrUnknownTool = errors.New("unknown tool")

// ToolExecutionError wraps any failure of a tool backend. Adapters recover
// from it locally so the model can answer without the tool.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error {
	return e.Err
}

// Searcher answers web_search calls.
type Searcher interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// Runner answers code_interpreter calls.
type Runner interface {
	Run(ctx context.Context, language, code string) (sandbox.Result, error)
}

// Executor dispatches tool calls to their backends. A nil backend makes the
// corresponding tool fail with ToolExecutionError.
type Executor struct {
	search  Searcher
	sandbox Runner
	logger  *zap.Logger
}

// NewExecutor builds an executor over the given backends.
func NewExecutor(search Searcher, runner Runner, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{search: search, sandbox: runner, logger: logger}
}

// Execute runs tool with the raw JSON arguments produced by the model and
// returns the text handed back to it.
func (e *Executor) Execute(ctx context.Context, tool string, args json.RawMessage) (string, error) {
	var (
		out string
		err error
	)
	switch tool {
	case models.ToolWebSearch:
		out, err = e.webSearch(ctx, args)
	case models.ToolCodeInterpreter:
		out, err = e.runCode(ctx, args)
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownTool, tool)
	}

	if err != nil {
		metrics.ObserveTool(tool, metrics.OutcomeError)
		e.logger.Warn("tool execution failed", zap.String("tool", tool), zap.Error(err))
		return "", &ToolExecutionError{Tool: tool, Err: err}
	}
	metrics.ObserveTool(tool, metrics.OutcomeOK)
	return truncate(out, maxToolOutput), nil
}

func (e *Executor) webSearch(ctx context.Context, args json.RawMessage) (string, error) {
	if e.search == nil {
		return "", errors.New("web search backend not configured")
	}
	var in struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("decode arguments: %w", err)
	}
	if strings.TrimSpace(in.Query) == "" {
		return "", errors.New("query must not be empty")
	}

	results, err := e.search.Search(ctx, in.Query)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "No results found for: " + in.Query, nil
	}

	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%d. %s\n%s", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			b.WriteString("\n" + r.Snippet)
		}
	}
	return b.String(), nil
}

func (e *Executor) runCode(ctx context.Context, args json.RawMessage) (string, error) {
	if e.sandbox == nil {
		return "", errors.New("sandbox not configured")
	}
	var in struct {
		Language string `json:"language"`
		Code     string `json:"code"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("decode arguments: %w", err)
	}
	if in.Language == "" {
		in.Language = sandbox.LanguagePython
	}
	if strings.TrimSpace(in.Code) == "" {
		return "", errors.New("code must not be empty")
	}

	res, err := e.sandbox.Run(ctx, in.Language, in.Code)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "exit code: %d", res.ExitCode)
	if res.Stdout != "" {
		b.WriteString("\nstdout:\n" + res.Stdout)
	}
	if res.Stderr != "" {
		b.WriteString("\nstderr:\n" + res.Stderr)
	}
	return b.String(), nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n[output truncated]"
}
