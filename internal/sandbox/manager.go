// Package sandbox manages the remote code execution runtime backing the
// code_interpreter tool. One session is created lazily per process and
// shared by every request.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const initTimeout = 30 * time.Second

// Supported languages.
const (
	LanguagePython     = "python"
	LanguageJavaScript = "javascript"
	LanguageBash       = "bash"
)

var (
	// ErrNotConfigured is returned when no sandbox endpoint is configured.
	ErrNotConfigured = errors.New("sandbox not configured")
	// ErrUnsupportedLanguage is returned for languages the runtime cannot run.
	ErrUnsupportedLanguage = errors.New("unsupported language")
)

// Result is the outcome of one execution.
type Result struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Manager owns the process-lifetime sandbox session. The session is opened
// on first use; an initialization failure is remembered and returned to
// every later caller.
type Manager struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger

	once      sync.Once
	sessionID string
	initErr   error
}

// NewManager returns a manager for the sandbox service at baseURL.
func NewManager(baseURL, apiKey string, client *http.Client, logger *zap.Logger) *Manager {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
		logger:  logger,
	}
}

func (m *Manager) session(ctx context.Context) (string, error) {
	m.once.Do(func() {
		if m.baseURL == "" {
			m.initErr = ErrNotConfigured
			return
		}
		// The session outlives the request that happened to open it.
		initCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), initTimeout)
		defer cancel()

		var out struct {
			ID string `json:"id"`
		}
		if err := m.do(initCtx, http.MethodPost, "/sessions", nil, &out); err != nil {
			m.initErr = fmt.Errorf("open sandbox session: %w", err)
			return
		}
		if out.ID == "" {
			m.initErr = errors.New("open sandbox session: empty session id")
			return
		}
		m.sessionID = out.ID
		m.logger.Info("sandbox session opened", zap.String("session_id", out.ID))
	})
	return m.sessionID, m.initErr
}

// Run executes code in the shared session.
func (m *Manager) Run(ctx context.Context, language, code string) (Result, error) {
	switch language {
	case LanguagePython, LanguageJavaScript, LanguageBash:
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, language)
	}

	id, err := m.session(ctx)
	if err != nil {
		return Result{}, err
	}

	body := map[string]string{"language": language, "code": code}
	var res Result
	if err := m.do(ctx, http.MethodPost, "/sessions/"+id+"/execute", body, &res); err != nil {
		return Result{}, fmt.Errorf("execute in sandbox: %w", err)
	}
	return res, nil
}

// Close releases the session if one was opened.
func (m *Manager) Close(ctx context.Context) error {
	if m.sessionID == "" {
		return nil
	}
	if err := m.do(ctx, http.MethodDelete, "/sessions/"+m.sessionID, nil, nil); err != nil {
		return fmt.Errorf("close sandbox session: %w", err)
	}
	return nil
}

func (m *Manager) do(ctx context.Context, method, path string, payload, target any) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("construct request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("sandbox status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if target == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decode sandbox response: %w", err)
	}
	return nil
}
