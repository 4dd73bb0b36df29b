package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

func TestManager_SessionOpenedOnce(t *testing.T) {
	t.Parallel()

	var sessions atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/sessions":
			sessions.Add(1)
			_, _ = w.Write([]byte(`{"id":"s-1"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/sessions/s-1/execute":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			_ = json.NewEncoder(w).Encode(Result{Stdout: body["language"] + ":" + body["code"]})
		case r.Method == http.MethodDelete && r.URL.Path == "/sessions/s-1":
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	m := NewManager(srv.URL, "key", srv.Client(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.Run(context.Background(), LanguagePython, "print(1)")
			if err != nil {
				t.Errorf("Run() error = %v", err)
				return
			}
			if res.Stdout != "python:print(1)" {
				t.Errorf("Stdout = %q", res.Stdout)
			}
		}()
	}
	wg.Wait()

	if sessions.Load() != 1 {
		t.Errorf("sessions opened = %d, want 1", sessions.Load())
	}
	if err := m.Close(context.Background()); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestManager_InitFailureIsSticky(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no capacity", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := NewManager(srv.URL, "", srv.Client(), nil)
	for i := 0; i < 3; i++ {
		if _, err := m.Run(context.Background(), LanguageBash, "ls"); err == nil {
			t.Fatal("expected init error")
		}
	}
	if calls.Load() != 1 {
		t.Errorf("init attempts = %d, want 1", calls.Load())
	}
}

func TestManager_Validation(t *testing.T) {
	t.Parallel()

	m := NewManager("", "", nil, nil)
	if _, err := m.Run(context.Background(), "cobol", "x"); !errors.Is(err, ErrUnsupportedLanguage) {
		t.Errorf("expected ErrUnsupportedLanguage, got %v", err)
	}
	if _, err := m.Run(context.Background(), LanguagePython, "x"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
	if err := m.Close(context.Background()); err != nil {
		t.Errorf("Close() without session = %v", err)
	}
}
