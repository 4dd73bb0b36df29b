package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"chatrelay/internal/models"
)

func mustOpenDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("NewDB() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() error = %v", err)
	}
	return db
}

func TestNewDB_MissingParentDir(t *testing.T) {
	t.Parallel()

	if _, err := NewDB(filepath.Join(t.TempDir(), "missing", "x.sqlite")); err == nil {
		t.Fatal("expected error for missing parent directory")
	}
}

func TestMigrateUp_Idempotent(t *testing.T) {
	t.Parallel()

	db := mustOpenDB(t)
	if err := MigrateUp(db); err != nil {
		t.Fatalf("second MigrateUp() error = %v", err)
	}
	version, err := MigrationVersion(db)
	if err != nil || version != 1 {
		t.Fatalf("MigrationVersion() = %d, %v", version, err)
	}
	for _, table := range []string{"tool_policies", "releases", "release_tool_policies", "user_api_keys", "messages"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestMemoryDB(t *testing.T) {
	t.Parallel()

	db, err := NewDB(":memory:")
	if err != nil {
		t.Fatalf("NewDB(:memory:) error = %v", err)
	}
	defer db.Close()
	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() error = %v", err)
	}
	if _, err := NewPolicyStore(db).ToolPolicies(context.Background(), "openai"); err != nil {
		t.Fatalf("tables not visible on the single memory connection: %v", err)
	}
}

func TestVersionFromFilename(t *testing.T) {
	t.Parallel()

	cases := map[string]int{"001_init_schema.up.sql": 1, "042_x.up.sql": 42, "bad.up.sql": 0}
	for name, want := range cases {
		if got := versionFromFilename(name); got != want {
			t.Errorf("versionFromFilename(%q) = %d, want %d", name, got, want)
		}
	}
}

func TestPolicyStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewPolicyStore(mustOpenDB(t))

	release, err := s.ActiveRelease(ctx)
	if err != nil || release != nil {
		t.Fatalf("ActiveRelease() on empty db = %+v, %v", release, err)
	}

	searchID, err := s.UpsertToolPolicy(ctx, models.ToolPolicy{Provider: "openai", ToolName: "Web_Search", IsEnabled: false})
	if err != nil {
		t.Fatalf("UpsertToolPolicy() error = %v", err)
	}
	codeID, err := s.UpsertToolPolicy(ctx, models.ToolPolicy{Provider: "openai", ToolName: "code_interpreter", IsEnabled: true, SafetyNote: "No network."})
	if err != nil {
		t.Fatalf("UpsertToolPolicy() error = %v", err)
	}
	again, err := s.UpsertToolPolicy(ctx, models.ToolPolicy{Provider: "openai", ToolName: "web_search", IsEnabled: true})
	if err != nil || again != searchID {
		t.Fatalf("upsert must keep the row id: got %d want %d (%v)", again, searchID, err)
	}

	policies, err := s.ToolPolicies(ctx, "openai")
	if err != nil {
		t.Fatalf("ToolPolicies() error = %v", err)
	}
	if len(policies) != 2 || policies[1].ToolName != "web_search" || !policies[1].IsEnabled {
		t.Errorf("policies = %+v", policies)
	}
	if policies[0].SafetyNote != "No network." {
		t.Errorf("safety note = %q", policies[0].SafetyNote)
	}

	if _, err := s.PublishRelease(ctx, []int64{searchID}); err != nil {
		t.Fatalf("PublishRelease() error = %v", err)
	}
	secondID, err := s.PublishRelease(ctx, []int64{searchID, codeID})
	if err != nil {
		t.Fatalf("PublishRelease() error = %v", err)
	}

	release, err = s.ActiveRelease(ctx)
	if err != nil {
		t.Fatalf("ActiveRelease() error = %v", err)
	}
	if release.ID != secondID || len(release.AllowedToolPolicyIDs) != 2 {
		t.Errorf("release = %+v", release)
	}

	if _, err := s.PublishRelease(ctx, []int64{9999}); err == nil {
		t.Error("unknown policy id must violate the foreign key")
	}
	release, _ = s.ActiveRelease(ctx)
	if release.ID != secondID {
		t.Errorf("failed publish must roll back, active = %d", release.ID)
	}
}

func TestCredentialStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewCredentialStore(mustOpenDB(t))

	if key, err := s.UserAPIKey(ctx, "u1", "openai"); err != nil || key != "" {
		t.Fatalf("UserAPIKey() on empty = %q, %v", key, err)
	}
	if err := s.SetUserAPIKey(ctx, "u1", "openai", "sk-1"); err != nil {
		t.Fatalf("SetUserAPIKey() error = %v", err)
	}
	if err := s.SetUserAPIKey(ctx, "u1", "openai", " sk-2 "); err != nil {
		t.Fatalf("SetUserAPIKey() error = %v", err)
	}
	if key, _ := s.UserAPIKey(ctx, "u1", "openai"); key != "sk-2" {
		t.Errorf("key = %q, want sk-2", key)
	}
	if err := s.SetUserAPIKey(ctx, "u1", "openai", ""); err != nil {
		t.Fatalf("delete error = %v", err)
	}
	if key, _ := s.UserAPIKey(ctx, "u1", "openai"); key != "" {
		t.Errorf("key after delete = %q", key)
	}
	if err := s.SetUserAPIKey(ctx, "", "openai", "k"); err == nil {
		t.Error("empty user id must be rejected")
	}
}

func TestMessageStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMessageStore(mustOpenDB(t))

	if err := s.PersistMessage(ctx, "chat-1", models.RoleUser, "hi", models.AssistantMetadata{}); err != nil {
		t.Fatalf("PersistMessage() error = %v", err)
	}
	duration := 900
	meta := models.AssistantMetadata{
		Model:         "gpt-4o",
		ExecutedTools: []string{"web_search"},
		AudioClips:    []models.ClipSummary{{ClipID: "c1", MimeType: "audio/mpeg", DurationMS: &duration, URL: "https://x/c1.mp3"}},
		Usage:         &models.Usage{TotalTokens: 12},
	}
	if err := s.PersistMessage(ctx, "chat-1", models.RoleAssistant, "hello", meta); err != nil {
		t.Fatalf("PersistMessage() error = %v", err)
	}
	if err := s.PersistMessage(ctx, "", models.RoleAssistant, "x", meta); err == nil {
		t.Error("empty chat id must be rejected")
	}

	msgs, err := s.Messages(ctx, "chat-1")
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != models.RoleUser || msgs[1].Content != "hello" {
		t.Fatalf("messages = %+v", msgs)
	}
	got := msgs[1].Metadata
	if got.Model != "gpt-4o" || len(got.AudioClips) != 1 || *got.AudioClips[0].DurationMS != 900 || got.Usage.TotalTokens != 12 {
		t.Errorf("metadata = %+v", got)
	}
	if msgs[1].CreatedAt.IsZero() {
		t.Error("created_at not parsed")
	}
}
