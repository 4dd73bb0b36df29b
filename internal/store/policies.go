package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"chatrelay/internal/models"
)

const (
	releaseActive   = "active"
	releaseArchived = "archived"
)

// PolicyStore reads and writes administrator tool policies and releases.
type PolicyStore struct {
	db *sql.DB
}

// NewPolicyStore returns a store over db.
func NewPolicyStore(db *sql.DB) *PolicyStore {
	return &PolicyStore{db: db}
}

// ToolPolicies lists every policy row for provider.
func (s *PolicyStore) ToolPolicies(ctx context.Context, provider string) ([]models.ToolPolicy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider, tool_name, is_enabled, safety_note
		FROM tool_policies
		WHERE provider = ?
		ORDER BY tool_name
	`, provider)
	if err != nil {
		return nil, fmt.Errorf("query tool policies: %w", err)
	}
	defer rows.Close()

	var out []models.ToolPolicy
	for rows.Next() {
		var p models.ToolPolicy
		if err := rows.Scan(&p.ID, &p.Provider, &p.ToolName, &p.IsEnabled, &p.SafetyNote); err != nil {
			return nil, fmt.Errorf("scan tool policy: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertToolPolicy creates or updates the policy for (provider, tool) and
// returns its id.
func (s *PolicyStore) UpsertToolPolicy(ctx context.Context, p models.ToolPolicy) (int64, error) {
	provider := strings.TrimSpace(p.Provider)
	tool := strings.ToLower(strings.TrimSpace(p.ToolName))
	if provider == "" || tool == "" {
		return 0, errors.New("provider and tool name are required")
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tool_policies (provider, tool_name, is_enabled, safety_note)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (provider, tool_name) DO UPDATE SET
			is_enabled  = excluded.is_enabled,
			safety_note = excluded.safety_note,
			updated_at  = datetime('now')
		RETURNING id
	`, provider, tool, p.IsEnabled, p.SafetyNote).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert tool policy: %w", err)
	}
	return id, nil
}

// ActiveRelease returns the published release, or nil when none exists.
func (s *PolicyStore) ActiveRelease(ctx context.Context) (*models.Release, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM releases WHERE status = ? ORDER BY id DESC LIMIT 1
	`, releaseActive).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query active release: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT tool_policy_id FROM release_tool_policies WHERE release_id = ? ORDER BY tool_policy_id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query release policies: %w", err)
	}
	defer rows.Close()

	release := &models.Release{ID: id, AllowedToolPolicyIDs: []int64{}}
	for rows.Next() {
		var pid int64
		if err := rows.Scan(&pid); err != nil {
			return nil, fmt.Errorf("scan release policy: %w", err)
		}
		release.AllowedToolPolicyIDs = append(release.AllowedToolPolicyIDs, pid)
	}
	return release, rows.Err()
}

// PublishRelease archives the current release and activates a new one that
// covers the given policy ids.
func (s *PolicyStore) PublishRelease(ctx context.Context, policyIDs []int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `UPDATE releases SET status = ? WHERE status = ?`, releaseArchived, releaseActive); err != nil {
		return 0, fmt.Errorf("archive releases: %w", err)
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO releases (status) VALUES (?)`, releaseActive)
	if err != nil {
		return 0, fmt.Errorf("insert release: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("release id: %w", err)
	}

	for _, pid := range policyIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO release_tool_policies (release_id, tool_policy_id) VALUES (?, ?)`, id, pid); err != nil {
			return 0, fmt.Errorf("attach policy %d: %w", pid, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit release: %w", err)
	}
	return id, nil
}
