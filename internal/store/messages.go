package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chatrelay/internal/models"
)

// StoredMessage is one persisted chat message.
type StoredMessage struct {
	ID        string
	ChatID    string
	Role      string
	Content   string
	Metadata  models.AssistantMetadata
	CreatedAt time.Time
}

// MessageStore persists chat messages with their assistant metadata.
type MessageStore struct {
	db *sql.DB
}

// NewMessageStore returns a store over db.
func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

// PersistMessage appends one message to the chat.
func (s *MessageStore) PersistMessage(ctx context.Context, chatID, role, content string, meta models.AssistantMetadata) error {
	if chatID == "" {
		return errors.New("chat id is required")
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, role, content, metadata) VALUES (?, ?, ?, ?, ?)
	`, uuid.NewString(), chatID, role, content, string(raw))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Messages lists a chat's messages in insertion order.
func (s *MessageStore) Messages(ctx context.Context, chatID string) ([]StoredMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, role, content, metadata, created_at
		FROM messages WHERE chat_id = ? ORDER BY rowid
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []StoredMessage
	for rows.Next() {
		var (
			m         StoredMessage
			raw       string
			createdAt string
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &raw, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &m.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", m.ID, err)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			m.CreatedAt = t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
