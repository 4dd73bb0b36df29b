package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"chatrelay/internal/models"
	"chatrelay/internal/orchestrator"
)

var (
	errClaudeEmptyModel     = errors.New("model must be provided")
	errClaudeEmptyMessages  = errors.New("at least one message is required")
	errClaudeInvalidRole    = errors.New("invalid role")
	errClaudeInvalidContent = errors.New("invalid message content")
	errClaudeInvalidSystem  = errors.New("invalid system prompt")
)

// ClaudeMessageRequest models the Anthropic /v1/messages payload, so
// Anthropic-style clients can talk to any configured model.
type ClaudeMessageRequest struct {
	Model       string
	MaxTokens   *int
	Messages    []ClaudeMessage
	System      []string
	Stream      bool
	Temperature *float64
	ChatID      string
}

// UnmarshalJSON enforces validation and normalises fields.
func (r *ClaudeMessageRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model       string          `json:"model"`
		MaxTokens   *int            `json:"max_tokens"`
		Messages    []ClaudeMessage `json:"messages"`
		System      json.RawMessage `json:"system"`
		Stream      bool            `json:"stream"`
		Temperature *float64        `json:"temperature"`
		Metadata    struct {
			ChatID string `json:"chat_id"`
		} `json:"metadata"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode claude request: %w", err)
	}

	systemPrompts, err := parseClaudeSystem(raw.System)
	if err != nil {
		return err
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.MaxTokens = raw.MaxTokens
	r.Messages = raw.Messages
	r.System = systemPrompts
	r.Stream = raw.Stream
	r.Temperature = raw.Temperature
	r.ChatID = strings.TrimSpace(raw.Metadata.ChatID)

	return r.validate()
}

func (r *ClaudeMessageRequest) validate() error {
	if r.Model == "" {
		return errClaudeEmptyModel
	}
	if len(r.Messages) == 0 {
		return errClaudeEmptyMessages
	}
	for i, msg := range r.Messages {
		if err := msg.validate(); err != nil {
			return fmt.Errorf("messages[%d]: %w", i, err)
		}
	}
	return nil
}

// ToCompletion converts the Claude request into the canonical form.
func (r ClaudeMessageRequest) ToCompletion(userID string) models.CompletionRequest {
	msgs := make([]models.Message, 0, len(r.Messages)+len(r.System))
	for _, systemMsg := range r.System {
		msgs = append(msgs, models.Message{Role: models.RoleSystem, Content: systemMsg})
	}
	for _, m := range r.Messages {
		msgs = append(msgs, models.Message{Role: m.Role, Content: m.Content})
	}

	return models.CompletionRequest{
		Messages: msgs,
		Model:    r.Model,
		UserID:   userID,
		ChatID:   r.ChatID,
		Sampling: models.Sampling{
			Temperature: r.Temperature,
			MaxTokens:   r.MaxTokens,
		},
	}
}

// ClaudeMessage represents a single message in the request payload.
type ClaudeMessage struct {
	Role    string
	Content string
}

// UnmarshalJSON normalises the Claude message content structure.
func (m *ClaudeMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode claude message: %w", err)
	}

	content, err := extractClaudeContent(raw.Content)
	if err != nil {
		return err
	}

	m.Role = strings.TrimSpace(raw.Role)
	m.Content = content

	return m.validate()
}

func (m *ClaudeMessage) validate() error {
	switch m.Role {
	case models.RoleUser, models.RoleAssistant:
	default:
		return fmt.Errorf("%w: %s", errClaudeInvalidRole, m.Role)
	}

	if strings.TrimSpace(m.Content) == "" {
		return errClaudeInvalidContent
	}

	return nil
}

func parseClaudeSystem(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		s := strings.TrimSpace(single)
		if s == "" {
			return nil, nil
		}
		return []string{s}, nil
	}

	var blocks []claudeSystemBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		out := make([]string, 0, len(blocks))
		for _, block := range blocks {
			text, err := extractSystemBlock(block)
			if err != nil {
				return nil, err
			}
			if text == "" {
				continue
			}
			out = append(out, text)
		}
		if len(out) == 0 {
			return nil, nil
		}
		return out, nil
	}

	return nil, errClaudeInvalidSystem
}

func extractClaudeContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", errClaudeInvalidContent
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return strings.TrimSpace(text), nil
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var builder strings.Builder
		for _, block := range blocks {
			if block.Type != "text" {
				return "", fmt.Errorf("%w: unsupported block type %q", errClaudeInvalidContent, block.Type)
			}
			if builder.Len() > 0 {
				builder.WriteString("\n")
			}
			builder.WriteString(strings.TrimSpace(block.Text))
		}
		result := strings.TrimSpace(builder.String())
		if result == "" {
			return "", errClaudeInvalidContent
		}
		return result, nil
	}

	return "", errClaudeInvalidContent
}

// ClaudeMessageResponse models the Anthropic response payload.
type ClaudeMessageResponse struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Role       string            `json:"role"`
	Model      string            `json:"model"`
	Content    []ClaudeTextBlock `json:"content"`
	StopReason string            `json:"stop_reason"`
	Usage      ClaudeUsage       `json:"usage"`
}

// ClaudeTextBlock represents a text content block in the response.
type ClaudeTextBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ClaudeUsage mirrors Anthropic usage format.
type ClaudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// FromResultClaude converts a finished completion to Anthropic format.
func FromResultClaude(id string, res *orchestrator.Result) ClaudeMessageResponse {
	return ClaudeMessageResponse{
		ID:         id,
		Type:       "message",
		Role:       models.RoleAssistant,
		Model:      res.Metadata.Model,
		Content:    []ClaudeTextBlock{{Type: "text", Text: res.Content}},
		StopReason: "end_turn",
		Usage:      ClaudeUsageFrom(res.Metadata.Usage),
	}
}

// ClaudeUsageFrom converts token accounting, treating nil as zero.
func ClaudeUsageFrom(u *models.Usage) ClaudeUsage {
	if u == nil {
		return ClaudeUsage{}
	}
	return ClaudeUsage{InputTokens: u.PromptTokens, OutputTokens: u.CompletionTokens}
}

type claudeSystemBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func extractSystemBlock(block claudeSystemBlock) (string, error) {
	if block.Type != "" && block.Type != "text" {
		return "", fmt.Errorf("%w: unsupported block type %q", errClaudeInvalidSystem, block.Type)
	}
	return strings.TrimSpace(block.Text), nil
}
