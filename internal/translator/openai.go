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
	errEmptyModel     = errors.New("model or metadata.preferredModelId must be provided")
	errEmptyMessages  = errors.New("at least one message is required")
	errInvalidRole    = errors.New("invalid role")
	errInvalidContent = errors.New("invalid message content")
)

var allowedRoles = map[string]struct{}{
	models.RoleSystem:    {},
	models.RoleUser:      {},
	models.RoleAssistant: {},
}

// ChatRequest is the body accepted by the chat endpoints. It follows the
// OpenAI chat/completions shape and adds the conversation identifiers and
// feature flags of a chat.
type ChatRequest struct {
	Model           string
	Messages        []ChatMessage
	ChatID          string
	ProjectID       string
	ExpertID        string
	MaxTokens       *int
	Temperature     *float64
	ReasoningEffort string
	Metadata        models.RequestMetadata
}

// UnmarshalJSON implements custom parsing to enforce validation.
func (r *ChatRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model           string                 `json:"model"`
		Messages        []ChatMessage          `json:"messages"`
		ChatID          string                 `json:"chatId"`
		ProjectID       string                 `json:"projectId"`
		ExpertID        string                 `json:"expertId"`
		MaxTokens       *int                   `json:"max_tokens"`
		Temperature     *float64               `json:"temperature"`
		ReasoningEffort string                 `json:"reasoning_effort"`
		Metadata        models.RequestMetadata `json:"metadata"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode chat request: %w", err)
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.Messages = raw.Messages
	r.ChatID = strings.TrimSpace(raw.ChatID)
	r.ProjectID = strings.TrimSpace(raw.ProjectID)
	r.ExpertID = strings.TrimSpace(raw.ExpertID)
	r.MaxTokens = raw.MaxTokens
	r.Temperature = raw.Temperature
	r.ReasoningEffort = strings.TrimSpace(raw.ReasoningEffort)
	r.Metadata = raw.Metadata

	return r.validate()
}

func (r *ChatRequest) validate() error {
	if r.Model == "" && strings.TrimSpace(r.Metadata.PreferredModelID) == "" {
		return errEmptyModel
	}
	if len(r.Messages) == 0 {
		return errEmptyMessages
	}
	for i, msg := range r.Messages {
		if err := msg.validate(); err != nil {
			return fmt.Errorf("message[%d]: %w", i, err)
		}
	}
	return nil
}

// ToCompletion converts the request into the canonical form for userID.
func (r ChatRequest) ToCompletion(userID string) models.CompletionRequest {
	msgs := make([]models.Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		msgs = append(msgs, models.Message{Role: m.Role, Content: m.Content})
	}

	return models.CompletionRequest{
		Messages:  msgs,
		Model:     r.Model,
		UserID:    userID,
		ChatID:    r.ChatID,
		ProjectID: r.ProjectID,
		ExpertID:  r.ExpertID,
		Sampling: models.Sampling{
			Temperature:     r.Temperature,
			MaxTokens:       r.MaxTokens,
			ReasoningEffort: r.ReasoningEffort,
		},
		Metadata: r.Metadata,
	}
}

// ChatMessage captures a single message within the chat request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UnmarshalJSON supports string and array-of-text content formats.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	content, err := extractMessageContent(raw.Content)
	if err != nil {
		return err
	}

	m.Role = strings.TrimSpace(raw.Role)
	m.Content = content

	return m.validate()
}

func (m *ChatMessage) validate() error {
	if _, ok := allowedRoles[m.Role]; !ok {
		return fmt.Errorf("%w: %s", errInvalidRole, m.Role)
	}
	if strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("%w: message content must not be empty", errInvalidContent)
	}
	return nil
}

func extractMessageContent(raw json.RawMessage) (string, error) {
	if raw == nil {
		return "", fmt.Errorf("%w: missing content", errInvalidContent)
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}

	var segments []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &segments); err == nil {
		var builder strings.Builder
		for _, segment := range segments {
			if segment.Type != "text" {
				return "", fmt.Errorf("%w: segment type %q not supported", errInvalidContent, segment.Type)
			}
			builder.WriteString(segment.Text)
		}
		return builder.String(), nil
	}

	return "", fmt.Errorf("%w: unsupported content structure", errInvalidContent)
}

// ChatResponse is the one-shot completion response. Choices keeps the
// OpenAI shape for existing clients; the remaining fields expose what the
// orchestrator recorded.
type ChatResponse struct {
	ID                 string                     `json:"id"`
	Object             string                     `json:"object"`
	Created            int64                      `json:"created"`
	Model              string                     `json:"model"`
	Content            string                     `json:"content"`
	Choices            []ChatChoice               `json:"choices"`
	Usage              *OpenAIUsage               `json:"usage,omitempty"`
	ExecutedTools      []string                   `json:"executedTools"`
	ThinkingContent    string                     `json:"thinkingContent,omitempty"`
	Blocks             []Block                    `json:"blocks"`
	TemplateValidation *models.TemplateValidation `json:"templateValidation,omitempty"`
}

// ChatChoice represents a single choice in the response payload.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// OpenAIUsage mirrors the token usage block in OpenAI responses.
type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Block is one parsed text or code segment of a reply.
type Block struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Lang string `json:"lang,omitempty"`
}

// FromResult builds the response body for a finished completion.
func FromResult(id string, createdUnix int64, res *orchestrator.Result) ChatResponse {
	return ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: createdUnix,
		Model:   res.Metadata.Model,
		Content: res.Content,
		Choices: []ChatChoice{{
			Message:      ChatMessage{Role: models.RoleAssistant, Content: res.Content},
			FinishReason: "stop",
		}},
		Usage:              fromUsage(res.Metadata.Usage),
		ExecutedTools:      res.Metadata.ExecutedTools,
		ThinkingContent:    res.Metadata.Thinking,
		Blocks:             blocks(res.Blocks),
		TemplateValidation: res.Metadata.TemplateValidation,
	}
}

func fromUsage(u *models.Usage) *OpenAIUsage {
	if u == nil {
		return nil
	}
	return &OpenAIUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

// blocks folds code start, body and end deltas into one code block each.
func blocks(deltas []models.StreamDelta) []Block {
	out := make([]Block, 0, len(deltas))
	var code *Block
	for _, d := range deltas {
		switch d.Kind {
		case models.DeltaText:
			out = append(out, Block{Type: "text", Text: d.Text})
		case models.DeltaCodeStart:
			code = &Block{Type: "code", Lang: d.Lang}
		case models.DeltaCodeDelta:
			if code != nil {
				code.Text += d.Text
			}
		case models.DeltaCodeEnd:
			if code != nil {
				out = append(out, *code)
				code = nil
			}
		}
	}
	if code != nil {
		out = append(out, *code)
	}
	return out
}
