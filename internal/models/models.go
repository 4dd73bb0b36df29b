package models

// Role constants for Message.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single conversational message in the normalized schema.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Sampling holds optional generation knobs. Nil pointers mean "provider default".
type Sampling struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxTokens       *int     `json:"maxTokens,omitempty"`
	ReasoningEffort string   `json:"reasoningEffort,omitempty"`
}

// RequestMetadata carries the per-request feature flags.
type RequestMetadata struct {
	DeepVoyageEnabled bool   `json:"deepVoyageEnabled,omitempty"`
	TaskSummary       string `json:"taskSummary,omitempty"`
	OutputTemplateID  string `json:"outputTemplateId,omitempty"`
	VoiceMode         bool   `json:"voiceMode,omitempty"`
	PreferredModelID  string `json:"preferredModelId,omitempty"`
}

// CompletionRequest is the canonical representation of a chat completion.
// It is built once per request and treated as immutable after dispatch.
type CompletionRequest struct {
	Messages  []Message
	Model     string
	UserID    string
	ChatID    string
	ProjectID string
	ExpertID  string
	Sampling  Sampling
	Metadata  RequestMetadata
}

// WithMessages returns a copy of the request carrying the given message list.
// The receiver's slice is never touched.
func (r CompletionRequest) WithMessages(messages []Message) CompletionRequest {
	out := r
	out.Messages = make([]Message, len(messages))
	copy(out.Messages, messages)
	return out
}

// Capabilities lists what a model can do.
type Capabilities struct {
	SupportsStreaming       bool
	SupportsThinking        bool
	SupportsWebSearch       bool
	SupportsCodeInterpreter bool
}

// ModelConfig is the static descriptor of an exposed model.
type ModelConfig struct {
	ID                 string
	Provider           string
	NativeID           string
	Capabilities       Capabilities
	DefaultTemperature *float64
	PlatformKeyAllowed bool
}

// Usage records token accounting information.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Completion is what a provider adapter returns for one completed call.
type Completion struct {
	Content       string
	Usage         *Usage
	ExecutedTools []string
	Thinking      string
}

// ToolPolicy is an administrator-configured flag for one tool of one provider.
type ToolPolicy struct {
	ID         int64
	Provider   string
	ToolName   string
	IsEnabled  bool
	SafetyNote string
}

// Release is the currently published configuration release.
type Release struct {
	ID                   int64
	AllowedToolPolicyIDs []int64
}

// AudioClip is one synthesized clause.
type AudioClip struct {
	ClipID     string
	Audio      []byte
	MimeType   string
	DurationMS *int
	SizeBytes  int
	SourceText string
}

// ClipSummary is the persisted view of an AudioClip.
type ClipSummary struct {
	ClipID     string `json:"clipId"`
	MimeType   string `json:"mimeType"`
	DurationMS *int   `json:"durationMs,omitempty"`
	SizeBytes  int    `json:"sizeBytes"`
	Text       string `json:"text"`
	URL        string `json:"url,omitempty"`
}

// Summary drops the audio payload from a clip.
func (c AudioClip) Summary() ClipSummary {
	return ClipSummary{
		ClipID:     c.ClipID,
		MimeType:   c.MimeType,
		DurationMS: c.DurationMS,
		SizeBytes:  c.SizeBytes,
		Text:       c.SourceText,
	}
}

// TemplateValidation reports whether a reply honoured its output template.
type TemplateValidation struct {
	TemplateID      string   `json:"templateId"`
	Valid           bool     `json:"valid"`
	MissingSections []string `json:"missingSections,omitempty"`
}

// AssistantMetadata is accumulated once per completion and persisted with the message.
type AssistantMetadata struct {
	Model              string              `json:"model"`
	ExecutedTools      []string            `json:"executedTools"`
	Thinking           string              `json:"thinking,omitempty"`
	TemplateValidation *TemplateValidation `json:"templateValidation,omitempty"`
	AudioClips         []ClipSummary       `json:"audioClips,omitempty"`
	Usage              *Usage              `json:"usage,omitempty"`
	Error              string              `json:"error,omitempty"`
}

// Server-side tools an adapter may advertise. At most one tool per category
// is offered to a model.
const (
	ToolWebSearch       = "web_search"
	ToolCodeInterpreter = "code_interpreter"
)

// KnownTools lists every tool name in a stable order.
func KnownTools() []string {
	return []string{ToolWebSearch, ToolCodeInterpreter}
}
