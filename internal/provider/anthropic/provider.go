package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"chatrelay/internal/config"
	"chatrelay/internal/models"
	"chatrelay/internal/provider"
	"chatrelay/internal/toolpolicy"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "chatrelay/0.1"
	apiVersion      = "2023-06-01"

	defaultMaxTokens = 4096
)

// Thinking budgets by reasoning effort. Medium is used when thinking is on
// but no effort was requested.
var thinkingBudgets = map[string]int{
	"low":    1024,
	"medium": 4096,
	"high":   16384,
}

// Provider implements Anthropic Messages API interactions with extended
// thinking and tool use.
type Provider struct {
	name     string
	headers  map[string]string
	client   *http.Client
	models   []models.ModelConfig
	messages string
	logger   *zap.Logger
}

// New constructs an Anthropic provider instance.
func New(name string, cfg config.ProviderConfig, client *http.Client, logger *zap.Logger) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	modelsList := make([]models.ModelConfig, 0, len(cfg.Models))
	for _, model := range cfg.Models {
		modelsList = append(modelsList, model.Model(name))
	}

	return &Provider{
		name:     name,
		headers:  cfg.Headers,
		client:   client,
		models:   modelsList,
		messages: baseURL + "/v1/messages",
		logger:   logger,
	}, nil
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) ListModels(ctx context.Context) ([]models.ModelConfig, error) {
	result := make([]models.ModelConfig, len(p.models))
	copy(result, p.models)
	return result, nil
}

func (p *Provider) Complete(ctx context.Context, call provider.Call) (*models.Completion, error) {
	base, err := buildMessagePayload(call)
	if err != nil {
		return nil, err
	}
	return p.run(ctx, call, base, false, func(string) bool { return true })
}

func (p *Provider) Stream(ctx context.Context, call provider.Call) (<-chan provider.Chunk, error) {
	base, err := buildMessagePayload(call)
	if err != nil {
		return nil, err
	}
	return provider.RunStream(ctx, call.Model.Capabilities.SupportsStreaming,
		func(ctx context.Context, streaming bool, emit provider.EmitFunc) (*models.Completion, error) {
			return p.run(ctx, call, base, streaming, emit)
		}), nil
}

func (p *Provider) run(ctx context.Context, call provider.Call, payload messagePayload, streaming bool, emit provider.EmitFunc) (*models.Completion, error) {
	offered := provider.OfferedTools(call)
	for _, spec := range offered {
		payload.Tools = append(payload.Tools, toolDef{Name: spec.Name, Description: spec.Description, InputSchema: spec.Parameters})
	}
	payload.Stream = streaming

	first, err := p.turn(ctx, call.APIKey, payload, emit)
	if err != nil {
		return nil, provider.MapError(p.name, err)
	}

	text, thinking, toolUses := first.split()
	result := &models.Completion{Content: text, Thinking: thinking, Usage: first.usage}
	if len(toolUses) == 0 {
		return result, nil
	}

	requested := make([]string, 0, len(toolUses))
	for _, tu := range toolUses {
		requested = append(requested, tu.Name)
	}
	if tool, blocked := provider.FirstBlocked(requested, call.Policies); blocked {
		suffix := toolpolicy.BlockedSuffix(result.Content, tool)
		emit(suffix)
		result.Content += suffix
		return result, nil
	}

	results := make([]contentBlock, 0, len(toolUses))
	for _, tu := range toolUses {
		out, ok := p.runTool(ctx, call, offered, tu)
		if ok && !contains(result.ExecutedTools, tu.Name) {
			result.ExecutedTools = append(result.ExecutedTools, tu.Name)
		}
		results = append(results, contentBlock{Type: "tool_result", ToolUseID: tu.ID, Content: out, IsError: !ok})
	}

	follow := payload
	follow.Messages = append(append([]message{}, payload.Messages...),
		message{Role: models.RoleAssistant, Content: first.replayBlocks()},
		message{Role: models.RoleUser, Content: results},
	)
	// Tool definitions must stay present while the history holds tool_use
	// blocks; tool_choice none keeps the follow-up from calling again.
	follow.ToolChoice = &toolChoice{Type: "none"}

	separated := result.Content == ""
	followEmit := func(s string) bool {
		if !separated && s != "" {
			separated = true
			result.Content += "\n\n"
			if !emit("\n\n") {
				return false
			}
		}
		return emit(s)
	}

	second, err := p.turn(ctx, call.APIKey, follow, followEmit)
	if err != nil {
		return nil, provider.MapError(p.name, err)
	}
	text2, thinking2, _ := second.split()
	if !streaming && text2 != "" && !separated {
		result.Content += "\n\n"
	}
	result.Content += text2
	result.Thinking = joinNonEmpty(result.Thinking, thinking2)
	result.Usage = provider.SumUsage(result.Usage, second.usage)
	return result, nil
}

func (p *Provider) runTool(ctx context.Context, call provider.Call, offered []provider.ToolSpec, tu contentBlock) (string, bool) {
	advertised := false
	for _, spec := range offered {
		if spec.Name == tu.Name {
			advertised = true
			break
		}
	}
	if !advertised {
		return fmt.Sprintf("Tool %s is not available. Answer without it.", tu.Name), false
	}
	args := tu.Input
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage("{}")
	}
	return provider.RunTool(ctx, call, p.logger, tu.Name, args)
}

type turnResult struct {
	blocks []contentBlock
	usage  *models.Usage
}

// split separates visible text, concatenated thinking and tool_use blocks.
func (t turnResult) split() (text, thinking string, toolUses []contentBlock) {
	var tb, th strings.Builder
	for _, block := range t.blocks {
		switch block.Type {
		case "text":
			tb.WriteString(block.Text)
		case "thinking":
			if th.Len() > 0 && block.Thinking != "" {
				th.WriteString("\n\n")
			}
			th.WriteString(block.Thinking)
		case "tool_use":
			toolUses = append(toolUses, block)
		}
	}
	return tb.String(), th.String(), toolUses
}

// replayBlocks returns the assistant blocks to send back with tool results.
// Thinking blocks must be replayed with their signatures.
func (t turnResult) replayBlocks() []contentBlock {
	out := make([]contentBlock, 0, len(t.blocks))
	for _, block := range t.blocks {
		if block.Type == "text" && block.Text == "" {
			continue
		}
		if block.Type == "tool_use" && len(block.Input) == 0 {
			block.Input = json.RawMessage("{}")
		}
		out = append(out, block)
	}
	return out
}

func (p *Provider) turn(ctx context.Context, apiKey string, payload messagePayload, emit provider.EmitFunc) (turnResult, error) {
	httpReq, err := p.newRequest(ctx, http.MethodPost, p.messages, apiKey, payload)
	if err != nil {
		return turnResult{}, err
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return turnResult{}, fmt.Errorf("anthropic messages request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return turnResult{}, parseAPIError(httpResp)
	}

	if payload.Stream {
		return readStream(ctx, httpResp.Body, emit)
	}

	var providerResp messageResponse
	if err := decodeJSON(httpResp.Body, &providerResp); err != nil {
		return turnResult{}, err
	}
	if providerResp.Error != nil {
		return turnResult{}, &provider.StatusError{StatusCode: http.StatusBadGateway, Type: providerResp.Error.Type, Message: providerResp.Error.Message}
	}
	return turnResult{blocks: providerResp.Content, usage: providerResp.Usage.toModel()}, nil
}

func (p *Provider) newRequest(ctx context.Context, method, url, apiKey string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

type messagePayload struct {
	Model       string          `json:"model"`
	Messages    []message       `json:"messages"`
	System      string          `json:"system,omitempty"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Tools       []toolDef       `json:"tools,omitempty"`
	ToolChoice  *toolChoice     `json:"tool_choice,omitempty"`
	Thinking    *thinkingConfig `json:"thinking,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Signature string          `json:"signature,omitempty"`
	Data      string          `json:"data,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type toolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type toolChoice struct {
	Type string `json:"type"`
}

type thinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

func buildMessagePayload(call provider.Call) (messagePayload, error) {
	req := call.Request
	messages := make([]message, 0, len(req.Messages))
	var systemParts []string

	for _, msg := range req.Messages {
		role := strings.ToLower(strings.TrimSpace(msg.Role))
		switch role {
		case models.RoleSystem:
			if strings.TrimSpace(msg.Content) != "" {
				systemParts = append(systemParts, msg.Content)
			}
		case models.RoleUser, models.RoleAssistant:
			text := strings.TrimSpace(msg.Content)
			if text == "" {
				return messagePayload{}, errors.New("anthropic messages must not be empty")
			}
			block := contentBlock{Type: "text", Text: text}
			// Consecutive turns of the same role are merged; the API requires alternation.
			if n := len(messages); n > 0 && messages[n-1].Role == role {
				messages[n-1].Content = append(messages[n-1].Content, block)
				continue
			}
			messages = append(messages, message{Role: role, Content: []contentBlock{block}})
		default:
			return messagePayload{}, fmt.Errorf("anthropic provider does not support role %q", msg.Role)
		}
	}

	if len(messages) == 0 {
		return messagePayload{}, errors.New("anthropic request requires at least one user message")
	}
	if messages[0].Role != models.RoleUser {
		return messagePayload{}, errors.New("anthropic conversation must start with a user message")
	}

	maxTokens := defaultMaxTokens
	if v := req.Sampling.MaxTokens; v != nil && *v > 0 {
		maxTokens = *v
	}

	payload := messagePayload{
		Model:     call.Model.NativeID,
		Messages:  messages,
		MaxTokens: maxTokens,
	}
	if len(systemParts) > 0 {
		payload.System = strings.Join(systemParts, "\n\n")
	}
	if req.UserID != "" {
		payload.Metadata = map[string]any{"user_id": req.UserID}
	}

	if budget, ok := thinkingBudget(call); ok {
		payload.Thinking = &thinkingConfig{Type: "enabled", BudgetTokens: budget}
		// max_tokens covers thinking plus the visible answer.
		payload.MaxTokens = budget + maxTokens
	} else {
		payload.Temperature = req.Sampling.Temperature
		if payload.Temperature == nil {
			payload.Temperature = call.Model.DefaultTemperature
		}
	}

	return payload, nil
}

func thinkingBudget(call provider.Call) (int, bool) {
	if !call.Model.Capabilities.SupportsThinking {
		return 0, false
	}
	effort := strings.ToLower(call.Request.Sampling.ReasoningEffort)
	if budget, ok := thinkingBudgets[effort]; ok {
		return budget, true
	}
	return thinkingBudgets["medium"], true
}

type messageResponse struct {
	ID         string         `json:"id"`
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	Usage      usageBlock     `json:"usage"`
	StopReason string         `json:"stop_reason"`
	Error      *apiError      `json:"error,omitempty"`
}

type usageBlock struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u usageBlock) toModel() *models.Usage {
	return &models.Usage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.InputTokens + u.OutputTokens,
	}
}

type streamEvent struct {
	Type         string           `json:"type"`
	Index        int              `json:"index"`
	Message      *messageResponse `json:"message,omitempty"`
	ContentBlock *contentBlock    `json:"content_block,omitempty"`
	Delta        *streamDelta     `json:"delta,omitempty"`
	Usage        *usageBlock      `json:"usage,omitempty"`
	Error        *apiError        `json:"error,omitempty"`
}

type streamDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	Thinking    string `json:"thinking"`
	PartialJSON string `json:"partial_json"`
	Signature   string `json:"signature"`
	StopReason  string `json:"stop_reason"`
}

var (
	errConsumerGone = errors.New("stream consumer went away")
	errBlockIndex   = errors.New("content block index out of range")
)

// maxBlockGap bounds how far past the blocks seen so far a streamed event
// index may point.
const maxBlockGap = 8

func indexedEvent(eventType string) bool {
	switch eventType {
	case "content_block_start", "content_block_delta", "content_block_stop":
		return true
	}
	return false
}

func readStream(ctx context.Context, body io.Reader, emit provider.EmitFunc) (turnResult, error) {
	var (
		blocks  []contentBlock
		inputs  = make(map[int]*strings.Builder)
		usage   usageBlock
		blockAt = func(i int) *contentBlock {
			for len(blocks) <= i {
				blocks = append(blocks, contentBlock{})
			}
			return &blocks[i]
		}
	)

	err := provider.ReadSSE(body, func(ev provider.SSEEvent) error {
		var event streamEvent
		if err := json.Unmarshal([]byte(ev.Data), &event); err != nil {
			return fmt.Errorf("decode stream event: %w", err)
		}
		if indexedEvent(event.Type) && (event.Index < 0 || event.Index >= len(blocks)+maxBlockGap) {
			return fmt.Errorf("decode stream event: %w: %d", errBlockIndex, event.Index)
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				usage.InputTokens = event.Message.Usage.InputTokens
			}
		case "content_block_start":
			if event.ContentBlock != nil {
				*blockAt(event.Index) = *event.ContentBlock
				if event.ContentBlock.Type == "tool_use" {
					inputs[event.Index] = &strings.Builder{}
					blockAt(event.Index).Input = nil
				}
			}
		case "content_block_delta":
			if event.Delta == nil {
				return nil
			}
			block := blockAt(event.Index)
			switch event.Delta.Type {
			case "text_delta":
				block.Text += event.Delta.Text
				if !emit(event.Delta.Text) {
					return errConsumerGone
				}
			case "thinking_delta":
				block.Thinking += event.Delta.Thinking
			case "signature_delta":
				block.Signature += event.Delta.Signature
			case "input_json_delta":
				if b, ok := inputs[event.Index]; ok {
					b.WriteString(event.Delta.PartialJSON)
				}
			}
		case "content_block_stop":
			if b, ok := inputs[event.Index]; ok {
				raw := strings.TrimSpace(b.String())
				if raw == "" {
					raw = "{}"
				}
				blockAt(event.Index).Input = json.RawMessage(raw)
			}
		case "message_delta":
			if event.Usage != nil {
				usage.OutputTokens = event.Usage.OutputTokens
			}
		case "message_stop":
			return provider.ErrStopSSE
		case "error":
			if event.Error != nil {
				return &provider.StatusError{StatusCode: http.StatusBadGateway, Type: event.Error.Type, Message: event.Error.Message}
			}
		}
		return nil
	})
	if errors.Is(err, errConsumerGone) {
		return turnResult{}, fmt.Errorf("%w: %w", errConsumerGone, ctx.Err())
	}
	if err != nil {
		return turnResult{}, err
	}

	return turnResult{blocks: blocks, usage: usage.toModel()}, nil
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func parseAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("upstream error status %d and failed to read body: %w", resp.StatusCode, err)
	}

	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return &provider.StatusError{StatusCode: resp.StatusCode, Type: apiErr.Error.Type, Message: apiErr.Error.Message}
	}

	return &provider.StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}

func decodeJSON(reader io.Reader, target any) error {
	decoder := json.NewDecoder(reader)
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("decode provider response: %w", err)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func joinNonEmpty(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "\n\n" + b
	}
}
