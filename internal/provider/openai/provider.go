package openai

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
	contentTypeSSE  = "text/event-stream"
	userAgent       = "chatrelay/0.1"

	// Token limit parameter names.
	ParamMaxTokens           = "max_tokens"
	ParamMaxCompletionTokens = "max_completion_tokens"
)

// TokenParamFunc picks the token limit parameter for a native model id.
type TokenParamFunc func(nativeID string) string

// DefaultTokenParam applies OpenAI's rule: reasoning families take
// max_completion_tokens, everything else max_tokens.
func DefaultTokenParam(nativeID string) string {
	id := strings.ToLower(nativeID)
	for _, prefix := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(id, prefix) {
			return ParamMaxCompletionTokens
		}
	}
	return ParamMaxTokens
}

// Option customises a Provider.
type Option func(*Provider)

// WithTokenParam overrides the token parameter rule.
func WithTokenParam(fn TokenParamFunc) Option {
	return func(p *Provider) { p.tokenParam = fn }
}

// WithLogger sets the logger used for tool failures.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Provider implements the Provider interface for OpenAI-compatible chat
// completion APIs with function calling.
type Provider struct {
	name       string
	baseURL    string
	headers    map[string]string
	client     *http.Client
	models     []models.ModelConfig
	chatURL    string
	tokenParam TokenParamFunc
	logger     *zap.Logger
}

// New creates a new OpenAI-compatible provider.
func New(name string, cfg config.ProviderConfig, client *http.Client, opts ...Option) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	modelsList := make([]models.ModelConfig, 0, len(cfg.Models))
	for _, model := range cfg.Models {
		modelsList = append(modelsList, model.Model(name))
	}

	p := &Provider{
		name:       name,
		baseURL:    baseURL,
		headers:    cfg.Headers,
		client:     client,
		models:     modelsList,
		chatURL:    baseURL + "/chat/completions",
		tokenParam: DefaultTokenParam,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) ListModels(ctx context.Context) ([]models.ModelConfig, error) {
	result := make([]models.ModelConfig, len(p.models))
	copy(result, p.models)
	return result, nil
}

// Complete runs a one-shot completion including at most one tool round trip.
func (p *Provider) Complete(ctx context.Context, call provider.Call) (*models.Completion, error) {
	if err := validateMessages(call.Request.Messages); err != nil {
		return nil, err
	}
	return p.run(ctx, call, false, func(string) bool { return true })
}

// Stream yields raw text fragments. Models without streaming support are
// served by one Complete call whose content arrives as a single fragment.
func (p *Provider) Stream(ctx context.Context, call provider.Call) (<-chan provider.Chunk, error) {
	if err := validateMessages(call.Request.Messages); err != nil {
		return nil, err
	}
	return provider.RunStream(ctx, call.Model.Capabilities.SupportsStreaming,
		func(ctx context.Context, streaming bool, emit provider.EmitFunc) (*models.Completion, error) {
			return p.run(ctx, call, streaming, emit)
		}), nil
}

func (p *Provider) run(ctx context.Context, call provider.Call, streaming bool, emit provider.EmitFunc) (*models.Completion, error) {
	messages := toWireMessages(call.Request.Messages)
	offered := provider.OfferedTools(call)

	first, err := p.turn(ctx, call.APIKey, p.buildPayload(call, messages, offered, streaming), emit)
	if err != nil {
		return nil, provider.MapError(p.name, err)
	}

	result := &models.Completion{
		Content:  first.content,
		Thinking: first.reasoning,
		Usage:    first.usage,
	}
	if len(first.toolCalls) == 0 {
		return result, nil
	}

	requested := make([]string, 0, len(first.toolCalls))
	for _, tc := range first.toolCalls {
		requested = append(requested, tc.Function.Name)
	}
	if tool, blocked := provider.FirstBlocked(requested, call.Policies); blocked {
		suffix := toolpolicy.BlockedSuffix(result.Content, tool)
		emit(suffix)
		result.Content += suffix
		return result, nil
	}

	messages = append(messages, wireMessage{
		Role:      models.RoleAssistant,
		Content:   first.content,
		ToolCalls: first.toolCalls,
	})
	for _, tc := range first.toolCalls {
		out, ok := p.runTool(ctx, call, offered, tc)
		if ok && !contains(result.ExecutedTools, tc.Function.Name) {
			result.ExecutedTools = append(result.ExecutedTools, tc.Function.Name)
		}
		messages = append(messages, wireMessage{Role: "tool", ToolCallID: tc.ID, Content: out})
	}

	// The follow-up answer continues the visible text after a paragraph break.
	separated := first.content == ""
	followEmit := func(text string) bool {
		if !separated && text != "" {
			separated = true
			result.Content += "\n\n"
			if !emit("\n\n") {
				return false
			}
		}
		return emit(text)
	}

	second, err := p.turn(ctx, call.APIKey, p.buildPayload(call, messages, nil, streaming), followEmit)
	if err != nil {
		return nil, provider.MapError(p.name, err)
	}
	if !streaming && second.content != "" && !separated {
		result.Content += "\n\n"
	}
	result.Content += second.content
	result.Thinking = joinNonEmpty(result.Thinking, second.reasoning)
	result.Usage = provider.SumUsage(result.Usage, second.usage)
	return result, nil
}

func (p *Provider) runTool(ctx context.Context, call provider.Call, offered []provider.ToolSpec, tc toolCall) (string, bool) {
	name := tc.Function.Name
	advertised := false
	for _, spec := range offered {
		if spec.Name == name {
			advertised = true
			break
		}
	}
	if !advertised {
		return fmt.Sprintf("Tool %s is not available. Answer without it.", name), false
	}

	args := strings.TrimSpace(tc.Function.Arguments)
	if args == "" {
		args = "{}"
	}
	return provider.RunTool(ctx, call, p.logger, name, json.RawMessage(args))
}

type turnResult struct {
	content   string
	reasoning string
	toolCalls []toolCall
	usage     *models.Usage
}

func (p *Provider) turn(ctx context.Context, apiKey string, payload chatPayload, emit provider.EmitFunc) (turnResult, error) {
	httpReq, err := p.newRequest(ctx, http.MethodPost, p.chatURL, apiKey, payload)
	if err != nil {
		return turnResult{}, err
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return turnResult{}, fmt.Errorf("%s chat request failed: %w", p.name, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return turnResult{}, parseAPIError(httpResp)
	}

	if payload.Stream {
		return readStream(ctx, httpResp.Body, emit)
	}

	var providerResp chatResponse
	if err := decodeJSON(httpResp.Body, &providerResp); err != nil {
		return turnResult{}, err
	}
	return providerResp.toTurn()
}

func (p *Provider) newRequest(ctx context.Context, method, url, apiKey string, payload chatPayload) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	if payload.Stream {
		req.Header.Set("Accept", contentTypeSSE)
	} else {
		req.Header.Set("Accept", contentTypeJSON)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+apiKey)

	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

type chatPayload struct {
	Model               string         `json:"model"`
	Messages            []wireMessage  `json:"messages"`
	Stream              bool           `json:"stream,omitempty"`
	StreamOptions       *streamOptions `json:"stream_options,omitempty"`
	MaxTokens           *int           `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int           `json:"max_completion_tokens,omitempty"`
	Temperature         *float64       `json:"temperature,omitempty"`
	ReasoningEffort     string         `json:"reasoning_effort,omitempty"`
	Tools               []toolDef      `json:"tools,omitempty"`
	User                string         `json:"user,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type wireMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type toolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function functionCall `json:"function"`
}

type functionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type toolDef struct {
	Type     string      `json:"type"`
	Function functionDef `json:"function"`
}

type functionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

func validateMessages(messages []models.Message) error {
	if len(messages) == 0 {
		return errors.New("at least one message must be provided")
	}
	for _, msg := range messages {
		if strings.TrimSpace(msg.Content) == "" {
			return errors.New("message content must not be empty")
		}
	}
	return nil
}

func toWireMessages(messages []models.Message) []wireMessage {
	out := make([]wireMessage, 0, len(messages))
	for _, msg := range messages {
		out = append(out, wireMessage{Role: msg.Role, Content: msg.Content})
	}
	return out
}

func (p *Provider) buildPayload(call provider.Call, messages []wireMessage, tools []provider.ToolSpec, stream bool) chatPayload {
	req := call.Request
	payload := chatPayload{
		Model:    call.Model.NativeID,
		Messages: messages,
		Stream:   stream,
		User:     req.UserID,
	}
	if stream {
		payload.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	param := p.tokenParam(call.Model.NativeID)
	if v := req.Sampling.MaxTokens; v != nil {
		if param == ParamMaxCompletionTokens {
			payload.MaxCompletionTokens = v
		} else {
			payload.MaxTokens = v
		}
	}

	// Reasoning families reject custom temperatures.
	if param != ParamMaxCompletionTokens {
		payload.Temperature = req.Sampling.Temperature
		if payload.Temperature == nil {
			payload.Temperature = call.Model.DefaultTemperature
		}
	}
	if call.Model.Capabilities.SupportsThinking {
		payload.ReasoningEffort = req.Sampling.ReasoningEffort
	}

	for _, spec := range tools {
		payload.Tools = append(payload.Tools, toolDef{
			Type: "function",
			Function: functionDef{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  spec.Parameters,
			},
		})
	}
	return payload
}

type chatResponse struct {
	ID      string          `json:"id"`
	Choices []chatChoice    `json:"choices"`
	Usage   *usageBlock     `json:"usage,omitempty"`
	Error   *apiErrorObject `json:"error,omitempty"`
}

type chatChoice struct {
	Index        int             `json:"index"`
	Message      responseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

type responseMessage struct {
	Role             string     `json:"role"`
	Content          string     `json:"content"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []toolCall `json:"tool_calls,omitempty"`
}

type usageBlock struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *usageBlock) toModel() *models.Usage {
	if u == nil {
		return nil
	}
	return &models.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

func (r chatResponse) toTurn() (turnResult, error) {
	if r.Error != nil && r.Error.Message != "" {
		return turnResult{}, &provider.StatusError{StatusCode: http.StatusBadGateway, Type: r.Error.Type, Message: r.Error.Message}
	}
	if len(r.Choices) == 0 {
		return turnResult{}, errors.New("openai response did not include choices")
	}

	msg := r.Choices[0].Message
	return turnResult{
		content:   msg.Content,
		reasoning: msg.ReasoningContent,
		toolCalls: msg.ToolCalls,
		usage:     r.Usage.toModel(),
	}, nil
}

type streamChunk struct {
	Choices []streamChoice  `json:"choices"`
	Usage   *usageBlock     `json:"usage,omitempty"`
	Error   *apiErrorObject `json:"error,omitempty"`
}

type streamChoice struct {
	Index        int         `json:"index"`
	Delta        streamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type streamDelta struct {
	Content          string           `json:"content"`
	ReasoningContent string           `json:"reasoning_content"`
	ToolCalls        []streamToolCall `json:"tool_calls"`
}

type streamToolCall struct {
	Index    int          `json:"index"`
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function functionCall `json:"function"`
}

var errConsumerGone = errors.New("stream consumer went away")

func readStream(ctx context.Context, body io.Reader, emit provider.EmitFunc) (turnResult, error) {
	var (
		res       turnResult
		content   strings.Builder
		reasoning strings.Builder
	)

	err := provider.ReadSSE(body, func(ev provider.SSEEvent) error {
		var chunk streamChunk
		if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
			return fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.Error != nil {
			return &provider.StatusError{StatusCode: http.StatusBadGateway, Type: chunk.Error.Type, Message: chunk.Error.Message}
		}
		if chunk.Usage != nil {
			res.usage = chunk.Usage.toModel()
		}
		for _, choice := range chunk.Choices {
			reasoning.WriteString(choice.Delta.ReasoningContent)
			for _, tc := range choice.Delta.ToolCalls {
				calls, err := mergeToolCall(res.toolCalls, tc)
				if err != nil {
					return fmt.Errorf("decode stream chunk: %w", err)
				}
				res.toolCalls = calls
			}
			if choice.Delta.Content == "" {
				continue
			}
			content.WriteString(choice.Delta.Content)
			if !emit(choice.Delta.Content) {
				return errConsumerGone
			}
		}
		return nil
	})
	if errors.Is(err, errConsumerGone) {
		return res, fmt.Errorf("%w: %w", errConsumerGone, ctx.Err())
	}
	if err != nil {
		return res, err
	}

	res.content = content.String()
	res.reasoning = reasoning.String()
	return res, nil
}

// maxToolCallGap bounds how far past the calls seen so far a streamed
// fragment index may point.
const maxToolCallGap = 8

var errToolCallIndex = errors.New("tool call index out of range")

// mergeToolCall folds one streamed tool call fragment into the calls
// accumulated so far. The id and name arrive once; arguments arrive in pieces.
func mergeToolCall(calls []toolCall, frag streamToolCall) ([]toolCall, error) {
	if frag.Index < 0 || frag.Index >= len(calls)+maxToolCallGap {
		return calls, fmt.Errorf("%w: %d", errToolCallIndex, frag.Index)
	}
	for len(calls) <= frag.Index {
		calls = append(calls, toolCall{Type: "function"})
	}
	c := &calls[frag.Index]
	if frag.ID != "" {
		c.ID = frag.ID
	}
	if frag.Function.Name != "" {
		c.Function.Name = frag.Function.Name
	}
	c.Function.Arguments += frag.Function.Arguments
	return calls, nil
}

type apiErrorResponse struct {
	Error apiErrorObject `json:"error"`
}

type apiErrorObject struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
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
