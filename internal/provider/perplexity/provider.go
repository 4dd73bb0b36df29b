// Package perplexity serves search-augmented Sonar models. The API has no
// tool calling: search always happens upstream, so tool policy is applied as
// system instructions and citations are surfaced as a Sources list.
package perplexity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"chatrelay/internal/config"
	"chatrelay/internal/models"
	"chatrelay/internal/provider"
	"chatrelay/internal/toolpolicy"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "chatrelay/0.1"
)

var constraintText = map[string]string{
	models.ToolWebSearch:       "Web search is disabled by administrator policy. Answer from your own knowledge and do not cite web sources.",
	models.ToolCodeInterpreter: "Code execution is disabled by administrator policy. Do not claim to have run any code.",
}

// Provider implements the Perplexity chat completions API.
type Provider struct {
	name    string
	headers map[string]string
	client  *http.Client
	models  []models.ModelConfig
	chatURL string
}

// New constructs a Perplexity provider.
func New(name string, cfg config.ProviderConfig, client *http.Client) (*Provider, error) {
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

	return &Provider{
		name:    name,
		headers: cfg.Headers,
		client:  client,
		models:  modelsList,
		chatURL: baseURL + "/chat/completions",
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
	payload, err := buildPayload(call, false)
	if err != nil {
		return nil, err
	}
	return p.run(ctx, call, payload, func(string) bool { return true })
}

func (p *Provider) Stream(ctx context.Context, call provider.Call) (<-chan provider.Chunk, error) {
	streaming := call.Model.Capabilities.SupportsStreaming
	payload, err := buildPayload(call, streaming)
	if err != nil {
		return nil, err
	}
	return provider.RunStream(ctx, streaming,
		func(ctx context.Context, _ bool, emit provider.EmitFunc) (*models.Completion, error) {
			return p.run(ctx, call, payload, emit)
		}), nil
}

func (p *Provider) run(ctx context.Context, call provider.Call, payload chatPayload, emit provider.EmitFunc) (*models.Completion, error) {
	res, err := p.turn(ctx, call.APIKey, payload, emit)
	if err != nil {
		return nil, provider.MapError(p.name, err)
	}

	result := &models.Completion{Content: res.content, Thinking: res.reasoning, Usage: res.usage}
	if len(res.citations) == 0 {
		return result, nil
	}

	sources := formatSources(res.content, res.citations)
	emit(sources)
	result.Content += sources
	if toolpolicy.IsEnabled(models.ToolWebSearch, call.Policies) {
		result.ExecutedTools = []string{models.ToolWebSearch}
	}
	return result, nil
}

// formatSources renders citations as a numbered list appended after content.
func formatSources(content string, citations []string) string {
	var b strings.Builder
	if strings.TrimSpace(content) != "" {
		b.WriteString("\n\n")
	}
	b.WriteString("Sources:")
	for i, url := range citations {
		fmt.Fprintf(&b, "\n%d. %s", i+1, url)
	}
	return b.String()
}

type turnResult struct {
	content   string
	reasoning string
	citations []string
	usage     *models.Usage
}

func (p *Provider) turn(ctx context.Context, apiKey string, payload chatPayload, emit provider.EmitFunc) (turnResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return turnResult{}, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.chatURL, bytes.NewReader(body))
	if err != nil {
		return turnResult{}, fmt.Errorf("construct request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return turnResult{}, fmt.Errorf("perplexity chat request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return turnResult{}, parseAPIError(resp)
	}

	if payload.Stream {
		return readStream(ctx, resp.Body, emit)
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return turnResult{}, fmt.Errorf("decode provider response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return turnResult{}, errors.New("perplexity response did not include choices")
	}
	content, reasoning := splitThink(cr.Choices[0].Message.Content)
	return turnResult{
		content:   content,
		reasoning: reasoning,
		citations: cr.citationURLs(),
		usage:     cr.Usage.toModel(),
	}, nil
}

type chatPayload struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// buildPayload folds every system message and the policy constraints into
// one leading system message; the API rejects interleaved system turns.
func buildPayload(call provider.Call, stream bool) (chatPayload, error) {
	var (
		system []string
		turns  []wireMessage
	)
	for _, msg := range call.Request.Messages {
		if strings.TrimSpace(msg.Content) == "" {
			return chatPayload{}, errors.New("message content must not be empty")
		}
		if msg.Role == models.RoleSystem {
			system = append(system, msg.Content)
			continue
		}
		if n := len(turns); n > 0 && turns[n-1].Role == msg.Role {
			turns[n-1].Content += "\n\n" + msg.Content
			continue
		}
		turns = append(turns, wireMessage{Role: msg.Role, Content: msg.Content})
	}
	if len(turns) == 0 || turns[len(turns)-1].Role != models.RoleUser {
		return chatPayload{}, errors.New("perplexity request must end with a user message")
	}

	for _, tool := range toolpolicy.Disabled(call.Policies) {
		if text, ok := constraintText[tool]; ok {
			system = append(system, text)
		}
	}

	messages := make([]wireMessage, 0, len(turns)+1)
	if len(system) > 0 {
		messages = append(messages, wireMessage{Role: models.RoleSystem, Content: strings.Join(system, "\n\n")})
	}
	messages = append(messages, turns...)

	payload := chatPayload{
		Model:       call.Model.NativeID,
		Messages:    messages,
		Stream:      stream,
		MaxTokens:   call.Request.Sampling.MaxTokens,
		Temperature: call.Request.Sampling.Temperature,
	}
	if payload.Temperature == nil {
		payload.Temperature = call.Model.DefaultTemperature
	}
	return payload, nil
}

type chatResponse struct {
	Choices       []chatChoice    `json:"choices"`
	Citations     []string        `json:"citations,omitempty"`
	SearchResults []searchResult  `json:"search_results,omitempty"`
	Usage         *usageBlock     `json:"usage,omitempty"`
	Error         *apiErrorObject `json:"error,omitempty"`
}

type chatChoice struct {
	Message wireMessage `json:"message"`
	Delta   wireMessage `json:"delta"`
}

type searchResult struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

func (r chatResponse) citationURLs() []string {
	if len(r.Citations) > 0 {
		return r.Citations
	}
	var out []string
	for _, sr := range r.SearchResults {
		if sr.URL != "" {
			out = append(out, sr.URL)
		}
	}
	return out
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
	return &models.Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
}

var errConsumerGone = errors.New("stream consumer went away")

// readStream forwards visible text as it arrives. Reasoning models wrap
// their chain of thought in <think> tags at the start of the answer; that
// part is held back and returned as reasoning.
func readStream(ctx context.Context, body io.Reader, emit provider.EmitFunc) (turnResult, error) {
	var (
		res       turnResult
		raw       strings.Builder
		forwarded int
	)

	err := provider.ReadSSE(body, func(ev provider.SSEEvent) error {
		var chunk chatResponse
		if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
			return fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.Error != nil {
			return &provider.StatusError{StatusCode: http.StatusBadGateway, Type: chunk.Error.Type, Message: chunk.Error.Message}
		}
		if urls := chunk.citationURLs(); len(urls) > 0 {
			res.citations = urls
		}
		if chunk.Usage != nil {
			res.usage = chunk.Usage.toModel()
		}
		for _, choice := range chunk.Choices {
			raw.WriteString(choice.Delta.Content)
		}

		visible, ok := visiblePrefix(raw.String())
		if !ok || len(visible) <= forwarded {
			return nil
		}
		next := visible[forwarded:]
		forwarded = len(visible)
		if !emit(next) {
			return errConsumerGone
		}
		return nil
	})
	if errors.Is(err, errConsumerGone) {
		return res, fmt.Errorf("%w: %w", errConsumerGone, ctx.Err())
	}
	if err != nil {
		return res, err
	}

	content, reasoning := splitThink(raw.String())
	// An unclosed <think> block was never forwarded; release it as text.
	if forwarded < len(content) {
		if !emit(content[forwarded:]) {
			return res, fmt.Errorf("%w: %w", errConsumerGone, ctx.Err())
		}
	}
	res.content = content
	res.reasoning = reasoning
	return res, nil
}

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// splitThink separates a leading <think>...</think> block from the answer.
func splitThink(s string) (content, reasoning string) {
	trimmed := strings.TrimLeft(s, " \t\r\n")
	if !strings.HasPrefix(trimmed, thinkOpen) {
		return s, ""
	}
	end := strings.Index(trimmed, thinkClose)
	if end < 0 {
		return s, ""
	}
	reasoning = strings.TrimSpace(trimmed[len(thinkOpen):end])
	content = strings.TrimLeft(trimmed[end+len(thinkClose):], " \t\r\n")
	return content, reasoning
}

// visiblePrefix returns the part of the raw stream that is safe to forward.
// ok is false while a leading think block may still be open.
func visiblePrefix(raw string) (string, bool) {
	trimmed := strings.TrimLeft(raw, " \t\r\n")
	if trimmed == "" {
		return "", false
	}
	if strings.HasPrefix(trimmed, thinkOpen) {
		if !strings.Contains(trimmed, thinkClose) {
			return "", false
		}
		content, _ := splitThink(raw)
		return content, true
	}
	if strings.HasPrefix(thinkOpen, trimmed) {
		return "", false
	}
	return raw, true
}

type apiErrorResponse struct {
	Error apiErrorObject `json:"error"`
}

type apiErrorObject struct {
	Message string `json:"message"`
	Type    string `json:"type"`
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
