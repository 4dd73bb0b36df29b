// Package orchestrator runs a completion end to end: prompt assembly, model
// and credential resolution, tool policy, dispatch to a provider adapter,
// incremental fence parsing, clause-level voice synthesis, and persistence
// of the final assistant message.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"chatrelay/internal/config"
	"chatrelay/internal/credentials"
	"chatrelay/internal/fence"
	"chatrelay/internal/metrics"
	"chatrelay/internal/models"
	"chatrelay/internal/prompt"
	"chatrelay/internal/provider"
	"chatrelay/internal/toolpolicy"
	"chatrelay/internal/voice"
)

const (
	defaultDeepVoyagePrompt = "Deep voyage mode is on. Research the question thoroughly, weigh several angles, " +
		"check facts with the available tools where possible, and give a complete, well-structured answer."
	finalizeTimeout = 30 * time.Second
)

// ModelRegistry resolves a model id or alias to its adapter.
type ModelRegistry interface {
	LookupModel(modelID string) (models.ModelConfig, provider.Provider, error)
}

// PromptAssembler layers prompt fragments in front of the history.
type PromptAssembler interface {
	Assemble(ctx context.Context, layers prompt.Layers) ([]models.Message, error)
}

// CredentialResolver picks the API key for a call.
type CredentialResolver interface {
	Resolve(ctx context.Context, userID, provider, modelID string) (string, error)
}

// MessageStore persists the assistant reply.
type MessageStore interface {
	PersistMessage(ctx context.Context, chatID, role, content string, meta models.AssistantMetadata) error
}

// AudioStore keeps synthesized clips and returns a durable URL.
type AudioStore interface {
	SaveAudioClip(ctx context.Context, data []byte, filename, mimeType string) (string, error)
}

// Deps wires the orchestrator. Registry, Credentials and Messages are
// required; every other collaborator is optional.
type Deps struct {
	Registry         ModelRegistry
	Prompts          PromptAssembler
	Policies         toolpolicy.Source
	PolicyFailClosed bool
	Credentials      CredentialResolver
	Messages         MessageStore
	Voice            voice.Synthesizer
	Audio            AudioStore
	Tools            provider.ToolExecutor
	Templates        []config.TemplateConfig
	DeepVoyagePrompt string
	Logger           *zap.Logger
}

// Orchestrator is safe for concurrent use; all per-request state lives in
// the request's own goroutines.
type Orchestrator struct {
	registry    ModelRegistry
	prompts     PromptAssembler
	gate        *toolpolicy.Gate
	credentials CredentialResolver
	messages    MessageStore
	voice       voice.Synthesizer
	audio       AudioStore
	tools       provider.ToolExecutor
	templates   map[string]config.TemplateConfig
	deepVoyage  string
	logger      *zap.Logger
}

// New validates deps and builds an orchestrator.
func New(d Deps) (*Orchestrator, error) {
	if d.Registry == nil {
		return nil, errors.New("orchestrator: registry must not be nil")
	}
	if d.Credentials == nil {
		return nil, errors.New("orchestrator: credential resolver must not be nil")
	}
	if d.Messages == nil {
		return nil, errors.New("orchestrator: message store must not be nil")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Prompts == nil {
		d.Prompts = prompt.NewAssembler("", nil)
	}
	if strings.TrimSpace(d.DeepVoyagePrompt) == "" {
		d.DeepVoyagePrompt = defaultDeepVoyagePrompt
	}

	templates := make(map[string]config.TemplateConfig, len(d.Templates))
	for _, tpl := range d.Templates {
		templates[tpl.ID] = tpl
	}

	return &Orchestrator{
		registry:    d.Registry,
		prompts:     d.Prompts,
		gate:        toolpolicy.NewGate(d.Policies, d.PolicyFailClosed, d.Logger.Named("toolpolicy")),
		credentials: d.Credentials,
		messages:    d.Messages,
		voice:       d.Voice,
		audio:       d.Audio,
		tools:       d.Tools,
		templates:   templates,
		deepVoyage:  d.DeepVoyagePrompt,
		logger:      d.Logger,
	}, nil
}

// plan is a fully resolved request, ready to dispatch.
type plan struct {
	req      models.CompletionRequest
	model    models.ModelConfig
	adapter  provider.Provider
	call     provider.Call
	template *config.TemplateConfig
	logger   *zap.Logger
	started  time.Time
}

func (p *plan) enter(s State) {
	p.logger.Debug("completion state", zap.Stringer("state", s))
}

// prepare runs Assembling and the pre-network half of Dispatching. Every
// error it returns happens before any upstream call.
func (o *Orchestrator) prepare(ctx context.Context, req models.CompletionRequest) (*plan, error) {
	p := &plan{req: req, started: time.Now()}
	p.logger = o.logger.With(zap.String("chat_id", req.ChatID), zap.String("user_id", req.UserID))
	p.enter(StateAssembling)

	if len(req.Messages) == 0 {
		return nil, configError("empty conversation", ErrNoMessages)
	}

	modelID := strings.TrimSpace(req.Model)
	if modelID == "" {
		modelID = strings.TrimSpace(req.Metadata.PreferredModelID)
	}
	if modelID == "" {
		return nil, configError("no model selected", nil)
	}

	model, adapter, err := o.registry.LookupModel(modelID)
	if err != nil {
		return nil, configError("unknown model "+modelID, err)
	}
	p.model, p.adapter = model, adapter
	p.logger = p.logger.With(zap.String("provider", model.Provider), zap.String("model", model.ID))

	var instructions []string
	if id := req.Metadata.OutputTemplateID; id != "" {
		tpl, ok := o.templates[id]
		if !ok {
			return nil, configError("unknown output template "+id, nil)
		}
		p.template = &tpl
		instructions = append(instructions, templateInstruction(tpl))
	}

	sampling := req.Sampling
	if req.Metadata.DeepVoyageEnabled {
		instructions = append(instructions, o.deepVoyage)
		if model.Capabilities.SupportsThinking {
			sampling.ReasoningEffort = "high"
		}
	}

	policies := o.gate.Load(ctx, model.Provider)
	if notice, ok := toolpolicy.NoticeSystemMessage(policies); ok {
		instructions = append(instructions, notice.Content)
	}

	messages, err := o.prompts.Assemble(ctx, prompt.Layers{
		ExpertID:     req.ExpertID,
		ProjectID:    req.ProjectID,
		Instructions: instructions,
		TaskSummary:  req.Metadata.TaskSummary,
		History:      req.Messages,
	})
	if err != nil {
		return nil, fmt.Errorf("assemble prompt: %w", err)
	}

	p.enter(StateDispatching)
	key, err := o.credentials.Resolve(ctx, req.UserID, model.Provider, model.ID)
	if err != nil {
		if errors.Is(err, credentials.ErrMissingCredential) {
			return nil, configError("no api key for "+model.Provider, err)
		}
		return nil, fmt.Errorf("resolve credentials: %w", err)
	}

	dispatched := req.WithMessages(messages)
	dispatched.Model = model.ID
	dispatched.Sampling = sampling

	var tools provider.ToolExecutor
	if o.tools != nil {
		tools = &observedTools{next: o.tools, plan: p}
	}

	p.call = provider.Call{
		Request:  dispatched,
		Model:    model,
		APIKey:   key,
		Policies: policies,
		Tools:    tools,
	}
	return p, nil
}

// Complete runs a one-shot completion and persists the reply.
func (o *Orchestrator) Complete(ctx context.Context, req models.CompletionRequest) (*Result, error) {
	p, err := o.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	completion, err := p.adapter.Complete(ctx, p.call)
	if err != nil {
		p.enter(StateFailed)
		metrics.ObserveCompletion(p.model.Provider, "complete", metrics.OutcomeError, time.Since(p.started))
		return nil, fmt.Errorf("complete with %s: %w", p.model.ID, err)
	}

	p.enter(StateFinalizing)
	meta := o.metadata(p, completion, completion.Content, nil, nil)
	o.persist(context.WithoutCancel(ctx), p, completion.Content, meta)

	p.enter(StateDone)
	metrics.ObserveCompletion(p.model.Provider, "complete", metrics.OutcomeOK, time.Since(p.started))
	return &Result{
		Content:  completion.Content,
		Blocks:   fence.Parse(completion.Content),
		Metadata: meta,
	}, nil
}

func (o *Orchestrator) metadata(p *plan, completion *models.Completion, content string, clips []models.ClipSummary, failure error) models.AssistantMetadata {
	meta := models.AssistantMetadata{
		Model:         p.model.ID,
		ExecutedTools: []string{},
		AudioClips:    clips,
	}
	if completion != nil {
		if completion.ExecutedTools != nil {
			meta.ExecutedTools = completion.ExecutedTools
		}
		meta.Thinking = completion.Thinking
		meta.Usage = completion.Usage
	}
	if p.template != nil {
		meta.TemplateValidation = validateTemplate(*p.template, content)
	}
	if failure != nil {
		meta.Error = failure.Error()
	}
	return meta
}

func (o *Orchestrator) persist(ctx context.Context, p *plan, content string, meta models.AssistantMetadata) {
	if p.req.ChatID == "" {
		p.logger.Debug("no chat id, reply not persisted")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, finalizeTimeout)
	defer cancel()

	if err := o.messages.PersistMessage(ctx, p.req.ChatID, models.RoleAssistant, content, meta); err != nil {
		p.logger.Error("persist assistant message", zap.Error(err))
	}
}

// observedTools marks the tool round trip in the completion's state log.
type observedTools struct {
	next provider.ToolExecutor
	plan *plan
}

func (t *observedTools) Execute(ctx context.Context, tool string, args json.RawMessage) (string, error) {
	t.plan.enter(StateToolRoundTrip)
	t.plan.logger.Info("tool call", zap.String("tool", tool))
	return t.next.Execute(ctx, tool, args)
}
