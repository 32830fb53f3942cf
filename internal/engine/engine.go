// Package engine orchestrates chat runs: provider resolution, quota
// enforcement, history and memory handling, retrieval augmentation, the
// tool-calling loop, provider fallback, persistence, and observability.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/maestro/internal/config"
	"github.com/haasonsaas/maestro/internal/llm"
	"github.com/haasonsaas/maestro/internal/memory"
	"github.com/haasonsaas/maestro/internal/observability"
	"github.com/haasonsaas/maestro/internal/quota"
	"github.com/haasonsaas/maestro/internal/rag"
	"github.com/haasonsaas/maestro/internal/skills"
	"github.com/haasonsaas/maestro/internal/store"
	"github.com/haasonsaas/maestro/internal/tools"
	"github.com/haasonsaas/maestro/pkg/models"
)

const (
	maxToolStepsCeiling = 8
	titleMaxChars       = 30
)

// ErrEmptyMessage rejects chat requests with no user text.
var ErrEmptyMessage = errors.New("message is empty")

// CompletionClient is the completion surface the engine drives. llm.Client
// implements it; tests substitute a fake.
type CompletionClient interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResult, error)
	CompleteStream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error)
}

// Deps carries the engine's collaborators. Retriever, Compressor, Gate,
// Remote, and Metrics may be nil; the engine degrades to running without
// the corresponding feature.
type Deps struct {
	Config     config.LLMConfig
	Client     CompletionClient
	Directory  *llm.Directory
	Store      store.Store
	Registry   *tools.Registry
	Remote     *tools.RemoteAdapter
	Skills     *skills.Service
	Retriever  *rag.Retriever
	Compressor *memory.Compressor
	Gate       *quota.Gate
	Recorder   *observability.Recorder
	Metrics    *observability.Metrics
	Logger     *observability.Logger
}

// Engine runs chat requests.
type Engine struct {
	cfg        config.LLMConfig
	client     CompletionClient
	directory  *llm.Directory
	store      store.Store
	registry   *tools.Registry
	remote     *tools.RemoteAdapter
	skills     *skills.Service
	retriever  *rag.Retriever
	compressor *memory.Compressor
	gate       *quota.Gate
	recorder   *observability.Recorder
	metrics    *observability.Metrics
	logger     *observability.Logger
}

// New wires an engine.
func New(deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Engine{
		cfg:        deps.Config,
		client:     deps.Client,
		directory:  deps.Directory,
		store:      deps.Store,
		registry:   deps.Registry,
		remote:     deps.Remote,
		skills:     deps.Skills,
		retriever:  deps.Retriever,
		compressor: deps.Compressor,
		gate:       deps.Gate,
		recorder:   deps.Recorder,
		metrics:    deps.Metrics,
		logger:     logger,
	}
}

// ChatRequest is one chat invocation.
type ChatRequest struct {
	ConversationID string   `json:"conversation_id,omitempty"`
	Message        string   `json:"message"`
	Provider       string   `json:"provider,omitempty"`
	Model          string   `json:"model,omitempty"`
	SystemPrompt   string   `json:"system_prompt,omitempty"`
	SkillName      string   `json:"skill_name,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	MaxToolSteps   int      `json:"max_tool_steps,omitempty"`
	DisableTools   bool     `json:"disable_tools,omitempty"`
	UseRAG         *bool    `json:"use_rag,omitempty"`
	RAGTopK        int      `json:"rag_top_k,omitempty"`
}

// FallbackInfo reports that a non-primary provider served the run. Chain
// lists the candidates actually attempted, in order, ending with To.
type FallbackInfo struct {
	From  string   `json:"from"`
	To    string   `json:"to"`
	Chain []string `json:"chain"`
}

// ChatResponse is the outcome of one non-streaming run.
type ChatResponse struct {
	RequestID      string         `json:"request_id"`
	ConversationID string         `json:"conversation_id"`
	Provider       string         `json:"provider"`
	Model          string         `json:"model"`
	Content        string         `json:"content"`
	FinishReason   string         `json:"finish_reason,omitempty"`
	ToolRuns       []tools.Result `json:"tool_runs,omitempty"`
	Usage          models.Usage   `json:"usage,omitempty"`
	RAGContexts    []rag.Context  `json:"rag_contexts,omitempty"`
	Fallback       *FallbackInfo  `json:"fallback,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// runState is everything a run accumulates before the fallback loop.
type runState struct {
	requestID    string
	conversation *models.Conversation
	created      bool
	skill        *skills.Profile
	history      []*models.Message
	ragContexts  []rag.Context
	toolDefs     []models.ToolDefinition
	baseMessages []models.ChatMessage
}

// Chat executes one run end to end. Exactly one request metric is recorded
// whether the run succeeds or fails.
func (e *Engine) Chat(ctx context.Context, ownerID int64, req ChatRequest) (*ChatResponse, error) {
	started := time.Now()
	metric := &models.RequestMetric{
		RequestID: models.NewID("req"),
		OwnerID:   ownerID,
	}
	defer func() {
		metric.LatencyMS = time.Since(started).Milliseconds()
		e.recorder.SafeRecord(ctx, metric)
	}()

	response, err := e.chat(ctx, ownerID, req, metric)
	if err != nil {
		metric.Success = false
		if metric.ErrorMessage == "" {
			metric.ErrorMessage = err.Error()
		}
		metric.ErrorCode = errorCode(err)
		return nil, err
	}
	metric.Success = true
	return response, nil
}

func (e *Engine) chat(ctx context.Context, ownerID int64, req ChatRequest, metric *models.RequestMetric) (*ChatResponse, error) {
	if req.Message == "" {
		return nil, ErrEmptyMessage
	}

	state, err := e.prepare(ctx, ownerID, req, metric)
	if err != nil {
		return nil, err
	}

	primary, primaryModel, err := e.resolvePrimary(state.conversation, req)
	if err != nil {
		return nil, err
	}
	metric.Provider = primary
	metric.Model = primaryModel

	if e.gate != nil {
		if err := e.gate.EnforceBeforeRequest(ctx, ownerID, primary, primaryModel); err != nil {
			return nil, err
		}
	}

	chain := candidateChain(primary, e.cfg.Fallback)

	result, served, servedModel, err := e.runCandidates(ctx, state, req, chain, primaryModel, metric)
	if err != nil {
		return nil, err
	}
	metric.Provider = served
	metric.Model = servedModel
	metric.UsageRaw = result.usage
	if served != primary {
		metric.FallbackFrom = primary
	}

	if err := e.persistRun(ctx, ownerID, state, req, result, served, servedModel); err != nil {
		return nil, err
	}

	if e.gate != nil {
		_, _, total := models.ExtractTokenUsage(result.usage)
		e.gate.CommitTokenUsage(ctx, ownerID, served, servedModel, total)
	}

	response := &ChatResponse{
		RequestID:      metric.RequestID,
		ConversationID: state.conversation.ConversationID,
		Provider:       served,
		Model:          servedModel,
		Content:        result.content,
		FinishReason:   result.finishReason,
		ToolRuns:       result.toolRuns,
		Usage:          result.usage,
		RAGContexts:    state.ragContexts,
	}
	if result.extraReason != "" {
		response.Extra = map[string]any{"reason": result.extraReason}
		metric.Extra = map[string]any{"reason": result.extraReason}
	}
	if served != primary {
		response.Fallback = &FallbackInfo{From: primary, To: served, Chain: metric.FallbackChain}
	}
	return response, nil
}

// prepare loads the conversation, skill, history, retrieval block, and tool
// definitions, and builds the base message list.
func (e *Engine) prepare(ctx context.Context, ownerID int64, req ChatRequest, metric *models.RequestMetric) (*runState, error) {
	state := &runState{requestID: metric.RequestID}

	conv, created, err := e.loadOrCreateConversation(ctx, ownerID, req)
	if err != nil {
		return nil, err
	}
	state.conversation = conv
	state.created = created
	metric.ConversationID = conv.ConversationID

	skillName := req.SkillName
	if skillName == "" {
		skillName = conv.SkillName
	}
	if skillName != "" {
		profile, err := e.skills.Get(ctx, ownerID, skillName)
		if err != nil {
			return nil, err
		}
		state.skill = profile
	}

	history, err := e.store.ListMessages(ctx, ownerID, conv.ConversationID, e.cfg.MaxHistoryMessages)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	if e.compressor != nil {
		next := e.compressor.MaybeRefresh(ctx, conv.Memory, history, conv.Provider, conv.Model)
		if next != conv.Memory {
			conv.Memory = next
			conv.Touch(time.Now().UTC())
			if err := e.store.UpdateConversation(ctx, conv); err != nil {
				e.logger.Warn(ctx, "memory state not persisted", "error", err.Error())
			}
		}
	}
	state.history = memory.TrimHistory(history, conv.Memory.SummarizedCount)

	if e.ragEnabled(req, state.skill) {
		contexts, err := e.retriever.Retrieve(ctx, ownerID, req.Message, req.RAGTopK)
		if err != nil {
			// Retrieval is additive; a broken index must not block chat.
			e.logger.Warn(ctx, "retrieval failed", "error", err.Error())
		} else {
			state.ragContexts = contexts
		}
	}

	if !req.DisableTools {
		defs, err := e.collectToolDefs(ctx, ownerID, state.skill)
		if err != nil {
			return nil, err
		}
		state.toolDefs = defs
	}

	state.baseMessages = buildMessages(conv, state.skill, req, state.history, state.ragContexts)
	return state, nil
}

// loadOrCreateConversation fetches the referenced conversation or creates a
// fresh one when the request names none.
func (e *Engine) loadOrCreateConversation(ctx context.Context, ownerID int64, req ChatRequest) (*models.Conversation, bool, error) {
	if req.ConversationID != "" {
		conv, err := e.store.GetConversation(ctx, ownerID, req.ConversationID)
		if err != nil {
			return nil, false, fmt.Errorf("conversation %s: %w", req.ConversationID, err)
		}
		return conv, false, nil
	}

	now := time.Now().UTC()
	conv := &models.Conversation{
		ConversationID: models.NewID("conv"),
		OwnerID:        ownerID,
		Provider:       req.Provider,
		Model:          req.Model,
		SystemPrompt:   req.SystemPrompt,
		SkillName:      req.SkillName,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.CreateConversation(ctx, conv); err != nil {
		return nil, false, fmt.Errorf("create conversation: %w", err)
	}
	return conv, true, nil
}

// resolvePrimary resolves the primary provider and model with credentials
// required. Request values win over the conversation's.
func (e *Engine) resolvePrimary(conv *models.Conversation, req ChatRequest) (string, string, error) {
	provider := req.Provider
	if provider == "" {
		provider = conv.Provider
	}
	model := req.Model
	if model == "" {
		model = conv.Model
	}
	binding, resolvedModel, err := e.directory.Resolve(provider, model, true)
	if err != nil {
		return "", "", err
	}
	return binding.Provider, resolvedModel, nil
}

func (e *Engine) ragEnabled(req ChatRequest, skill *skills.Profile) bool {
	if e.retriever == nil {
		return false
	}
	if req.UseRAG != nil {
		return *req.UseRAG
	}
	return skill != nil && skill.RAGEnabled
}

// collectToolDefs merges local and remote definitions, local first, and
// filters by the skill's tool list when it names one.
func (e *Engine) collectToolDefs(ctx context.Context, ownerID int64, skill *skills.Profile) ([]models.ToolDefinition, error) {
	var defs []models.ToolDefinition
	if e.registry != nil {
		defs = e.registry.Definitions()
	}
	if e.remote != nil {
		remoteDefs, err := e.remote.Definitions(ctx, ownerID)
		if err != nil {
			return nil, err
		}
		seen := make(map[string]bool, len(defs))
		for _, def := range defs {
			seen[def.Name] = true
		}
		for _, def := range remoteDefs {
			if !seen[def.Name] {
				defs = append(defs, def)
			}
		}
	}

	if skill == nil || len(skill.ToolNames) == 0 {
		return defs, nil
	}
	allowed := make(map[string]bool, len(skill.ToolNames))
	for _, name := range skill.ToolNames {
		allowed[name] = true
	}
	filtered := defs[:0]
	for _, def := range defs {
		if allowed[def.Name] {
			filtered = append(filtered, def)
		}
	}
	return filtered, nil
}

// runCandidates walks the fallback chain until one candidate completes the
// tool loop. Resolution and transient loop failures advance; anything else
// aborts.
func (e *Engine) runCandidates(ctx context.Context, state *runState, req ChatRequest, chain []string, primaryModel string, metric *models.RequestMetric) (*loopResult, string, string, error) {
	if len(chain) == 0 {
		return nil, "", "", llm.ErrNoProviderAvailable
	}

	var lastErr error
	for i, candidate := range chain {
		// The recorded trace lists only the candidates actually tried.
		metric.FallbackChain = append(metric.FallbackChain, candidate)

		// Fallback candidates resolve with their own default model; the
		// request's explicit model binds the primary only.
		reqModel := req.Model
		if i > 0 {
			reqModel = ""
		}
		binding, model, err := e.directory.Resolve(candidate, reqModel, true)
		if err != nil {
			lastErr = err
			if IsFallbackEligible(err) {
				e.logger.Warn(ctx, "candidate unavailable",
					"provider", candidate, "error", err.Error())
				continue
			}
			return nil, "", "", err
		}
		if i == 0 {
			model = primaryModel
		}

		result, err := e.runToolLoop(ctx, state, req, binding.Provider, model)
		if err != nil {
			lastErr = err
			if IsFallbackEligible(err) {
				e.logger.Warn(ctx, "candidate failed, trying next",
					"provider", binding.Provider, "error", err.Error())
				continue
			}
			return nil, "", "", err
		}
		return result, binding.Provider, model, nil
	}
	return nil, "", "", lastErr
}

// persistRun writes the user message, the generated transcript, and the
// conversation update.
func (e *Engine) persistRun(ctx context.Context, ownerID int64, state *runState, req ChatRequest, result *loopResult, provider, model string) error {
	conv := state.conversation
	now := time.Now().UTC()

	userMsg := &models.Message{
		ConversationID: conv.ConversationID,
		OwnerID:        ownerID,
		Role:           models.RoleUser,
		Content:        req.Message,
		Provider:       provider,
		Model:          model,
		CreatedAt:      now,
	}
	if err := e.store.AppendMessage(ctx, userMsg); err != nil {
		return fmt.Errorf("persist user message: %w", err)
	}

	for _, msg := range result.transcript {
		row := &models.Message{
			ConversationID: conv.ConversationID,
			OwnerID:        ownerID,
			Role:           msg.Role,
			Content:        msg.Content,
			ToolCallID:     msg.ToolCallID,
			ToolCalls:      msg.ToolCalls,
			Provider:       provider,
			Model:          model,
			CreatedAt:      time.Now().UTC(),
		}
		if msg.Role == models.RoleTool {
			row.ToolName = toolNameFor(result.toolRuns, msg.ToolCallID)
		}
		if err := e.store.AppendMessage(ctx, row); err != nil {
			return fmt.Errorf("persist message: %w", err)
		}
	}

	// The final assistant row carries the run's usage and reason.
	final := &models.Message{
		ConversationID: conv.ConversationID,
		OwnerID:        ownerID,
		Role:           models.RoleAssistant,
		Content:        result.content,
		Provider:       provider,
		Model:          model,
		TokenUsage:     result.usage,
		CreatedAt:      time.Now().UTC(),
	}
	if result.extraReason != "" {
		final.Extra = map[string]any{"reason": result.extraReason}
	}
	if err := e.store.AppendMessage(ctx, final); err != nil {
		return fmt.Errorf("persist assistant message: %w", err)
	}

	if conv.Title == "" {
		conv.Title = truncateTitle(req.Message)
	}
	conv.Provider = provider
	conv.Model = model
	if req.SystemPrompt != "" {
		conv.SystemPrompt = req.SystemPrompt
	}
	if req.SkillName != "" {
		conv.SkillName = req.SkillName
	}
	conv.Touch(time.Now().UTC())
	if err := e.store.UpdateConversation(ctx, conv); err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	return nil
}

func toolNameFor(runs []tools.Result, callID string) string {
	for _, run := range runs {
		if run.ToolCallID == callID {
			return run.ToolName
		}
	}
	return ""
}

func truncateTitle(s string) string {
	runes := []rune(s)
	if len(runes) <= titleMaxChars {
		return s
	}
	return string(runes[:titleMaxChars])
}

// errorCode maps an error to the stable code stored on the metric.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrEmptyMessage):
		return "invalid_request"
	case errors.Is(err, quota.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, quota.ErrQuotaExhausted):
		return "quota_exhausted"
	case errors.Is(err, llm.ErrNoProviderAvailable):
		return "no_provider"
	case errors.Is(err, llm.ErrProviderCall), errors.Is(err, llm.ErrProviderStream):
		return "provider_error"
	case errors.Is(err, llm.ErrMissingCredential), errors.Is(err, llm.ErrMissingEndpoint),
		errors.Is(err, llm.ErrUnsupportedProvider):
		return "provider_config"
	case errors.Is(err, tools.ErrUnknownTool):
		return "unknown_tool"
	case errors.Is(err, skills.ErrUnknownSkill):
		return "unknown_skill"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}
