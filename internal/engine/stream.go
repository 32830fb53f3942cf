package engine

import (
	"context"
	"strings"
	"time"

	"github.com/haasonsaas/maestro/internal/llm"
	"github.com/haasonsaas/maestro/pkg/models"
)

// StreamEvent is one event of a streaming run. Type is meta, delta, done,
// or error; error is always terminal.
type StreamEvent struct {
	Type           string        `json:"type"`
	RequestID      string        `json:"request_id,omitempty"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Provider       string        `json:"provider,omitempty"`
	Model          string        `json:"model,omitempty"`
	Warning        string        `json:"warning,omitempty"`
	Delta          string        `json:"delta,omitempty"`
	Content        string        `json:"content,omitempty"`
	FinishReason   string        `json:"finish_reason,omitempty"`
	Usage          models.Usage  `json:"usage,omitempty"`
	Fallback       *FallbackInfo `json:"fallback,omitempty"`
	Error          string        `json:"error,omitempty"`
	Partial        bool          `json:"partial,omitempty"`
}

const toolsDisabledWarning = "tool calling is disabled for streaming responses"

// ChatStream executes one streaming run. The returned channel delivers
// zero or more meta/delta events and exactly one terminal done or error
// event, then closes. Exactly one request metric is recorded per run,
// including when the caller cancels mid-stream.
func (e *Engine) ChatStream(ctx context.Context, ownerID int64, req ChatRequest) <-chan StreamEvent {
	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		e.streamRun(ctx, ownerID, req, out)
	}()
	return out
}

func (e *Engine) streamRun(ctx context.Context, ownerID int64, req ChatRequest, out chan<- StreamEvent) {
	started := time.Now()
	metric := &models.RequestMetric{
		RequestID: models.NewID("req"),
		OwnerID:   ownerID,
		Stream:    true,
	}
	defer func() {
		metric.LatencyMS = time.Since(started).Milliseconds()
		// Record against a fresh context so caller cancellation cannot
		// drop the metric.
		e.recorder.SafeRecord(context.WithoutCancel(ctx), metric)
	}()

	fail := func(err error) {
		metric.Success = false
		if metric.ErrorMessage == "" {
			metric.ErrorMessage = err.Error()
		}
		metric.ErrorCode = errorCode(err)
		e.send(ctx, out, StreamEvent{Type: "error", RequestID: metric.RequestID, Error: err.Error()})
	}

	if req.Message == "" {
		fail(ErrEmptyMessage)
		return
	}

	// Tool calling and streaming do not mix; note it on the first meta
	// when the run would otherwise have had tools.
	toolsRequested := !req.DisableTools
	req.DisableTools = true

	state, err := e.prepare(ctx, ownerID, req, metric)
	if err != nil {
		fail(err)
		return
	}

	primary, primaryModel, err := e.resolvePrimary(state.conversation, req)
	if err != nil {
		fail(err)
		return
	}
	metric.Provider = primary
	metric.Model = primaryModel

	if e.gate != nil {
		if err := e.gate.EnforceBeforeRequest(ctx, ownerID, primary, primaryModel); err != nil {
			fail(err)
			return
		}
	}

	// The user message and the conversation routing are committed before
	// the first attempt so a failed stream still leaves the thread intact.
	conv := state.conversation
	userMsg := &models.Message{
		ConversationID: conv.ConversationID,
		OwnerID:        ownerID,
		Role:           models.RoleUser,
		Content:        req.Message,
		Provider:       primary,
		Model:          primaryModel,
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.store.AppendMessage(ctx, userMsg); err != nil {
		fail(err)
		return
	}
	if conv.Title == "" {
		conv.Title = truncateTitle(req.Message)
	}
	conv.Provider = primary
	conv.Model = primaryModel
	conv.Touch(time.Now().UTC())
	if err := e.store.UpdateConversation(ctx, conv); err != nil {
		fail(err)
		return
	}

	chain := candidateChain(primary, e.cfg.Fallback)

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
				continue
			}
			fail(err)
			return
		}
		if i == 0 {
			model = primaryModel
		}

		outcome := e.streamCandidate(ctx, ownerID, state, req, primary, binding.Provider, model, i > 0, toolsRequested, metric, out)
		switch outcome.status {
		case streamDone:
			return
		case streamAdvance:
			lastErr = outcome.err
			continue
		case streamFatal:
			fail(outcome.err)
			return
		}
	}

	if lastErr == nil {
		lastErr = llm.ErrNoProviderAvailable
	}
	fail(lastErr)
}

type streamStatus int

const (
	streamDone streamStatus = iota
	streamAdvance
	streamFatal
)

type streamOutcome struct {
	status streamStatus
	err    error
}

// streamCandidate runs one candidate's stream to completion. A failure
// before the first delta advances silently; after the first delta it is
// fatal and the partial text is persisted.
func (e *Engine) streamCandidate(ctx context.Context, ownerID int64, state *runState, req ChatRequest, primary, provider, model string, isFallback, toolsRequested bool, metric *models.RequestMetric, out chan<- StreamEvent) streamOutcome {
	chunks, err := e.client.CompleteStream(ctx, llm.CompletionRequest{
		Provider:    provider,
		Model:       model,
		Messages:    state.baseMessages,
		Temperature: req.Temperature,
	})
	if err != nil {
		if IsFallbackEligible(err) {
			return streamOutcome{status: streamAdvance, err: err}
		}
		return streamOutcome{status: streamFatal, err: err}
	}

	// From here on this candidate owns the run; a post-delta failure is
	// attributed to it, not to the primary.
	metric.Provider = provider
	metric.Model = model

	meta := StreamEvent{
		Type:           "meta",
		RequestID:      metric.RequestID,
		ConversationID: state.conversation.ConversationID,
		Provider:       provider,
		Model:          model,
	}
	var warnings []string
	if toolsRequested {
		warnings = append(warnings, toolsDisabledWarning)
	}
	if isFallback {
		warnings = append(warnings, "switched to fallback provider "+provider)
		metric.FallbackFrom = primary
	}
	meta.Warning = strings.Join(warnings, "; ")
	if !e.send(ctx, out, meta) {
		e.persistPartial(ctx, ownerID, state, "", provider, model, nil, context.Canceled)
		return streamOutcome{status: streamFatal, err: context.Canceled}
	}

	var text strings.Builder
	usage := models.Usage{}
	finishReason := ""

	for chunk := range chunks {
		if chunk.Err != nil {
			if text.Len() == 0 && IsFallbackEligible(chunk.Err) {
				return streamOutcome{status: streamAdvance, err: chunk.Err}
			}
			e.persistPartial(ctx, ownerID, state, text.String(), provider, model, usage, chunk.Err)
			return streamOutcome{status: streamFatal, err: chunk.Err}
		}
		if chunk.Usage != nil {
			usage = models.MergeUsage(usage, chunk.Usage)
		}
		if chunk.FinishReason != "" {
			finishReason = chunk.FinishReason
		}
		if chunk.Done {
			break
		}
		if chunk.Delta == "" {
			continue
		}
		text.WriteString(chunk.Delta)
		if !e.send(ctx, out, StreamEvent{Type: "delta", Delta: chunk.Delta}) {
			e.persistPartial(ctx, ownerID, state, text.String(), provider, model, usage, context.Canceled)
			return streamOutcome{status: streamFatal, err: context.Canceled}
		}
	}

	// Stream completed. Persist the assistant message and finish.
	metric.UsageRaw = usage
	metric.Success = true

	persistCtx := context.WithoutCancel(ctx)

	// Fallback served the stream: re-point the conversation routing, which
	// was committed as the primary before the first attempt.
	conv := state.conversation
	if conv.Provider != provider || conv.Model != model {
		conv.Provider = provider
		conv.Model = model
		conv.Touch(time.Now().UTC())
		if err := e.store.UpdateConversation(persistCtx, conv); err != nil {
			e.logger.Warn(ctx, "conversation routing not updated", "error", err.Error())
		}
	}

	final := &models.Message{
		ConversationID: state.conversation.ConversationID,
		OwnerID:        ownerID,
		Role:           models.RoleAssistant,
		Content:        text.String(),
		Provider:       provider,
		Model:          model,
		TokenUsage:     usage,
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.store.AppendMessage(persistCtx, final); err != nil {
		e.logger.Error(ctx, "streamed message not persisted", "error", err.Error())
	}
	if e.gate != nil {
		_, _, total := models.ExtractTokenUsage(usage)
		e.gate.CommitTokenUsage(persistCtx, ownerID, provider, model, total)
	}

	done := StreamEvent{
		Type:           "done",
		RequestID:      metric.RequestID,
		ConversationID: state.conversation.ConversationID,
		Provider:       provider,
		Model:          model,
		Content:        text.String(),
		FinishReason:   finishReason,
		Usage:          usage,
	}
	if metric.FallbackFrom != "" {
		done.Fallback = &FallbackInfo{From: metric.FallbackFrom, To: provider, Chain: metric.FallbackChain}
	}
	e.send(ctx, out, done)
	return streamOutcome{status: streamDone}
}

// persistPartial writes whatever text arrived before a mid-stream failure,
// tagged as partial together with the error.
func (e *Engine) persistPartial(ctx context.Context, ownerID int64, state *runState, text, provider, model string, usage models.Usage, cause error) {
	if text == "" {
		return
	}
	msg := &models.Message{
		ConversationID: state.conversation.ConversationID,
		OwnerID:        ownerID,
		Role:           models.RoleAssistant,
		Content:        text,
		Provider:       provider,
		Model:          model,
		TokenUsage:     usage,
		Extra:          map[string]any{"partial": true, "error": cause.Error()},
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.store.AppendMessage(context.WithoutCancel(ctx), msg); err != nil {
		e.logger.Error(ctx, "partial message not persisted", "error", err.Error())
	}
}

// send delivers an event unless the consumer has gone away.
func (e *Engine) send(ctx context.Context, out chan<- StreamEvent, event StreamEvent) bool {
	select {
	case out <- event:
		return true
	case <-ctx.Done():
		return false
	}
}
