package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/haasonsaas/maestro/internal/llm"
	"github.com/haasonsaas/maestro/internal/tools"
	"github.com/haasonsaas/maestro/pkg/models"
)

const maxStepsExceededReason = "max_tool_steps_exceeded"

const maxStepsExceededMessage = "I hit the tool step limit before finishing. Here is what I have so far; ask me to continue if you need more."

// loopResult is the outcome of one candidate's tool loop.
type loopResult struct {
	content      string
	finishReason string
	usage        models.Usage
	toolRuns     []tools.Result
	transcript   []models.ChatMessage
	extraReason  string
}

// runToolLoop drives completions against one candidate until the model
// stops calling tools or the step budget runs out. Usage is merged across
// iterations. An exhausted budget is not an error: the loop synthesizes a
// final assistant message instead.
func (e *Engine) runToolLoop(ctx context.Context, state *runState, req ChatRequest, provider, model string) (*loopResult, error) {
	maxSteps := req.MaxToolSteps
	if maxSteps <= 0 {
		maxSteps = e.cfg.MaxToolSteps
	}
	if maxSteps < 1 {
		maxSteps = 1
	}
	if maxSteps > maxToolStepsCeiling {
		maxSteps = maxToolStepsCeiling
	}

	messages := make([]models.ChatMessage, len(state.baseMessages))
	copy(messages, state.baseMessages)

	result := &loopResult{usage: models.Usage{}}

	for step := 0; step < maxSteps; step++ {
		completion, err := e.client.Complete(ctx, llm.CompletionRequest{
			Provider:    provider,
			Model:       model,
			Messages:    messages,
			Temperature: req.Temperature,
			Tools:       state.toolDefs,
		})
		if err != nil {
			return nil, err
		}
		result.usage = models.MergeUsage(result.usage, completion.Usage)

		if len(completion.ToolCalls) == 0 {
			result.content = completion.Content
			result.finishReason = completion.FinishReason
			return result, nil
		}

		assistant := models.ChatMessage{
			Role:      models.RoleAssistant,
			Content:   completion.Content,
			ToolCalls: completion.ToolCalls,
		}
		messages = append(messages, assistant)
		result.transcript = append(result.transcript, assistant)

		// Exactly one tool-role response per call, in call order.
		for _, call := range completion.ToolCalls {
			run, err := e.executeCall(ctx, state.conversation.OwnerID, call)
			if err != nil {
				return nil, err
			}
			result.toolRuns = append(result.toolRuns, run)

			toolMsg := models.ChatMessage{
				Role:       models.RoleTool,
				Content:    run.Content,
				ToolCallID: run.ToolCallID,
			}
			messages = append(messages, toolMsg)
			result.transcript = append(result.transcript, toolMsg)
		}
	}

	result.content = maxStepsExceededMessage
	result.finishReason = "stop"
	result.extraReason = maxStepsExceededReason
	return result, nil
}

// executeCall runs one tool call: the local registry first, then the remote
// adapter for names the registry does not know.
func (e *Engine) executeCall(ctx context.Context, ownerID int64, call models.ToolCall) (tools.Result, error) {
	if e.registry != nil {
		run, err := e.registry.ExecuteCall(ctx, call)
		if err == nil {
			e.countToolExecution(call.Name, "local", run.OK)
			return run, nil
		}
		if !errors.Is(err, tools.ErrUnknownTool) {
			return tools.Result{}, err
		}
	}

	if e.remote == nil {
		return tools.Result{}, fmt.Errorf("%w: %s", tools.ErrUnknownTool, call.Name)
	}
	run, err := e.remote.ExecuteCall(ctx, ownerID, call)
	if err != nil {
		return tools.Result{}, err
	}
	e.countToolExecution(call.Name, "remote", run.OK)
	return run, nil
}

func (e *Engine) countToolExecution(tool, source string, ok bool) {
	if e.metrics == nil {
		return
	}
	status := "error"
	if ok {
		status = "success"
	}
	e.metrics.ToolExecutions.WithLabelValues(tool, source, status).Inc()
}
