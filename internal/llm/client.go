package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/maestro/pkg/models"
)

// maxErrorBodyLen bounds how much of an upstream error body is carried in
// error messages for diagnostics.
const maxErrorBodyLen = 500

// CompletionRequest is one completion call against a named provider.
type CompletionRequest struct {
	// Provider selects the binding; empty means the configured default.
	Provider string

	// Model overrides the provider's default model when set.
	Model string

	Messages []models.ChatMessage

	// Temperature is optional; nil uses the configured default.
	Temperature *float64

	// Tools are offered to the model with tool-choice "auto" when non-empty.
	Tools []models.ToolDefinition
}

// CompletionResult is the outcome of one provider call.
type CompletionResult struct {
	Provider     string
	Model        string
	Content      string
	ToolCalls    []models.ToolCall
	FinishReason string
	Usage        models.Usage
}

// StreamChunk is one element of a streaming completion. Exactly one of
// Delta, Done, or Err is meaningful per chunk; Usage and FinishReason may
// ride along on any chunk.
type StreamChunk struct {
	Provider     string
	Model        string
	Delta        string
	FinishReason string
	Usage        models.Usage
	Done         bool
	Err          error
}

// Client issues completion, streaming completion, and embedding calls using
// one normalized wire contract for every provider in the directory.
//
// Client is safe for concurrent use; each call builds an independent SDK
// client from the resolved binding.
type Client struct {
	directory          *Directory
	timeout            time.Duration
	defaultTemperature float64
}

// NewClient creates a client over the directory. timeout bounds
// connect/read/write for unary calls and the connect phase of streams.
func NewClient(directory *Directory, timeout time.Duration, defaultTemperature float64) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		directory:          directory,
		timeout:            timeout,
		defaultTemperature: defaultTemperature,
	}
}

// Directory exposes the underlying provider directory.
func (c *Client) Directory() *Directory { return c.directory }

// Complete issues one non-streaming completion call. A non-2xx response or
// an empty choice list fails with ErrProviderCall.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	binding, model, err := c.directory.Resolve(req.Provider, req.Model, true)
	if err != nil {
		return nil, err
	}

	sdk := c.sdkClient(binding, false)
	resp, err := sdk.CreateChatCompletion(ctx, c.buildRequest(model, req, false))
	if err != nil {
		return nil, wrapCallError(ErrProviderCall, binding.Provider, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: %s returned no choices", ErrProviderCall, binding.Provider)
	}

	choice := resp.Choices[0]
	result := &CompletionResult{
		Provider:     binding.Provider,
		Model:        firstNonEmpty(resp.Model, model),
		Content:      choice.Message.Content,
		ToolCalls:    fromSDKToolCalls(choice.Message.ToolCalls),
		FinishReason: string(choice.FinishReason),
		Usage:        usageMap(&resp.Usage),
	}
	return result, nil
}

// CompleteStream opens one streaming completion call and returns a lazy,
// finite, non-restartable chunk sequence. A failure before the first byte
// returns an error wrapping ErrProviderStream; later failures arrive as a
// chunk with Err set. The channel is closed after the terminal chunk.
func (c *Client) CompleteStream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
	binding, model, err := c.directory.Resolve(req.Provider, req.Model, true)
	if err != nil {
		return nil, err
	}

	sdkReq := c.buildRequest(model, req, true)
	sdkReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	sdk := c.sdkClient(binding, true)
	stream, err := sdk.CreateChatCompletionStream(ctx, sdkReq)
	if err != nil {
		return nil, wrapCallError(ErrProviderStream, binding.Provider, err)
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				c.emit(ctx, out, StreamChunk{Err: err})
				return
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					c.emit(ctx, out, StreamChunk{Provider: binding.Provider, Model: model, Done: true})
					return
				}
				c.emit(ctx, out, StreamChunk{Err: wrapCallError(ErrProviderStream, binding.Provider, err)})
				return
			}

			chunk := StreamChunk{
				Provider: binding.Provider,
				Model:    firstNonEmpty(resp.Model, model),
			}
			if resp.Usage != nil {
				chunk.Usage = usageMap(resp.Usage)
			}
			if len(resp.Choices) > 0 {
				chunk.Delta = resp.Choices[0].Delta.Content
				chunk.FinishReason = string(resp.Choices[0].FinishReason)
			}
			if !c.emit(ctx, out, chunk) {
				return
			}
		}
	}()
	return out, nil
}

// emit delivers a chunk unless the consumer has gone away.
func (c *Client) emit(ctx context.Context, out chan<- StreamChunk, chunk StreamChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// Embed issues one embedding call. An empty vector list fails with
// ErrEmptyEmbedding.
func (c *Client) Embed(ctx context.Context, text, provider, model string) ([]float32, error) {
	binding, resolved, err := c.directory.Resolve(provider, model, true)
	if err != nil {
		return nil, err
	}

	sdk := c.sdkClient(binding, false)
	resp, err := sdk.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(resolved),
	})
	if err != nil {
		return nil, wrapCallError(ErrProviderCall, binding.Provider, err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrEmptyEmbedding, binding.Provider, resolved)
	}
	return resp.Data[0].Embedding, nil
}

// sdkClient builds a go-openai client against the binding's endpoint.
// Streaming clients skip the whole-request timeout so long streams are not
// cut off; only their dial phase is bounded.
func (c *Client) sdkClient(binding Binding, streaming bool) *openai.Client {
	cfg := openai.DefaultConfig(binding.APIKey)
	cfg.BaseURL = binding.BaseURL

	if streaming {
		cfg.HTTPClient = &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: c.timeout}).DialContext,
				TLSHandshakeTimeout:   c.timeout,
				ResponseHeaderTimeout: c.timeout,
			},
		}
	} else {
		cfg.HTTPClient = &http.Client{Timeout: c.timeout}
	}
	return openai.NewClientWithConfig(cfg)
}

func (c *Client) buildRequest(model string, req CompletionRequest, stream bool) openai.ChatCompletionRequest {
	temperature := c.defaultTemperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	out := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    toSDKMessages(req.Messages),
		Temperature: float32(temperature),
		Stream:      stream,
	}
	if len(req.Tools) > 0 && !stream {
		out.Tools = toSDKTools(req.Tools)
		out.ToolChoice = "auto"
	}
	return out
}

func toSDKMessages(messages []models.ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		sdkMsg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, call := range m.ToolCalls {
			sdkMsg.ToolCalls = append(sdkMsg.ToolCalls, openai.ToolCall{
				ID:   call.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      call.Name,
					Arguments: call.Arguments,
				},
			})
		}
		out = append(out, sdkMsg)
	}
	return out
}

func toSDKTools(defs []models.ToolDefinition) []openai.Tool {
	out := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		parameters := def.Parameters
		if parameters == nil {
			parameters = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  parameters,
			},
		})
	}
	return out
}

func fromSDKToolCalls(calls []openai.ToolCall) []models.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]models.ToolCall, 0, len(calls))
	for _, call := range calls {
		out = append(out, models.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	return out
}

func usageMap(usage *openai.Usage) models.Usage {
	if usage == nil {
		return models.Usage{}
	}
	return models.Usage{
		"prompt_tokens":     usage.PromptTokens,
		"completion_tokens": usage.CompletionTokens,
		"total_tokens":      usage.TotalTokens,
	}
}

// wrapCallError attaches the taxonomy sentinel and the provider name to an
// SDK error, bounding any response body carried in the message.
func wrapCallError(sentinel error, provider string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if len(msg) > maxErrorBodyLen {
			msg = msg[:maxErrorBodyLen]
		}
		return fmt.Errorf("%w: %s status %d: %s", sentinel, provider, apiErr.HTTPStatusCode, msg)
	}
	msg := err.Error()
	if len(msg) > maxErrorBodyLen {
		msg = msg[:maxErrorBodyLen]
	}
	return fmt.Errorf("%w: %s: %s", sentinel, provider, msg)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
