package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/haasonsaas/maestro/internal/llm"
	"github.com/haasonsaas/maestro/pkg/models"
)

func scriptedStream(chunks ...llm.StreamChunk) <-chan llm.StreamChunk {
	out := make(chan llm.StreamChunk, len(chunks))
	for _, chunk := range chunks {
		out <- chunk
	}
	close(out)
	return out
}

func collect(events <-chan StreamEvent) []StreamEvent {
	var out []StreamEvent
	for event := range events {
		out = append(out, event)
	}
	return out
}

func TestStreamHappyPath(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{stream: func(_ context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
		return scriptedStream(
			llm.StreamChunk{Provider: req.Provider, Delta: "hel"},
			llm.StreamChunk{Provider: req.Provider, Delta: "lo"},
			llm.StreamChunk{Provider: req.Provider, Usage: models.Usage{"total_tokens": 9}, FinishReason: "stop"},
			llm.StreamChunk{Provider: req.Provider, Done: true},
		), nil
	}}
	env := newTestEnv(t, client, nil)

	events := collect(env.engine.ChatStream(ctx, 7, ChatRequest{Message: "say hello"}))
	if len(events) < 4 {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Type != "meta" || events[0].Provider != "openai" {
		t.Errorf("meta = %+v", events[0])
	}
	if events[0].Warning == "" {
		t.Error("tools-disabled warning missing from meta")
	}
	if events[1].Type != "delta" || events[1].Delta != "hel" {
		t.Errorf("first delta = %+v", events[1])
	}
	final := events[len(events)-1]
	if final.Type != "done" || final.Content != "hello" || final.FinishReason != "stop" {
		t.Errorf("done = %+v", final)
	}

	// User and assistant rows persisted; metric marked as stream.
	rows, _ := env.store.ListMessages(ctx, 7, final.ConversationID, 0)
	if len(rows) != 2 || rows[1].Content != "hello" {
		t.Fatalf("rows = %+v", rows)
	}
	metrics, _ := env.store.RecentMetrics(ctx, 7, 1)
	if !metrics[0].Stream || !metrics[0].Success || metrics[0].TotalTokens != 9 {
		t.Errorf("metric = %+v", metrics[0])
	}
}

func TestStreamExplicitToolsOptOutSkipsWarning(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{stream: func(_ context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
		return scriptedStream(
			llm.StreamChunk{Delta: "ok"},
			llm.StreamChunk{Done: true},
		), nil
	}}
	env := newTestEnv(t, client, nil)

	events := collect(env.engine.ChatStream(ctx, 7, ChatRequest{Message: "hi", DisableTools: true}))
	if events[0].Type != "meta" || events[0].Warning != "" {
		t.Errorf("meta = %+v", events[0])
	}
}

func TestStreamFallsBackBeforeFirstDelta(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{stream: func(_ context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
		if req.Provider == "openai" {
			return nil, fmt.Errorf("%w: connect refused", llm.ErrProviderStream)
		}
		return scriptedStream(
			llm.StreamChunk{Delta: "saved"},
			llm.StreamChunk{Done: true},
		), nil
	}}
	env := newTestEnv(t, client, nil)

	events := collect(env.engine.ChatStream(ctx, 7, ChatRequest{Message: "hi"}))
	// One meta only, for the provider that actually streamed.
	metas := 0
	for _, event := range events {
		if event.Type == "meta" {
			metas++
			if event.Provider != "deepseek" {
				t.Errorf("meta provider = %s", event.Provider)
			}
			if !strings.Contains(event.Warning, "fallback") {
				t.Errorf("fallback notice missing: %q", event.Warning)
			}
		}
	}
	if metas != 1 {
		t.Errorf("metas = %d", metas)
	}
	final := events[len(events)-1]
	if final.Type != "done" || final.Fallback == nil ||
		final.Fallback.From != "openai" || final.Fallback.To != "deepseek" {
		t.Errorf("done = %+v", final)
	}
	if chain := final.Fallback.Chain; len(chain) != 2 || chain[0] != "openai" || chain[1] != "deepseek" {
		t.Errorf("fallback chain = %v", chain)
	}

	metrics, _ := env.store.RecentMetrics(ctx, 7, 1)
	if metrics[0].FallbackFrom != "openai" || metrics[0].Provider != "deepseek" {
		t.Errorf("metric = %+v", metrics[0])
	}

	// The conversation routing, committed as the primary before the first
	// attempt, follows the provider that actually served.
	conv, err := env.store.GetConversation(ctx, 7, final.ConversationID)
	if err != nil {
		t.Fatal(err)
	}
	if conv.Provider != "deepseek" || conv.Model != "deepseek-chat" {
		t.Errorf("conversation routing = %s/%s", conv.Provider, conv.Model)
	}
}

func TestStreamErrorChunkBeforeDeltaAdvances(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{stream: func(_ context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
		if req.Provider == "openai" {
			// The stream opened but died before producing text.
			return scriptedStream(llm.StreamChunk{Err: fmt.Errorf("%w: reset", llm.ErrProviderStream)}), nil
		}
		return scriptedStream(
			llm.StreamChunk{Delta: "recovered"},
			llm.StreamChunk{Done: true},
		), nil
	}}
	env := newTestEnv(t, client, nil)

	events := collect(env.engine.ChatStream(ctx, 7, ChatRequest{Message: "hi"}))
	final := events[len(events)-1]
	if final.Type != "done" || final.Content != "recovered" {
		t.Errorf("final = %+v", final)
	}
}

func TestStreamPostDeltaFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{stream: func(_ context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
		return scriptedStream(
			llm.StreamChunk{Delta: "partial tex"},
			llm.StreamChunk{Err: fmt.Errorf("%w: connection reset", llm.ErrProviderStream)},
		), nil
	}}
	env := newTestEnv(t, client, nil)

	events := collect(env.engine.ChatStream(ctx, 7, ChatRequest{Message: "hi"}))
	final := events[len(events)-1]
	if final.Type != "error" {
		t.Fatalf("final = %+v", final)
	}

	// The partial text is persisted and tagged.
	var convID string
	for _, event := range events {
		if event.ConversationID != "" {
			convID = event.ConversationID
		}
	}
	rows, _ := env.store.ListMessages(ctx, 7, convID, 0)
	if len(rows) != 2 {
		t.Fatalf("rows = %d", len(rows))
	}
	partial := rows[1]
	if partial.Content != "partial tex" || partial.Extra["partial"] != true {
		t.Errorf("partial row = %+v", partial)
	}

	metrics, _ := env.store.RecentMetrics(ctx, 7, 1)
	if metrics[0].Success || !metrics[0].Stream {
		t.Errorf("metric = %+v", metrics[0])
	}
}

func TestStreamUserMessagePersistedBeforeAttempt(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{stream: func(_ context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
		return nil, fmt.Errorf("%w: every provider down", llm.ErrProviderStream)
	}}
	env := newTestEnv(t, client, nil)

	events := collect(env.engine.ChatStream(ctx, 7, ChatRequest{Message: "doomed message"}))
	final := events[len(events)-1]
	if final.Type != "error" {
		t.Fatalf("final = %+v", final)
	}

	convs, _ := env.store.ListConversations(ctx, 7, 0)
	if len(convs) != 1 {
		t.Fatalf("conversations = %d", len(convs))
	}
	rows, _ := env.store.ListMessages(ctx, 7, convs[0].ConversationID, 0)
	if len(rows) != 1 || rows[0].Content != "doomed message" {
		t.Errorf("rows = %+v", rows)
	}
}

func TestStreamEmptyMessageErrors(t *testing.T) {
	env := newTestEnv(t, &fakeClient{}, nil)
	events := collect(env.engine.ChatStream(context.Background(), 7, ChatRequest{}))
	if len(events) != 1 || events[0].Type != "error" {
		t.Errorf("events = %+v", events)
	}
}

func TestStreamCancellationStillRecordsMetric(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	client := &fakeClient{stream: func(_ context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
		out := make(chan llm.StreamChunk)
		go func() {
			defer close(out)
			out <- llm.StreamChunk{Delta: "first"}
			<-release
		}()
		return out, nil
	}}
	env := newTestEnv(t, client, nil)

	events := env.engine.ChatStream(ctx, 7, ChatRequest{Message: "hi"})

	// Consume meta and the first delta, then walk away.
	if e := <-events; e.Type != "meta" {
		t.Fatalf("first event = %+v", e)
	}
	if e := <-events; e.Type != "delta" {
		t.Fatalf("second event = %+v", e)
	}
	cancel()
	close(release)

	// The engine closes the channel after cleanup.
	for range events {
	}

	metrics, err := env.store.RecentMetrics(context.Background(), 7, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(metrics) != 1 || !metrics[0].Stream {
		t.Fatalf("metric missing after cancel: %+v", metrics)
	}
}
