package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/maestro/internal/llm"
	"github.com/haasonsaas/maestro/internal/observability"
	"github.com/haasonsaas/maestro/pkg/models"
)

type fakeCompleter struct {
	response string
	err      error
	calls    int
	lastReq  llm.CompletionRequest
}

func (f *fakeCompleter) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResult, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &llm.CompletionResult{Content: f.response}, nil
}

func history(n int) []*models.Message {
	out := make([]*models.Message, n)
	for i := range out {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		out[i] = &models.Message{Role: role, Content: strings.Repeat("m", 10)}
	}
	return out
}

func testConfig() Config {
	return Config{Enabled: true, TriggerMessages: 6, KeepRecent: 4, SummaryMaxChars: 2000}
}

func TestMaybeRefreshBelowTriggerIsNoop(t *testing.T) {
	completer := &fakeCompleter{response: "summary"}
	c := NewCompressor(completer, testConfig(), observability.NewNopLogger())

	// cutoff = 9-4 = 5 unsummarized, trigger 6.
	state := c.MaybeRefresh(context.Background(), models.MemoryState{}, history(9), "openai", "gpt-4o-mini")
	if completer.calls != 0 {
		t.Errorf("completion issued below trigger: %d", completer.calls)
	}
	if state.SummarizedCount != 0 {
		t.Errorf("state advanced: %+v", state)
	}
}

func TestMaybeRefreshAdvancesAtTrigger(t *testing.T) {
	completer := &fakeCompleter{response: "they discussed cats"}
	c := NewCompressor(completer, testConfig(), observability.NewNopLogger())

	// cutoff = 10-4 = 6 unsummarized, trigger 6.
	state := c.MaybeRefresh(context.Background(), models.MemoryState{}, history(10), "openai", "gpt-4o-mini")
	if completer.calls != 1 {
		t.Fatalf("calls = %d", completer.calls)
	}
	if state.SummarizedCount != 6 || state.Summary != "they discussed cats" {
		t.Errorf("state = %+v", state)
	}
	if completer.lastReq.Temperature == nil || *completer.lastReq.Temperature != 0.1 {
		t.Errorf("temperature = %v", completer.lastReq.Temperature)
	}
}

func TestMaybeRefreshCountsOnlyUnsummarized(t *testing.T) {
	completer := &fakeCompleter{response: "updated summary"}
	c := NewCompressor(completer, testConfig(), observability.NewNopLogger())

	// cutoff = 12-4 = 8; 6 already summarized leaves 2 < trigger.
	prior := models.MemoryState{Summary: "old", SummarizedCount: 6}
	state := c.MaybeRefresh(context.Background(), prior, history(12), "openai", "gpt-4o-mini")
	if completer.calls != 0 {
		t.Errorf("refresh ran on already-summarized rows")
	}
	if state != prior {
		t.Errorf("state changed: %+v", state)
	}
}

func TestMaybeRefreshSwallowsFailures(t *testing.T) {
	completer := &fakeCompleter{err: errors.New("provider down")}
	c := NewCompressor(completer, testConfig(), observability.NewNopLogger())

	prior := models.MemoryState{Summary: "kept", SummarizedCount: 2}
	state := c.MaybeRefresh(context.Background(), prior, history(20), "openai", "gpt-4o-mini")
	if state != prior {
		t.Errorf("failed refresh changed state: %+v", state)
	}

	// Empty summarizer output also keeps the previous state.
	completer = &fakeCompleter{response: "   "}
	c = NewCompressor(completer, testConfig(), observability.NewNopLogger())
	state = c.MaybeRefresh(context.Background(), prior, history(20), "openai", "gpt-4o-mini")
	if state != prior {
		t.Errorf("empty summary changed state: %+v", state)
	}
}

func TestMaybeRefreshCapsSummaryLength(t *testing.T) {
	completer := &fakeCompleter{response: strings.Repeat("s", 5000)}
	cfg := testConfig()
	cfg.SummaryMaxChars = 600
	c := NewCompressor(completer, cfg, observability.NewNopLogger())

	state := c.MaybeRefresh(context.Background(), models.MemoryState{}, history(20), "openai", "gpt-4o-mini")
	if len(state.Summary) != 600 {
		t.Errorf("summary length = %d", len(state.Summary))
	}
}

func TestSummarizedCountNeverDecreases(t *testing.T) {
	state := models.MemoryState{Summary: "old", SummarizedCount: 10}
	next := state.Advance("new", 4, time.Now())
	if next.SummarizedCount != 10 {
		t.Errorf("count went backwards: %+v", next)
	}
	next = state.Advance("new", 15, time.Now())
	if next.SummarizedCount != 15 {
		t.Errorf("count did not advance: %+v", next)
	}
}

func TestTrimHistory(t *testing.T) {
	rows := history(6)
	if got := TrimHistory(rows, 0); len(got) != 6 {
		t.Errorf("zero trim = %d", len(got))
	}
	if got := TrimHistory(rows, 4); len(got) != 2 {
		t.Errorf("trim = %d", len(got))
	}
	if got := TrimHistory(rows, 10); got != nil {
		t.Errorf("over-trim = %v", got)
	}
}

func TestDisabledCompressorIsNoop(t *testing.T) {
	completer := &fakeCompleter{response: "summary"}
	cfg := testConfig()
	cfg.Enabled = false
	c := NewCompressor(completer, cfg, observability.NewNopLogger())

	state := c.MaybeRefresh(context.Background(), models.MemoryState{}, history(50), "openai", "gpt-4o-mini")
	if completer.calls != 0 || state.SummarizedCount != 0 {
		t.Errorf("disabled compressor ran: calls=%d state=%+v", completer.calls, state)
	}
}
