// Package memory compacts old conversation history into a rolling summary
// so long threads keep fitting in the model context. Compaction is best
// effort: a failed or empty summarization keeps the previous state and the
// conversation continues untouched.
package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/maestro/internal/llm"
	"github.com/haasonsaas/maestro/internal/observability"
	"github.com/haasonsaas/maestro/pkg/models"
)

const (
	minTrigger    = 6
	minKeepRecent = 4
	maxKeepRecent = 100

	minSummaryChars = 500

	// summaryWindowRows caps how many eligible rows feed one summarization
	// prompt; summaryRowChars caps each row's contribution.
	summaryWindowRows = 80
	summaryRowChars   = 1000

	summaryTemperature = 0.1
)

// Completer is the one-shot completion surface compaction needs.
type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResult, error)
}

// Config controls when compaction triggers and how much it keeps.
type Config struct {
	Enabled         bool
	TriggerMessages int
	KeepRecent      int
	SummaryMaxChars int
}

// Compressor folds old history into the conversation's summary.
type Compressor struct {
	completer Completer
	cfg       Config
	logger    *observability.Logger
}

// NewCompressor wires a compressor.
func NewCompressor(completer Completer, cfg Config, logger *observability.Logger) *Compressor {
	return &Compressor{completer: completer, cfg: cfg, logger: logger}
}

// MaybeRefresh summarizes the history prefix when enough unsummarized
// messages have accumulated. It returns the (possibly unchanged) memory
// state; failures are logged and swallowed so a broken summarizer never
// blocks chat.
func (c *Compressor) MaybeRefresh(ctx context.Context, state models.MemoryState, history []*models.Message, provider, model string) models.MemoryState {
	if !c.cfg.Enabled || len(history) == 0 {
		return state
	}

	keepRecent := clamp(c.cfg.KeepRecent, minKeepRecent, maxKeepRecent)
	trigger := c.cfg.TriggerMessages
	if trigger < minTrigger {
		trigger = minTrigger
	}

	cutoff := len(history) - keepRecent
	if cutoff < 0 {
		cutoff = 0
	}
	unsummarized := cutoff - state.SummarizedCount
	if unsummarized < trigger {
		return state
	}

	summary, err := c.summarize(ctx, state.Summary, history[:cutoff], provider, model)
	if err != nil {
		c.logger.Warn(ctx, "memory compaction failed", "error", err.Error())
		return state
	}
	if summary == "" {
		return state
	}

	maxChars := c.cfg.SummaryMaxChars
	if maxChars < minSummaryChars {
		maxChars = minSummaryChars
	}
	if len(summary) > maxChars {
		summary = summary[:maxChars]
	}

	next := state.Advance(summary, cutoff, time.Now().UTC())
	c.logger.Info(ctx, "memory compacted",
		"summarized_count", next.SummarizedCount, "summary_chars", len(next.Summary))
	return next
}

// summarize runs one low-temperature completion over the existing summary
// plus the eligible window.
func (c *Compressor) summarize(ctx context.Context, previous string, eligible []*models.Message, provider, model string) (string, error) {
	if len(eligible) > summaryWindowRows {
		eligible = eligible[len(eligible)-summaryWindowRows:]
	}

	var b strings.Builder
	b.WriteString("Condense the following conversation into a compact summary that preserves facts, decisions, names, and open questions. Write plain prose, no preamble.\n")
	if previous != "" {
		b.WriteString("\nExisting summary of earlier messages:\n")
		b.WriteString(previous)
		b.WriteString("\n")
	}
	b.WriteString("\nConversation:\n")
	for _, msg := range eligible {
		content := msg.Content
		if content == "" {
			continue
		}
		if len(content) > summaryRowChars {
			content = content[:summaryRowChars]
		}
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, content)
	}

	temperature := summaryTemperature
	result, err := c.completer.Complete(ctx, llm.CompletionRequest{
		Provider:    provider,
		Model:       model,
		Temperature: &temperature,
		Messages: []models.ChatMessage{
			{Role: models.RoleUser, Content: b.String()},
		},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Content), nil
}

// TrimHistory drops the already-summarized prefix.
func TrimHistory(history []*models.Message, summarizedCount int) []*models.Message {
	if summarizedCount <= 0 {
		return history
	}
	if summarizedCount >= len(history) {
		return nil
	}
	return history[summarizedCount:]
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
