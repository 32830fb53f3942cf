// Package models defines the record and message types shared across the
// orchestration engine, the record store, and the edge.
package models

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Message roles accepted in a turn context.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ValidRole reports whether role is one of the four accepted message roles.
func ValidRole(role string) bool {
	switch role {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// ChatMessage is one element of the turn context fed to a completion call.
// It is built fresh per engine invocation and never persisted as such; the
// persisted counterpart is Message.
type ChatMessage struct {
	// Role is one of system, user, assistant, tool.
	Role string `json:"role"`

	// Content is the message text.
	Content string `json:"content"`

	// ToolCallID links a tool-role message back to the assistant tool call
	// it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// ToolCalls carries the raw tool calls on an assistant message.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is one tool invocation requested by a provider.
type ToolCall struct {
	// ID identifies the call; a tool-role response must echo it.
	ID string `json:"id"`

	// Name is the tool name.
	Name string `json:"name"`

	// Arguments is the raw argument text as returned by the provider,
	// normally a JSON object.
	Arguments string `json:"arguments"`
}

// Usage is the token usage payload of a completion response. It is kept as
// an open map: merging is additive for numeric fields and first-seen for
// everything else, so provider-specific keys survive accounting.
type Usage map[string]any

// MergeUsage folds add into cur: numeric fields are summed, keys not yet
// present are recorded as-is, and non-numeric values never overwrite an
// existing entry. The receiver map is not mutated.
func MergeUsage(cur, add Usage) Usage {
	merged := make(Usage, len(cur)+len(add))
	for k, v := range cur {
		merged[k] = v
	}
	for k, v := range add {
		n, numeric := toFloat(v)
		if numeric {
			if have, ok := toFloat(merged[k]); ok {
				merged[k] = have + n
				continue
			}
			if _, exists := merged[k]; !exists {
				merged[k] = v
				continue
			}
		}
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return merged
}

// ExtractTokenUsage pulls prompt, completion, and total token counts out of
// a usage map, tolerating the input_tokens/output_tokens aliases some
// providers use. A missing or non-positive total falls back to
// prompt+completion.
func ExtractTokenUsage(usage Usage) (prompt, completion, total int) {
	prompt = usageInt(usage, "prompt_tokens", "input_tokens")
	completion = usageInt(usage, "completion_tokens", "output_tokens")
	total = usageInt(usage, "total_tokens")
	if total <= 0 {
		total = prompt + completion
	}
	if total < 0 {
		total = 0
	}
	return prompt, completion, total
}

func usageInt(usage Usage, keys ...string) int {
	for _, key := range keys {
		if v, ok := usage[key]; ok {
			if n, numeric := toFloat(v); numeric {
				return int(n)
			}
		}
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// NewID returns a prefixed hex identifier, e.g. NewID("conv") ->
// "conv_9f2c...".
func NewID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
