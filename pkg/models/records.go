package models

import "time"

// MemoryState is the compacted-history state attached to a conversation.
// It replaces the untyped extra-config bag the conversation used to carry:
// SummarizedCount is monotonic and the prompt builder must never re-include
// a message index below it.
type MemoryState struct {
	// Summary is the compacted textual representation of older history.
	// Empty means no summary exists yet.
	Summary string `json:"summary,omitempty"`

	// SummarizedCount is the number of leading history messages folded
	// into Summary. It never decreases.
	SummarizedCount int `json:"summarized_count"`

	// UpdatedAt is the unix timestamp of the last refresh.
	UpdatedAt int64 `json:"updated_at,omitempty"`
}

// Advance returns the state updated with a fresh summary and cutoff. The
// summarized count never moves backwards: a cutoff below the current count
// keeps the current count.
func (m MemoryState) Advance(summary string, cutoff int, now time.Time) MemoryState {
	if cutoff < m.SummarizedCount {
		cutoff = m.SummarizedCount
	}
	return MemoryState{
		Summary:         summary,
		SummarizedCount: cutoff,
		UpdatedAt:       now.Unix(),
	}
}

// Conversation is one persistent chat thread owned by a tenant.
type Conversation struct {
	ConversationID string      `json:"conversation_id"`
	OwnerID        int64       `json:"owner_id"`
	Title          string      `json:"title,omitempty"`
	Provider       string      `json:"provider"`
	Model          string      `json:"model"`
	SystemPrompt   string      `json:"system_prompt,omitempty"`
	SkillName      string      `json:"skill_name,omitempty"`
	Memory         MemoryState `json:"memory"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	Deleted        bool        `json:"-"`
}

// Touch bumps the update timestamp.
func (c *Conversation) Touch(now time.Time) { c.UpdatedAt = now }

// Message is one persisted row of a conversation: user input, assistant
// output (possibly carrying tool calls), or a tool result.
type Message struct {
	ID             int64          `json:"id"`
	ConversationID string         `json:"conversation_id"`
	OwnerID        int64          `json:"owner_id"`
	Role           string         `json:"role"`
	Content        string         `json:"content,omitempty"`
	ToolName       string         `json:"tool_name,omitempty"`
	ToolCallID     string         `json:"tool_call_id,omitempty"`
	ToolCalls      []ToolCall     `json:"tool_calls,omitempty"`
	Provider       string         `json:"provider,omitempty"`
	Model          string         `json:"model,omitempty"`
	TokenUsage     Usage          `json:"token_usage,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	Deleted        bool           `json:"-"`
}

// Skill is a stored skill profile row. Builtin profiles live in code; rows
// with OwnerID 0 are shared across tenants.
type Skill struct {
	ID           int64     `json:"id"`
	OwnerID      int64     `json:"owner_id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	SystemPrompt string    `json:"system_prompt"`
	ToolNames    []string  `json:"tool_names,omitempty"`
	RAGEnabled   bool      `json:"rag_enabled"`
	ServerIDs    []string  `json:"server_ids,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Deleted      bool      `json:"-"`
}

// ToolServer is a registered remote tool server. Tools listed in
// ToolDefinitions are resolved by name and invoked over Transport.
type ToolServer struct {
	ID              int64            `json:"id"`
	ServerID        string           `json:"server_id"`
	OwnerID         int64            `json:"owner_id"`
	Name            string           `json:"name"`
	Transport       string           `json:"transport"`
	Endpoint        string           `json:"endpoint,omitempty"`
	TimeoutSeconds  int              `json:"timeout_seconds"`
	Enabled         bool             `json:"enabled"`
	ToolDefinitions []ToolDefinition `json:"tool_definitions,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	Deleted         bool             `json:"-"`
}

// ToolDefinition is the declarative description of a callable tool: its
// name, natural-language description, and JSON-schema parameters.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Document is an ingested retrieval source.
type Document struct {
	ID         int64          `json:"id"`
	DocID      string         `json:"doc_id"`
	OwnerID    int64          `json:"owner_id"`
	Title      string         `json:"title"`
	Content    string         `json:"content,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	ChunkCount int            `json:"chunk_count"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Deleted    bool           `json:"-"`
}

// DocumentChunk is one embedded window of a document.
type DocumentChunk struct {
	ID         int64          `json:"id"`
	DocID      string         `json:"doc_id"`
	OwnerID    int64          `json:"owner_id"`
	ChunkIndex int            `json:"chunk_index"`
	Content    string         `json:"content"`
	Embedding  []float32      `json:"embedding"`
	Meta       map[string]any `json:"meta,omitempty"`
	Deleted    bool           `json:"-"`
}

// RequestMetric is the write-once outcome record produced exactly once per
// chat run, success or failure.
type RequestMetric struct {
	ID               int64          `json:"id"`
	RequestID        string         `json:"request_id"`
	ConversationID   string         `json:"conversation_id,omitempty"`
	OwnerID          int64          `json:"owner_id"`
	Provider         string         `json:"provider"`
	Model            string         `json:"model"`
	Stream           bool           `json:"stream"`
	Success          bool           `json:"success"`
	LatencyMS        int64          `json:"latency_ms"`
	ErrorCode        string         `json:"error_code,omitempty"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	FallbackFrom     string         `json:"fallback_from,omitempty"`
	FallbackChain    []string       `json:"fallback_chain,omitempty"`
	PromptTokens     int            `json:"prompt_tokens"`
	CompletionTokens int            `json:"completion_tokens"`
	TotalTokens      int            `json:"total_tokens"`
	UsageRaw         Usage          `json:"usage_raw,omitempty"`
	Extra            map[string]any `json:"extra,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}
