// Package tools hosts the local tool registry, the builtin tools, and the
// remote tool-server adapter. A tool call always produces exactly one result
// envelope; executor failures are data, not errors.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/maestro/pkg/models"
)

var (
	// ErrUnknownTool is returned for names absent from the registry.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrDuplicateTool is returned when a name is registered twice.
	ErrDuplicateTool = errors.New("tool already registered")
)

// Executor runs one tool invocation against decoded arguments.
type Executor func(ctx context.Context, args map[string]any) (any, error)

// Definition couples a tool's declared schema with its executor.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
	Executor    Executor
}

// Result is the envelope appended as the tool-role message for one call.
// Content carries the serialized {"ok": ..., "result"|"error": ...} payload.
type Result struct {
	OK         bool   `json:"ok"`
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Arguments  string `json:"arguments,omitempty"`
	Content    string `json:"content"`
}

// Registry is a concurrency-safe name-keyed tool table. Argument payloads
// are validated against the declared JSON schema before execution.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*Definition
	schemas map[string]*jsonschema.Schema
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]*Definition),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool. A schema that compiles is enforced on every call;
// one that does not is ignored (the tool still runs).
func (r *Registry) Register(def Definition) error {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return errors.New("tool name is empty")
	}
	if def.Executor == nil {
		return fmt.Errorf("tool %s has no executor", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}

	def.Name = name
	r.tools[name] = &def
	if schema := compileSchema(name, def.Parameters); schema != nil {
		r.schemas[name] = schema
	}
	return nil
}

func compileSchema(name string, params map[string]any) *jsonschema.Schema {
	if len(params) == 0 {
		return nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name+".json", strings.NewReader(string(raw))); err != nil {
		return nil
	}
	schema, err := compiler.Compile(name + ".json")
	if err != nil {
		return nil
	}
	return schema
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Definitions returns the declared tool definitions sorted by name.
func (r *Registry) Definitions() []models.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.ToolDefinition, 0, len(r.tools))
	for _, def := range r.tools {
		out = append(out, models.ToolDefinition{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ExecuteCall runs one tool call and returns its envelope. Executor and
// validation failures come back as an ok:false envelope; only an
// unregistered name is a real error.
func (r *Registry) ExecuteCall(ctx context.Context, call models.ToolCall) (Result, error) {
	r.mu.RLock()
	def, ok := r.tools[call.Name]
	schema := r.schemas[call.Name]
	r.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
	}

	callID := call.ID
	if callID == "" {
		callID = models.NewID("call")
	}

	args := decodeArguments(call.Arguments)
	if schema != nil {
		if err := schema.Validate(args); err != nil {
			return failure(callID, call, fmt.Errorf("invalid arguments: %w", err)), nil
		}
	}

	value, err := def.Executor(ctx, args)
	if err != nil {
		return failure(callID, call, err), nil
	}
	return success(callID, call, value), nil
}

// decodeArguments parses the raw argument JSON; non-object or malformed
// payloads are preserved under a raw key instead of being dropped.
func decodeArguments(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{"raw": raw}
	}
	return args
}

func success(callID string, call models.ToolCall, value any) Result {
	content, err := json.Marshal(map[string]any{"ok": true, "result": value})
	if err != nil {
		content = []byte(`{"ok":true,"result":null}`)
	}
	return Result{
		OK:         true,
		ToolCallID: callID,
		ToolName:   call.Name,
		Arguments:  call.Arguments,
		Content:    string(content),
	}
}

func failure(callID string, call models.ToolCall, execErr error) Result {
	content, err := json.Marshal(map[string]any{"ok": false, "error": execErr.Error()})
	if err != nil {
		content = []byte(`{"ok":false,"error":"tool execution failed"}`)
	}
	return Result{
		OK:         false,
		ToolCallID: callID,
		ToolName:   call.Name,
		Arguments:  call.Arguments,
		Content:    string(content),
	}
}
