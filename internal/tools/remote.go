package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/haasonsaas/maestro/internal/observability"
	"github.com/haasonsaas/maestro/pkg/models"
)

// ErrUnsupportedTransport is returned for server rows with a transport the
// adapter does not speak.
var ErrUnsupportedTransport = errors.New("unsupported tool server transport")

const (
	defaultServerTimeout = 30 * time.Second
	maxRemoteBodyLen     = 4096
)

// ServerSource lists the tool-server rows visible to an owner.
type ServerSource interface {
	ListToolServers(ctx context.Context, ownerID int64) ([]*models.ToolServer, error)
}

// RemoteAdapter executes tool calls against registered remote servers. A
// tool name is resolved across the owner's enabled servers; the owner's own
// rows win over shared ones.
type RemoteAdapter struct {
	source ServerSource
	client *http.Client
	logger *observability.Logger
}

// NewRemoteAdapter wires the adapter against a server source. Per-call
// deadlines come from each server row, so the shared client carries none.
func NewRemoteAdapter(source ServerSource, logger *observability.Logger) *RemoteAdapter {
	return &RemoteAdapter{
		source: source,
		client: &http.Client{},
		logger: logger,
	}
}

// resolve finds the enabled server declaring the tool. Owner rows are
// scanned before shared rows.
func (a *RemoteAdapter) resolve(ctx context.Context, ownerID int64, toolName string) (*models.ToolServer, error) {
	servers, err := a.source.ListToolServers(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list tool servers: %w", err)
	}

	var match *models.ToolServer
	for _, server := range servers {
		if !declaresTool(server, toolName) {
			continue
		}
		if server.OwnerID == ownerID {
			match = server
			break
		}
		if match == nil {
			match = server
		}
	}
	if match == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, toolName)
	}
	if !match.Enabled {
		return nil, fmt.Errorf("tool server %s is disabled", match.ServerID)
	}
	return match, nil
}

func declaresTool(server *models.ToolServer, toolName string) bool {
	for _, def := range server.ToolDefinitions {
		if def.Name == toolName {
			return true
		}
	}
	return false
}

// Definitions merges the declared tools of every enabled server visible to
// the owner, de-duplicated by name with owner rows first.
func (a *RemoteAdapter) Definitions(ctx context.Context, ownerID int64) ([]models.ToolDefinition, error) {
	servers, err := a.source.ListToolServers(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list tool servers: %w", err)
	}

	seen := make(map[string]bool)
	var out []models.ToolDefinition
	collect := func(owned bool) {
		for _, server := range servers {
			if !server.Enabled || (server.OwnerID == ownerID) != owned {
				continue
			}
			for _, def := range server.ToolDefinitions {
				if seen[def.Name] {
					continue
				}
				seen[def.Name] = true
				out = append(out, def)
			}
		}
	}
	collect(true)
	collect(false)
	return out, nil
}

// Has reports whether any enabled server visible to the owner declares the
// tool.
func (a *RemoteAdapter) Has(ctx context.Context, ownerID int64, toolName string) bool {
	_, err := a.resolve(ctx, ownerID, toolName)
	return err == nil
}

// ExecuteCall resolves the call's tool to a server and invokes it over the
// server's transport. Transport-level failures come back as an ok:false
// envelope; resolution failures are errors.
func (a *RemoteAdapter) ExecuteCall(ctx context.Context, ownerID int64, call models.ToolCall) (Result, error) {
	server, err := a.resolve(ctx, ownerID, call.Name)
	if err != nil {
		return Result{}, err
	}

	callID := call.ID
	if callID == "" {
		callID = models.NewID("call")
	}

	switch server.Transport {
	case "http":
		return a.executeHTTP(ctx, server, callID, call), nil
	case "mock":
		return success(callID, call, map[string]any{
			"echo":      decodeArguments(call.Arguments),
			"server_id": server.ServerID,
		}), nil
	default:
		return Result{}, fmt.Errorf("%w: %s (%s)", ErrUnsupportedTransport, server.Transport, server.ServerID)
	}
}

func (a *RemoteAdapter) executeHTTP(ctx context.Context, server *models.ToolServer, callID string, call models.ToolCall) Result {
	timeout := defaultServerTimeout
	if server.TimeoutSeconds > 0 {
		timeout = time.Duration(server.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(map[string]any{
		"tool_name": call.Name,
		"arguments": decodeArguments(call.Arguments),
		"server_id": server.ServerID,
	})
	if err != nil {
		return failure(callID, call, fmt.Errorf("encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return failure(callID, call, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Warn(ctx, "remote tool call failed",
			"server_id", server.ServerID, "tool", call.Name, "error", err.Error())
		return failure(callID, call, fmt.Errorf("call %s: %w", server.ServerID, err))
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxRemoteBodyLen))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return failure(callID, call, fmt.Errorf("server %s returned %d: %s",
			server.ServerID, resp.StatusCode, string(body)))
	}

	// Pass structured responses through; anything else is wrapped as text.
	var value any
	if err := json.Unmarshal(body, &value); err != nil {
		value = string(body)
	}
	return success(callID, call, value)
}
