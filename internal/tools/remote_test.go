package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/haasonsaas/maestro/internal/observability"
	"github.com/haasonsaas/maestro/pkg/models"
)

type fakeServerSource struct {
	servers []*models.ToolServer
	err     error
}

func (f *fakeServerSource) ListToolServers(context.Context, int64) ([]*models.ToolServer, error) {
	return f.servers, f.err
}

func weatherDef() models.ToolDefinition {
	return models.ToolDefinition{Name: "get_weather", Description: "Current weather."}
}

func TestRemoteExecuteHTTP(t *testing.T) {
	var captured map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"temperature": 21.5}`))
	}))
	defer ts.Close()

	adapter := NewRemoteAdapter(&fakeServerSource{servers: []*models.ToolServer{{
		ServerID:        "srv_1",
		OwnerID:         7,
		Transport:       "http",
		Endpoint:        ts.URL,
		Enabled:         true,
		ToolDefinitions: []models.ToolDefinition{weatherDef()},
	}}}, observability.NewNopLogger())

	result, err := adapter.ExecuteCall(context.Background(), 7, models.ToolCall{
		ID:        "c1",
		Name:      "get_weather",
		Arguments: `{"city": "Oslo"}`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !result.OK {
		t.Fatalf("envelope: %s", result.Content)
	}
	if !strings.Contains(result.Content, "21.5") {
		t.Errorf("content = %s", result.Content)
	}
	if captured["tool_name"] != "get_weather" || captured["server_id"] != "srv_1" {
		t.Errorf("request payload = %v", captured)
	}
}

func TestRemoteHTTPFailureIsEnvelope(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend exploded", http.StatusBadGateway)
	}))
	defer ts.Close()

	adapter := NewRemoteAdapter(&fakeServerSource{servers: []*models.ToolServer{{
		ServerID:        "srv_1",
		OwnerID:         7,
		Transport:       "http",
		Endpoint:        ts.URL,
		Enabled:         true,
		ToolDefinitions: []models.ToolDefinition{weatherDef()},
	}}}, observability.NewNopLogger())

	result, err := adapter.ExecuteCall(context.Background(), 7, models.ToolCall{ID: "c1", Name: "get_weather"})
	if err != nil {
		t.Fatal(err)
	}
	if result.OK {
		t.Fatalf("non-2xx accepted: %s", result.Content)
	}
	if !strings.Contains(result.Content, "502") {
		t.Errorf("content = %s", result.Content)
	}
}

func TestRemoteMockTransport(t *testing.T) {
	adapter := NewRemoteAdapter(&fakeServerSource{servers: []*models.ToolServer{{
		ServerID:        "srv_mock",
		OwnerID:         7,
		Transport:       "mock",
		Enabled:         true,
		ToolDefinitions: []models.ToolDefinition{weatherDef()},
	}}}, observability.NewNopLogger())

	result, err := adapter.ExecuteCall(context.Background(), 7, models.ToolCall{
		ID:        "c1",
		Name:      "get_weather",
		Arguments: `{"city": "Oslo"}`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !result.OK || !strings.Contains(result.Content, "Oslo") {
		t.Errorf("mock echo: %s", result.Content)
	}
}

func TestRemoteResolutionRules(t *testing.T) {
	owned := &models.ToolServer{
		ServerID: "srv_owned", OwnerID: 7, Transport: "mock", Enabled: true,
		ToolDefinitions: []models.ToolDefinition{weatherDef()},
	}
	shared := &models.ToolServer{
		ServerID: "srv_shared", OwnerID: 0, Transport: "mock", Enabled: true,
		ToolDefinitions: []models.ToolDefinition{weatherDef()},
	}
	adapter := NewRemoteAdapter(&fakeServerSource{servers: []*models.ToolServer{shared, owned}}, observability.NewNopLogger())

	result, err := adapter.ExecuteCall(context.Background(), 7, models.ToolCall{ID: "c1", Name: "get_weather"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(result.Content, "srv_owned") {
		t.Errorf("owner row not preferred: %s", result.Content)
	}

	if _, err := adapter.ExecuteCall(context.Background(), 7, models.ToolCall{Name: "absent"}); !errors.Is(err, ErrUnknownTool) {
		t.Errorf("unknown remote tool: %v", err)
	}
}

func TestRemoteDisabledAndUnsupported(t *testing.T) {
	disabled := &models.ToolServer{
		ServerID: "srv_off", OwnerID: 7, Transport: "http", Enabled: false,
		ToolDefinitions: []models.ToolDefinition{weatherDef()},
	}
	adapter := NewRemoteAdapter(&fakeServerSource{servers: []*models.ToolServer{disabled}}, observability.NewNopLogger())
	if _, err := adapter.ExecuteCall(context.Background(), 7, models.ToolCall{Name: "get_weather"}); err == nil {
		t.Error("disabled server accepted")
	}

	weird := &models.ToolServer{
		ServerID: "srv_grpc", OwnerID: 7, Transport: "grpc", Enabled: true,
		ToolDefinitions: []models.ToolDefinition{weatherDef()},
	}
	adapter = NewRemoteAdapter(&fakeServerSource{servers: []*models.ToolServer{weird}}, observability.NewNopLogger())
	if _, err := adapter.ExecuteCall(context.Background(), 7, models.ToolCall{Name: "get_weather"}); !errors.Is(err, ErrUnsupportedTransport) {
		t.Errorf("want ErrUnsupportedTransport, got %v", err)
	}
}

func TestRemoteDefinitionsDeduplicate(t *testing.T) {
	owned := &models.ToolServer{
		ServerID: "srv_owned", OwnerID: 7, Transport: "mock", Enabled: true,
		ToolDefinitions: []models.ToolDefinition{
			{Name: "get_weather", Description: "owner copy"},
			{Name: "search"},
		},
	}
	shared := &models.ToolServer{
		ServerID: "srv_shared", OwnerID: 0, Transport: "mock", Enabled: true,
		ToolDefinitions: []models.ToolDefinition{
			{Name: "get_weather", Description: "shared copy"},
			{Name: "translate"},
		},
	}
	adapter := NewRemoteAdapter(&fakeServerSource{servers: []*models.ToolServer{shared, owned}}, observability.NewNopLogger())

	defs, err := adapter.Definitions(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(defs) != 3 {
		t.Fatalf("defs = %d", len(defs))
	}
	for _, def := range defs {
		if def.Name == "get_weather" && def.Description != "owner copy" {
			t.Errorf("owner definition not preferred: %+v", def)
		}
	}
}
