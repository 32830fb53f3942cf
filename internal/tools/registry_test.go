package tools

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/haasonsaas/maestro/pkg/models"
)

func builtinRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	if err := RegisterBuiltins(r); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	return r
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := builtinRegistry(t)
	err := r.Register(Definition{
		Name:     "echo",
		Executor: func(context.Context, map[string]any) (any, error) { return nil, nil },
	})
	if !errors.Is(err, ErrDuplicateTool) {
		t.Fatalf("want ErrDuplicateTool, got %v", err)
	}
}

func TestExecuteCallUnknownTool(t *testing.T) {
	r := builtinRegistry(t)
	_, err := r.ExecuteCall(context.Background(), models.ToolCall{ID: "c1", Name: "nope"})
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("want ErrUnknownTool, got %v", err)
	}
}

func TestExecuteCallGeneratesMissingID(t *testing.T) {
	r := builtinRegistry(t)
	result, err := r.ExecuteCall(context.Background(), models.ToolCall{
		Name:      "echo",
		Arguments: `{"text":"hi"}`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.ToolCallID == "" {
		t.Error("missing call id was not generated")
	}
	if !result.OK {
		t.Errorf("echo failed: %s", result.Content)
	}
}

func TestExecuteCallPreservesMalformedArguments(t *testing.T) {
	r := builtinRegistry(t)
	result, err := r.ExecuteCall(context.Background(), models.ToolCall{
		ID:        "c1",
		Name:      "echo",
		Arguments: "not json at all",
	})
	if err != nil {
		t.Fatal(err)
	}
	// Malformed payloads are wrapped as {"raw": text}, never dropped.
	if !result.OK {
		t.Errorf("envelope: %s", result.Content)
	}
}

func TestExecuteCallValidatesSchema(t *testing.T) {
	r := builtinRegistry(t)
	// calculate requires a string expression.
	result, err := r.ExecuteCall(context.Background(), models.ToolCall{
		ID:        "c1",
		Name:      "calculate",
		Arguments: `{"expression": 42}`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.OK {
		t.Fatalf("schema violation accepted: %s", result.Content)
	}
	var envelope map[string]any
	if err := json.Unmarshal([]byte(result.Content), &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope["ok"] != false {
		t.Errorf("envelope = %v", envelope)
	}
}

func TestCalculateExpressions(t *testing.T) {
	cases := []struct {
		expr string
		want float64
	}{
		{"2+2", 4},
		{"2 + 3 * 4", 14},
		{"(2 + 3) * 4", 20},
		{"10 / 4", 2.5},
		{"10 // 4", 2},
		{"10 % 3", 1},
		{"2 ** 10", 1024},
		{"2 ** 3 ** 2", 512}, // right-associative
		{"-3 + 5", 2},
		{"-(2 + 3)", -5},
		{"-2 ** 2", -4}, // negation binds weaker than **
		{"7 // 2 + 1.5", 4.5},
	}
	for _, tc := range cases {
		got, err := evalExpression(tc.expr)
		if err != nil {
			t.Errorf("%q: %v", tc.expr, err)
			continue
		}
		if math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("%q = %v, want %v", tc.expr, got, tc.want)
		}
	}
}

func TestCalculateRejectsBadInput(t *testing.T) {
	for _, expr := range []string{"", "1 +", "(1 + 2", "1 / 0", "10 // 0", "x + 1", "1 ; 2"} {
		if _, err := evalExpression(expr); err == nil {
			t.Errorf("%q: expected error", expr)
		}
	}
}

func TestCalculateToolEnvelope(t *testing.T) {
	r := builtinRegistry(t)
	result, err := r.ExecuteCall(context.Background(), models.ToolCall{
		ID:        "c1",
		Name:      "calculate",
		Arguments: `{"expression": "6 * 7"}`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !result.OK {
		t.Fatalf("envelope: %s", result.Content)
	}
	if !strings.Contains(result.Content, `"result":42`) {
		t.Errorf("content = %s", result.Content)
	}

	// Division by zero is an executor error, not a crash.
	result, err = r.ExecuteCall(context.Background(), models.ToolCall{
		ID:        "c2",
		Name:      "calculate",
		Arguments: `{"expression": "1 / 0"}`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.OK || !strings.Contains(result.Content, "division by zero") {
		t.Errorf("content = %s", result.Content)
	}
}

func TestCurrentTimeTool(t *testing.T) {
	r := builtinRegistry(t)
	result, err := r.ExecuteCall(context.Background(), models.ToolCall{
		ID:        "c1",
		Name:      "get_current_time",
		Arguments: `{"timezone": "UTC"}`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !result.OK {
		t.Fatalf("envelope: %s", result.Content)
	}

	result, err = r.ExecuteCall(context.Background(), models.ToolCall{
		ID:        "c2",
		Name:      "get_current_time",
		Arguments: `{"timezone": "Not/AZone"}`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.OK {
		t.Errorf("bad timezone accepted: %s", result.Content)
	}
}

func TestDefinitionsSortedByName(t *testing.T) {
	r := builtinRegistry(t)
	defs := r.Definitions()
	if len(defs) != 3 {
		t.Fatalf("defs = %d", len(defs))
	}
	for i := 1; i < len(defs); i++ {
		if defs[i-1].Name >= defs[i].Name {
			t.Errorf("not sorted: %s before %s", defs[i-1].Name, defs[i].Name)
		}
	}
}
