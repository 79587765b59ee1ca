package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type turnProbeTool struct{}

func (t *turnProbeTool) Name() string        { return "probe" }
func (t *turnProbeTool) Description() string { return "probe" }
func (t *turnProbeTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}
func (t *turnProbeTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	turn, _ := TurnFromContext(ctx)
	return SilentResult(turn.Channel + ":" + turn.ChatID + ":" + turn.MessageID)
}

type nilResultTool struct{ turnProbeTool }

func (t *nilResultTool) Name() string { return "nil-result" }
func (t *nilResultTool) Execute(context.Context, map[string]interface{}) *ToolResult {
	return nil
}

type closingTool struct {
	turnProbeTool
	err    error
	closed bool
}

func (t *closingTool) Name() string { return "closer" }
func (t *closingTool) Close() error {
	t.closed = true
	return t.err
}

func TestToolRegistry_ExecutePassesTurnContext(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&turnProbeTool{})

	ctx := WithTurn(context.Background(), TurnContext{Channel: "discord", ChatID: "chat-1"})
	ctx = WithTurn(ctx, TurnContext{MessageID: "m-9"})
	result := registry.Execute(ctx, "probe", map[string]interface{}{})
	if result.IsError {
		t.Fatalf("expected success, got error: %s", result.ForLLM)
	}
	if result.ForLLM != "discord:chat-1:m-9" {
		t.Fatalf("expected merged turn context, got %q", result.ForLLM)
	}
}

func TestToolRegistry_UnknownAndNilResults(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&nilResultTool{})

	if res := registry.Execute(context.Background(), "missing", nil); !res.IsError || res.Err == nil {
		t.Fatalf("expected not-found error result, got %#v", res)
	}
	res := registry.Execute(context.Background(), "nil-result", nil)
	if !res.IsError || !strings.Contains(res.ForLLM, "nil result") {
		t.Fatalf("expected nil-result error, got %#v", res)
	}
}

func TestToolRegistry_ProviderDefsAreSortedAndFiltered(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(NewRememberTool(nil))
	registry.Register(&turnProbeTool{})

	defs := registry.ToProviderDefs()
	if len(defs) != 2 || defs[0].Function.Name != "probe" || defs[1].Function.Name != RememberToolName {
		t.Fatalf("unexpected definitions: %#v", defs)
	}
	only := registry.ToProviderDefs(RememberToolName, "not-registered")
	if len(only) != 1 || only[0].Function.Name != RememberToolName {
		t.Fatalf("expected only remember, got %#v", only)
	}
	if got := registry.List(); strings.Join(got, ",") != "probe,remember" {
		t.Fatalf("unexpected list %v", got)
	}
}

func TestToolRegistry_CloseAggregatesErrors(t *testing.T) {
	registry := NewToolRegistry()
	tool := &closingTool{err: errors.New("busy")}
	registry.Register(tool)

	err := registry.Close()
	if !tool.closed {
		t.Fatalf("expected Close to be called")
	}
	if err == nil || !strings.Contains(err.Error(), "closer: busy") {
		t.Fatalf("expected aggregated close error, got %v", err)
	}
}

func TestRedactArgs_MasksSecretsAndShortensValues(t *testing.T) {
	args := map[string]interface{}{
		"api_key": "super-secret",
		"query":   "weather tomorrow",
		"nested": map[string]interface{}{
			"token": "nested-secret",
			"note":  strings.Repeat("x", 400),
		},
	}

	sanitized := redactArgs(args)
	if sanitized["api_key"] != "<redacted>" {
		t.Fatalf("expected api_key to be redacted, got %v", sanitized["api_key"])
	}
	nested, ok := sanitized["nested"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected nested map")
	}
	if nested["token"] != "<redacted>" {
		t.Fatalf("expected nested token to be redacted, got %v", nested["token"])
	}
	note, _ := nested["note"].(string)
	if len(note) >= 400 {
		t.Fatalf("expected long values to be truncated")
	}
}
