package tools

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dotsetgreg/dotrecall/pkg/logger"
	"github.com/dotsetgreg/dotrecall/pkg/metrics"
	"github.com/dotsetgreg/dotrecall/pkg/providers"
)

// ToolRegistry holds the tools available to the router, keyed by name.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register adds tool, replacing any tool with the same name.
func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns the registered tool names in sorted order.
func (r *ToolRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Close closes every ClosableTool, attempting all of them.
func (r *ToolRegistry) Close() error {
	var errs []error
	for _, name := range r.List() {
		tool, _ := r.Get(name)
		if closer, ok := tool.(ClosableTool); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("tool close failures: %w", err)
	}
	return nil
}

// Execute runs the named tool. Turn metadata travels in ctx; see WithTurn.
// Unknown tools and nil results come back as error results, never nil.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args map[string]interface{}) *ToolResult {
	fields := map[string]interface{}{"tool": name, "args": redactArgs(args)}
	if turn, ok := TurnFromContext(ctx); ok {
		fields["conversation"] = turn.ConversationID
	}

	tool, ok := r.Get(name)
	if !ok {
		logger.WarnCF("tool", "Unknown tool requested", fields)
		return ErrorResult(fmt.Sprintf("tool %q not found", name)).WithError(errors.New("tool not found"))
	}

	start := time.Now()
	result := tool.Execute(ctx, args)
	metrics.ObserveSince("tool_"+name, start)
	fields["duration_ms"] = time.Since(start).Milliseconds()

	switch {
	case result == nil:
		err := fmt.Errorf("tool %q returned nil result", name)
		logger.ErrorCF("tool", "Tool returned nil result", fields)
		return ErrorResult(err.Error()).WithError(err)
	case result.IsError:
		fields["error"] = result.ForLLM
		logger.ErrorCF("tool", "Tool execution failed", fields)
	default:
		fields["result_length"] = len(result.ForLLM)
		logger.InfoCF("tool", "Tool execution completed", fields)
	}
	return result
}

// ToProviderDefs describes the tools for a chat request, sorted by name.
// When names is non-empty only those tools are included.
func (r *ToolRegistry) ToProviderDefs(names ...string) []providers.ToolDefinition {
	selected := r.List()
	if len(names) > 0 {
		selected = slices.DeleteFunc(selected, func(n string) bool { return !slices.Contains(names, n) })
	}

	defs := make([]providers.ToolDefinition, 0, len(selected))
	for _, name := range selected {
		tool, ok := r.Get(name)
		if !ok {
			continue
		}
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionDefinition{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  tool.Parameters(),
			},
		})
	}
	return defs
}

const (
	maxLoggedArgLen   = 256
	maxLoggedArgDepth = 6
)

// secretKeyHints mark argument keys whose values never reach the logs.
var secretKeyHints = []string{
	"api_key", "apikey", "auth", "bearer", "client_secret", "cookie",
	"password", "private", "secret", "session", "token",
}

// redactArgs returns a copy of args fit for logging: secrets are masked and
// long strings are shortened.
func redactArgs(args map[string]interface{}) map[string]interface{} {
	if args == nil {
		return nil
	}
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		out[k] = redactValue(k, v, 0)
	}
	return out
}

func redactValue(key string, v interface{}, depth int) interface{} {
	if depth > maxLoggedArgDepth {
		return "<omitted>"
	}
	if isSecretKey(key) {
		return "<redacted>"
	}
	switch v := v.(type) {
	case string:
		return shorten(v)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			out[k] = redactValue(k, item, depth+1)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = redactValue(key, item, depth+1)
		}
		return out
	default:
		return v
	}
}

func isSecretKey(key string) bool {
	k := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(key), "-", "_"))
	return slices.ContainsFunc(secretKeyHints, func(hint string) bool { return strings.Contains(k, hint) })
}

func shorten(s string) string {
	if len(s) <= maxLoggedArgLen {
		return s
	}
	return s[:maxLoggedArgLen] + "...(truncated)"
}
