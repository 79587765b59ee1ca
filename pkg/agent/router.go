package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dotsetgreg/dotrecall/pkg/logger"
	"github.com/dotsetgreg/dotrecall/pkg/memory"
	"github.com/dotsetgreg/dotrecall/pkg/metrics"
	"github.com/dotsetgreg/dotrecall/pkg/providers"
	"github.com/dotsetgreg/dotrecall/pkg/tools"
)

const (
	routeRemember = "remember"
	routeRespond  = "respond"

	DefaultRouteWindow = 51
)

// Trigger is a stored message the bot has been asked to answer.
type Trigger struct {
	Channel    string
	ChatID     string
	MessageID  string
	AuthorID   string
	AuthorName string
	Content    string
}

func (t Trigger) ConversationID() string {
	return t.Channel + ":" + t.ChatID
}

func (t Trigger) turn() tools.TurnContext {
	return tools.TurnContext{
		Channel:        t.Channel,
		ChatID:         t.ChatID,
		ConversationID: t.ConversationID(),
		AuthorID:       t.AuthorID,
		MessageID:      t.MessageID,
	}
}

// Reply is the generated answer plus the side capabilities that ran.
type Reply struct {
	Text         string
	Capabilities []string
}

// ConversationMemory is the read side the router needs.
type ConversationMemory interface {
	Assemble(ctx context.Context, conversationID string, includeFullHistory bool) (memory.AssembledContext, error)
	RecentWindow(ctx context.Context, conversationID string, limit int) ([]memory.MessageView, error)
}

// FactRecorder pins a fact with the trigger as its source.
type FactRecorder interface {
	Remember(ctx context.Context, turn tools.TurnContext, text string) (memory.Memory, error)
}

type RouterOptions struct {
	Model         string
	DecisionModel string
	MaxTokens     int
	Temperature   float64
	// RouteWindow is how many recent messages the decision call sees.
	RouteWindow int
	// Timeout bounds each model call.
	Timeout time.Duration
}

// Router decides between pinning a fact and answering, then generates the
// answer with at most one extra tool round trip.
type Router struct {
	provider providers.LLMProvider
	memory   ConversationMemory
	tools    *tools.ToolRegistry
	recorder FactRecorder
	builder  *ContextBuilder
	opts     RouterOptions
}

func NewRouter(provider providers.LLMProvider, mem ConversationMemory, registry *tools.ToolRegistry, builder *ContextBuilder, opts RouterOptions) *Router {
	if opts.Model == "" && provider != nil {
		opts.Model = provider.GetDefaultModel()
	}
	if opts.DecisionModel == "" {
		opts.DecisionModel = opts.Model
	}
	if opts.RouteWindow <= 0 {
		opts.RouteWindow = DefaultRouteWindow
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 8192
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 90 * time.Second
	}
	if registry == nil {
		registry = tools.NewToolRegistry()
	}
	if builder == nil {
		builder = NewContextBuilder("", "")
	}
	r := &Router{
		provider: provider,
		memory:   mem,
		tools:    registry,
		builder:  builder,
		opts:     opts,
	}
	if tool, ok := registry.Get(tools.RememberToolName); ok {
		if rec, ok := tool.(FactRecorder); ok {
			r.recorder = rec
		}
	}
	return r
}

type routeDecision struct {
	Action          string
	Text            string
	UseFullHistory  bool
	UseWebRetrieval bool
}

// Handle runs route, optional remember, and respond for one trigger.
func (r *Router) Handle(ctx context.Context, trigger Trigger) (Reply, error) {
	if r.provider == nil {
		return Reply{}, fmt.Errorf("%w: no provider configured", ErrGenerationFailed)
	}
	conversationID := trigger.ConversationID()

	decision, err := r.route(ctx, trigger)
	if err != nil {
		metrics.GenerationFailures.WithLabelValues("decision").Inc()
		return Reply{}, fmt.Errorf("route trigger: %w: %w", ErrGenerationFailed, err)
	}
	metrics.RouteDecisions.WithLabelValues(decision.Action).Inc()
	logger.InfoCF("agent", "Route decided",
		map[string]interface{}{
			"conversation":     conversationID,
			"message_id":       trigger.MessageID,
			"action":           decision.Action,
			"full_history":     decision.UseFullHistory,
			"web_retrieval":    decision.UseWebRetrieval,
			"remembered_chars": len(decision.Text),
		})

	reply := Reply{}
	var carried []providers.Message
	if decision.Action == routeRemember {
		carried, err = r.rememberFact(ctx, trigger, decision.Text)
		if err != nil {
			metrics.GenerationFailures.WithLabelValues("remember").Inc()
			return Reply{}, fmt.Errorf("remember fact: %w: %w", ErrGenerationFailed, err)
		}
		reply.Capabilities = append(reply.Capabilities, tools.RememberToolName)
		decision.UseFullHistory = false
	}

	text, used, err := r.respond(ctx, trigger, decision, carried)
	reply.Capabilities = appendUnique(reply.Capabilities, used...)
	if err != nil {
		metrics.GenerationFailures.WithLabelValues("generation").Inc()
		return reply, fmt.Errorf("generate reply: %w: %w", ErrGenerationFailed, err)
	}
	reply.Text = text
	return reply, nil
}

func (r *Router) route(ctx context.Context, trigger Trigger) (routeDecision, error) {
	fallback := routeDecision{Action: routeRespond}

	recent, err := r.memory.RecentWindow(ctx, trigger.ConversationID(), r.opts.RouteWindow)
	if err != nil {
		return fallback, fmt.Errorf("load route window: %w", err)
	}
	messages := r.builder.BuildDecisionMessages(recent, trigger)

	callCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()
	start := time.Now()
	resp, err := r.provider.Chat(callCtx, messages, decisionTools(), r.opts.DecisionModel, map[string]interface{}{
		"max_tokens":  400,
		"temperature": 0.0,
		"tool_choice": providers.RequiredToolChoice,
	})
	metrics.ObserveSince("decision", start)
	if err != nil {
		return fallback, err
	}
	return parseDecision(resp), nil
}

// parseDecision takes the first recognizable tool call. Anything else means
// respond without extra context.
func parseDecision(resp *providers.LLMResponse) routeDecision {
	if resp == nil {
		return routeDecision{Action: routeRespond}
	}
	for _, tc := range resp.ToolCalls {
		switch tc.Name {
		case routeRemember:
			text := strings.TrimSpace(argString(tc.Arguments, "text"))
			if text == "" {
				continue
			}
			return routeDecision{Action: routeRemember, Text: text}
		case routeRespond:
			return routeDecision{
				Action:          routeRespond,
				UseFullHistory:  argBool(tc.Arguments, "use_full_history"),
				UseWebRetrieval: argBool(tc.Arguments, "use_external_retrieval"),
			}
		}
	}
	return routeDecision{Action: routeRespond}
}

// rememberFact persists the fact and returns the synthetic tool exchange that
// lets the reply acknowledge it.
func (r *Router) rememberFact(ctx context.Context, trigger Trigger, text string) ([]providers.Message, error) {
	if r.recorder == nil {
		return nil, fmt.Errorf("remember tool is not registered")
	}
	saved, err := r.recorder.Remember(ctx, trigger.turn(), text)
	if err != nil {
		return nil, err
	}
	logger.InfoCF("agent", "Pinned fact",
		map[string]interface{}{
			"conversation": trigger.ConversationID(),
			"memory_id":    saved.ID,
			"source":       saved.SourceNativeID,
		})

	args, _ := json.Marshal(map[string]string{"text": saved.Text})
	callID := "call_remember_" + trigger.MessageID
	return []providers.Message{
		{
			Role: "assistant",
			ToolCalls: []providers.ToolCall{{
				ID:       callID,
				Type:     "function",
				Function: &providers.FunctionCall{Name: tools.RememberToolName, Arguments: string(args)},
			}},
		},
		{Role: "tool", ToolCallID: callID, Content: "Pinned fact saved: " + saved.Text},
	}, nil
}

func (r *Router) respond(ctx context.Context, trigger Trigger, decision routeDecision, carried []providers.Message) (string, []string, error) {
	assembled, err := r.memory.Assemble(ctx, trigger.ConversationID(), decision.UseFullHistory)
	if err != nil {
		return "", nil, fmt.Errorf("assemble context: %w", err)
	}
	messages := append(r.builder.BuildMessages(assembled, trigger), carried...)

	// A fact pinned by the route is not offered again.
	var offered []string
	if len(carried) == 0 {
		offered = append(offered, tools.RememberToolName)
	}
	if decision.UseWebRetrieval {
		if _, ok := r.tools.Get(tools.WebSearchToolName); ok {
			offered = append(offered, tools.WebSearchToolName)
		}
	}
	var defs []providers.ToolDefinition
	if len(offered) > 0 {
		defs = r.tools.ToProviderDefs(offered...)
	}

	resp, err := r.generate(ctx, messages, defs)
	if err != nil {
		return "", nil, err
	}
	if len(resp.ToolCalls) == 0 {
		return nonEmpty(resp.Content)
	}

	logger.InfoCF("agent", "LLM requested tool calls",
		map[string]interface{}{
			"conversation": trigger.ConversationID(),
			"count":        len(resp.ToolCalls),
		})

	assistantMsg := providers.Message{Role: "assistant", Content: resp.Content}
	for _, tc := range resp.ToolCalls {
		argumentsJSON, _ := json.Marshal(tc.Arguments)
		assistantMsg.ToolCalls = append(assistantMsg.ToolCalls, providers.ToolCall{
			ID:       tc.ID,
			Type:     "function",
			Function: &providers.FunctionCall{Name: tc.Name, Arguments: string(argumentsJSON)},
		})
	}
	messages = append(messages, assistantMsg)

	var used []string
	toolCtx := tools.WithTurn(ctx, trigger.turn())
	for _, tc := range resp.ToolCalls {
		var content string
		if !slices.Contains(offered, tc.Name) {
			content = fmt.Sprintf("tool %q is not available for this reply", tc.Name)
		} else {
			result := r.tools.Execute(toolCtx, tc.Name, tc.Arguments)
			content = result.ContentForLLM()
			if !result.IsError {
				used = appendUnique(used, tc.Name)
			}
		}
		messages = append(messages, providers.Message{Role: "tool", Content: content, ToolCallID: tc.ID})
	}

	// The single permitted follow-up. No tools are offered, so the model has
	// to answer.
	followUp, err := r.generate(ctx, messages, nil)
	if err != nil {
		return "", used, err
	}
	text, _, err := nonEmpty(followUp.Content)
	return text, used, err
}

func (r *Router) generate(ctx context.Context, messages []providers.Message, defs []providers.ToolDefinition) (*providers.LLMResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	logger.DebugCF("agent", "LLM request",
		map[string]interface{}{
			"model":          r.opts.Model,
			"messages_count": len(messages),
			"tools_count":    len(defs),
			"max_tokens":     r.opts.MaxTokens,
			"temperature":    r.opts.Temperature,
		})

	start := time.Now()
	resp, err := r.provider.Chat(callCtx, messages, defs, r.opts.Model, map[string]interface{}{
		"max_tokens":  r.opts.MaxTokens,
		"temperature": r.opts.Temperature,
	})
	metrics.ObserveSince("generation", start)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("provider returned no response")
	}
	return resp, nil
}

func nonEmpty(content string) (string, []string, error) {
	text := strings.TrimSpace(content)
	if text == "" {
		return "", nil, fmt.Errorf("model returned empty output")
	}
	return text, nil, nil
}

func decisionTools() []providers.ToolDefinition {
	return []providers.ToolDefinition{
		{
			Type: "function",
			Function: providers.ToolFunctionDefinition{
				Name:        routeRemember,
				Description: "Pin a fact from the newest message so it is always available later.",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"text": map[string]interface{}{
							"type":        "string",
							"description": "The fact as one self-contained sentence.",
						},
					},
					"required": []string{"text"},
				},
			},
		},
		{
			Type: "function",
			Function: providers.ToolFunctionDefinition{
				Name:        routeRespond,
				Description: "Answer the newest message.",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"use_full_history": map[string]interface{}{
							"type":        "boolean",
							"description": "Include summaries of the whole conversation history.",
						},
						"use_external_retrieval": map[string]interface{}{
							"type":        "boolean",
							"description": "Allow a web search before answering.",
						},
					},
					"required": []string{"use_full_history", "use_external_retrieval"},
				},
			},
		},
	}
}

func argString(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return v
}

// argBool accepts JSON booleans and the string forms some models emit.
func argBool(args map[string]interface{}, key string) bool {
	switch v := args[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(strings.TrimSpace(v), "true")
	}
	return false
}

func appendUnique(values []string, extra ...string) []string {
	for _, v := range extra {
		if !slices.Contains(values, v) {
			values = append(values, v)
		}
	}
	return values
}
