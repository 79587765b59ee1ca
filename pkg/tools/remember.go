package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dotsetgreg/dotrecall/pkg/memory"
)

const RememberToolName = "remember"

// MemoryWriter is the part of the store the remember tool writes to.
type MemoryWriter interface {
	AddMemory(ctx context.Context, m memory.Memory) (memory.Memory, error)
}

// RememberTool pins a fact to the current conversation. The fact's source is
// the message that triggered the turn.
type RememberTool struct {
	store MemoryWriter
	now   func() time.Time
}

func NewRememberTool(store MemoryWriter) *RememberTool {
	return &RememberTool{store: store, now: time.Now}
}

func (t *RememberTool) Name() string { return RememberToolName }

func (t *RememberTool) Description() string {
	return "Pin a durable fact about this conversation or its people so it is always available later. " +
		"Use it when someone explicitly asks to remember something or states a lasting preference, date or detail."
}

func (t *RememberTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"text": map[string]interface{}{
				"type":        "string",
				"description": "The fact to remember, as one self-contained sentence naming who it is about.",
			},
		},
		"required": []string{"text"},
	}
}

func (t *RememberTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	text, _ := args["text"].(string)
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrorResult("text is required")
	}
	turn, ok := TurnFromContext(ctx)
	if !ok || strings.TrimSpace(turn.ConversationID) == "" {
		return ErrorResult("remember is only available inside a conversation")
	}
	if t.store == nil {
		return ErrorResult("memory store is not configured")
	}

	saved, err := t.Remember(ctx, turn, text)
	if err != nil {
		return ErrorResult(fmt.Sprintf("could not save the fact: %v", err)).WithError(err)
	}
	return SilentResult(fmt.Sprintf("Pinned fact saved: %s", saved.Text))
}

// Remember writes the fact directly. The router uses it for route-level
// remember decisions so both paths store identical records.
func (t *RememberTool) Remember(ctx context.Context, turn TurnContext, text string) (memory.Memory, error) {
	return t.store.AddMemory(ctx, memory.Memory{
		ConversationID: turn.ConversationID,
		AuthorID:       turn.AuthorID,
		Text:           text,
		SourceNativeID: turn.MessageID,
		CreatedAt:      t.now(),
	})
}
