package tools

import "context"

// Tool is a capability the router may offer to the model.
type Tool interface {
	Name() string
	Description() string
	// Parameters is the JSON schema of the arguments object.
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *ToolResult
}

// ClosableTool is implemented by tools that hold resources past a call.
type ClosableTool interface {
	Tool
	Close() error
}

// TurnContext identifies the conversation turn a tool call belongs to.
type TurnContext struct {
	Channel        string
	ChatID         string
	ConversationID string
	// AuthorID and MessageID refer to the message that triggered the turn.
	AuthorID  string
	MessageID string
}

// merge fills the zero fields of t from prev.
func (t TurnContext) merge(prev TurnContext) TurnContext {
	for _, f := range []struct{ dst, src *string }{
		{&t.Channel, &prev.Channel},
		{&t.ChatID, &prev.ChatID},
		{&t.ConversationID, &prev.ConversationID},
		{&t.AuthorID, &prev.AuthorID},
		{&t.MessageID, &prev.MessageID},
	} {
		if *f.dst == "" {
			*f.dst = *f.src
		}
	}
	return t
}

type turnContextKey struct{}

// WithTurn annotates ctx with turn. Fields left empty keep the values of a
// turn already carried by ctx.
func WithTurn(ctx context.Context, turn TurnContext) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if prev, ok := TurnFromContext(ctx); ok {
		turn = turn.merge(prev)
	}
	return context.WithValue(ctx, turnContextKey{}, turn)
}

func TurnFromContext(ctx context.Context) (TurnContext, bool) {
	if ctx == nil {
		return TurnContext{}, false
	}
	turn, ok := ctx.Value(turnContextKey{}).(TurnContext)
	return turn, ok
}
