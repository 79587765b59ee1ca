package tools

// ToolResult is what a tool hands back to the model and, optionally, the user.
type ToolResult struct {
	// ForLLM is appended to the conversation as the tool message.
	ForLLM string
	// ForUser is shown on local transports; empty means nothing to show.
	ForUser string
	// Silent results are not surfaced to the user at all.
	Silent  bool
	IsError bool
	Err     error
}

func NewToolResult(forLLM string) *ToolResult {
	return &ToolResult{ForLLM: forLLM}
}

func SilentResult(forLLM string) *ToolResult {
	return &ToolResult{ForLLM: forLLM, Silent: true}
}

func UserResult(content string) *ToolResult {
	return &ToolResult{ForLLM: content, ForUser: content}
}

func ErrorResult(message string) *ToolResult {
	return &ToolResult{ForLLM: message, IsError: true}
}

// WithError attaches the underlying error for logging. It does not change
// what the model sees.
func (r *ToolResult) WithError(err error) *ToolResult {
	if r == nil {
		return nil
	}
	r.Err = err
	return r
}

// ContentForLLM falls back to the error text when the tool left ForLLM empty.
func (r *ToolResult) ContentForLLM() string {
	if r == nil {
		return ""
	}
	if r.ForLLM == "" && r.Err != nil {
		return r.Err.Error()
	}
	return r.ForLLM
}
