package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dotsetgreg/dotrecall/pkg/logger"
	"github.com/dotsetgreg/dotrecall/pkg/memory"
	"github.com/dotsetgreg/dotrecall/pkg/providers"
)

// ContextBuilder turns assembled conversation memory into provider messages.
type ContextBuilder struct {
	workspace string
	botName   string
	now       func() time.Time
}

func NewContextBuilder(workspace, botName string) *ContextBuilder {
	if strings.TrimSpace(botName) == "" {
		botName = "dotrecall"
	}
	return &ContextBuilder{workspace: workspace, botName: botName, now: time.Now}
}

func (cb *ContextBuilder) getIdentity() string {
	return fmt.Sprintf(`# %s

You are %s, a member of a group conversation. People talk to you by mentioning you or replying to you.

## Current Time
%s

## Important Rules

1. **Stay in the conversation** - Answer the newest message (#1) as a participant. Do not narrate message numbers, ids or timestamps back to people.

2. **Use the history you are given** - Pinned facts always apply. Summaries describe older parts of the conversation; trust them over guesses.

3. **Remember on request** - Call the remember tool when someone asks you to keep something in mind or states a lasting fact. Confirm briefly.

4. **Context honesty** - If something is older than the history shown to you, say you do not have it rather than inventing it.`,
		cb.botName, cb.botName, cb.now().UTC().Format("2006-01-02 15:04 MST"))
}

// LoadBootstrapFiles returns the operator's AGENT.md from the workspace, if any.
func (cb *ContextBuilder) LoadBootstrapFiles() string {
	if cb.workspace == "" {
		return ""
	}
	for _, filename := range []string{"AGENT.md", "AGENTS.md"} {
		data, err := os.ReadFile(filepath.Join(cb.workspace, filename))
		if err != nil {
			continue
		}
		return fmt.Sprintf("## %s\n\n%s", filename, strings.TrimSpace(string(data)))
	}
	return ""
}

func (cb *ContextBuilder) BuildSystemPrompt() string {
	parts := []string{cb.getIdentity()}
	if bootstrap := cb.LoadBootstrapFiles(); bootstrap != "" {
		parts = append(parts, bootstrap)
	}
	return strings.Join(parts, "\n\n---\n\n")
}

// BuildMessages lays out a generation request: the system prompt, the
// assembled long-range sections, then the raw window as the user turn.
func (cb *ContextBuilder) BuildMessages(assembled memory.AssembledContext, trigger Trigger) []providers.Message {
	systemPrompt := cb.BuildSystemPrompt()
	logger.DebugCF("agent", "System prompt built",
		map[string]interface{}{
			"total_chars":   len(systemPrompt),
			"section_count": len(assembled.Sections),
			"window":        len(assembled.Window),
		})

	messages := []providers.Message{{Role: "system", Content: systemPrompt}}
	if history := assembled.Render(); history != "" {
		messages = append(messages, providers.Message{
			Role:    "system",
			Content: "# Conversation memory\n\n" + history,
		})
	}

	var b strings.Builder
	if window := assembled.WindowText(); window != "" {
		b.WriteString("Recent messages, oldest first. #1 is the newest.\n\n")
		b.WriteString(window)
		b.WriteString("\n\n")
	}
	b.WriteString(triggerLine(trigger))
	messages = append(messages, providers.Message{Role: "user", Content: b.String()})
	return messages
}

// BuildDecisionMessages lays out the routing request over the short recent
// slice. recent is newest first, as returned by the store.
func (cb *ContextBuilder) BuildDecisionMessages(recent []memory.MessageView, trigger Trigger) []providers.Message {
	lines := make([]string, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		lines = append(lines, memory.RenderMessage(recent[i], fmt.Sprintf("#%d", i+1)))
	}

	var b strings.Builder
	if len(lines) > 0 {
		b.WriteString("Recent messages, oldest first. #1 is the newest.\n\n")
		b.WriteString(strings.Join(lines, "\n"))
		b.WriteString("\n\n")
	}
	b.WriteString(triggerLine(trigger))

	return []providers.Message{
		{Role: "system", Content: fmt.Sprintf(decisionPrompt, cb.botName)},
		{Role: "user", Content: b.String()},
	}
}

func triggerLine(trigger Trigger) string {
	author := strings.TrimSpace(trigger.AuthorName)
	if author == "" {
		author = trigger.AuthorID
	}
	return fmt.Sprintf("Reply to the newest message, from %s:\n%s", author, strings.TrimSpace(trigger.Content))
}

const decisionPrompt = `You decide how %s handles the newest message in a group conversation. Call exactly one tool.

- remember: the message asks to keep a fact in mind, or states a lasting preference, date or detail worth pinning. Pass the fact as one self-contained sentence naming who it is about.
- respond: anything else. Set use_full_history when the message refers to something older than the recent messages shown. Set use_external_retrieval when answering needs current information from the web.`
