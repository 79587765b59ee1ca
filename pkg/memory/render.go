package memory

import (
	"fmt"
	"strings"
)

const replyPreviewRunes = 160

// RenderAuthor formats an author as "Name (@handle) [bot] [premium] [locale]".
func RenderAuthor(u UserProfile) string {
	var b strings.Builder
	name := u.DisplayName()
	b.WriteString(name)
	if u.Username != "" && u.Username != name {
		b.WriteString(" (@")
		b.WriteString(u.Username)
		b.WriteString(")")
	}
	if u.Bot {
		b.WriteString(" [bot]")
	}
	if u.Premium {
		b.WriteString(" [premium]")
	}
	if u.Locale != "" {
		b.WriteString(" [")
		b.WriteString(u.Locale)
		b.WriteString("]")
	}
	return b.String()
}

// RenderMessage formats one message for prompts and rollup input. label is
// prepended in brackets when non-empty.
func RenderMessage(v MessageView, label string) string {
	var b strings.Builder
	if label != "" {
		b.WriteString("[")
		b.WriteString(label)
		b.WriteString("] ")
	}
	b.WriteString(RenderAuthor(v.Author))
	if v.Kind != "" && v.Kind != ContentText {
		b.WriteString(" <")
		b.WriteString(string(v.Kind))
		b.WriteString(">")
	}
	if v.EditCount > 0 {
		fmt.Fprintf(&b, " (edited %dx)", v.EditCount)
	}
	b.WriteString(":")

	if v.ReplyTo != nil {
		b.WriteString("\n  > reply to ")
		if v.ReplyTo.Found {
			b.WriteString(v.ReplyTo.Author.DisplayName())
			b.WriteString(": ")
			b.WriteString(preview(v.ReplyTo.Text, v.ReplyTo.Kind))
		} else {
			b.WriteString("an earlier message")
		}
	}
	if v.Forward != nil {
		b.WriteString("\n  > forwarded")
		if v.Forward.ChatID != "" {
			b.WriteString(" from chat ")
			b.WriteString(v.Forward.ChatID)
		}
	}
	if text := strings.TrimSpace(v.TextOrEmpty()); text != "" {
		b.WriteString("\n  ")
		b.WriteString(strings.ReplaceAll(text, "\n", "\n  "))
	}
	if dc := strings.TrimSpace(v.DerivedContext); dc != "" {
		b.WriteString("\n  [attachment: ")
		b.WriteString(dc)
		b.WriteString("]")
	}
	if r := renderReactions(v.Reactions); r != "" {
		b.WriteString("\n  reactions: ")
		b.WriteString(r)
	}
	return b.String()
}

// renderReactions groups reaction authors by key in first-seen order.
func renderReactions(reactions []ReactionView) string {
	if len(reactions) == 0 {
		return ""
	}
	order := []string{}
	byKey := map[string][]string{}
	for _, r := range reactions {
		if _, ok := byKey[r.Key]; !ok {
			order = append(order, r.Key)
		}
		byKey[r.Key] = append(byKey[r.Key], r.Author.DisplayName())
	}
	parts := make([]string, 0, len(order))
	for _, key := range order {
		display := key
		if idx := strings.LastIndex(key, ":"); idx > 0 && isCustomEmojiKey(key) {
			display = ":" + key[:idx] + ":"
		}
		parts = append(parts, display+" "+strings.Join(byKey[key], ", "))
	}
	return strings.Join(parts, "; ")
}

func preview(text string, kind ContentKind) string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		if kind != "" && kind != ContentText {
			return "<" + string(kind) + ">"
		}
		return "<no text>"
	}
	runes := []rune(text)
	if len(runes) > replyPreviewRunes {
		return string(runes[:replyPreviewRunes]) + "..."
	}
	return text
}
