package providers

import (
	"context"
	"fmt"
	"strings"
)

// Summarizer condenses text blocks with a single chat call.
type Summarizer struct {
	Provider  LLMProvider
	Model     string
	MaxTokens int
}

func (s *Summarizer) Summarize(ctx context.Context, blocks []string, instruction string) (string, error) {
	if s == nil || s.Provider == nil {
		return "", fmt.Errorf("summarizer provider not configured")
	}
	var b strings.Builder
	b.WriteString(strings.TrimSpace(instruction))
	b.WriteString("\n\nINPUT (oldest first):\n")
	for i, block := range blocks {
		if i > 0 {
			b.WriteString("\n---\n")
		}
		b.WriteString(block)
	}
	b.WriteString("\n\nReturn only the summary.")

	maxTokens := s.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1200
	}
	resp, err := s.Provider.Chat(ctx, []Message{{Role: "user", Content: b.String()}}, nil, s.Model, map[string]interface{}{
		"max_tokens":  maxTokens,
		"temperature": 0.2,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

const describePrompt = `Describe this attachment for someone who cannot see it, in at most three sentences.
Transcribe any readable text verbatim. Mention people, objects, setting and mood. Do not speculate about identities.`

// Describer describes image attachments with a vision-capable model.
// Non-image content types are reported by name only.
type Describer struct {
	Provider LLMProvider
	Model    string
}

func (d *Describer) Describe(ctx context.Context, url, contentType string) (string, error) {
	if d == nil || d.Provider == nil {
		return "", fmt.Errorf("describer provider not configured")
	}
	if strings.TrimSpace(url) == "" {
		return "", fmt.Errorf("attachment url is required")
	}
	if ct := strings.ToLower(strings.TrimSpace(contentType)); ct != "" && !strings.HasPrefix(ct, "image/") {
		return fmt.Sprintf("%s file (not previewed)", ct), nil
	}
	resp, err := d.Provider.Chat(ctx, []Message{{
		Role:  "user",
		Parts: []ContentPart{TextPart(describePrompt), ImagePart(url)},
	}}, nil, d.Model, map[string]interface{}{
		"max_tokens":  300,
		"temperature": 0.2,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}
