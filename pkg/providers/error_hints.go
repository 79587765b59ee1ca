package providers

import "strings"

// providerHint appends guidance to an API error whose text contains any of
// the markers.
type providerHint struct {
	provider string
	markers  []string
	hint     string
}

var providerHints = []providerHint{
	{
		provider: ProviderOpenAI,
		markers:  []string{"missing scopes: model.request", "insufficient permissions for this operation"},
		hint:     "OpenAI API calls require model.request access. Check the key's project permissions or switch agent.provider to openrouter.",
	},
	{
		provider: ProviderOpenAI,
		markers:  []string{"incorrect api key provided"},
		hint:     "provider openai expects a Platform API credential in providers.openai.api_key.",
	},
	{
		provider: ProviderOpenRouter,
		markers:  []string{"no endpoints found that support tool use", "does not support tools"},
		hint:     "the routing decision needs tool calling. Pick an agent.decision_model that supports tools.",
	},
	{
		provider: ProviderOpenRouter,
		markers:  []string{"no endpoints found that support image input"},
		hint:     "attachment descriptions need a vision model. Set agent.vision_model or disable memory.describe_attachments.",
	},
}

func augmentProviderError(providerName, message string) string {
	msg := strings.TrimSpace(message)
	if msg == "" {
		return msg
	}
	name := NormalizeProviderName(providerName)
	lower := strings.ToLower(msg)
	for _, h := range providerHints {
		if h.provider != name {
			continue
		}
		for _, marker := range h.markers {
			if strings.Contains(lower, marker) {
				return msg + " Hint: " + h.hint
			}
		}
	}
	return msg
}
