package providers

import (
	"github.com/dotsetgreg/dotrecall/pkg/config"
)

const (
	defaultOpenRouterAPIBase = "https://openrouter.ai/api/v1"
	defaultOpenRouterModel   = "openai/gpt-5.2"
	openRouterAppTitle       = "dotrecall"
)

var openRouterBackend = backend{
	label:        "OpenRouter",
	apiBase:      defaultOpenRouterAPIBase,
	defaultModel: defaultOpenRouterModel,
	credentials: func(cfg *config.Config) []credential {
		return []credential{
			{mode: authModeAPIKey, field: "providers.openrouter.api_key", value: cfg.Providers.OpenRouter.APIKey},
		}
	},
	settings: func(cfg *config.Config) (string, string) {
		return cfg.Providers.OpenRouter.APIBase, cfg.Providers.OpenRouter.Proxy
	},
	// OpenRouter attributes traffic by this header in its dashboard.
	headers: func(*config.Config) map[string]string {
		return map[string]string{"X-Title": openRouterAppTitle}
	},
}
