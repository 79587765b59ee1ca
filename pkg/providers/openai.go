package providers

import (
	"strings"

	"github.com/dotsetgreg/dotrecall/pkg/config"
)

const (
	defaultOpenAIAPIBase = "https://api.openai.com/v1"
	defaultOpenAIModel   = "gpt-5-mini"
)

// openAIBackend accepts an API key, an inline OAuth access token or an OAuth
// token file, exactly one of them.
var openAIBackend = backend{
	label:        "OpenAI",
	apiBase:      defaultOpenAIAPIBase,
	defaultModel: defaultOpenAIModel,
	credentials: func(cfg *config.Config) []credential {
		p := cfg.Providers.OpenAI
		return []credential{
			{mode: authModeAPIKey, field: "providers.openai.api_key", value: p.APIKey},
			{mode: credentialOAuthToken, field: "providers.openai.oauth_access_token", value: p.OAuthAccessToken},
			{mode: credentialOAuthTokenFile, field: "providers.openai.oauth_token_file", value: p.OAuthTokenFile},
		}
	},
	settings: func(cfg *config.Config) (string, string) {
		return cfg.Providers.OpenAI.APIBase, cfg.Providers.OpenAI.Proxy
	},
	headers: func(cfg *config.Config) map[string]string {
		h := map[string]string{}
		if org := strings.TrimSpace(cfg.Providers.OpenAI.Organization); org != "" {
			h["OpenAI-Organization"] = org
		}
		if project := strings.TrimSpace(cfg.Providers.OpenAI.Project); project != "" {
			h["OpenAI-Project"] = project
		}
		return h
	},
}
