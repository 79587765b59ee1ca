package providers

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dotsetgreg/dotrecall/pkg/config"
)

const (
	ProviderOpenRouter = "openrouter"
	ProviderOpenAI     = "openai"
)

// backend describes one OpenAI-compatible endpoint family. Every backend is
// served by the same chat-completions client; they differ in where they live
// and how they authenticate.
type backend struct {
	label        string
	apiBase      string
	defaultModel string
	credentials  func(cfg *config.Config) []credential
	settings     func(cfg *config.Config) (apiBase, proxy string)
	headers      func(cfg *config.Config) map[string]string
}

var backends = map[string]backend{
	ProviderOpenRouter: openRouterBackend,
	ProviderOpenAI:     openAIBackend,
}

func SupportedProviders() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func NormalizeProviderName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ProviderOpenRouter
	}
	return name
}

func ActiveProviderName(cfg *config.Config) string {
	if cfg == nil {
		return ProviderOpenRouter
	}
	return NormalizeProviderName(cfg.Agent.Provider)
}

func lookupBackend(cfg *config.Config) (backend, string, error) {
	if cfg == nil {
		return backend{}, "", fmt.Errorf("config is required")
	}
	name := ActiveProviderName(cfg)
	b, ok := backends[name]
	if !ok {
		return backend{}, name, fmt.Errorf("unsupported provider %q: supported providers are %s", name, strings.Join(SupportedProviders(), ", "))
	}
	return b, name, nil
}

// ValidateProviderConfig reports missing or conflicting credentials for the
// active provider without building a client.
func ValidateProviderConfig(cfg *config.Config) error {
	b, _, err := lookupBackend(cfg)
	if err != nil {
		return err
	}
	_, err = b.resolve(cfg)
	return err
}

func ProviderCredentialStatus(cfg *config.Config) (provider string, configured bool, mode string, err error) {
	b, name, err := lookupBackend(cfg)
	if err != nil {
		return "", false, "", err
	}
	cred, err := b.resolve(cfg)
	if err != nil {
		return name, false, "", nil
	}
	return name, true, cred.mode, nil
}

func CreateProvider(cfg *config.Config) (LLMProvider, error) {
	b, name, err := lookupBackend(cfg)
	if err != nil {
		return nil, err
	}
	cred, err := b.resolve(cfg)
	if err != nil {
		return nil, err
	}

	apiBase, proxy := b.settings(cfg)
	if strings.TrimSpace(apiBase) == "" {
		apiBase = b.apiBase
	}
	var headers map[string]string
	if b.headers != nil {
		headers = b.headers(cfg)
	}
	return newChatCompletionsProvider(name, apiBase, b.defaultModel, proxy, cred.auth(), headers)
}
