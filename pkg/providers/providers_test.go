package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/dotsetgreg/dotrecall/pkg/config"
)

const okCompletion = `{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`

// capturedRequest is what a fake completions endpoint saw.
type capturedRequest struct {
	header http.Header
	path   string
	body   map[string]interface{}
}

type fakeCompletions struct {
	*httptest.Server
	mu   sync.Mutex
	last capturedRequest
}

func newFakeCompletions(t *testing.T, reply string) *fakeCompletions {
	t.Helper()
	f := &fakeCompletions{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		f.mu.Lock()
		f.last = capturedRequest{header: r.Header.Clone(), path: r.URL.Path, body: body}
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeCompletions) seen() capturedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func writeTokenFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write token file: %v", err)
	}
	return path
}

func chatOnce(t *testing.T, cfg *config.Config) *LLMResponse {
	t.Helper()
	provider, err := CreateProvider(cfg)
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	resp, err := provider.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil, "", nil)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	return resp
}

func TestCreateProvider_DefaultsToOpenRouter(t *testing.T) {
	srv := newFakeCompletions(t, okCompletion)

	cfg := config.DefaultConfig()
	cfg.Agent.Provider = ""
	cfg.Providers.OpenRouter.APIKey = "or-key"
	cfg.Providers.OpenRouter.APIBase = srv.URL

	if resp := chatOnce(t, cfg); resp.Content != "ok" {
		t.Fatalf("content = %q, want ok", resp.Content)
	}
	got := srv.seen()
	if got.path != "/chat/completions" {
		t.Fatalf("path = %q", got.path)
	}
	if got.body["model"] != defaultOpenRouterModel {
		t.Fatalf("model = %v, want backend default %q", got.body["model"], defaultOpenRouterModel)
	}
	for header, want := range map[string]string{"Authorization": "Bearer or-key", "X-Title": openRouterAppTitle} {
		if v := got.header.Get(header); v != want {
			t.Fatalf("%s = %q, want %q", header, v, want)
		}
	}
}

func TestCreateProvider_OpenAIToolCallRoundTrip(t *testing.T) {
	srv := newFakeCompletions(t, `{
		"choices": [{
			"message": {
				"content": null,
				"tool_calls": [{"id": "call_1", "type": "function",
					"function": {"name": "remember", "arguments": "{\"text\":\"likes tea\"}"}}]
			},
			"finish_reason": "tool_calls"
		}],
		"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
	}`)

	cfg := config.DefaultConfig()
	cfg.Agent.Provider = ProviderOpenAI
	cfg.Providers.OpenAI.APIKey = "sk-openai"
	cfg.Providers.OpenAI.APIBase = srv.URL
	cfg.Providers.OpenAI.Organization = "org_123"
	cfg.Providers.OpenAI.Project = "proj_456"

	provider, err := CreateProvider(cfg)
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	tools := []ToolDefinition{{Type: "function", Function: ToolFunctionDefinition{
		Name:       "remember",
		Parameters: map[string]interface{}{"type": "object"},
	}}}
	resp, err := provider.Chat(context.Background(), []Message{{Role: "user", Content: "remember I like tea"}}, tools, "gpt-5",
		map[string]interface{}{"max_tokens": 128, "temperature": 0.3})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}

	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "remember" || resp.ToolCalls[0].Arguments["text"] != "likes tea" {
		t.Fatalf("unexpected tool calls %+v", resp.ToolCalls)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 15 {
		t.Fatalf("usage not decoded: %+v", resp.Usage)
	}

	got := srv.seen()
	checks := map[string]interface{}{
		"model":       "gpt-5",
		"tool_choice": "auto",
		"max_tokens":  float64(128),
		"temperature": 0.3,
	}
	for key, want := range checks {
		if got.body[key] != want {
			t.Fatalf("request %s = %v, want %v", key, got.body[key], want)
		}
	}
	for header, want := range map[string]string{
		"Authorization":       "Bearer sk-openai",
		"OpenAI-Organization": "org_123",
		"OpenAI-Project":      "proj_456",
	} {
		if v := got.header.Get(header); v != want {
			t.Fatalf("%s = %q, want %q", header, v, want)
		}
	}
}

func TestCreateProvider_OpenAITokenFiles(t *testing.T) {
	cases := []struct {
		name, file, content, wantAuth string
	}{
		{"plain", "token.txt", "oauth-token-from-file", "Bearer oauth-token-from-file"},
		{"nested json", "auth.json", `{"tokens":{"access_token":"oauth-token-from-json"}}`, "Bearer oauth-token-from-json"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newFakeCompletions(t, okCompletion)
			cfg := config.DefaultConfig()
			cfg.Agent.Provider = ProviderOpenAI
			cfg.Providers.OpenAI.APIBase = srv.URL
			cfg.Providers.OpenAI.OAuthTokenFile = writeTokenFile(t, tc.file, tc.content)

			chatOnce(t, cfg)
			if got := srv.seen().header.Get("Authorization"); got != tc.wantAuth {
				t.Fatalf("Authorization = %q, want %q", got, tc.wantAuth)
			}
		})
	}
}

func TestOpenAIBackend_RejectsMultipleCredentialSources(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Agent.Provider = ProviderOpenAI
	cfg.Providers.OpenAI.APIKey = "api-key"
	cfg.Providers.OpenAI.OAuthAccessToken = "oauth-inline"
	cfg.Providers.OpenAI.OAuthTokenFile = writeTokenFile(t, "token.txt", "from-file")

	cred, err := openAIBackend.resolve(cfg)
	if err == nil {
		t.Fatalf("expected multi-credential configuration error")
	}
	if cred != (credential{}) {
		t.Fatalf("expected zero credential on error, got %+v", cred)
	}
	for _, want := range []string{
		"multiple OpenAI credential sources configured",
		"providers.openai.api_key, providers.openai.oauth_access_token, providers.openai.oauth_token_file",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q should contain %q", err, want)
		}
	}
}

func TestValidateProviderConfig(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{"openrouter with key", func(c *config.Config) { c.Providers.OpenRouter.APIKey = "k" }, ""},
		{"openai without credentials", func(c *config.Config) { c.Agent.Provider = ProviderOpenAI }, "credentials are required"},
		{"missing token file", func(c *config.Config) {
			c.Agent.Provider = ProviderOpenAI
			c.Providers.OpenAI.OAuthTokenFile = filepath.Join(os.TempDir(), "dotrecall-missing", "token.json")
		}, "token file not accessible"},
		{"unknown provider", func(c *config.Config) { c.Agent.Provider = "does-not-exist" }, "does-not-exist"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tc.mutate(cfg)
			err := ValidateProviderConfig(cfg)
			switch {
			case tc.wantErr == "" && err != nil:
				t.Fatalf("unexpected error: %v", err)
			case tc.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tc.wantErr)):
				t.Fatalf("error = %v, want one containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestCreateProvider_UnsupportedProvider(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Agent.Provider = "does-not-exist"
	if _, err := CreateProvider(cfg); err == nil {
		t.Fatalf("expected unsupported provider error")
	}
}

func TestProviderCredentialStatus(t *testing.T) {
	cfg := config.DefaultConfig()
	name, configured, mode, err := ProviderCredentialStatus(cfg)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if name != ProviderOpenRouter || configured || mode != "" {
		t.Fatalf("expected unconfigured openrouter, got %s %v %q", name, configured, mode)
	}

	cfg.Providers.OpenRouter.APIKey = "or-key"
	_, configured, mode, err = ProviderCredentialStatus(cfg)
	if err != nil || !configured || mode != authModeAPIKey {
		t.Fatalf("expected configured api key, got %v %q %v", configured, mode, err)
	}

	cfg.Agent.Provider = "nope"
	if _, _, _, err := ProviderCredentialStatus(cfg); err == nil {
		t.Fatalf("expected unsupported provider error")
	}
}

func TestSupportedProviders(t *testing.T) {
	if got := strings.Join(SupportedProviders(), ","); got != "openai,openrouter" {
		t.Fatalf("SupportedProviders() = %s", got)
	}
}
