package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// FlexibleStringSlice accepts a JSON array mixing strings and numbers, since
// Discord IDs are often pasted into allow_from unquoted.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	out := make(FlexibleStringSlice, 0, len(items))
	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			out = append(out, s)
			continue
		}
		// Numbers keep their literal digits; float64 would round 18-digit snowflakes.
		var n json.Number
		if err := json.Unmarshal(item, &n); err != nil {
			return fmt.Errorf("allow list entry %s is neither a string nor a number", item)
		}
		out = append(out, n.String())
	}
	*f = out
	return nil
}

type Config struct {
	Agent     AgentConfig     `json:"agent"`
	Channels  ChannelsConfig  `json:"channels"`
	Providers ProvidersConfig `json:"providers"`
	Gateway   GatewayConfig   `json:"gateway"`
	Tools     ToolsConfig     `json:"tools"`
	Memory    MemoryConfig    `json:"memory"`
	Limits    LimitsConfig    `json:"limits"`
	Log       LogConfig       `json:"log"`
	mu        sync.RWMutex
}

type AgentConfig struct {
	Workspace                string  `json:"workspace" env:"DOTRECALL_AGENT_WORKSPACE"`
	Provider                 string  `json:"provider" env:"DOTRECALL_AGENT_PROVIDER"`
	Model                    string  `json:"model" env:"DOTRECALL_AGENT_MODEL"`
	DecisionModel            string  `json:"decision_model" env:"DOTRECALL_AGENT_DECISION_MODEL"`
	SummaryModel             string  `json:"summary_model" env:"DOTRECALL_AGENT_SUMMARY_MODEL"`
	VisionModel              string  `json:"vision_model" env:"DOTRECALL_AGENT_VISION_MODEL"`
	MaxTokens                int     `json:"max_tokens" env:"DOTRECALL_AGENT_MAX_TOKENS"`
	Temperature              float64 `json:"temperature" env:"DOTRECALL_AGENT_TEMPERATURE"`
	GenerationTimeoutSeconds int     `json:"generation_timeout_seconds" env:"DOTRECALL_AGENT_GENERATION_TIMEOUT_SECONDS"`
	BotName                  string  `json:"bot_name" env:"DOTRECALL_AGENT_BOT_NAME"`
	MaxConcurrentTriggers    int     `json:"max_concurrent_triggers" env:"DOTRECALL_AGENT_MAX_CONCURRENT_TRIGGERS"`
	FallbackReply            string  `json:"fallback_reply" env:"DOTRECALL_AGENT_FALLBACK_REPLY"`
}

type ChannelsConfig struct {
	Discord DiscordConfig `json:"discord"`
}

type DiscordConfig struct {
	Token             string              `json:"token" env:"DOTRECALL_CHANNELS_DISCORD_TOKEN"`
	AllowFrom         FlexibleStringSlice `json:"allow_from" env:"DOTRECALL_CHANNELS_DISCORD_ALLOW_FROM"`
	RespondToMentions bool                `json:"respond_to_mentions" env:"DOTRECALL_CHANNELS_DISCORD_RESPOND_TO_MENTIONS"`
	RespondToReplies  bool                `json:"respond_to_replies" env:"DOTRECALL_CHANNELS_DISCORD_RESPOND_TO_REPLIES"`
}

type ProvidersConfig struct {
	OpenRouter ProviderConfig       `json:"openrouter"`
	OpenAI     OpenAIProviderConfig `json:"openai"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key" env:"DOTRECALL_PROVIDERS_OPENROUTER_API_KEY"`
	APIBase string `json:"api_base" env:"DOTRECALL_PROVIDERS_OPENROUTER_API_BASE"`
	Proxy   string `json:"proxy,omitempty" env:"DOTRECALL_PROVIDERS_OPENROUTER_PROXY"`
}

type OpenAIProviderConfig struct {
	APIKey           string `json:"api_key" env:"DOTRECALL_PROVIDERS_OPENAI_API_KEY"`
	APIBase          string `json:"api_base" env:"DOTRECALL_PROVIDERS_OPENAI_API_BASE"`
	Proxy            string `json:"proxy,omitempty" env:"DOTRECALL_PROVIDERS_OPENAI_PROXY"`
	Organization     string `json:"organization,omitempty" env:"DOTRECALL_PROVIDERS_OPENAI_ORGANIZATION"`
	Project          string `json:"project,omitempty" env:"DOTRECALL_PROVIDERS_OPENAI_PROJECT"`
	OAuthAccessToken string `json:"oauth_access_token,omitempty" env:"DOTRECALL_PROVIDERS_OPENAI_OAUTH_ACCESS_TOKEN"`
	OAuthTokenFile   string `json:"oauth_token_file,omitempty" env:"DOTRECALL_PROVIDERS_OPENAI_OAUTH_TOKEN_FILE"`
}

type GatewayConfig struct {
	Host string `json:"host" env:"DOTRECALL_GATEWAY_HOST"`
	Port int    `json:"port" env:"DOTRECALL_GATEWAY_PORT"`
}

type BraveConfig struct {
	Enabled    bool   `json:"enabled" env:"DOTRECALL_TOOLS_WEB_BRAVE_ENABLED"`
	APIKey     string `json:"api_key" env:"DOTRECALL_TOOLS_WEB_BRAVE_API_KEY"`
	MaxResults int    `json:"max_results" env:"DOTRECALL_TOOLS_WEB_BRAVE_MAX_RESULTS"`
}

type DuckDuckGoConfig struct {
	Enabled    bool `json:"enabled" env:"DOTRECALL_TOOLS_WEB_DUCKDUCKGO_ENABLED"`
	MaxResults int  `json:"max_results" env:"DOTRECALL_TOOLS_WEB_DUCKDUCKGO_MAX_RESULTS"`
}

type WebToolsConfig struct {
	Brave      BraveConfig      `json:"brave"`
	DuckDuckGo DuckDuckGoConfig `json:"duckduckgo"`
}

type ToolsConfig struct {
	Web WebToolsConfig `json:"web"`
}

// MemoryConfig controls the conversation store, rollups and context assembly.
type MemoryConfig struct {
	BlockSize             int    `json:"block_size" env:"DOTRECALL_MEMORY_BLOCK_SIZE"`
	RawWindow             int    `json:"raw_window" env:"DOTRECALL_MEMORY_RAW_WINDOW"`
	RouteWindow           int    `json:"route_window" env:"DOTRECALL_MEMORY_ROUTE_WINDOW"`
	MaxBridge             int    `json:"max_bridge" env:"DOTRECALL_MEMORY_MAX_BRIDGE"`
	Workers               int    `json:"workers" env:"DOTRECALL_MEMORY_WORKERS"`
	WorkerPollMS          int    `json:"worker_poll_ms" env:"DOTRECALL_MEMORY_WORKER_POLL_MS"`
	WorkerLeaseSeconds    int    `json:"worker_lease_seconds" env:"DOTRECALL_MEMORY_WORKER_LEASE_SECONDS"`
	SweepCron             string `json:"sweep_cron" env:"DOTRECALL_MEMORY_SWEEP_CRON"`
	SummaryTimeoutSeconds int    `json:"summary_timeout_seconds" env:"DOTRECALL_MEMORY_SUMMARY_TIMEOUT_SECONDS"`
	DescribeAttachments   bool   `json:"describe_attachments" env:"DOTRECALL_MEMORY_DESCRIBE_ATTACHMENTS"`
}

type LimitsConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second" env:"DOTRECALL_LIMITS_REQUESTS_PER_SECOND"`
	Burst             int     `json:"burst" env:"DOTRECALL_LIMITS_BURST"`
}

type LogConfig struct {
	Level string `json:"level" env:"DOTRECALL_LOG_LEVEL"`
	JSON  bool   `json:"json" env:"DOTRECALL_LOG_JSON"`
}

func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Workspace:                "~/.dotrecall/workspace",
			Provider:                 "openrouter",
			Model:                    "openai/gpt-5.2",
			DecisionModel:            "openai/gpt-5-mini",
			SummaryModel:             "openai/gpt-5-mini",
			VisionModel:              "openai/gpt-5-mini",
			MaxTokens:                8192,
			Temperature:              0.7,
			GenerationTimeoutSeconds: 90,
			BotName:                  "dotrecall",
			MaxConcurrentTriggers:    4,
			FallbackReply:            "Sorry, I couldn't come up with a reply just now. Please try again.",
		},
		Channels: ChannelsConfig{
			Discord: DiscordConfig{
				AllowFrom:         FlexibleStringSlice{},
				RespondToMentions: true,
				RespondToReplies:  true,
			},
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 18790,
		},
		Tools: ToolsConfig{
			Web: WebToolsConfig{
				Brave: BraveConfig{
					MaxResults: 5,
				},
				DuckDuckGo: DuckDuckGoConfig{
					Enabled:    true,
					MaxResults: 5,
				},
			},
		},
		Memory: MemoryConfig{
			BlockSize:             200,
			RawWindow:             200,
			RouteWindow:           51,
			MaxBridge:             200,
			Workers:               2,
			WorkerPollMS:          700,
			WorkerLeaseSeconds:    120,
			SweepCron:             "*/15 * * * *",
			SummaryTimeoutSeconds: 120,
			DescribeAttachments:   true,
		},
		Limits: LimitsConfig{
			RequestsPerSecond: 2,
			Burst:             4,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig layers defaults, the JSON file (if present), .env and process env.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// .env never overrides variables already present in the environment.
	_ = godotenv.Load()

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Memory.BlockSize < 2 {
		errs = append(errs, fmt.Errorf("memory.block_size must be at least 2, got %d", c.Memory.BlockSize))
	}
	if c.Memory.RawWindow < 1 {
		errs = append(errs, fmt.Errorf("memory.raw_window must be positive, got %d", c.Memory.RawWindow))
	}
	if c.Memory.Workers < 0 {
		errs = append(errs, fmt.Errorf("memory.workers must not be negative, got %d", c.Memory.Workers))
	}
	if expr := strings.TrimSpace(c.Memory.SweepCron); expr != "" && !gronx.IsValid(expr) {
		errs = append(errs, fmt.Errorf("memory.sweep_cron is not a valid cron expression: %q", expr))
	}
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port out of range: %d", c.Gateway.Port))
	}
	return errors.Join(errs...)
}

// SaveConfig writes cfg as indented JSON, readable only by the owner since
// it holds credentials. The file is replaced atomically.
func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	data, err := json.MarshalIndent(cfg, "", "  ")
	cfg.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Agent.Workspace)
}

// DatabasePath is where the conversation store lives inside the workspace.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.WorkspacePath(), "state", "recall.db")
}

func (c *Config) GenerationTimeout() time.Duration {
	return secondsOr(c.Agent.GenerationTimeoutSeconds, 90)
}

func (c *Config) SummaryTimeout() time.Duration {
	return secondsOr(c.Memory.SummaryTimeoutSeconds, 120)
}

func secondsOr(v, fallback int) time.Duration {
	if v <= 0 {
		v = fallback
	}
	return time.Duration(v) * time.Second
}

func expandHome(path string) string {
	rest, ok := strings.CutPrefix(path, "~")
	if !ok || (rest != "" && rest[0] != '/') {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return home + rest
}
