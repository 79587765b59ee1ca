package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/dotsetgreg/dotrecall/pkg/bus"
	"github.com/dotsetgreg/dotrecall/pkg/config"
	"github.com/dotsetgreg/dotrecall/pkg/logger"
	"github.com/dotsetgreg/dotrecall/pkg/memory"
	"github.com/dotsetgreg/dotrecall/pkg/providers"
)

// Set through -ldflags at release time.
var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const appName = "dotrecall"

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func formatVersion() string {
	if gitCommit == "" {
		return version
	}
	return fmt.Sprintf("%s (git: %s)", version, gitCommit)
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n", appName, formatVersion())
	if buildTime != "" {
		fmt.Fprintf(w, "  Build: %s\n", buildTime)
	}
	goVer := goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	fmt.Fprintf(w, "  Go: %s\n", goVer)
}

// globalOptions carries the root persistent flags to every subcommand.
type globalOptions struct {
	configPath string
	debug      bool
}

// path resolves the config file: --config, then DOTRECALL_CONFIG, then
// ~/.dotrecall/config.json.
func (o *globalOptions) path() string {
	if p := strings.TrimSpace(o.configPath); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv("DOTRECALL_CONFIG")); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".dotrecall", "config.json")
}

// load reads the config and configures logging from it.
func (o *globalOptions) load() (*config.Config, error) {
	cfg, err := config.LoadConfig(o.path())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger.Configure(cfg.Log.Level, cfg.Log.JSON)
	if o.debug {
		logger.SetLevel(logger.DEBUG)
	}
	return cfg, nil
}

func (o *globalOptions) validate(cfg *config.Config, requireDiscord bool) error {
	if err := providers.ValidateProviderConfig(cfg); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	if requireDiscord && strings.TrimSpace(cfg.Channels.Discord.Token) == "" {
		return fmt.Errorf("configuration error: channels.discord.token is required in %s or DOTRECALL_CHANNELS_DISCORD_TOKEN", o.path())
	}
	return nil
}

// services bundles what every runtime command needs. Passive services never
// start background workers, so one-shot commands exit promptly.
type services struct {
	cfg      *config.Config
	provider providers.LLMProvider
	memory   *memory.Service
	bus      *bus.MessageBus
}

func newServices(cfg *config.Config, passive bool) (*services, error) {
	provider, err := providers.CreateProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("create provider: %w", err)
	}
	provider = providers.NewRateLimitedProvider(provider, cfg.Limits.RequestsPerSecond, cfg.Limits.Burst)

	memCfg := storeConfig(cfg)
	memCfg.MaxBridge = cfg.Memory.MaxBridge
	memCfg.Workers = cfg.Memory.Workers
	memCfg.WorkerPoll = time.Duration(cfg.Memory.WorkerPollMS) * time.Millisecond
	memCfg.WorkerLease = time.Duration(cfg.Memory.WorkerLeaseSeconds) * time.Second
	memCfg.SummaryTimeout = cfg.SummaryTimeout()
	memCfg.DescribeTimeout = cfg.GenerationTimeout()
	memCfg.SweepCron = cfg.Memory.SweepCron
	memCfg.DisableWorkers = passive

	mem, err := memory.NewService(memCfg,
		&providers.Summarizer{Provider: provider, Model: cfg.Agent.SummaryModel},
		&providers.Describer{Provider: provider, Model: cfg.Agent.VisionModel},
	)
	if err != nil {
		return nil, fmt.Errorf("open conversation store: %w", err)
	}
	return &services{cfg: cfg, provider: provider, memory: mem, bus: bus.NewMessageBus()}, nil
}

// storeConfig is the part of memory.Config needed to read and edit the store.
func storeConfig(cfg *config.Config) memory.Config {
	return memory.Config{
		Workspace:      cfg.WorkspacePath(),
		DBPath:         cfg.DatabasePath(),
		BlockSize:      cfg.Memory.BlockSize,
		RawWindow:      cfg.Memory.RawWindow,
		DisableWorkers: true,
	}
}

func (s *services) Close() {
	s.bus.Close()
	if err := s.memory.Close(); err != nil {
		logger.WarnCF("main", "Closing conversation store failed", map[string]interface{}{"error": err.Error()})
	}
	logger.Sync()
}
