package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dotsetgreg/dotrecall/pkg/config"
	"github.com/dotsetgreg/dotrecall/pkg/memory"
	"github.com/dotsetgreg/dotrecall/pkg/providers"
)

const agentTemplate = `# Conversation guidelines

Keep replies short and conversational.
Match the language of the person you are answering.
`

func onboard(out io.Writer, opts *globalOptions, force bool) error {
	path := opts.path()
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
	}

	cfg := config.DefaultConfig()
	if err := config.SaveConfig(path, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	workspace := cfg.WorkspacePath()
	if err := os.MkdirAll(filepath.Join(workspace, "state"), 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	guidelines := filepath.Join(workspace, "AGENT.md")
	if _, err := os.Stat(guidelines); errors.Is(err, fs.ErrNotExist) {
		if err := os.WriteFile(guidelines, []byte(agentTemplate), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", guidelines, err)
		}
	}

	fmt.Fprintf(out, "Wrote %s and workspace %s\n\n", path, workspace)
	fmt.Fprintln(out, "Next:")
	fmt.Fprintf(out, "  - set providers.openrouter.api_key (or another provider) in %s\n", path)
	fmt.Fprintln(out, "  - set channels.discord.token to run the gateway")
	fmt.Fprintf(out, "  - try it locally: %s agent -m \"Hello!\"\n", appName)
	return nil
}

// rollupCmd runs the rollup engine in the foreground, for one conversation
// or for every conversation in the store.
func rollupCmd(out io.Writer, opts *globalOptions, conversationID string) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	if err := opts.validate(cfg, false); err != nil {
		return err
	}
	svc, err := newServices(cfg, true)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx := context.Background()
	if conversationID == "" {
		n, err := svc.memory.SweepOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Rolled up %d conversation(s)\n", n)
		return nil
	}

	report, err := svc.memory.EnsureRollups(ctx, conversationID)
	fmt.Fprintf(out, "%s: %d summaries created, %d already present, %d failed\n",
		conversationID, report.TotalCreated(), report.Lost, report.Failed)
	return err
}

// withStore opens the conversation store without a provider for the
// duration of fn.
func withStore(opts *globalOptions, fn func(ctx context.Context, store memory.Store) error) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	mem, err := memory.NewService(storeConfig(cfg), nil, nil)
	if err != nil {
		return err
	}
	defer mem.Close()
	return fn(context.Background(), mem.Store())
}

func memoriesListCmd(out io.Writer, opts *globalOptions, conversationID string) error {
	return withStore(opts, func(ctx context.Context, store memory.Store) error {
		facts, err := store.ListMemories(ctx, conversationID)
		if err != nil {
			return err
		}
		if len(facts) == 0 {
			fmt.Fprintf(out, "No pinned facts for %s.\n", conversationID)
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tCREATED\tTEXT")
		for _, f := range facts {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", f.ID, f.CreatedAt.Format(time.RFC3339), f.Text)
		}
		return tw.Flush()
	})
}

func memoriesDeleteCmd(out io.Writer, opts *globalOptions, id string) error {
	return withStore(opts, func(ctx context.Context, store memory.Store) error {
		if err := store.DeleteMemory(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(out, "Deleted pinned fact %s\n", id)
		return nil
	})
}

func statusCmd(out io.Writer, opts *globalOptions) error {
	path := opts.path()
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return err
	}

	exists := func(p string) string {
		if _, err := os.Stat(p); err != nil {
			return "missing"
		}
		return "ok"
	}
	set := func(ok bool) string {
		if ok {
			return "ok"
		}
		return "not set"
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "%s\t%s\n", appName, formatVersion())
	fmt.Fprintf(tw, "config\t%s\t%s\n", path, exists(path))
	fmt.Fprintf(tw, "workspace\t%s\t%s\n", cfg.WorkspacePath(), exists(cfg.WorkspacePath()))
	fmt.Fprintf(tw, "database\t%s\t%s\n", cfg.DatabasePath(), exists(cfg.DatabasePath()))
	fmt.Fprintf(tw, "models\t%s\tdecisions=%s summaries=%s\n", cfg.Agent.Model, cfg.Agent.DecisionModel, cfg.Agent.SummaryModel)

	name, apiReady, mode, err := providers.ProviderCredentialStatus(cfg)
	if err != nil {
		fmt.Fprintf(tw, "provider\t%v\n", err)
	} else {
		if mode != "" {
			name += " (" + mode + ")"
		}
		fmt.Fprintf(tw, "provider\t%s\t%s\n", name, set(apiReady))
	}
	discordReady := strings.TrimSpace(cfg.Channels.Discord.Token) != ""
	fmt.Fprintf(tw, "discord token\t\t%s\n", set(discordReady))
	fmt.Fprintf(tw, "gateway ready\t\t%s\n", set(apiReady && discordReady))
	return tw.Flush()
}
