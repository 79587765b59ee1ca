package main

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"
)

func executeCLI() error {
	return buildRootCommand(true).Execute()
}

// buildRootCommand assembles a fresh command tree. Flags bind to values owned
// by this tree, so separate trees never share state.
func buildRootCommand(includeDocsCommand bool) *cobra.Command {
	opts := &globalOptions{}
	var showVersion bool

	root := &cobra.Command{
		Use:   appName,
		Short: "Group chat companion with long-term conversation memory",
		Long: strings.TrimSpace(`dotrecall records every message of a conversation, condenses old history
into leveled summaries, keeps pinned facts, and answers when it is addressed.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion(cmd.OutOrStdout())
				return nil
			}
			_ = cmd.Help()
			return errors.New("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Config file (default $DOTRECALL_CONFIG or ~/.dotrecall/config.json)")
	root.PersistentFlags().BoolVarP(&opts.debug, "debug", "d", false, "Enable debug logging")

	root.AddCommand(
		onboardCommand(opts),
		agentCommand(opts),
		gatewayCommand(opts),
		rollupCommand(opts),
		memoriesCommand(opts),
		statusCommand(opts),
		versionCommand(),
	)
	if includeDocsCommand {
		root.AddCommand(newDocsCommand(func() *cobra.Command { return buildRootCommand(false) }))
	}
	return root
}

func onboardCommand(opts *globalOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:     "onboard",
		Short:   "Write the default config and workspace",
		Long:    "Create the default configuration, the workspace and an AGENT.md guidelines file.",
		Example: "  dotrecall onboard --force",
		RunE: func(cmd *cobra.Command, args []string) error {
			return onboard(cmd.OutOrStdout(), opts, force)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing config")
	return cmd
}

func agentCommand(opts *globalOptions) *cobra.Command {
	var message, chatID string
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Chat with the bot locally",
		Long:  "Send a one-shot message or start a local conversation without Discord. Every line is recorded like a group message.",
		Example: `  dotrecall agent
  dotrecall agent --chat kitchen
  dotrecall agent -m "remember that lunch is on Fridays"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return agentCmd(cmd.OutOrStdout(), opts, strings.TrimSpace(message), strings.TrimSpace(chatID))
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "One-shot message to send")
	cmd.Flags().StringVarP(&chatID, "chat", "c", "direct", "Local conversation id")
	return cmd
}

func gatewayCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "gateway",
		Short:   "Run the Discord gateway and health server",
		Long:    "Start the Discord adapter, the rollup workers, the router and the health/metrics server.",
		Example: "  dotrecall gateway -d",
		RunE: func(cmd *cobra.Command, args []string) error {
			return gatewayCmd(cmd.OutOrStdout(), opts)
		},
	}
}

func rollupCommand(opts *globalOptions) *cobra.Command {
	var conversation string
	cmd := &cobra.Command{
		Use:   "rollup",
		Short: "Summarize complete blocks now",
		Long:  "Run the rollup engine in the foreground for one conversation, or for every stored conversation when --conversation is omitted.",
		Example: `  dotrecall rollup
  dotrecall rollup --conversation discord:123456789`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rollupCmd(cmd.OutOrStdout(), opts, strings.TrimSpace(conversation))
		},
	}
	cmd.Flags().StringVar(&conversation, "conversation", "", "Conversation id (<channel>:<chat id>)")
	return cmd
}

func memoriesCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memories",
		Short: "List and delete pinned facts",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:     "list <conversation>",
			Short:   "List pinned facts of a conversation",
			Args:    cobra.ExactArgs(1),
			Example: "  dotrecall memories list discord:123456789",
			RunE: func(cmd *cobra.Command, args []string) error {
				return memoriesListCmd(cmd.OutOrStdout(), opts, args[0])
			},
		},
		&cobra.Command{
			Use:     "delete <id>",
			Aliases: []string{"rm"},
			Short:   "Delete a pinned fact",
			Args:    cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return memoriesDeleteCmd(cmd.OutOrStdout(), opts, args[0])
			},
		},
	)
	return cmd
}

func statusCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration, provider and gateway readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			return statusCmd(cmd.OutOrStdout(), opts)
		},
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show build/version metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
}
