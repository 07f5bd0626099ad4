// Package app contains the Cobra command tree for agentwatch.
package app

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/blackwell-systems/agentwatch/internal/config"
	"github.com/blackwell-systems/agentwatch/internal/output"
)

var appVersion = "dev"

// SetVersion sets the application version (called from main with ldflags value).
func SetVersion(v string) {
	appVersion = v
	rootCmd.Version = v
}

var (
	flagNoColor bool
	flagJSON    bool
	flagVerbose bool
	flagConfig  string
)

var rootCmd = &cobra.Command{
	Use:   "agentwatch",
	Short: "Live status for multi-agent coding sessions",
	Long: `agentwatch tracks long-running AI coding agents across projects and
answers one question continuously: is each project idle, working, or waiting
on a human?

It merges push events from an instrumentation hook with transcripts
discovered on disk, and serves the result over HTTP and WebSocket.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		output.SetNoColor(flagNoColor || !isatty.IsTerminal(os.Stdout.Fd()))
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("agentwatch", appVersion)
		fmt.Println()
		fmt.Println("Use a subcommand:")
		fmt.Println("  serve     Run the reconciliation server")
		fmt.Println("  status    Show live project status from a running server")
		fmt.Println("  scan      Discover sessions from transcripts once and print them")
		fmt.Println("  history   List archived completed work")
		return nil
	},
}

// loadConfig loads the configuration named by --config and applies its
// output preferences.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if !cfg.Output.Color {
		output.SetNoColor(true)
	}
	return cfg, nil
}

// Execute is the entry point called from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file path (default: ~/.config/agentwatch/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&flagNoColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "Output as JSON")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "Enable verbose output")
}
