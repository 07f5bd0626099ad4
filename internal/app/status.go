package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/agentwatch/internal/server"
)

var (
	statusAddr   string
	statusFollow bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show live project status from a running server",
	Long: `Status asks a running 'agentwatch serve' for its current state and
prints which projects are blocked, working or idle, with every question an
agent is waiting on.

Examples:
  agentwatch status               # one-shot table
  agentwatch status --follow      # redraw on every change
  agentwatch status --json        # raw state payload`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "Server address (default: listen_addr from config)")
	statusCmd.Flags().BoolVarP(&statusFollow, "follow", "f", false, "Stream updates until interrupted")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	addr := statusAddr
	if addr == "" {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		addr = cfg.ListenAddr
	}

	client, err := server.NewClient(addr)
	if err != nil {
		return err
	}

	if statusFollow {
		ctx, stop := signalContext()
		defer stop()
		return client.Watch(ctx, func(view server.StateView) error {
			if !flagJSON {
				// Clear the screen between frames.
				fmt.Print("\x1b[H\x1b[2J")
			}
			return printStatus(view)
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	view, err := client.State(ctx)
	if err != nil {
		return fmt.Errorf("is 'agentwatch serve' running at %s? %w", addr, err)
	}
	return printStatus(view)
}

func printStatus(view server.StateView) error {
	if flagJSON {
		return renderJSON(os.Stdout, view)
	}
	now := time.Now()
	renderState(os.Stdout, "Live Status", view, now)
	if flagVerbose {
		renderAgents(os.Stdout, view, now)
	}
	return nil
}
