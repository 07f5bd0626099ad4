package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/agentwatch/internal/config"
	"github.com/blackwell-systems/agentwatch/internal/server"
	"github.com/blackwell-systems/agentwatch/internal/state"
	"github.com/blackwell-systems/agentwatch/internal/watcher"
)

var (
	scanFlagRoots  []string
	scanFlagWindow time.Duration
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Discover sessions from transcripts once and print them",
	Long: `Scan reads recently modified transcript logs under the configured
roots, exactly as the server's poller does, and prints the projects and
agents it finds. No server is needed; push events are not included.`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().StringSliceVar(&scanFlagRoots, "root", nil, "Transcript roots to scan (replaces transcript_roots)")
	scanCmd.Flags().DurationVar(&scanFlagWindow, "window", 0, "Only read transcripts modified within this window (default: poll.recency_window)")
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if len(scanFlagRoots) > 0 {
		cfg.TranscriptRoots = scanFlagRoots
	}
	if scanFlagWindow > 0 {
		cfg.Poll.RecencyWindow = scanFlagWindow
	}

	view, err := scanOnce(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	if flagJSON {
		return renderJSON(os.Stdout, view)
	}

	now := time.Now()
	renderState(os.Stdout, "Transcript Scan", view, now)
	if flagVerbose {
		renderAgents(os.Stdout, view, now)
	}
	return nil
}

// scanOnce runs one discovery pass into a fresh store.
func scanOnce(ctx context.Context, cfg *config.Config) (server.StateView, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	poller := watcher.NewPoller(pollerConfig(cfg), nil)
	findings := poller.Scan(ctx)

	s := state.NewStore(state.WithCompletedCap(cfg.Limits.CompletedCap))
	for _, id := range watcher.Reconcile(s, findings, poller.Options()) {
		s.DeriveStatus(id)
	}
	return server.ViewOf(s.Snapshot())
}
