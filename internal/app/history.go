package app

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/agentwatch/internal/output"
	"github.com/blackwell-systems/agentwatch/internal/store"
)

var (
	historyFlagProject string
	historyFlagSince   time.Duration
	historyFlagLimit   int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List archived completed work",
	Long: `History lists agents that reported completion while 'agentwatch serve'
was running, newest first. The live view only keeps the most recent few;
the archive keeps everything within reaper.archive_retention.`,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyFlagProject, "project", "", "Filter by project name or id")
	historyCmd.Flags().DurationVar(&historyFlagSince, "since", 0, "Only show work completed within this duration (e.g. 24h)")
	historyCmd.Flags().IntVar(&historyFlagLimit, "limit", 50, "Maximum rows to show (0 for all)")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer func() { _ = db.Close() }()

	filter := store.Filter{Project: historyFlagProject, Limit: historyFlagLimit}
	if historyFlagSince > 0 {
		filter.Since = time.Now().Add(-historyFlagSince)
	}
	items, err := db.ListCompletedWork(filter)
	if err != nil {
		return err
	}

	if flagJSON {
		if items == nil {
			items = []store.CompletedWork{}
		}
		return renderJSON(os.Stdout, items)
	}
	renderHistory(items, time.Now())
	return nil
}

func renderHistory(items []store.CompletedWork, now time.Time) {
	fmt.Println(output.Section("Completed Work"))
	fmt.Println()
	if len(items) == 0 {
		fmt.Println(output.StyleMuted.Render(" Nothing archived yet."))
		return
	}

	tbl := output.NewTable("Completed", "Project", "Agent", "Task")
	for _, it := range items {
		tbl.AddRow(
			output.Ago(it.CompletedAt, now),
			it.ProjectName,
			it.AgentName,
			output.Truncate(it.Task, 70),
		)
	}
	tbl.Print()
}
