package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/blackwell-systems/agentwatch/internal/claude"
	"github.com/blackwell-systems/agentwatch/internal/config"
	"github.com/blackwell-systems/agentwatch/internal/engine"
	"github.com/blackwell-systems/agentwatch/internal/ingest"
	"github.com/blackwell-systems/agentwatch/internal/metrics"
	"github.com/blackwell-systems/agentwatch/internal/publish"
	"github.com/blackwell-systems/agentwatch/internal/server"
	"github.com/blackwell-systems/agentwatch/internal/state"
	"github.com/blackwell-systems/agentwatch/internal/store"
	"github.com/blackwell-systems/agentwatch/internal/watcher"
)

var (
	serveListen string
	serveDaemon bool
	serveStop   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reconciliation server",
	Long: `Serve accepts push events from the instrumentation hook, polls
transcript logs for sessions the hook missed, prunes stale agents and
streams the merged state to WebSocket subscribers.

Examples:
  agentwatch serve                         # run in foreground (ctrl-c to stop)
  agentwatch serve --listen 0.0.0.0:4317   # accept events from other hosts
  agentwatch serve --daemon                # write PID file, log to file
  agentwatch serve --stop                  # stop the background daemon`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (overrides listen_addr)")
	serveCmd.Flags().BoolVar(&serveDaemon, "daemon", false, "Run in background mode (write PID file, log to file)")
	serveCmd.Flags().BoolVar(&serveStop, "stop", false, "Stop a running background daemon")
	rootCmd.AddCommand(serveCmd)
}

// pidFilePath returns the path to the daemon PID file.
func pidFilePath() string {
	return config.PIDPath()
}

// logFilePath returns the path to the daemon log file.
func logFilePath() string {
	return filepath.Join(config.ConfigDir(), "serve.log")
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveStop {
		return stopDaemon()
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if serveListen != "" {
		cfg.ListenAddr = serveListen
	}

	var logOut io.Writer = os.Stderr
	if serveDaemon {
		cleanup, logFile, err := startDaemon()
		if err != nil {
			return err
		}
		defer cleanup()
		logOut = logFile
	}

	logger, err := newLogger(logOut, cfg.LogLevel, flagVerbose)
	if err != nil {
		return fmt.Errorf("log_level: %w", err)
	}

	ctx, stop := signalContext()
	defer stop()

	logger.Info().
		Str("version", appVersion).
		Str("listen", cfg.ListenAddr).
		Strs("roots", cfg.TranscriptRoots).
		Msg("agentwatch starting")
	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("agentwatch stopped")
		return err
	}
	logger.Info().Msg("agentwatch stopped")
	return nil
}

// serve wires every component and runs them until ctx is cancelled or one
// of them fails.
func serve(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	m := metrics.New()
	pub := publish.New(
		publish.WithBuffer(cfg.Limits.SubscriberBuffer),
		publish.WithLogger(logger),
		publish.WithMetrics(m),
	)
	defer pub.Close()

	live := state.NewStore(state.WithCompletedCap(cfg.Limits.CompletedCap))
	eng := engine.New(live, pub, engine.WithLogger(logger), engine.WithMetrics(m))

	archive, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer func() { _ = archive.Close() }()

	ing := ingest.New(eng,
		ingest.WithLogger(logger),
		ingest.WithMetrics(m),
		ingest.WithCompletionSink(func(item state.CompletedWorkItem) {
			if _, err := archive.InsertCompletedWork(item); err != nil {
				logger.Warn().Err(err).Str("agent", item.AgentID).Msg("archiving completed work")
			}
		}),
	)

	poller := watcher.NewPoller(pollerConfig(cfg), eng,
		watcher.WithLogger(logger),
		watcher.WithMetrics(m),
	)

	reaperOpts := []watcher.ReaperOption{
		watcher.WithReaperLogger(logger),
		watcher.WithReaperMetrics(m),
	}
	if !cfg.Reaper.CheckProcesses {
		reaperOpts = append(reaperOpts, watcher.WithProcessCheck(nil))
	}
	reaper := watcher.NewReaper(watcher.ReaperConfig{
		Interval:          cfg.Reaper.Interval,
		AgentStaleAfter:   cfg.Reaper.AgentStale,
		BlockedStaleAfter: cfg.Reaper.BlockedStale,
		ProjectStaleAfter: cfg.Reaper.ProjectStale,
	}, eng, reaperOpts...)

	srv := server.New(server.Config{
		ListenAddr:    cfg.ListenAddr,
		MaxEventBytes: cfg.Limits.MaxEventBytes,
	}, ing, pub, m, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return poller.Run(gctx) })
	g.Go(func() error { return reaper.Run(gctx) })
	if cfg.Poll.Notify {
		g.Go(func() error {
			n := watcher.NewNotifier(cfg.TranscriptRoots, cfg.Poll.Debounce, poller.Kick, logger)
			if err := n.Run(gctx); err != nil {
				// Polling still works without notifications.
				logger.Warn().Err(err).Msg("file notifications disabled")
			}
			return nil
		})
	}
	if cfg.Reaper.ArchiveRetention > 0 {
		g.Go(func() error {
			pruneArchive(gctx, archive, cfg.Reaper.ArchiveRetention, logger)
			return nil
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// pollerConfig maps the loaded configuration onto the discovery poller.
func pollerConfig(cfg *config.Config) watcher.Config {
	return watcher.Config{
		Roots:          cfg.TranscriptRoots,
		Interval:       cfg.Poll.Interval,
		RecencyWindow:  cfg.Poll.RecencyWindow,
		ActiveWindow:   cfg.Poll.ActiveWindow,
		ArchiveMarkers: cfg.ArchiveMarkers,
		Concurrency:    cfg.Poll.Concurrency,
		Limits: claude.ReadLimits{
			HeadBytes:     cfg.Limits.HeadBytes,
			TailBytes:     cfg.Limits.TailBytes,
			PrefixRecords: cfg.Limits.PrefixRecords,
			ScanLimit:     cfg.Limits.ScanLimit,
			TaskBudget:    cfg.Limits.TaskBudget,
		},
		AgentStaleAfter:   cfg.Reaper.AgentStale,
		BlockedStaleAfter: cfg.Reaper.BlockedStale,
	}
}

// pruneArchive drops archived work older than retention, hourly.
func pruneArchive(ctx context.Context, db *store.DB, retention time.Duration, logger zerolog.Logger) {
	prune := func() {
		n, err := db.PruneCompletedWork(time.Now().Add(-retention))
		if err != nil {
			logger.Warn().Err(err).Msg("pruning archive")
			return
		}
		if n > 0 {
			logger.Info().Int64("removed", n).Msg("pruned archive")
		}
	}

	prune()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

// startDaemon writes the PID file and opens the log file. The actual
// backgrounding should be done by the caller (nohup, &, etc.) since Go
// cannot reliably fork.
func startDaemon() (cleanup func(), logFile *os.File, err error) {
	if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating config dir: %w", err)
	}

	if pid, err := readPID(); err == nil {
		if watcher.ProcessExists(pid) {
			return nil, nil, fmt.Errorf("daemon already running (PID %d). Use --stop to stop it", pid)
		}
		// Stale PID file.
		_ = os.Remove(pidFilePath())
	}

	if err := os.WriteFile(pidFilePath(), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return nil, nil, fmt.Errorf("writing PID file: %w", err)
	}

	logFile, err = os.OpenFile(logFilePath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		_ = os.Remove(pidFilePath())
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}

	return func() {
		_ = logFile.Close()
		_ = os.Remove(pidFilePath())
	}, logFile, nil
}

// readPID reads the daemon PID from the PID file.
func readPID() (int, error) {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// signalContext is cancelled on the first shutdown signal.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), shutdownSignals...)
}
