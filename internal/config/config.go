package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. AGENTWATCH_LISTEN_ADDR.
const EnvPrefix = "AGENTWATCH"

// Config is the top-level agentwatch configuration.
type Config struct {
	ListenAddr      string   `mapstructure:"listen_addr"`
	ClaudeHome      string   `mapstructure:"claude_home"`
	TranscriptRoots []string `mapstructure:"transcript_roots"`
	ArchiveMarkers  []string `mapstructure:"archive_markers"`
	DBPath          string   `mapstructure:"db_path"`
	LogLevel        string   `mapstructure:"log_level"`
	Poll            Poll     `mapstructure:"poll"`
	Reaper          Reaper   `mapstructure:"reaper"`
	Limits          Limits   `mapstructure:"limits"`
	Output          Output   `mapstructure:"output"`
}

// Poll configures transcript discovery.
type Poll struct {
	Interval      time.Duration `mapstructure:"interval"`
	RecencyWindow time.Duration `mapstructure:"recency_window"`
	ActiveWindow  time.Duration `mapstructure:"active_window"`
	Concurrency   int           `mapstructure:"concurrency"`
	Debounce      time.Duration `mapstructure:"debounce"`
	Notify        bool          `mapstructure:"notify"` // kick early polls on file writes
}

// Reaper configures stale entity removal.
type Reaper struct {
	Interval         time.Duration `mapstructure:"interval"`
	AgentStale       time.Duration `mapstructure:"agent_stale"`
	BlockedStale     time.Duration `mapstructure:"blocked_stale"`
	ProjectStale     time.Duration `mapstructure:"project_stale"`
	CheckProcesses   bool          `mapstructure:"check_processes"`
	ArchiveRetention time.Duration `mapstructure:"archive_retention"`
}

// Limits bounds the resources any single input can consume.
type Limits struct {
	HeadBytes        int64 `mapstructure:"head_bytes"`
	TailBytes        int64 `mapstructure:"tail_bytes"`
	PrefixRecords    int   `mapstructure:"prefix_records"`
	ScanLimit        int   `mapstructure:"scan_limit"`
	TaskBudget       int   `mapstructure:"task_budget"`
	MaxEventBytes    int64 `mapstructure:"max_event_bytes"`
	CompletedCap     int   `mapstructure:"completed_cap"`
	SubscriberBuffer int   `mapstructure:"subscriber_buffer"`
}

// Output defines output preferences.
type Output struct {
	Color bool `mapstructure:"color"` // false disables color even on a terminal
}

// expandPath replaces a leading ~ with the user's home directory.
func expandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
	}
	return path
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", DefaultListenAddr)
	v.SetDefault("claude_home", DefaultClaudeHome)
	v.SetDefault("transcript_roots", []string{})
	v.SetDefault("archive_markers", DefaultArchiveMarkers)
	v.SetDefault("db_path", filepath.Join(DefaultConfigDir, DefaultDBName))
	v.SetDefault("log_level", DefaultLogLevel)

	v.SetDefault("poll.interval", DefaultPoll.Interval)
	v.SetDefault("poll.recency_window", DefaultPoll.RecencyWindow)
	v.SetDefault("poll.active_window", DefaultPoll.ActiveWindow)
	v.SetDefault("poll.concurrency", DefaultPoll.Concurrency)
	v.SetDefault("poll.debounce", DefaultPoll.Debounce)
	v.SetDefault("poll.notify", DefaultPoll.Notify)

	v.SetDefault("reaper.interval", DefaultReaper.Interval)
	v.SetDefault("reaper.agent_stale", DefaultReaper.AgentStale)
	v.SetDefault("reaper.blocked_stale", DefaultReaper.BlockedStale)
	v.SetDefault("reaper.project_stale", DefaultReaper.ProjectStale)
	v.SetDefault("reaper.check_processes", DefaultReaper.CheckProcesses)
	v.SetDefault("reaper.archive_retention", DefaultReaper.ArchiveRetention)

	v.SetDefault("limits.head_bytes", DefaultLimits.HeadBytes)
	v.SetDefault("limits.tail_bytes", DefaultLimits.TailBytes)
	v.SetDefault("limits.prefix_records", DefaultLimits.PrefixRecords)
	v.SetDefault("limits.scan_limit", DefaultLimits.ScanLimit)
	v.SetDefault("limits.task_budget", DefaultLimits.TaskBudget)
	v.SetDefault("limits.max_event_bytes", DefaultLimits.MaxEventBytes)
	v.SetDefault("limits.completed_cap", DefaultLimits.CompletedCap)
	v.SetDefault("limits.subscriber_buffer", DefaultLimits.SubscriberBuffer)

	v.SetDefault("output.color", true)
}

// Load reads configuration from the given path (or the default location),
// applies AGENTWATCH_* environment overrides and returns a Config with all
// defaults applied.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(expandPath(cfgFile))
	} else {
		v.AddConfigPath(expandPath(DefaultConfigDir))
		v.SetConfigName(strings.TrimSuffix(DefaultConfigFile, filepath.Ext(DefaultConfigFile)))
		v.SetConfigType("yaml")
	}

	// A missing default config file is not an error; a missing explicit one is.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.ClaudeHome = expandPath(cfg.ClaudeHome)
	cfg.DBPath = expandPath(cfg.DBPath)
	if len(cfg.TranscriptRoots) == 0 {
		cfg.TranscriptRoots = []string{filepath.Join(cfg.ClaudeHome, DefaultProjectsDir)}
	}
	for i, p := range cfg.TranscriptRoots {
		cfg.TranscriptRoots[i] = expandPath(p)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is empty"))
	}
	if len(c.TranscriptRoots) == 0 {
		errs = append(errs, errors.New("transcript_roots is empty"))
	}
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"poll.interval", c.Poll.Interval},
		{"reaper.interval", c.Reaper.Interval},
		{"reaper.agent_stale", c.Reaper.AgentStale},
		{"reaper.blocked_stale", c.Reaper.BlockedStale},
		{"reaper.project_stale", c.Reaper.ProjectStale},
	} {
		if d.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.key))
		}
	}
	if c.Reaper.BlockedStale < c.Reaper.AgentStale {
		errs = append(errs, errors.New("reaper.blocked_stale must not be shorter than reaper.agent_stale"))
	}
	if c.Limits.MaxEventBytes <= 0 {
		errs = append(errs, errors.New("limits.max_event_bytes must be positive"))
	}
	return errors.Join(errs...)
}

// ConfigDir returns the expanded configuration directory.
func ConfigDir() string {
	return expandPath(DefaultConfigDir)
}

// PIDPath returns the serve daemon's PID file location.
func PIDPath() string {
	return filepath.Join(ConfigDir(), DefaultPIDFile)
}
