// Package config provides configuration loading and defaults for agentwatch.
package config

import (
	"time"

	"github.com/blackwell-systems/agentwatch/internal/claude"
)

// DefaultListenAddr is where the server accepts events and subscribers.
const DefaultListenAddr = "127.0.0.1:4317"

// DefaultClaudeHome is the default location of the agent's data directory.
const DefaultClaudeHome = "~/.claude"

// DefaultProjectsDir is the transcript root below claude_home, scanned when
// transcript_roots is not set.
const DefaultProjectsDir = "projects"

// DefaultConfigDir is the default location for agentwatch configuration.
const DefaultConfigDir = "~/.config/agentwatch"

// DefaultDBName is the filename for the completed work archive.
const DefaultDBName = "agentwatch.db"

// DefaultConfigFile is the filename for the YAML config.
const DefaultConfigFile = "config.yaml"

// DefaultPIDFile is the filename of the serve daemon's PID file.
const DefaultPIDFile = "serve.pid"

// DefaultPoll holds the discovery poller defaults.
var DefaultPoll = Poll{
	Interval:      5 * time.Second,
	RecencyWindow: 30 * time.Minute,
	ActiveWindow:  30 * time.Second,
	Concurrency:   4,
	Debounce:      250 * time.Millisecond,
	Notify:        true,
}

// DefaultReaper holds the stale reaper defaults.
var DefaultReaper = Reaper{
	Interval:         10 * time.Second,
	AgentStale:       5 * time.Minute,
	BlockedStale:     2 * time.Hour,
	ProjectStale:     30 * time.Minute,
	CheckProcesses:   true,
	ArchiveRetention: 30 * 24 * time.Hour,
}

// DefaultLimits bounds transcript reads, request bodies and history.
var DefaultLimits = Limits{
	HeadBytes:        64 * 1024,
	TailBytes:        512 * 1024,
	PrefixRecords:    50,
	ScanLimit:        200,
	TaskBudget:       200,
	MaxEventBytes:    64 * 1024,
	CompletedCap:     50,
	SubscriberBuffer: 16,
}

// DefaultArchiveMarkers exclude transcripts whose names carry them.
var DefaultArchiveMarkers = claude.DefaultArchiveMarkers

// DefaultLogLevel is the zerolog level used by serve.
const DefaultLogLevel = "info"
