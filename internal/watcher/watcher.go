// Package watcher discovers agent sessions from transcript logs on disk and
// prunes agents that have gone quiet.
//
// The Poller and the Reaper never write to the store directly. Each tick
// builds one mutation and submits it to the store's single writer.
package watcher

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/blackwell-systems/agentwatch/internal/claude"
	"github.com/blackwell-systems/agentwatch/internal/metrics"
	"github.com/blackwell-systems/agentwatch/internal/state"
)

// Applier runs a mutation on the store's single writer.
type Applier interface {
	Apply(ctx context.Context, producer string, fn state.Mutation) error
}

// Config controls discovery.
type Config struct {
	Roots          []string      // transcript roots, one directory per project
	Interval       time.Duration // time between ticks
	RecencyWindow  time.Duration // ignore files modified longer ago
	ActiveWindow   time.Duration // files modified this recently count as working
	ArchiveMarkers []string
	Limits         claude.ReadLimits
	Concurrency    int // parallel transcript reads

	// New agents are not created from files older than these, so the
	// reaper does not have to remove them again.
	AgentStaleAfter   time.Duration
	BlockedStaleAfter time.Duration
}

// Finding is one parsed transcript.
type Finding struct {
	File claude.TranscriptFile
	Info claude.TranscriptInfo
}

// Poller periodically reconciles transcript files into the store.
type Poller struct {
	cfg     Config
	applier Applier
	kick    chan struct{}
	now     func() time.Time
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithLogger sets the poller's logger.
func WithLogger(logger zerolog.Logger) PollerOption {
	return func(p *Poller) {
		p.logger = logger.With().Str("component", "poller").Logger()
	}
}

// WithMetrics records poll durations and parse results.
func WithMetrics(m *metrics.Metrics) PollerOption {
	return func(p *Poller) { p.metrics = m }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) PollerOption {
	return func(p *Poller) { p.now = now }
}

// NewPoller creates a Poller submitting to applier.
func NewPoller(cfg Config, applier Applier, opts ...PollerOption) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.ArchiveMarkers == nil {
		cfg.ArchiveMarkers = claude.DefaultArchiveMarkers
	}
	p := &Poller{
		cfg:     cfg,
		applier: applier,
		kick:    make(chan struct{}, 1),
		now:     time.Now,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run ticks immediately, then at every interval or kick, until ctx is
// cancelled. Ticks that outrun the interval are coalesced by the ticker.
func (p *Poller) Run(ctx context.Context) error {
	p.Tick(ctx)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Tick(ctx)
		case <-p.kick:
			p.Tick(ctx)
		}
	}
}

// Kick requests an early tick. Kicks made while one is pending are merged.
func (p *Poller) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Tick performs a single discovery cycle: scan, then reconcile in one
// mutation.
func (p *Poller) Tick(ctx context.Context) {
	start := time.Now()
	defer func() { p.metrics.ObservePoll(time.Since(start).Seconds()) }()

	findings := p.Scan(ctx)
	opts := p.Options()
	err := p.applier.Apply(ctx, "poller", func(s *state.Store) []state.ProjectID {
		return Reconcile(s, findings, opts)
	})
	if err != nil && ctx.Err() == nil {
		p.logger.Warn().Err(err).Msg("reconcile failed")
	}
}

// Options returns the thresholds the poller reconciles with.
func (p *Poller) Options() ReconcileOptions {
	return ReconcileOptions{
		ActiveWindow:      p.cfg.ActiveWindow,
		RecencyWindow:     p.cfg.RecencyWindow,
		AgentStaleAfter:   p.cfg.AgentStaleAfter,
		BlockedStaleAfter: p.cfg.BlockedStaleAfter,
	}
}

// Scan lists recently modified transcripts under every root and parses
// them. Unreadable roots and files are skipped until the next tick.
func (p *Poller) Scan(ctx context.Context) []Finding {
	since := time.Time{}
	if p.cfg.RecencyWindow > 0 {
		since = p.now().Add(-p.cfg.RecencyWindow)
	}

	var files []claude.TranscriptFile
	for _, root := range p.cfg.Roots {
		found, err := claude.ListTranscripts(root, since, p.cfg.ArchiveMarkers)
		if err != nil {
			p.logger.Warn().Err(err).Str("root", root).Msg("listing transcripts")
			continue
		}
		files = append(files, found...)
	}

	results := make([]*Finding, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for i, f := range files {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			info, err := claude.ReadTranscript(f.Path, p.cfg.Limits)
			if err != nil {
				p.metrics.RecordParse("error")
				p.logger.Debug().Err(err).Str("path", f.Path).Msg("reading transcript")
				return nil
			}
			p.metrics.RecordParse("ok")
			results[i] = &Finding{File: f.WithSession(info), Info: info}
			return nil
		})
	}
	_ = g.Wait()

	findings := make([]Finding, 0, len(results))
	for _, r := range results {
		if r != nil {
			findings = append(findings, *r)
		}
	}
	SortFindings(findings)
	return findings
}

// SortFindings orders primary transcripts before subagent transcripts so
// parents exist before their children are attached.
func SortFindings(findings []Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i].File, findings[j].File
		if a.Subagent() != b.Subagent() {
			return !a.Subagent()
		}
		return a.Path < b.Path
	})
}
