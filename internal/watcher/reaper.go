package watcher

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/blackwell-systems/agentwatch/internal/metrics"
	"github.com/blackwell-systems/agentwatch/internal/state"
)

// ReaperConfig holds the reaper's thresholds. Agents are pruned quickly and
// empty projects slowly, so a restarting session keeps its project.
type ReaperConfig struct {
	Interval          time.Duration
	AgentStaleAfter   time.Duration
	BlockedStaleAfter time.Duration // used instead of AgentStaleAfter for blocked agents
	ProjectStaleAfter time.Duration
}

// SweepResult counts what one sweep changed.
type SweepResult struct {
	Touched  []state.ProjectID
	Stale    int // agents removed for inactivity
	Dead     int // agents whose process exited
	Projects int // empty projects removed
}

// Sweep removes stale agents and projects from s and demotes agents whose
// process has exited. alive may be nil to skip the process check. It must
// run on the store's single writer.
func Sweep(s *state.Store, cfg ReaperConfig, alive func(pid int) bool) SweepResult {
	now := s.Now()
	var res SweepResult

	for _, p := range s.Projects() {
		changed := false
		for _, a := range p.Agents {
			limit := cfg.AgentStaleAfter
			if a.Status == state.StatusBlocked && cfg.BlockedStaleAfter > 0 {
				limit = cfg.BlockedStaleAfter
			}
			if limit > 0 && now.Sub(a.LastActivityAt) > limit {
				if s.RemoveAgent(p.ID, a.ID) {
					res.Stale++
					changed = true
				}
				continue
			}

			if a.PID <= 0 || alive == nil || alive(a.PID) {
				continue
			}
			switch {
			case a.Kind == state.KindBackground:
				if s.RemoveAgent(p.ID, a.ID) {
					res.Dead++
					changed = true
				}
			case a.Status != state.StatusIdle:
				s.UpsertAgent(p.ID, a.ID, state.AgentFields{Status: state.Ptr(state.StatusIdle)})
				res.Dead++
				changed = true
			}
		}

		current, ok := s.Project(p.ID)
		if ok && len(current.Agents) == 0 && cfg.ProjectStaleAfter > 0 &&
			now.Sub(current.LastActivityAt) > cfg.ProjectStaleAfter {
			if s.RemoveProject(p.ID) {
				res.Projects++
			}
			continue
		}
		if changed {
			res.Touched = append(res.Touched, p.ID)
		}
	}
	return res
}

// Reaper runs Sweep on a fixed interval.
type Reaper struct {
	cfg     ReaperConfig
	applier Applier
	alive   func(int) bool
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithReaperLogger sets the reaper's logger.
func WithReaperLogger(logger zerolog.Logger) ReaperOption {
	return func(r *Reaper) {
		r.logger = logger.With().Str("component", "reaper").Logger()
	}
}

// WithReaperMetrics records reaped counts.
func WithReaperMetrics(m *metrics.Metrics) ReaperOption {
	return func(r *Reaper) { r.metrics = m }
}

// WithProcessCheck replaces ProcessExists. nil disables the check.
func WithProcessCheck(alive func(pid int) bool) ReaperOption {
	return func(r *Reaper) { r.alive = alive }
}

// NewReaper creates a Reaper submitting to applier.
func NewReaper(cfg ReaperConfig, applier Applier, opts ...ReaperOption) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	r := &Reaper{
		cfg:     cfg,
		applier: applier,
		alive:   ProcessExists,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run sweeps at every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick performs one sweep.
func (r *Reaper) Tick(ctx context.Context) {
	var res SweepResult
	err := r.applier.Apply(ctx, "reaper", func(s *state.Store) []state.ProjectID {
		res = Sweep(s, r.cfg, r.alive)
		return res.Touched
	})
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn().Err(err).Msg("sweep failed")
		}
		return
	}

	r.metrics.RecordReaped("stale", res.Stale)
	r.metrics.RecordReaped("dead_process", res.Dead)
	r.metrics.RecordProjectsReaped(res.Projects)
	if res.Stale+res.Dead+res.Projects > 0 {
		r.logger.Info().
			Int("stale", res.Stale).
			Int("dead", res.Dead).
			Int("projects", res.Projects).
			Msg("reaped")
	}
}
