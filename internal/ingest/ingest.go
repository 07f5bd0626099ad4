package ingest

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/blackwell-systems/agentwatch/internal/metrics"
	"github.com/blackwell-systems/agentwatch/internal/state"
)

// Applier runs a mutation on the single store writer.
type Applier interface {
	Apply(ctx context.Context, producer string, fn state.Mutation) error
}

// Result describes what applying one event did.
type Result struct {
	Touched   []state.ProjectID
	Applied   bool
	Reason    string // why an event was ignored
	Completed *state.CompletedWorkItem
}

func applied(id state.ProjectID) Result {
	return Result{Touched: []state.ProjectID{id}, Applied: true}
}

func ignored(reason string) Result {
	return Result{Reason: reason}
}

// Apply maps ev to store mutations. It must run on the store's single
// writer. Events naming unknown agents are ignored, except session-start
// and agent-spawn which create them.
func Apply(s *state.Store, ev Event) Result {
	switch e := ev.(type) {
	case SessionStart:
		return applySessionStart(s, e)
	case SessionEnd:
		return applySessionEnd(s, e)
	case AgentSpawn:
		return applyAgentSpawn(s, e)
	case AgentBlocked:
		return applyAgentBlocked(s, e)
	case AgentUnblocked:
		return applyAgentUnblocked(s, e)
	case AgentComplete:
		return applyAgentComplete(s, e)
	case Activity:
		return applyActivity(s, e)
	default:
		return ignored("unsupported event")
	}
}

func applySessionStart(s *state.Store, e SessionStart) Result {
	pid, ok := s.UpsertProject(e.ProjectPath, e.ProjectName)
	if !ok {
		return ignored("unresolvable project path")
	}
	now := s.Now()
	fields := state.AgentFields{
		Kind:           state.Ptr(state.KindPrimary),
		Status:         state.Ptr(state.StatusWorking),
		Source:         state.Ptr(state.SourceHook),
		LastActivityAt: &now,
		PushedAt:       state.Ptr(pushedAt(e.Header, now)),
		Modes:          e.Modes,
	}
	if e.AgentName != "" {
		fields.Name = state.Ptr(e.AgentName)
	}
	if e.Task != "" {
		fields.Task = state.Ptr(e.Task)
	}
	if e.PID > 0 {
		fields.PID = state.Ptr(e.PID)
	}
	s.UpsertAgent(pid, e.AgentID, fields)
	return applied(pid)
}

func applySessionEnd(s *state.Store, e SessionEnd) Result {
	pid, ok := locate(s, e.Header)
	if !ok {
		return ignored("unknown agent")
	}
	if p, ok := s.Project(pid); ok {
		for _, a := range p.Agents {
			if a.ParentID == e.AgentID && a.Kind != state.KindPrimary {
				s.RemoveAgent(pid, a.ID)
			}
		}
	}
	s.RemoveAgent(pid, e.AgentID)
	return applied(pid)
}

func applyAgentSpawn(s *state.Store, e AgentSpawn) Result {
	pid, ok := s.UpsertProject(e.ProjectPath, e.ProjectName)
	if !ok {
		return ignored("unresolvable project path")
	}

	kind, status := state.KindDelegated, state.StatusWorking
	if isBackground(e.AgentType) {
		kind, status = state.KindBackground, state.StatusServerRunning
	}
	name := e.AgentName
	if name == "" {
		name = e.AgentType
	}

	now := s.Now()
	fields := state.AgentFields{
		Kind:           &kind,
		Status:         &status,
		Source:         state.Ptr(state.SourceHook),
		LastActivityAt: &now,
		PushedAt:       state.Ptr(pushedAt(e.Header, now)),
	}
	if name != "" {
		fields.Name = &name
	}
	if e.ParentID != "" && e.ParentID != e.AgentID {
		fields.ParentID = state.Ptr(e.ParentID)
	}
	if e.Task != "" {
		fields.Task = state.Ptr(e.Task)
	}
	if e.PID > 0 {
		fields.PID = state.Ptr(e.PID)
	}
	s.UpsertAgent(pid, e.AgentID, fields)
	return applied(pid)
}

func applyAgentBlocked(s *state.Store, e AgentBlocked) Result {
	pid, ok := locate(s, e.Header)
	if !ok {
		return ignored("unknown agent")
	}
	now := s.Now()
	s.UpsertAgent(pid, e.AgentID, state.AgentFields{
		Status:         state.Ptr(state.StatusBlocked),
		Question:       state.Ptr(e.Question),
		BlockSource:    state.Ptr(state.BlockPush),
		LastActivityAt: &now,
		PushedAt:       state.Ptr(pushedAt(e.Header, now)),
	})
	return applied(pid)
}

func applyAgentUnblocked(s *state.Store, e AgentUnblocked) Result {
	pid, ok := locate(s, e.Header)
	if !ok {
		return ignored("unknown agent")
	}
	now := s.Now()
	s.UpsertAgent(pid, e.AgentID, state.AgentFields{
		Status:         state.Ptr(state.StatusWorking),
		LastActivityAt: &now,
		PushedAt:       state.Ptr(pushedAt(e.Header, now)),
	})
	return applied(pid)
}

func applyAgentComplete(s *state.Store, e AgentComplete) Result {
	pid, ok := locate(s, e.Header)
	if !ok {
		return ignored("unknown agent")
	}
	item, ok := s.RecordCompletion(pid, e.AgentID)
	if !ok {
		return ignored("unknown agent")
	}
	res := applied(pid)
	res.Completed = &item
	return res
}

func applyActivity(s *state.Store, e Activity) Result {
	pid, ok := locate(s, e.Header)
	if !ok {
		return ignored("unknown agent")
	}
	now := s.Now()
	fields := state.AgentFields{LastActivityAt: &now, Modes: e.Modes}
	if e.Text != "" {
		fields.Activity = state.Ptr(e.Text)
	}
	s.UpsertAgent(pid, e.AgentID, fields)
	return applied(pid)
}

// pushedAt is when the hook observed the event: its timestamp when one was
// sent, otherwise now. Timestamps ahead of the store clock are clamped.
func pushedAt(h Header, now time.Time) time.Time {
	if h.Timestamp.IsZero() || h.Timestamp.After(now) {
		return now
	}
	return h.Timestamp
}

// locate finds the project holding the event's agent, preferring the
// project at the event's path.
func locate(s *state.Store, h Header) (state.ProjectID, bool) {
	if pid, ok := s.ProjectByPath(h.ProjectPath); ok {
		if _, ok := s.Agent(pid, h.AgentID); ok {
			return pid, true
		}
	}
	return s.FindAgent(h.AgentID)
}

// isBackground reports whether an agentType names a long-running process
// rather than a delegated agent.
func isBackground(agentType string) bool {
	t := strings.ToLower(strings.TrimSpace(agentType))
	return strings.HasPrefix(t, "background") || t == "bash"
}

// Ingestor applies push events through the engine.
type Ingestor struct {
	applier    Applier
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	onComplete func(state.CompletedWorkItem)
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithLogger sets the ingestor's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(in *Ingestor) {
		in.logger = logger.With().Str("component", "ingest").Logger()
	}
}

// WithMetrics records event counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(in *Ingestor) { in.metrics = m }
}

// WithCompletionSink is called, outside the store writer, for every agent
// that completes.
func WithCompletionSink(fn func(state.CompletedWorkItem)) Option {
	return func(in *Ingestor) { in.onComplete = fn }
}

// New creates an Ingestor.
func New(applier Applier, opts ...Option) *Ingestor {
	in := &Ingestor{applier: applier, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Ingest applies ev and waits for the mutation to run. Events that do not
// match live state are not errors; the returned Result says what happened.
func (in *Ingestor) Ingest(ctx context.Context, ev Event) (Result, error) {
	h := ev.Meta()
	var res Result
	err := in.applier.Apply(ctx, "ingest", func(s *state.Store) []state.ProjectID {
		res = Apply(s, ev)
		return res.Touched
	})
	if err != nil {
		in.metrics.RecordEvent(string(h.Kind), "error")
		return Result{}, err
	}

	if !res.Applied {
		in.metrics.RecordEvent(string(h.Kind), "ignored")
		in.logger.Debug().
			Str("type", h.RawType).
			Str("agent", h.AgentID).
			Str("project_path", h.ProjectPath).
			Str("reason", res.Reason).
			Msg("event ignored")
		return res, nil
	}

	in.metrics.RecordEvent(string(h.Kind), "applied")
	in.logger.Debug().Str("type", h.RawType).Str("agent", h.AgentID).Msg("event applied")
	if res.Completed != nil && in.onComplete != nil {
		in.onComplete(*res.Completed)
	}
	return res, nil
}
