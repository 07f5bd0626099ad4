package watcher

import (
	"time"

	"github.com/blackwell-systems/agentwatch/internal/state"
)

// ReconcileOptions are the thresholds Reconcile applies.
type ReconcileOptions struct {
	ActiveWindow      time.Duration
	RecencyWindow     time.Duration
	AgentStaleAfter   time.Duration
	BlockedStaleAfter time.Duration
}

// Reconcile merges transcript findings into s and returns the projects it
// touched. It must run on the store's single writer.
//
// Push-sourced blocked state is authoritative: the poll never clears it,
// and never overwrites its question. Blocked state the poll inferred is
// cleared by the poll once the question is gone.
func Reconcile(s *state.Store, findings []Finding, opts ReconcileOptions) []state.ProjectID {
	now := s.Now()
	if opts.RecencyWindow > 0 {
		// A file last written before the removal cannot resurrect an agent,
		// and files this old are no longer listed.
		s.ForgetEnded(now.Add(-opts.RecencyWindow))
	}

	touched := make(map[state.ProjectID]bool)
	for _, f := range findings {
		if pid, ok := reconcileOne(s, f, opts, now); ok {
			touched[pid] = true
		}
	}

	out := make([]state.ProjectID, 0, len(touched))
	for pid := range touched {
		out = append(out, pid)
	}
	return out
}

func reconcileOne(s *state.Store, f Finding, opts ReconcileOptions, now time.Time) (state.ProjectID, bool) {
	agentID := f.File.AgentID
	if agentID == "" {
		return "", false
	}
	if ended, ok := s.EndedAt(agentID); ok && !f.File.ModTime.After(ended) {
		return "", false
	}

	pid, exists := s.FindAgent(agentID)
	if !exists {
		if !freshEnough(f, opts, now) {
			return "", false
		}
		var ok bool
		pid, ok = resolveProject(s, f)
		if !ok {
			return "", false
		}
	}

	var current state.Agent
	if exists {
		current, _ = s.Agent(pid, agentID)
	}
	fields := diffFields(current, exists, f, opts, now)
	if fields != nil {
		s.UpsertAgent(pid, agentID, *fields)
	}
	if !f.File.Subagent() && f.Info.LastUserMessage != "" {
		s.SetLastUserMessage(pid, f.Info.LastUserMessage)
	}
	return pid, true
}

// resolveProject finds the project a newly seen transcript belongs to. A
// subagent joins its parent's project; anything else is placed by the
// working directory the transcript declares.
func resolveProject(s *state.Store, f Finding) (state.ProjectID, bool) {
	if f.File.Subagent() {
		if pid, ok := s.FindAgent(f.File.ParentID); ok {
			return pid, true
		}
	}
	return s.UpsertProject(f.Info.WorkspacePath, "")
}

// freshEnough reports whether a transcript is recent enough to create a new
// agent from.
func freshEnough(f Finding, opts ReconcileOptions, now time.Time) bool {
	limit := opts.AgentStaleAfter
	if f.Info.PendingQuestion != "" {
		limit = opts.BlockedStaleAfter
	}
	return limit <= 0 || now.Sub(f.File.ModTime) <= limit
}

// diffFields returns the fields that differ between the agent and what the
// transcript says, or nil when nothing changed.
func diffFields(a state.Agent, exists bool, f Finding, opts ReconcileOptions, now time.Time) *state.AgentFields {
	var fields state.AgentFields
	changed := false
	set := func() { changed = true }

	if !exists {
		kind := state.KindPrimary
		if f.File.Subagent() {
			kind = state.KindDelegated
			fields.ParentID = state.Ptr(f.File.ParentID)
		}
		fields.Kind = &kind
		fields.Source = state.Ptr(state.SourceTranscript)
		a.Source = state.SourceTranscript
		set()
	}

	if f.File.Path != a.TranscriptPath {
		fields.TranscriptPath = state.Ptr(f.File.Path)
		set()
	}
	if f.File.ModTime.After(a.LastActivityAt) {
		fields.LastActivityAt = state.Ptr(f.File.ModTime)
		set()
	}
	if a.Task == "" && f.Info.FirstUserTask != "" {
		fields.Task = state.Ptr(f.Info.FirstUserTask)
		set()
	}
	if f.Info.RecentActivity != "" && f.Info.RecentActivity != a.Activity {
		fields.Activity = state.Ptr(f.Info.RecentActivity)
		set()
	}

	if st, q, ok := nextStatus(a, exists, f, opts, now); ok {
		fields.Status = &st
		if st == state.StatusBlocked {
			fields.Question = &q
			fields.BlockSource = state.Ptr(state.BlockPoll)
		}
		set()
	}

	if !changed {
		return nil
	}
	return &fields
}

// nextStatus decides the status the transcript implies. ok is false when
// the agent's status should be left alone.
func nextStatus(a state.Agent, exists bool, f Finding, opts ReconcileOptions, now time.Time) (state.Status, string, bool) {
	pushBlocked := a.Status == state.StatusBlocked && a.BlockSource != state.BlockPoll
	pollBlocked := a.Status == state.StatusBlocked && a.BlockSource == state.BlockPoll
	q := f.Info.PendingQuestion

	switch {
	case pushBlocked:
		return "", "", false
	case exists && !a.PushedAt.IsZero() && !recordedAt(f).After(a.PushedAt):
		// A push newer than anything the file holds wins over what the
		// file says.
		return "", "", false
	case q != "":
		if pollBlocked && a.Question == q {
			return "", "", false
		}
		return state.StatusBlocked, q, true
	case pollBlocked:
		return changeTo(a, state.StatusWorking)
	case f.Info.RateLimited:
		return changeTo(a, state.StatusRateLimited)
	case a.Status == state.StatusRateLimited:
		if a.Source == state.SourceTranscript {
			return changeTo(a, mtimeStatus(f, opts, now))
		}
		return changeTo(a, state.StatusWorking)
	case !exists || a.Source == state.SourceTranscript:
		if a.Status == state.StatusServerRunning {
			return "", "", false
		}
		return changeTo(a, mtimeStatus(f, opts, now))
	default:
		return "", "", false
	}
}

func changeTo(a state.Agent, st state.Status) (state.Status, string, bool) {
	if a.Status == st {
		return "", "", false
	}
	return st, "", true
}

// mtimeStatus is working when the file was written within the active
// window, otherwise idle.
func mtimeStatus(f Finding, opts ReconcileOptions, now time.Time) state.Status {
	if now.Sub(f.File.ModTime) <= opts.ActiveWindow {
		return state.StatusWorking
	}
	return state.StatusIdle
}

// recordedAt is when the transcript's newest record was written. The file
// mtime stands in when records carry no usable timestamp.
func recordedAt(f Finding) time.Time {
	ts := f.Info.LastTimestamp
	if ts.IsZero() || ts.After(f.File.ModTime) {
		return f.File.ModTime
	}
	return ts
}
