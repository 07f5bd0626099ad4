package watcher

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackwell-systems/agentwatch/internal/claude"
	"github.com/blackwell-systems/agentwatch/internal/ingest"
	"github.com/blackwell-systems/agentwatch/internal/state"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore() (*state.Store, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return state.NewStore(state.WithClock(clock.Now)), clock
}

var testOpts = ReconcileOptions{
	ActiveWindow:      30 * time.Second,
	RecencyWindow:     10 * time.Minute,
	AgentStaleAfter:   5 * time.Minute,
	BlockedStaleAfter: 2 * time.Hour,
}

func primary(id, cwd string, mtime time.Time, info claude.TranscriptInfo) Finding {
	info.WorkspacePath = cwd
	info.SessionID = id
	return Finding{
		File: claude.TranscriptFile{Path: "/t/" + id + ".jsonl", SessionID: id, AgentID: id, ModTime: mtime},
		Info: info,
	}
}

func subagent(id, parent, cwd string, mtime time.Time, info claude.TranscriptInfo) Finding {
	info.WorkspacePath = cwd
	return Finding{
		File: claude.TranscriptFile{Path: "/t/" + parent + "/subagents/agent-" + id + ".jsonl", SessionID: parent, AgentID: id, ParentID: parent, ModTime: mtime},
		Info: info,
	}
}

func reconcile(s *state.Store, findings ...Finding) []state.ProjectID {
	touched := Reconcile(s, findings, testOpts)
	for _, id := range touched {
		s.DeriveStatus(id)
	}
	return touched
}

func mustAgent(t *testing.T, s *state.Store, id string) (state.Project, state.Agent) {
	t.Helper()
	pid, ok := s.FindAgent(id)
	require.True(t, ok, "agent %s not found", id)
	p, ok := s.Project(pid)
	require.True(t, ok)
	a, ok := p.Agent(id)
	require.True(t, ok)
	return p, a
}

func TestReconcile_DiscoversSession(t *testing.T) {
	s, clock := newTestStore()
	now := clock.Now()

	touched := reconcile(s, primary("s1", "/work/alpha", now.Add(-5*time.Second), claude.TranscriptInfo{
		FirstUserTask:   "Refactor billing",
		RecentActivity:  "Reading invoices",
		LastUserMessage: "Refactor billing",
	}))
	require.Len(t, touched, 1)

	p, a := mustAgent(t, s, "s1")
	assert.Equal(t, "/work/alpha", p.Path)
	assert.Equal(t, "alpha", p.Name)
	assert.Equal(t, state.StatusWorking, p.Status)
	assert.Equal(t, "Refactor billing", p.LastUserMessage)
	assert.Equal(t, state.KindPrimary, a.Kind)
	assert.Equal(t, state.SourceTranscript, a.Source)
	assert.Equal(t, "Refactor billing", a.Task)
	assert.Equal(t, "Reading invoices", a.Activity)
	assert.Equal(t, now.Add(-5*time.Second), a.LastActivityAt)
	assert.Equal(t, "/t/s1.jsonl", a.TranscriptPath)
}

func TestReconcile_QuietFileIsIdle(t *testing.T) {
	s, clock := newTestStore()
	reconcile(s, primary("s1", "/work/alpha", clock.Now().Add(-2*time.Minute), claude.TranscriptInfo{}))

	p, a := mustAgent(t, s, "s1")
	assert.Equal(t, state.StatusIdle, a.Status)
	assert.Equal(t, state.StatusIdle, p.Status)
}

func TestReconcile_SkipsWithoutWorkspace(t *testing.T) {
	s, clock := newTestStore()
	touched := reconcile(s, primary("s1", "", clock.Now(), claude.TranscriptInfo{FirstUserTask: "x"}))
	assert.Empty(t, touched)
	assert.Empty(t, s.Projects())
}

func TestReconcile_SkipsStaleNewFiles(t *testing.T) {
	s, clock := newTestStore()
	reconcile(s,
		primary("old", "/work/a", clock.Now().Add(-8*time.Minute), claude.TranscriptInfo{}),
		primary("waiting", "/work/b", clock.Now().Add(-8*time.Minute), claude.TranscriptInfo{PendingQuestion: "Deploy?"}),
	)
	_, ok := s.FindAgent("old")
	assert.False(t, ok)

	_, a := mustAgent(t, s, "waiting")
	assert.Equal(t, state.StatusBlocked, a.Status)
}

func TestReconcile_TwoTranscriptsOneProject(t *testing.T) {
	s, clock := newTestStore()
	reconcile(s,
		primary("s1", "/work/alpha", clock.Now(), claude.TranscriptInfo{}),
		primary("s2", "/work/alpha/", clock.Now(), claude.TranscriptInfo{}),
	)
	ps := s.Projects()
	require.Len(t, ps, 1)
	require.Len(t, ps[0].Agents, 2)
	for _, a := range ps[0].Agents {
		assert.Equal(t, state.KindPrimary, a.Kind)
	}
}

func TestReconcile_PromotesPendingQuestion(t *testing.T) {
	s, clock := newTestStore()
	reconcile(s, primary("s1", "/work/alpha", clock.Now(), claude.TranscriptInfo{}))

	clock.Advance(5 * time.Second)
	reconcile(s, primary("s1", "/work/alpha", clock.Now(), claude.TranscriptInfo{
		PendingQuestion: "Should I keep the legacy invoice format?",
	}))

	p, a := mustAgent(t, s, "s1")
	assert.Equal(t, state.StatusBlocked, a.Status)
	assert.Equal(t, "Should I keep the legacy invoice format?", a.Question)
	assert.Equal(t, state.BlockPoll, a.BlockSource)
	assert.Equal(t, state.StatusBlocked, p.Status)
	assert.Equal(t, clock.Now(), p.BlockedSince)
}

func TestReconcile_DemotesPollBlocked(t *testing.T) {
	s, clock := newTestStore()
	reconcile(s, primary("s1", "/work/alpha", clock.Now(), claude.TranscriptInfo{PendingQuestion: "Proceed?"}))

	clock.Advance(5 * time.Second)
	reconcile(s, primary("s1", "/work/alpha", clock.Now(), claude.TranscriptInfo{}))

	p, a := mustAgent(t, s, "s1")
	assert.Equal(t, state.StatusWorking, a.Status)
	assert.Empty(t, a.Question)
	assert.Equal(t, state.StatusWorking, p.Status)
	assert.True(t, p.BlockedSince.IsZero())
}

func TestReconcile_UpdatesPollQuestion(t *testing.T) {
	s, clock := newTestStore()
	reconcile(s, primary("s1", "/work/alpha", clock.Now(), claude.TranscriptInfo{PendingQuestion: "First?"}))
	since, _ := s.Project(mustProjectID(t, s, "s1"))

	clock.Advance(5 * time.Second)
	reconcile(s, primary("s1", "/work/alpha", clock.Now(), claude.TranscriptInfo{PendingQuestion: "Second?"}))

	p, a := mustAgent(t, s, "s1")
	assert.Equal(t, "Second?", a.Question)
	assert.Equal(t, since.BlockedSince, p.BlockedSince, "still blocked, so blockedSince is not moved")
}

// Regression: a poll that runs after the blocking tool call reaches the
// hook but before it is visible in the transcript must not demote the
// push-blocked agent.
func TestReconcile_PushBlockedNotDemoted(t *testing.T) {
	s, clock := newTestStore()
	pid, _ := s.UpsertProject("/work/alpha", "")
	s.UpsertAgent(pid, "s1", state.AgentFields{
		Status: state.Ptr(state.StatusWorking),
		Source: state.Ptr(state.SourceHook),
	})
	s.UpsertAgent(pid, "s1", state.AgentFields{
		Status:      state.Ptr(state.StatusBlocked),
		Question:    state.Ptr("Proceed?"),
		BlockSource: state.Ptr(state.BlockPush),
	})
	s.DeriveStatus(pid)
	before, _ := s.Project(pid)

	clock.Advance(time.Second)
	reconcile(s, primary("s1", "/work/alpha", clock.Now(), claude.TranscriptInfo{}))

	p, a := mustAgent(t, s, "s1")
	assert.Equal(t, state.StatusBlocked, a.Status)
	assert.Equal(t, "Proceed?", a.Question)
	assert.Equal(t, state.BlockPush, a.BlockSource)
	assert.Equal(t, state.StatusBlocked, p.Status)
	assert.Equal(t, before.BlockedSince, p.BlockedSince)

	// A different question in the transcript does not replace the pushed one.
	clock.Advance(time.Second)
	reconcile(s, primary("s1", "/work/alpha", clock.Now(), claude.TranscriptInfo{PendingQuestion: "Something else?"}))
	_, a = mustAgent(t, s, "s1")
	assert.Equal(t, "Proceed?", a.Question)
	assert.Equal(t, state.BlockPush, a.BlockSource)
}

func TestReconcile_NewerPushUnblockWins(t *testing.T) {
	s, clock := newTestStore()
	written := clock.Now()

	clock.Advance(2 * time.Second)
	pid, _ := s.UpsertProject("/work/alpha", "")
	now := clock.Now()
	s.UpsertAgent(pid, "s1", state.AgentFields{
		Status:         state.Ptr(state.StatusWorking),
		Source:         state.Ptr(state.SourceHook),
		LastActivityAt: &now,
		PushedAt:       &now,
	})

	// The transcript still shows the question answered after it was written.
	reconcile(s, primary("s1", "/work/alpha", written, claude.TranscriptInfo{PendingQuestion: "Proceed?"}))
	_, a := mustAgent(t, s, "s1")
	assert.Equal(t, state.StatusWorking, a.Status)

	// A question written after the push is picked up.
	clock.Advance(time.Second)
	reconcile(s, primary("s1", "/work/alpha", clock.Now(), claude.TranscriptInfo{PendingQuestion: "Also this?"}))
	_, a = mustAgent(t, s, "s1")
	assert.Equal(t, state.StatusBlocked, a.Status)
	assert.Equal(t, "Also this?", a.Question)
}

// pushEvent decodes and applies one hook event the way the ingestor does.
func pushEvent(t *testing.T, s *state.Store, data string) {
	t.Helper()
	ev, err := ingest.Decode([]byte(data))
	require.NoError(t, err)
	res := ingest.Apply(s, ev)
	require.True(t, res.Applied, res.Reason)
	for _, id := range res.Touched {
		s.DeriveStatus(id)
	}
}

func TestReconcile_PushUnblockSticksForDiscoveredAgent(t *testing.T) {
	s, clock := newTestStore()
	written := clock.Now()
	asked := primary("s1", "/work/alpha", written, claude.TranscriptInfo{PendingQuestion: "Proceed?"})

	reconcile(s, asked)
	_, a := mustAgent(t, s, "s1")
	require.Equal(t, state.StatusBlocked, a.Status)
	require.Equal(t, state.SourceTranscript, a.Source)

	clock.Advance(2 * time.Second)
	pushEvent(t, s, `{"type":"agent-unblocked","sessionId":"s1","projectPath":"/work/alpha"}`)

	clock.Advance(3 * time.Second)
	reconcile(s, asked)

	p, a := mustAgent(t, s, "s1")
	assert.Equal(t, state.StatusWorking, a.Status)
	assert.Empty(t, a.Question)
	assert.Equal(t, state.StatusWorking, p.Status)
	assert.True(t, p.BlockedSince.IsZero())

	// A new question written after the push blocks again.
	clock.Advance(time.Second)
	reconcile(s, primary("s1", "/work/alpha", clock.Now(), claude.TranscriptInfo{PendingQuestion: "And now?"}))
	_, a = mustAgent(t, s, "s1")
	assert.Equal(t, state.StatusBlocked, a.Status)
	assert.Equal(t, "And now?", a.Question)
}

// agent-unblocked on an idle agent sets working without changing its
// transcript source, so only the push time keeps the file from idling it.
func TestReconcile_PushWorkingNotIdledByOldFile(t *testing.T) {
	s, clock := newTestStore()
	written := clock.Now()
	quiet := primary("s1", "/work/alpha", written, claude.TranscriptInfo{})

	reconcile(s, quiet)
	clock.Advance(time.Minute)
	reconcile(s, quiet)
	_, a := mustAgent(t, s, "s1")
	require.Equal(t, state.StatusIdle, a.Status)

	pushEvent(t, s, `{"type":"agent-unblocked","sessionId":"s1","projectPath":"/work/alpha"}`)
	clock.Advance(time.Minute)
	reconcile(s, quiet)

	_, a = mustAgent(t, s, "s1")
	assert.Equal(t, state.SourceTranscript, a.Source)
	assert.Equal(t, state.StatusWorking, a.Status)
}

func TestReconcile_EventTimestampOrdersPush(t *testing.T) {
	s, clock := newTestStore()
	start := clock.Now()
	reconcile(s, primary("s1", "/work/alpha", start, claude.TranscriptInfo{PendingQuestion: "Proceed?"}))

	// The unblock was observed at start+1s but delivered late. The file
	// gained a new question at start+5s, so the file is newer.
	clock.Advance(10 * time.Second)
	pushEvent(t, s, fmt.Sprintf(`{"type":"agent-unblocked","sessionId":"s1","projectPath":"/work/alpha","timestamp":%d}`,
		start.Add(time.Second).UnixMilli()))
	_, a := mustAgent(t, s, "s1")
	require.True(t, start.Add(time.Second).Equal(a.PushedAt), "pushed at %v", a.PushedAt)

	info := claude.TranscriptInfo{PendingQuestion: "Second question?", LastTimestamp: start.Add(5 * time.Second)}
	reconcile(s, primary("s1", "/work/alpha", start.Add(5*time.Second), info))
	_, a = mustAgent(t, s, "s1")
	assert.Equal(t, state.StatusBlocked, a.Status)
	assert.Equal(t, "Second question?", a.Question)
}

func TestReconcile_RecordTimeBeatsTouchedFile(t *testing.T) {
	s, clock := newTestStore()
	start := clock.Now()
	info := claude.TranscriptInfo{PendingQuestion: "Proceed?", LastTimestamp: start}
	reconcile(s, primary("s1", "/work/alpha", start, info))

	clock.Advance(2 * time.Second)
	pushEvent(t, s, `{"type":"agent-unblocked","sessionId":"s1","projectPath":"/work/alpha"}`)

	// The file's mtime moved past the push but no record was added.
	clock.Advance(2 * time.Second)
	reconcile(s, primary("s1", "/work/alpha", clock.Now(), info))
	_, a := mustAgent(t, s, "s1")
	assert.Equal(t, state.StatusWorking, a.Status)
}

func TestReconcile_HookAgentKeepsStatusWithoutQuestion(t *testing.T) {
	s, clock := newTestStore()
	pid, _ := s.UpsertProject("/work/alpha", "")
	s.UpsertAgent(pid, "s1", state.AgentFields{
		Status: state.Ptr(state.StatusWorking),
		Source: state.Ptr(state.SourceHook),
	})

	clock.Advance(10 * time.Minute)
	reconcile(s, primary("s1", "/work/alpha", clock.Now().Add(-3*time.Minute), claude.TranscriptInfo{}))

	_, a := mustAgent(t, s, "s1")
	assert.Equal(t, state.StatusWorking, a.Status, "only transcript-sourced agents follow the file's mtime")
	assert.Equal(t, clock.Now().Add(-3*time.Minute), a.LastActivityAt)
}

func TestReconcile_SubagentJoinsParentProject(t *testing.T) {
	s, clock := newTestStore()
	reconcile(s,
		subagent("a1", "s1", "/work/alpha/pkg", clock.Now(), claude.TranscriptInfo{FirstUserTask: "Explore pkg"}),
		primary("s1", "/work/alpha", clock.Now(), claude.TranscriptInfo{}),
	)
	// Reconcile does not sort; parents first is the caller's job.
	_, ok := s.ProjectByPath("/work/alpha/pkg")
	assert.True(t, ok)

	s2, clock2 := newTestStore()
	findings := []Finding{
		subagent("a1", "s1", "/work/alpha/pkg", clock2.Now(), claude.TranscriptInfo{FirstUserTask: "Explore pkg"}),
		primary("s1", "/work/alpha", clock2.Now(), claude.TranscriptInfo{}),
	}
	SortFindings(findings)
	reconcile(s2, findings...)

	p, a := mustAgent(t, s2, "a1")
	assert.Equal(t, "/work/alpha", p.Path)
	assert.Equal(t, state.KindDelegated, a.Kind)
	assert.Equal(t, "s1", a.ParentID)
	assert.Equal(t, "Explore pkg", a.Task)
	assert.Len(t, s2.Projects(), 1)
}

func TestReconcile_EndedSessionNotResurrected(t *testing.T) {
	s, clock := newTestStore()
	written := clock.Now()
	reconcile(s, primary("s1", "/work/alpha", written, claude.TranscriptInfo{}))

	clock.Advance(time.Second)
	pid := mustProjectID(t, s, "s1")
	require.True(t, s.RemoveAgent(pid, "s1"))

	clock.Advance(time.Second)
	reconcile(s, primary("s1", "/work/alpha", written, claude.TranscriptInfo{}))
	_, ok := s.FindAgent("s1")
	assert.False(t, ok)

	clock.Advance(time.Second)
	reconcile(s, primary("s1", "/work/alpha", clock.Now(), claude.TranscriptInfo{}))
	_, ok = s.FindAgent("s1")
	assert.True(t, ok, "a newer write means the session resumed")
}

func TestReconcile_Idempotent(t *testing.T) {
	s, clock := newTestStore()
	f := primary("s1", "/work/alpha", clock.Now(), claude.TranscriptInfo{
		FirstUserTask:   "Task",
		RecentActivity:  "Activity",
		LastUserMessage: "Task",
		PendingQuestion: "Proceed?",
	})
	reconcile(s, f)
	v := s.Version()

	reconcile(s, f)
	assert.Equal(t, v, s.Version())
}

func TestReconcile_RateLimit(t *testing.T) {
	s, clock := newTestStore()
	reconcile(s, primary("s1", "/work/alpha", clock.Now(), claude.TranscriptInfo{RateLimited: true}))

	p, a := mustAgent(t, s, "s1")
	assert.Equal(t, state.StatusRateLimited, a.Status)
	assert.Equal(t, state.StatusRateLimited, p.Status)

	clock.Advance(time.Second)
	reconcile(s, primary("s1", "/work/alpha", clock.Now(), claude.TranscriptInfo{}))
	_, a = mustAgent(t, s, "s1")
	assert.Equal(t, state.StatusWorking, a.Status)
}

func mustProjectID(t *testing.T, s *state.Store, agentID string) state.ProjectID {
	t.Helper()
	pid, ok := s.FindAgent(agentID)
	require.True(t, ok)
	return pid
}
