package state

import (
	"sort"
	"sync"
	"time"
)

// DefaultCompletedCap is the number of completed work items kept.
const DefaultCompletedCap = 50

// projectRecord is the live form of a project. Only the Store touches it.
type projectRecord struct {
	id              ProjectID
	path            string
	name            string
	status          Status
	lastActivityAt  time.Time
	blockedSince    time.Time
	lastUserMessage string
	agents          map[string]*Agent
	order           []string
}

// Store is the in-memory Project -> Agent graph. Every exported method is
// atomic with respect to the others. Operations on unknown ids are no-ops
// reported through their boolean result.
type Store struct {
	mu           sync.RWMutex
	projects     map[ProjectID]*projectRecord
	byPath       map[string]ProjectID
	completed    []CompletedWorkItem
	completedCap int
	ended        map[string]time.Time // agent id -> removal time
	updatedAt    time.Time
	version      uint64
	now          func() time.Time
}

// Mutation changes the store and reports the projects it touched. Mutations
// are run one at a time by a single writer.
type Mutation func(*Store) []ProjectID

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithCompletedCap bounds the completed work list.
func WithCompletedCap(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.completedCap = n
		}
	}
}

// NewStore creates an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		projects:     make(map[ProjectID]*projectRecord),
		byPath:       make(map[string]ProjectID),
		completedCap: DefaultCompletedCap,
		ended:        make(map[string]time.Time),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the store's clock reading.
func (s *Store) Now() time.Time {
	return s.now()
}

// UpsertProject returns the id of the project at path, creating it if
// needed. A non-empty name replaces the current display name. It returns
// false when path does not name a workspace.
func (s *Store) UpsertProject(path, name string) (ProjectID, bool) {
	norm := NormalizePath(path)
	if norm == "" {
		return "", false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if id, ok := s.byPath[norm]; ok {
		if name != "" {
			s.projects[id].name = name
		}
		return id, true
	}

	if name == "" {
		name = DefaultName(norm)
	}
	id := NewProjectID(norm)
	s.projects[id] = &projectRecord{
		id:             id,
		path:           norm,
		name:           name,
		status:         StatusIdle,
		lastActivityAt: now,
		agents:         make(map[string]*Agent),
	}
	s.byPath[norm] = id
	s.touch(now)
	return id, true
}

// ProjectByPath looks up a project by workspace path.
func (s *Store) ProjectByPath(path string) (ProjectID, bool) {
	norm := NormalizePath(path)
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byPath[norm]
	return id, ok
}

// FindAgent returns the project currently holding agentID.
func (s *Store) FindAgent(agentID string) (ProjectID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, p := range s.projects {
		if _, ok := p.agents[agentID]; ok {
			return id, true
		}
	}
	return "", false
}

// SetLastUserMessage records the most recent message a human sent in the
// project.
func (s *Store) SetLastUserMessage(projectID ProjectID, msg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return false
	}
	if p.lastUserMessage != msg {
		p.lastUserMessage = msg
		s.touch(s.now())
	}
	return true
}

// UpsertAgent merges fields into the agent, creating it when absent. Fields
// left nil keep their current value. LastActivityAt only moves forward,
// except on creation where it is taken as given. It returns false if the
// project does not exist.
func (s *Store) UpsertAgent(projectID ProjectID, agentID string, fields AgentFields) bool {
	if agentID == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[projectID]
	if !ok {
		return false
	}

	now := s.now()
	a, exists := p.agents[agentID]
	if !exists {
		a = &Agent{
			ID:             agentID,
			Kind:           KindPrimary,
			Status:         StatusIdle,
			SpawnedAt:      now,
			LastActivityAt: now,
		}
		if f := fields.LastActivityAt; f != nil && !f.IsZero() {
			a.LastActivityAt = *f
		}
		p.agents[agentID] = a
		p.order = append(p.order, agentID)
	}

	applyFields(a, fields, now)

	if a.LastActivityAt.After(p.lastActivityAt) {
		p.lastActivityAt = a.LastActivityAt
	}
	p.derive(now)
	s.touch(now)
	return true
}

// applyFields merges a partial update into a.
func applyFields(a *Agent, f AgentFields, now time.Time) {
	if f.Name != nil {
		a.Name = *f.Name
	}
	if f.Kind != nil {
		a.Kind = *f.Kind
	}
	if f.Task != nil {
		a.Task = *f.Task
	}
	if f.Activity != nil {
		a.Activity = *f.Activity
	}
	if f.ParentID != nil {
		a.ParentID = *f.ParentID
	}
	if f.Modes != nil {
		a.Modes = copyModes(f.Modes)
	}
	if f.Source != nil {
		a.Source = *f.Source
	}
	if f.PID != nil {
		a.PID = *f.PID
	}
	if f.TranscriptPath != nil {
		a.TranscriptPath = *f.TranscriptPath
	}
	if f.LastActivityAt != nil && f.LastActivityAt.After(a.LastActivityAt) {
		a.LastActivityAt = *f.LastActivityAt
	}
	if f.PushedAt != nil && f.PushedAt.After(a.PushedAt) {
		a.PushedAt = *f.PushedAt
	}
	if f.Question != nil {
		a.Question = *f.Question
	}
	if f.BlockSource != nil {
		a.BlockSource = *f.BlockSource
	}
	if f.Status != nil && f.Status.Valid() {
		setAgentStatus(a, *f.Status, now)
	}
	if a.Status != StatusBlocked {
		a.BlockSource = BlockNone
		a.Question = ""
	}
}

// setAgentStatus changes status and accounts working time.
func setAgentStatus(a *Agent, st Status, now time.Time) {
	if a.Status == st {
		if st == StatusWorking && a.workingSince.IsZero() {
			a.workingSince = now
		}
		return
	}
	if a.Status == StatusWorking && !a.workingSince.IsZero() {
		a.WorkingTime += now.Sub(a.workingSince)
		a.workingSince = time.Time{}
	}
	if st == StatusWorking {
		a.workingSince = now
	}
	a.Status = st
}

// RemoveAgent deletes an agent. It returns false if either id is unknown.
func (s *Store) RemoveAgent(projectID ProjectID, agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return false
	}
	if !p.remove(agentID) {
		return false
	}
	now := s.now()
	s.ended[agentID] = now
	p.derive(now)
	s.touch(now)
	return true
}

// RemoveProject deletes a project and all its agents.
func (s *Store) RemoveProject(projectID ProjectID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return false
	}
	delete(s.projects, projectID)
	delete(s.byPath, p.path)
	s.touch(s.now())
	return true
}

// DeriveStatus recomputes a project's status from its agents and returns it.
func (s *Store) DeriveStatus(projectID ProjectID) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return "", false
	}
	now := s.now()
	if p.derive(now) {
		s.touch(now)
	}
	return p.status, true
}

// RecordCompletion appends the agent's summary to the completed work list,
// evicting the oldest item beyond the cap, then removes the live agent.
func (s *Store) RecordCompletion(projectID ProjectID, agentID string) (CompletedWorkItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[projectID]
	if !ok {
		return CompletedWorkItem{}, false
	}
	a, ok := p.agents[agentID]
	if !ok {
		return CompletedWorkItem{}, false
	}

	now := s.now()
	task := a.Task
	if task == "" {
		task = a.Activity
	}
	item := CompletedWorkItem{
		AgentID:     a.ID,
		AgentName:   a.DisplayName(),
		Task:        task,
		CompletedAt: now,
		ProjectID:   p.id,
		ProjectName: p.name,
	}

	s.completed = append(s.completed, item)
	if over := len(s.completed) - s.completedCap; over > 0 {
		s.completed = append([]CompletedWorkItem(nil), s.completed[over:]...)
	}

	p.remove(agentID)
	s.ended[agentID] = now
	if now.After(p.lastActivityAt) {
		p.lastActivityAt = now
	}
	p.derive(now)
	s.touch(now)
	return item, true
}

// touch records that the graph changed. Callers hold s.mu.
func (s *Store) touch(now time.Time) {
	s.updatedAt = now
	s.version++
}

// Version increases on every change to the graph.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// EndedAt reports when agentID was last removed, if it was.
func (s *Store) EndedAt(agentID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.ended[agentID]
	return t, ok
}

// ForgetEnded drops removal records older than before.
func (s *Store) ForgetEnded(before time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.ended {
		if t.Before(before) {
			delete(s.ended, id)
		}
	}
}

// Project returns a copy of one project.
func (s *Store) Project(projectID ProjectID) (Project, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[projectID]
	if !ok {
		return Project{}, false
	}
	return p.copy(s.now()), true
}

// Agent returns a copy of one agent.
func (s *Store) Agent(projectID ProjectID, agentID string) (Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[projectID]
	if !ok {
		return Agent{}, false
	}
	a, ok := p.agents[agentID]
	if !ok {
		return Agent{}, false
	}
	return copyAgent(a, p, s.now()), true
}

// Projects returns copies of all projects sorted by path.
func (s *Store) Projects() []Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	out := make([]Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p.copy(now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Completed returns a copy of the completed work list, oldest first.
func (s *Store) Completed() []CompletedWorkItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]CompletedWorkItem(nil), s.completed...)
}

// remove deletes an agent from the record, preserving order.
func (p *projectRecord) remove(agentID string) bool {
	if _, ok := p.agents[agentID]; !ok {
		return false
	}
	delete(p.agents, agentID)
	for i, id := range p.order {
		if id == agentID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return true
}

// copy returns a deep copy of the project.
func (p *projectRecord) copy(now time.Time) Project {
	out := Project{
		ID:              p.id,
		Path:            p.path,
		Name:            p.name,
		Status:          p.status,
		LastActivityAt:  p.lastActivityAt,
		BlockedSince:    p.blockedSince,
		LastUserMessage: p.lastUserMessage,
		Agents:          make([]Agent, 0, len(p.order)),
	}
	for _, id := range p.order {
		out.Agents = append(out.Agents, copyAgent(p.agents[id], p, now))
	}
	return out
}

// copyAgent copies a, folding the running working segment into WorkingTime
// and dropping a parent that is not in the same project.
func copyAgent(a *Agent, p *projectRecord, now time.Time) Agent {
	out := *a
	out.Modes = copyModes(a.Modes)
	if a.Status == StatusWorking && !a.workingSince.IsZero() && now.After(a.workingSince) {
		out.WorkingTime += now.Sub(a.workingSince)
	}
	out.workingSince = time.Time{}
	if out.ParentID != "" {
		if _, ok := p.agents[out.ParentID]; !ok || out.ParentID == out.ID {
			out.ParentID = ""
		}
	}
	return out
}

func copyModes(m map[string]bool) map[string]bool {
	if m == nil {
		return nil
	}
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
