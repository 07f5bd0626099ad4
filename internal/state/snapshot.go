package state

import (
	"bytes"
	"encoding/json"
	"time"
)

// Snapshot is an immutable, deep-copied view of the whole store.
type Snapshot struct {
	Projects      map[ProjectID]Project
	CompletedWork []CompletedWorkItem
	LastUpdated   time.Time
}

// Snapshot copies the current graph. The result shares no memory with the
// store.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	snap := Snapshot{
		Projects:      make(map[ProjectID]Project, len(s.projects)),
		CompletedWork: append([]CompletedWorkItem(nil), s.completed...),
		LastUpdated:   s.updatedAt,
	}
	if snap.LastUpdated.IsZero() {
		snap.LastUpdated = now
	}
	for id, p := range s.projects {
		snap.Projects[id] = p.copy(now)
	}
	return snap
}

// AgentCount returns the number of live agents across projects.
func (s Snapshot) AgentCount() int {
	n := 0
	for _, p := range s.Projects {
		n += len(p.Agents)
	}
	return n
}

// millis converts t to epoch milliseconds, 0 for the zero time.
func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

type agentJSON struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Kind           AgentKind       `json:"kind"`
	Status         Status          `json:"status"`
	Question       string          `json:"question,omitempty"`
	Task           string          `json:"task,omitempty"`
	Activity       string          `json:"activity,omitempty"`
	SpawnedAt      int64           `json:"spawnedAt"`
	LastActivityAt int64           `json:"lastActivityAt"`
	WorkingTimeMs  int64           `json:"workingTimeMs,omitempty"`
	ParentID       string          `json:"parentId,omitempty"`
	Modes          map[string]bool `json:"modes,omitempty"`
	Source         Source          `json:"source,omitempty"`
}

// MarshalJSON encodes times as epoch milliseconds.
func (a Agent) MarshalJSON() ([]byte, error) {
	return json.Marshal(agentJSON{
		ID:             a.ID,
		Name:           a.DisplayName(),
		Kind:           a.Kind,
		Status:         a.Status,
		Question:       a.Question,
		Task:           a.Task,
		Activity:       a.Activity,
		SpawnedAt:      millis(a.SpawnedAt),
		LastActivityAt: millis(a.LastActivityAt),
		WorkingTimeMs:  a.WorkingTime.Milliseconds(),
		ParentID:       a.ParentID,
		Modes:          a.Modes,
		Source:         a.Source,
	})
}

// agentMap encodes agents as a JSON object keyed by id, in slice order.
type agentMap []Agent

func (m agentMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, a := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(a.ID)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(a)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

type projectJSON struct {
	ID              ProjectID `json:"id"`
	Path            string    `json:"path"`
	Name            string    `json:"name"`
	Status          Status    `json:"status"`
	LastActivityAt  int64     `json:"lastActivityAt"`
	BlockedSince    *int64    `json:"blockedSince"`
	LastUserMessage string    `json:"lastUserMessage,omitempty"`
	Agents          agentMap  `json:"agents"`
}

// MarshalJSON encodes agents as an ordered object and blockedSince as null
// unless the project is blocked.
func (p Project) MarshalJSON() ([]byte, error) {
	out := projectJSON{
		ID:              p.ID,
		Path:            p.Path,
		Name:            p.Name,
		Status:          p.Status,
		LastActivityAt:  millis(p.LastActivityAt),
		LastUserMessage: p.LastUserMessage,
		Agents:          agentMap(p.Agents),
	}
	if !p.BlockedSince.IsZero() {
		ms := p.BlockedSince.UnixMilli()
		out.BlockedSince = &ms
	}
	return json.Marshal(out)
}

type completedJSON struct {
	AgentID     string    `json:"agentId"`
	AgentName   string    `json:"agentName"`
	Task        string    `json:"task,omitempty"`
	CompletedAt int64     `json:"completedAt"`
	ProjectID   ProjectID `json:"projectId"`
	ProjectName string    `json:"projectName"`
}

// MarshalJSON encodes the completion time as epoch milliseconds.
func (c CompletedWorkItem) MarshalJSON() ([]byte, error) {
	return json.Marshal(completedJSON{
		AgentID:     c.AgentID,
		AgentName:   c.AgentName,
		Task:        c.Task,
		CompletedAt: millis(c.CompletedAt),
		ProjectID:   c.ProjectID,
		ProjectName: c.ProjectName,
	})
}

type snapshotJSON struct {
	Projects      map[ProjectID]Project `json:"projects"`
	CompletedWork []CompletedWorkItem   `json:"completedWork"`
	LastUpdated   int64                 `json:"lastUpdated"`
}

// MarshalJSON encodes the snapshot payload.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	out := snapshotJSON{
		Projects:      s.Projects,
		CompletedWork: s.CompletedWork,
		LastUpdated:   millis(s.LastUpdated),
	}
	if out.Projects == nil {
		out.Projects = map[ProjectID]Project{}
	}
	if out.CompletedWork == nil {
		out.CompletedWork = []CompletedWorkItem{}
	}
	return json.Marshal(out)
}
