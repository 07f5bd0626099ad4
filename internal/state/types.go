// Package state holds the canonical in-memory graph of projects and their
// agents, and the rules that derive each project's status from its agents.
package state

import "time"

// Status is the derived state of an agent or project.
type Status string

const (
	StatusIdle          Status = "idle"
	StatusWorking       Status = "working"
	StatusServerRunning Status = "server-running"
	StatusRateLimited   Status = "rate-limited"
	StatusBlocked       Status = "blocked"
)

// statusPrecedence ranks statuses; the highest-ranked agent status present
// becomes the project status.
var statusPrecedence = map[Status]int{
	StatusIdle:          0,
	StatusWorking:       1,
	StatusServerRunning: 2,
	StatusRateLimited:   3,
	StatusBlocked:       4,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := statusPrecedence[s]
	return ok
}

// AgentKind distinguishes session agents from the agents they launch.
type AgentKind string

const (
	KindPrimary    AgentKind = "primary"
	KindDelegated  AgentKind = "delegated"
	KindBackground AgentKind = "background"
)

// BlockSource records which signal put an agent into StatusBlocked.
type BlockSource string

const (
	BlockNone BlockSource = ""
	BlockPush BlockSource = "push"
	BlockPoll BlockSource = "poll"
)

// Source records which signal created an agent.
type Source string

const (
	SourceHook       Source = "hook"
	SourceTranscript Source = "transcript"
)

// ProjectID is a stable hash of a project's normalized workspace path.
type ProjectID string

// Agent is a copy of one agent's state. Values returned by the Store are
// never shared with live state.
type Agent struct {
	ID             string
	Name           string
	Kind           AgentKind
	Status         Status
	Question       string
	Task           string
	Activity       string
	SpawnedAt      time.Time
	LastActivityAt time.Time
	WorkingTime    time.Duration
	ParentID       string
	Modes          map[string]bool
	BlockSource    BlockSource
	Source         Source
	PID            int
	TranscriptPath string

	// PushedAt is when a push event last set the agent's status. Transcript
	// records no newer than this do not override it.
	PushedAt time.Time

	workingSince time.Time
}

// DisplayName returns the agent's name, falling back to its kind and id.
func (a Agent) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return string(a.Kind) + ":" + a.ID
}

// Project is a copy of one project and its agents in insertion order.
type Project struct {
	ID              ProjectID
	Path            string
	Name            string
	Status          Status
	LastActivityAt  time.Time
	BlockedSince    time.Time
	LastUserMessage string
	Agents          []Agent
}

// Agent returns the project's agent with the given id.
func (p Project) Agent(id string) (Agent, bool) {
	for _, a := range p.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return Agent{}, false
}

// CompletedWorkItem records an agent that finished its work. It is never
// mutated after creation.
type CompletedWorkItem struct {
	AgentID     string
	AgentName   string
	Task        string
	CompletedAt time.Time
	ProjectID   ProjectID
	ProjectName string
}

// AgentFields is a partial agent update. Nil fields are left untouched.
type AgentFields struct {
	Name           *string
	Kind           *AgentKind
	Status         *Status
	Question       *string
	Task           *string
	Activity       *string
	ParentID       *string
	Modes          map[string]bool
	BlockSource    *BlockSource
	Source         *Source
	PID            *int
	TranscriptPath *string
	LastActivityAt *time.Time
	PushedAt       *time.Time // only moves forward
}

// Ptr returns a pointer to v, for building AgentFields.
func Ptr[T any](v T) *T {
	return &v
}
