// Package ingest decodes push events from the instrumentation hook and maps
// each one to a store mutation.
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/blackwell-systems/agentwatch/internal/claude"
)

// Kind names a push event type on the wire.
type Kind string

const (
	KindSessionStart   Kind = "session-start"
	KindSessionEnd     Kind = "session-end"
	KindAgentSpawn     Kind = "agent-spawn"
	KindAgentBlocked   Kind = "agent-blocked"
	KindAgentUnblocked Kind = "agent-unblocked"
	KindAgentComplete  Kind = "agent-complete"
	KindActivity       Kind = "activity"
)

var (
	// ErrMalformed is returned for payloads that are not an event object.
	ErrMalformed = errors.New("malformed event")
	// ErrNoProjectPath is returned for events without an absolute workspace
	// path.
	ErrNoProjectPath = errors.New("event has no project path")
	// ErrNoAgentID is returned when neither agentId nor sessionId is set.
	ErrNoAgentID = errors.New("event has no agent or session id")
)

// Header carries the fields every event has.
type Header struct {
	Kind        Kind
	RawType     string // type as sent, differs from Kind for unknown types
	Timestamp   time.Time
	SessionID   string
	ProjectPath string
	ProjectName string
	AgentID     string // agentId, or sessionId when absent
	PID         int
}

// Meta returns the event header.
func (h Header) Meta() Header { return h }

func (Header) event() {}

// Event is one of the variant types below.
type Event interface {
	Meta() Header
	event()
}

// SessionStart announces a new primary agent.
type SessionStart struct {
	Header
	AgentName string
	Task      string
	Modes     map[string]bool
}

// SessionEnd removes a session's agent and its children.
type SessionEnd struct {
	Header
}

// AgentSpawn announces a delegated or background agent.
type AgentSpawn struct {
	Header
	AgentName string
	AgentType string
	ParentID  string
	Task      string
}

// AgentBlocked marks an agent as waiting on a human.
type AgentBlocked struct {
	Header
	Question string
}

// AgentUnblocked returns an agent to work.
type AgentUnblocked struct {
	Header
}

// AgentComplete moves an agent into the completed work list.
type AgentComplete struct {
	Header
}

// Activity refreshes an agent without changing its status. Unknown event
// types decode to Activity.
type Activity struct {
	Header
	Text  string
	Modes map[string]bool
}

// wireEvent is the JSON shape posted by the hook.
type wireEvent struct {
	Type          string          `json:"type"`
	Timestamp     json.RawMessage `json:"timestamp"`
	SessionID     string          `json:"sessionId"`
	ProjectPath   string          `json:"projectPath"`
	ProjectName   string          `json:"projectName"`
	AgentID       string          `json:"agentId"`
	AgentName     string          `json:"agentName"`
	AgentType     string          `json:"agentType"`
	ParentAgentID string          `json:"parentAgentId"`
	Question      string          `json:"question"`
	Task          string          `json:"task"`
	Activity      string          `json:"activity"`
	Modes         json.RawMessage `json:"modes"`
	Metadata      map[string]any  `json:"metadata"`
}

// Decode parses one event. Errors wrap ErrMalformed, ErrNoProjectPath or
// ErrNoAgentID.
func Decode(data []byte) (Event, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrMalformed)
	}
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return w.event()
}

func (w wireEvent) event() (Event, error) {
	h := Header{
		Kind:        Kind(strings.TrimSpace(w.Type)),
		RawType:     w.Type,
		Timestamp:   decodeTimestamp(w.Timestamp),
		SessionID:   strings.TrimSpace(w.SessionID),
		ProjectPath: strings.TrimSpace(w.ProjectPath),
		ProjectName: strings.TrimSpace(w.ProjectName),
		AgentID:     strings.TrimSpace(w.AgentID),
		PID:         metadataPID(w.Metadata),
	}
	if h.ProjectPath == "" {
		return nil, ErrNoProjectPath
	}
	if !isAbs(h.ProjectPath) {
		return nil, fmt.Errorf("%w: %q is not an absolute path", ErrNoProjectPath, h.ProjectPath)
	}

	switch h.Kind {
	case KindAgentSpawn:
		if h.AgentID == "" {
			return nil, fmt.Errorf("%w: agent-spawn needs agentId", ErrNoAgentID)
		}
	default:
		if h.AgentID == "" {
			h.AgentID = h.SessionID
		}
		if h.AgentID == "" {
			return nil, ErrNoAgentID
		}
	}

	switch h.Kind {
	case KindSessionStart:
		return SessionStart{Header: h, AgentName: w.AgentName, Task: w.Task, Modes: decodeModes(w.Modes)}, nil
	case KindSessionEnd:
		return SessionEnd{Header: h}, nil
	case KindAgentSpawn:
		parent := strings.TrimSpace(w.ParentAgentID)
		if parent == "" {
			parent = h.SessionID
		}
		return AgentSpawn{Header: h, AgentName: w.AgentName, AgentType: w.AgentType, ParentID: parent, Task: w.Task}, nil
	case KindAgentBlocked:
		return AgentBlocked{Header: h, Question: w.Question}, nil
	case KindAgentUnblocked:
		return AgentUnblocked{Header: h}, nil
	case KindAgentComplete:
		return AgentComplete{Header: h}, nil
	default:
		h.Kind = KindActivity
		text := w.Activity
		if text == "" {
			text = w.Task
		}
		return Activity{Header: h, Text: text, Modes: decodeModes(w.Modes)}, nil
	}
}

// isAbs accepts native absolute paths and slash-rooted ones, which hooks
// send on every platform.
func isAbs(p string) bool {
	return filepath.IsAbs(p) || path.IsAbs(p)
}

// decodeTimestamp accepts RFC 3339 strings and epoch milliseconds.
func decodeTimestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms)
		}
		return claude.ParseTimestamp(s)
	}
	var ms float64
	if err := json.Unmarshal(raw, &ms); err == nil && ms > 0 {
		return time.UnixMilli(int64(ms))
	}
	return time.Time{}
}

// decodeModes accepts {"plan": true} or ["plan"].
func decodeModes(raw json.RawMessage) map[string]bool {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]bool
	if err := json.Unmarshal(raw, &m); err == nil {
		return m
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		m = make(map[string]bool, len(list))
		for _, name := range list {
			m[name] = true
		}
		return m
	}
	return nil
}

func metadataPID(md map[string]any) int {
	switch v := md["pid"].(type) {
	case float64:
		if v > 0 {
			return int(v)
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 0
}
