// Package claude provides types and parsers for Claude Code's local transcript files.
package claude

import (
	"encoding/json"
	"time"
)

// TranscriptEntry is the top-level structure of a JSONL line.
type TranscriptEntry struct {
	Type              string          `json:"type"`
	Timestamp         string          `json:"timestamp"`
	SessionID         string          `json:"sessionId"`
	Cwd               string          `json:"cwd"`
	IsMeta            bool            `json:"isMeta"`
	IsAPIErrorMessage bool            `json:"isApiErrorMessage"`
	Message           json.RawMessage `json:"message"`
	Data              json.RawMessage `json:"data"`
	ParentToolUseID   string          `json:"parentToolUseID"`
}

// Message is the message payload of a user or assistant entry. Content is
// either a plain string or a list of content blocks.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ContentBlock represents a single content block (tool_use, tool_result, text).
type ContentBlock struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
	Text      string          `json:"text"`
}

// TranscriptInfo is everything the parser extracts from one transcript. All
// fields are optional; a zero value means the transcript said nothing useful.
type TranscriptInfo struct {
	SessionID       string    `json:"sessionId,omitempty"`
	FirstUserTask   string    `json:"firstUserTask,omitempty"`
	LastUserMessage string    `json:"lastUserMessage,omitempty"`
	PendingQuestion string    `json:"pendingQuestion,omitempty"`
	RecentActivity  string    `json:"recentActivity,omitempty"`
	WorkspacePath   string    `json:"workspacePath,omitempty"`
	RateLimited     bool      `json:"rateLimited,omitempty"`
	LastTimestamp   time.Time `json:"lastTimestamp,omitempty"`
}

// Empty reports whether no field was extracted.
func (ti TranscriptInfo) Empty() bool {
	return ti == TranscriptInfo{}
}

// TranscriptFile describes one transcript discovered on disk.
type TranscriptFile struct {
	Path      string
	SessionID string // session the file belongs to
	AgentID   string // equals SessionID for primary transcripts
	ParentID  string // owning session for subagent transcripts
	ModTime   time.Time
	Size      int64
}

// Subagent reports whether the file is a delegated agent's transcript.
func (tf TranscriptFile) Subagent() bool {
	return tf.ParentID != ""
}

// taskInput represents the input fields of a Task tool_use.
type taskInput struct {
	SubagentType string `json:"subagent_type"`
	Description  string `json:"description"`
	Prompt       string `json:"prompt"`
}

// questionInput covers both the single-question and multi-question shapes of
// the question-asking tools.
type questionInput struct {
	Question  string `json:"question"`
	Questions []struct {
		Question string `json:"question"`
	} `json:"questions"`
}

// planInput is the input of a plan-confirmation tool_use.
type planInput struct {
	Plan string `json:"plan"`
}
