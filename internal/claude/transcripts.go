package claude

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// Tool names that stop the agent until a human answers.
const (
	ToolAskUserQuestion = "AskUserQuestion"
	ToolAskFollowup     = "AskFollowupQuestion"
	ToolExitPlanMode    = "ExitPlanMode"
)

// delegationTools launch subagents; their descriptions are the best summary
// of what a session is currently doing.
var delegationTools = map[string]bool{
	"Task":  true,
	"Agent": true,
}

var (
	permissionPrompt = regexp.MustCompile(`(?i)\b(do you want (me )?to|would you like me to|permission to|may i|shall i proceed)\b[^?]*\?\s*$`)
	rateLimitText    = regexp.MustCompile(`(?i)(rate.?limit|usage limit|limit reached|overloaded)`)
	commandWrapper   = regexp.MustCompile(`^\s*<(command-|local-command-)`)
)

// Ellipsis is appended to text cut at the task budget.
const Ellipsis = "..."

// ReadLimits bounds how much of a transcript is read and scanned.
type ReadLimits struct {
	HeadBytes     int64 // bytes read from the start for the first task
	TailBytes     int64 // bytes read from the end for question/activity
	PrefixRecords int   // records searched for the first user task
	ScanLimit     int   // records scanned backward for a pending question
	TaskBudget    int   // characters kept of task/activity text
}

// DefaultReadLimits are the limits used when none are configured.
var DefaultReadLimits = ReadLimits{
	HeadBytes:     64 * 1024,
	TailBytes:     512 * 1024,
	PrefixRecords: 50,
	ScanLimit:     200,
	TaskBudget:    200,
}

// withDefaults fills zero limits from DefaultReadLimits.
func (l ReadLimits) withDefaults() ReadLimits {
	if l.HeadBytes <= 0 {
		l.HeadBytes = DefaultReadLimits.HeadBytes
	}
	if l.TailBytes <= 0 {
		l.TailBytes = DefaultReadLimits.TailBytes
	}
	if l.PrefixRecords <= 0 {
		l.PrefixRecords = DefaultReadLimits.PrefixRecords
	}
	if l.ScanLimit <= 0 {
		l.ScanLimit = DefaultReadLimits.ScanLimit
	}
	if l.TaskBudget <= 0 {
		l.TaskBudget = DefaultReadLimits.TaskBudget
	}
	return l
}

// record is a successfully decoded transcript line.
type record struct {
	entry  TranscriptEntry
	role   string
	blocks []ContentBlock
}

// ReadTranscript reads at most limits.HeadBytes from the start and
// limits.TailBytes from the end of the file at path and parses them.
// Only opening or reading the file can fail; content problems never do.
func ReadTranscript(path string, limits ReadLimits) (TranscriptInfo, error) {
	limits = limits.withDefaults()

	f, err := os.Open(path)
	if err != nil {
		return TranscriptInfo{}, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return TranscriptInfo{}, err
	}
	size := st.Size()

	if size <= limits.HeadBytes+limits.TailBytes {
		data, err := io.ReadAll(io.LimitReader(f, limits.HeadBytes+limits.TailBytes))
		if err != nil {
			return TranscriptInfo{}, err
		}
		return ParseWindows(data, data, limits), nil
	}

	head := make([]byte, limits.HeadBytes)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF {
		return TranscriptInfo{}, err
	}
	head = dropPartialTail(head[:n])

	tail := make([]byte, limits.TailBytes)
	n, err = f.ReadAt(tail, size-limits.TailBytes)
	if err != nil && err != io.EOF {
		return TranscriptInfo{}, err
	}
	tail = dropPartialHead(tail[:n])

	return ParseWindows(head, tail, limits), nil
}

// ParseTranscript parses a complete transcript held in memory.
func ParseTranscript(data []byte) TranscriptInfo {
	return ParseWindows(data, data, DefaultReadLimits)
}

// ParseWindows extracts TranscriptInfo from a head window (used for the
// first user task) and a tail window (used for everything recent). The two
// may be the same slice. It is total: malformed lines are skipped.
func ParseWindows(head, tail []byte, limits ReadLimits) TranscriptInfo {
	limits = limits.withDefaults()

	var info TranscriptInfo

	headRecords := decodeRecords(head, limits.PrefixRecords)
	for _, r := range headRecords {
		if r.role != "user" {
			continue
		}
		if text := humanText(r); text != "" {
			info.FirstUserTask = Truncate(text, limits.TaskBudget)
			break
		}
	}

	// The session's starting directory is its workspace; later records may
	// carry a cwd the agent moved into.
	for _, r := range headRecords {
		if info.WorkspacePath == "" && r.entry.Cwd != "" {
			info.WorkspacePath = r.entry.Cwd
		}
		if info.SessionID == "" && r.entry.SessionID != "" {
			info.SessionID = r.entry.SessionID
		}
	}

	records := decodeRecords(tail, 0)

	for i := len(records) - 1; i >= 0; i-- {
		e := records[i].entry
		if info.SessionID == "" && e.SessionID != "" {
			info.SessionID = e.SessionID
		}
		if info.WorkspacePath == "" && e.Cwd != "" {
			info.WorkspacePath = e.Cwd
		}
		if info.LastTimestamp.IsZero() {
			info.LastTimestamp = ParseTimestamp(e.Timestamp)
		}
		if info.SessionID != "" && info.WorkspacePath != "" && !info.LastTimestamp.IsZero() {
			break
		}
	}

	info.PendingQuestion = pendingQuestion(records, limits.ScanLimit)
	info.RecentActivity = recentActivity(records, limits)
	info.RateLimited = rateLimited(records)

	for i := len(records) - 1; i >= 0; i-- {
		if records[i].role != "user" {
			continue
		}
		if text := humanText(records[i]); text != "" {
			info.LastUserMessage = Truncate(text, limits.TaskBudget)
			break
		}
	}

	return info
}

// pendingQuestion scans backward for an unanswered blocking interaction.
// Any user-authored record means the human already answered.
func pendingQuestion(records []record, scanLimit int) string {
	scanned := 0
	for i := len(records) - 1; i >= 0 && scanned < scanLimit; i-- {
		r := records[i]
		switch r.role {
		case "user":
			if r.entry.IsMeta {
				continue
			}
			return ""
		case "assistant":
			scanned++
			if q := blockingQuestion(r.blocks); q != "" {
				return q
			}
		default:
			scanned++
		}
	}
	return ""
}

// blockingQuestion returns the literal question text of the last blocking
// interaction in blocks, if any.
func blockingQuestion(blocks []ContentBlock) string {
	for i := len(blocks) - 1; i >= 0; i-- {
		b := blocks[i]
		switch {
		case b.Type == "tool_use" && (b.Name == ToolAskUserQuestion || b.Name == ToolAskFollowup):
			var in questionInput
			if err := json.Unmarshal(b.Input, &in); err != nil {
				continue
			}
			if q := strings.TrimSpace(in.Question); q != "" {
				return q
			}
			var qs []string
			for _, item := range in.Questions {
				if q := strings.TrimSpace(item.Question); q != "" {
					qs = append(qs, q)
				}
			}
			if len(qs) > 0 {
				return strings.Join(qs, "\n")
			}
		case b.Type == "tool_use" && b.Name == ToolExitPlanMode:
			var in planInput
			if err := json.Unmarshal(b.Input, &in); err != nil {
				continue
			}
			if p := strings.TrimSpace(in.Plan); p != "" {
				return p
			}
		case b.Type == "text":
			if q := permissionQuestion(b.Text); q != "" {
				return q
			}
		}
	}
	return ""
}

// permissionQuestion returns the final line of text when it is a permission
// prompt.
func permissionQuestion(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	last := text
	if idx := strings.LastIndexByte(text, '\n'); idx >= 0 {
		last = strings.TrimSpace(text[idx+1:])
	}
	if permissionPrompt.MatchString(last) {
		return last
	}
	return ""
}

// recentActivity prefers the newest delegation description, falling back to
// the newest assistant text.
func recentActivity(records []record, limits ReadLimits) string {
	var fallback string
	scanned := 0
	for i := len(records) - 1; i >= 0 && scanned < limits.ScanLimit; i-- {
		r := records[i]
		if r.role != "assistant" {
			continue
		}
		scanned++
		for j := len(r.blocks) - 1; j >= 0; j-- {
			b := r.blocks[j]
			if b.Type == "tool_use" && delegationTools[b.Name] {
				var in taskInput
				if err := json.Unmarshal(b.Input, &in); err != nil {
					continue
				}
				text := in.Description
				if text == "" {
					text = in.Prompt
				}
				if text = strings.TrimSpace(text); text != "" {
					return Truncate(text, limits.TaskBudget)
				}
			}
			if fallback == "" && b.Type == "text" && !r.entry.IsAPIErrorMessage {
				fallback = strings.TrimSpace(b.Text)
			}
		}
	}
	return Truncate(fallback, limits.TaskBudget)
}

// rateLimited reports whether the newest assistant record is an API error
// about rate or usage limits.
func rateLimited(records []record) bool {
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		if r.role == "user" && !r.entry.IsMeta {
			return false
		}
		if r.role != "assistant" {
			continue
		}
		if !r.entry.IsAPIErrorMessage {
			return false
		}
		for _, b := range r.blocks {
			if b.Type == "text" && rateLimitText.MatchString(b.Text) {
				return true
			}
		}
		return false
	}
	return false
}

// humanText returns the text a human typed in a user record, or "" for tool
// results, meta records and slash-command wrappers.
func humanText(r record) string {
	if r.entry.IsMeta {
		return ""
	}
	var parts []string
	for _, b := range r.blocks {
		if b.Type != "text" {
			continue
		}
		t := strings.TrimSpace(b.Text)
		if t == "" || commandWrapper.MatchString(t) {
			continue
		}
		parts = append(parts, t)
	}
	return strings.Join(parts, "\n")
}

// decodeRecords decodes up to max records (0 means no limit) from
// newline-separated data, skipping lines that are not JSON objects.
func decodeRecords(data []byte, max int) []record {
	var out []record
	for len(data) > 0 {
		var line []byte
		if idx := bytes.IndexByte(data, '\n'); idx >= 0 {
			line, data = data[:idx], data[idx+1:]
		} else {
			line, data = data, nil
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] != '{' {
			continue
		}

		var e TranscriptEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		r := record{entry: e, role: e.Type}
		if len(e.Message) > 0 {
			var msg Message
			if err := json.Unmarshal(e.Message, &msg); err == nil {
				if r.role != "user" && r.role != "assistant" && msg.Role != "" {
					r.role = msg.Role
				}
				r.blocks = decodeContent(msg.Content)
			}
		}
		out = append(out, r)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out
}

// decodeContent accepts the string and block-list shapes of message content.
func decodeContent(raw json.RawMessage) []ContentBlock {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []ContentBlock{{Type: "text", Text: s}}
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		return blocks
	}
	return nil
}

// Truncate cuts s to budget runes, appending Ellipsis only when something
// was actually removed.
func Truncate(s string, budget int) string {
	if budget <= 0 || utf8.RuneCountInString(s) <= budget {
		return s
	}
	runes := []rune(s)
	return strings.TrimRightFunc(string(runes[:budget]), isSpace) + Ellipsis
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

// dropPartialTail removes a trailing incomplete line.
func dropPartialTail(b []byte) []byte {
	if idx := bytes.LastIndexByte(b, '\n'); idx >= 0 {
		return b[:idx+1]
	}
	return b
}

// dropPartialHead removes a leading incomplete line.
func dropPartialHead(b []byte) []byte {
	if idx := bytes.IndexByte(b, '\n'); idx >= 0 {
		return b[idx+1:]
	}
	return nil
}

// ParseTimestamp parses an ISO 8601 timestamp string. It tries RFC3339Nano,
// RFC3339, and a plain datetime format without timezone. Returns the zero time
// if the string is empty or cannot be parsed by any supported format.
func ParseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			// Fallback for datetime strings without a timezone suffix.
			t, err = time.Parse("2006-01-02T15:04:05", s)
			if err != nil {
				return time.Time{}
			}
		}
	}
	return t
}
