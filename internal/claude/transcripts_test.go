package claude

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

// helper to write a JSONL file in a temp dir and return its path.
func writeJSONL(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

const (
	lineUserTask   = `{"type":"user","timestamp":"2026-01-15T10:00:00Z","sessionId":"s1","cwd":"/work/alpha","message":{"role":"user","content":"Refactor the billing module"}}`
	lineAssistText = `{"type":"assistant","timestamp":"2026-01-15T10:00:05Z","sessionId":"s1","cwd":"/work/alpha","message":{"role":"assistant","content":[{"type":"text","text":"Looking at the billing code now."}]}}`
	lineAskUser    = `{"type":"assistant","timestamp":"2026-01-15T10:01:00Z","sessionId":"s1","cwd":"/work/alpha","message":{"role":"assistant","content":[{"type":"tool_use","id":"tu_q","name":"AskUserQuestion","input":{"questions":[{"question":"Should I keep the legacy invoice format?","header":"Format"}]}}]}}`
	lineAnswer     = `{"type":"user","timestamp":"2026-01-15T10:02:00Z","sessionId":"s1","cwd":"/work/alpha","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu_q","content":"Yes, keep it."}]}}`
)

func TestParseTranscript_PendingQuestion(t *testing.T) {
	info := ParseTranscript([]byte(strings.Join([]string{lineUserTask, lineAssistText, lineAskUser}, "\n")))

	if info.PendingQuestion != "Should I keep the legacy invoice format?" {
		t.Errorf("PendingQuestion = %q", info.PendingQuestion)
	}
	if info.FirstUserTask != "Refactor the billing module" {
		t.Errorf("FirstUserTask = %q", info.FirstUserTask)
	}
	if info.WorkspacePath != "/work/alpha" {
		t.Errorf("WorkspacePath = %q, want /work/alpha", info.WorkspacePath)
	}
	if info.SessionID != "s1" {
		t.Errorf("SessionID = %q, want s1", info.SessionID)
	}
	want := time.Date(2026, 1, 15, 10, 1, 0, 0, time.UTC)
	if !info.LastTimestamp.Equal(want) {
		t.Errorf("LastTimestamp = %v, want %v", info.LastTimestamp, want)
	}
}

func TestParseTranscript_AnsweredQuestion(t *testing.T) {
	info := ParseTranscript([]byte(strings.Join([]string{lineUserTask, lineAskUser, lineAnswer}, "\n")))
	if info.PendingQuestion != "" {
		t.Errorf("expected no pending question after answer, got %q", info.PendingQuestion)
	}
}

func TestParseTranscript_QuestionShapes(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{
			"single question field",
			`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","name":"AskFollowupQuestion","input":{"question":"Which database?"}}]}}`,
			"Which database?",
		},
		{
			"multiple questions joined",
			`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","name":"AskUserQuestion","input":{"questions":[{"question":"A?"},{"question":"B?"}]}}]}}`,
			"A?\nB?",
		},
		{
			"plan confirmation returns plan text",
			`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","name":"ExitPlanMode","input":{"plan":"1. Add index\n2. Backfill"}}]}}`,
			"1. Add index\n2. Backfill",
		},
		{
			"permission prompt in text",
			`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"I need to delete the build dir.\nDo you want me to run rm -rf build?"}]}}`,
			"Do you want me to run rm -rf build?",
		},
		{
			"ordinary text is not a question",
			`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"All tests pass."}]}}`,
			"",
		},
		{
			"other tools are not blocking",
			`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","name":"Bash","input":{"command":"ls"}}]}}`,
			"",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			info := ParseTranscript([]byte(tc.line))
			if info.PendingQuestion != tc.want {
				t.Errorf("PendingQuestion = %q, want %q", info.PendingQuestion, tc.want)
			}
		})
	}
}

func TestParseTranscript_QuestionBeyondLaterAssistantRecords(t *testing.T) {
	// Assistant records after the question do not answer it; only users do.
	info := ParseTranscript([]byte(strings.Join([]string{lineUserTask, lineAskUser, lineAssistText}, "\n")))
	if info.PendingQuestion == "" {
		t.Error("expected pending question to survive later assistant records")
	}
}

func TestParseTranscript_ScanLimit(t *testing.T) {
	lines := []string{lineAskUser}
	for i := 0; i < 5; i++ {
		lines = append(lines, lineAssistText)
	}
	data := []byte(strings.Join(lines, "\n"))

	limits := DefaultReadLimits
	limits.ScanLimit = 3
	info := ParseWindows(data, data, limits)
	if info.PendingQuestion != "" {
		t.Errorf("expected question beyond scan limit to be ignored, got %q", info.PendingQuestion)
	}
}

func TestParseTranscript_MalformedOnly(t *testing.T) {
	data := strings.Join([]string{
		`not json at all`,
		`{"type":"user","message":`,
		`[1,2,3]`,
		`{{{{`,
		"\x00\x01\x02",
	}, "\n")

	info := ParseTranscript([]byte(data))
	if !info.Empty() {
		t.Errorf("expected empty result for malformed transcript, got %+v", info)
	}
}

func TestParseTranscript_SkipsMalformedLines(t *testing.T) {
	data := strings.Join([]string{
		`garbage`,
		lineUserTask,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use"`,
		lineAskUser,
		`{truncated`,
	}, "\n")

	info := ParseTranscript([]byte(data))
	if info.FirstUserTask != "Refactor the billing module" {
		t.Errorf("FirstUserTask = %q", info.FirstUserTask)
	}
	if info.PendingQuestion == "" {
		t.Error("expected pending question despite surrounding garbage")
	}
}

func TestParseTranscript_TruncatedPrefixes(t *testing.T) {
	// Every prefix of a valid transcript must parse without panicking.
	data := strings.Join([]string{lineUserTask, lineAssistText, lineAskUser, lineAnswer}, "\n")
	for i := 0; i <= len(data); i++ {
		_ = ParseTranscript([]byte(data[:i]))
	}
}

func FuzzParseTranscript(f *testing.F) {
	for _, seed := range []string{
		strings.Join([]string{lineUserTask, lineAssistText, lineAskUser, lineAnswer}, "\n"),
		lineUserTask + "\n" + lineAskUser,
		lineAskUser[:len(lineAskUser)/2],
		"\n\n" + lineAnswer + "\r\n{",
		`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"ExitPlanMode","input":{"plan":7}}]}}`,
		"not json at all",
	} {
		f.Add([]byte(seed))
	}

	budget := DefaultReadLimits.TaskBudget + utf8.RuneCountInString(Ellipsis)
	f.Fuzz(func(t *testing.T, data []byte) {
		info := ParseTranscript(data)
		if again := ParseTranscript(data); again != info {
			t.Fatalf("parse is not deterministic: %+v vs %+v", info, again)
		}
		for name, text := range map[string]string{
			"FirstUserTask":   info.FirstUserTask,
			"LastUserMessage": info.LastUserMessage,
			"RecentActivity":  info.RecentActivity,
		} {
			if !utf8.ValidString(text) {
				t.Errorf("%s is not valid UTF-8: %q", name, text)
			}
			if n := utf8.RuneCountInString(text); n > budget {
				t.Errorf("%s has %d runes, budget %d", name, n, budget)
			}
		}

		// Splitting the input into separate head and tail windows must not
		// panic either.
		mid := len(data) / 2
		_ = ParseWindows(data[:mid], data[mid:], DefaultReadLimits)
	})
}

func TestParseTranscript_TaskTruncation(t *testing.T) {
	long := strings.Repeat("a", 250)
	line := `{"type":"user","message":{"role":"user","content":"` + long + `"}}`

	info := ParseTranscript([]byte(line))
	if !strings.HasSuffix(info.FirstUserTask, Ellipsis) {
		t.Errorf("expected ellipsis on truncated task, got %q", info.FirstUserTask)
	}
	if got := len(strings.TrimSuffix(info.FirstUserTask, Ellipsis)); got != 200 {
		t.Errorf("expected 200 kept characters, got %d", got)
	}

	short := `{"type":"user","message":{"role":"user","content":"fix the flaky test"}}`
	info = ParseTranscript([]byte(short))
	if info.FirstUserTask != "fix the flaky test" {
		t.Errorf("FirstUserTask = %q, want no ellipsis", info.FirstUserTask)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		budget int
		want   string
	}{
		{"shorter than budget", "abc", 5, "abc"},
		{"exactly budget", "abcde", 5, "abcde"},
		{"longer than budget", "abcdef", 5, "abcde..."},
		{"multibyte runes", "héllo wörld", 5, "héllo..."},
		{"trailing space trimmed before ellipsis", "abcd efgh", 5, "abcd..."},
		{"zero budget keeps input", "abc", 0, "abc"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Truncate(tc.in, tc.budget); got != tc.want {
				t.Errorf("Truncate(%q, %d) = %q, want %q", tc.in, tc.budget, got, tc.want)
			}
		})
	}
}

func TestParseTranscript_SkipsCommandAndMetaRecords(t *testing.T) {
	data := strings.Join([]string{
		`{"type":"user","isMeta":true,"message":{"role":"user","content":"Caveat: local commands follow"}}`,
		`{"type":"user","message":{"role":"user","content":"<command-name>/clear</command-name>"}}`,
		`{"type":"user","message":{"role":"user","content":[{"type":"text","text":"Add rate limiting to the API"}]}}`,
	}, "\n")

	info := ParseTranscript([]byte(data))
	if info.FirstUserTask != "Add rate limiting to the API" {
		t.Errorf("FirstUserTask = %q", info.FirstUserTask)
	}
	if info.LastUserMessage != "Add rate limiting to the API" {
		t.Errorf("LastUserMessage = %q", info.LastUserMessage)
	}
}

func TestParseTranscript_RecentActivity(t *testing.T) {
	delegation := `{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","name":"Task","input":{"subagent_type":"tester","description":"Write integration tests","prompt":"..."}}]}}`

	info := ParseTranscript([]byte(strings.Join([]string{lineUserTask, delegation, lineAssistText}, "\n")))
	if info.RecentActivity != "Write integration tests" {
		t.Errorf("RecentActivity = %q, want delegation description", info.RecentActivity)
	}

	info = ParseTranscript([]byte(strings.Join([]string{lineUserTask, lineAssistText}, "\n")))
	if info.RecentActivity != "Looking at the billing code now." {
		t.Errorf("RecentActivity = %q, want assistant text fallback", info.RecentActivity)
	}
}

func TestParseTranscript_RateLimited(t *testing.T) {
	limited := `{"type":"assistant","isApiErrorMessage":true,"message":{"role":"assistant","content":[{"type":"text","text":"Claude AI usage limit reached|1760000000"}]}}`

	info := ParseTranscript([]byte(strings.Join([]string{lineUserTask, limited}, "\n")))
	if !info.RateLimited {
		t.Error("expected RateLimited = true")
	}

	info = ParseTranscript([]byte(strings.Join([]string{lineUserTask, limited, lineAnswer}, "\n")))
	if info.RateLimited {
		t.Error("expected RateLimited = false once the user replied")
	}
}

func TestReadTranscript_LargeFileUsesWindows(t *testing.T) {
	dir := t.TempDir()

	var lines []string
	lines = append(lines, lineUserTask)
	for i := 0; i < 200; i++ {
		lines = append(lines, lineAssistText)
	}
	lines = append(lines, lineAskUser)
	path := writeJSONL(t, dir, "big.jsonl", strings.Join(lines, "\n")+"\n")

	limits := ReadLimits{HeadBytes: 1024, TailBytes: 2048}
	info, err := ReadTranscript(path, limits)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.FirstUserTask != "Refactor the billing module" {
		t.Errorf("FirstUserTask = %q", info.FirstUserTask)
	}
	if info.PendingQuestion != "Should I keep the legacy invoice format?" {
		t.Errorf("PendingQuestion = %q", info.PendingQuestion)
	}
}

func TestReadTranscript_MissingFile(t *testing.T) {
	_, err := ReadTranscript(filepath.Join(t.TempDir(), "nope.jsonl"), DefaultReadLimits)
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		name string
		in   string
		zero bool
	}{
		{"rfc3339nano", "2026-01-15T10:00:00.123Z", false},
		{"rfc3339", "2026-01-15T10:00:00Z", false},
		{"no zone", "2026-01-15T10:00:00", false},
		{"empty", "", true},
		{"garbage", "yesterday", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ParseTimestamp(tc.in)
			if got.IsZero() != tc.zero {
				t.Errorf("ParseTimestamp(%q) = %v, zero = %v", tc.in, got, tc.zero)
			}
		})
	}
}
