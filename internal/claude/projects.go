package claude

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultArchiveMarkers are name fragments that mark a transcript as archived
// or deleted.
var DefaultArchiveMarkers = []string{".deleted", ".archived", ".bak"}

// subagentPrefix is the file-name prefix of delegated agent transcripts.
const subagentPrefix = "agent-"

// IsArchived reports whether a transcript file name carries an archive marker.
func IsArchived(name string, markers []string) bool {
	for _, m := range markers {
		if m == "" {
			continue
		}
		if strings.HasSuffix(name, m) || strings.Contains(name, m+".") {
			return true
		}
	}
	return false
}

// ListTranscripts walks a transcript root laid out as one directory per
// project, holding <session>.jsonl files and <session>/subagents/*.jsonl
// files. Files modified before since, or carrying an archive marker, are
// skipped. Unreadable directories are skipped rather than reported; only a
// failure to read root itself is an error, and a missing root is not.
func ListTranscripts(root string, since time.Time, markers []string) ([]TranscriptFile, error) {
	projectDirs, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []TranscriptFile
	for _, pd := range projectDirs {
		if !pd.IsDir() {
			continue
		}
		dirPath := filepath.Join(root, pd.Name())
		entries, err := os.ReadDir(dirPath)
		if err != nil {
			continue
		}

		for _, e := range entries {
			name := e.Name()
			if e.IsDir() {
				files = append(files, listSubagents(filepath.Join(dirPath, name, "subagents"), name, since, markers)...)
				continue
			}
			if !strings.HasSuffix(name, ".jsonl") || IsArchived(name, markers) {
				continue
			}
			tf, ok := statTranscript(filepath.Join(dirPath, name), since)
			if !ok {
				continue
			}
			tf.SessionID = strings.TrimSuffix(name, ".jsonl")
			tf.AgentID = tf.SessionID
			files = append(files, tf)
		}
	}
	return files, nil
}

// listSubagents lists delegated agent transcripts of one session.
func listSubagents(dir, sessionID string, since time.Time, markers []string) []TranscriptFile {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var files []TranscriptFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl") || IsArchived(name, markers) {
			continue
		}
		tf, ok := statTranscript(filepath.Join(dir, name), since)
		if !ok {
			continue
		}
		tf.SessionID = sessionID
		tf.ParentID = sessionID
		tf.AgentID = strings.TrimPrefix(strings.TrimSuffix(name, ".jsonl"), subagentPrefix)
		files = append(files, tf)
	}
	return files
}

// WithSession places tf under the session its records declare. Older
// versions wrote subagent transcripts as <project>/agent-<id>.jsonl next to
// the session files, so only the records' sessionId names the parent.
func (tf TranscriptFile) WithSession(info TranscriptInfo) TranscriptFile {
	if tf.Subagent() || info.SessionID == "" || info.SessionID == tf.SessionID {
		return tf
	}
	name := strings.TrimSuffix(filepath.Base(tf.Path), ".jsonl")
	if !strings.HasPrefix(name, subagentPrefix) {
		return tf
	}
	tf.SessionID = info.SessionID
	tf.ParentID = info.SessionID
	tf.AgentID = strings.TrimPrefix(name, subagentPrefix)
	return tf
}

func statTranscript(path string, since time.Time) (TranscriptFile, bool) {
	st, err := os.Stat(path)
	if err != nil || !st.Mode().IsRegular() {
		return TranscriptFile{}, false
	}
	if !since.IsZero() && st.ModTime().Before(since) {
		return TranscriptFile{}, false
	}
	return TranscriptFile{Path: path, ModTime: st.ModTime(), Size: st.Size()}, true
}
