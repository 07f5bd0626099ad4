package state

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
)

// NormalizePath cleans a workspace path to a canonical form suitable for
// comparison. It resolves ".." components, removes trailing slashes and
// normalizes separators. Returns an empty string for empty or "." input,
// which never names a workspace.
func NormalizePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	cleaned := filepath.Clean(path)
	if cleaned == "." {
		return ""
	}
	return cleaned
}

// NewProjectID derives the project id from a normalized path.
func NewProjectID(normalized string) ProjectID {
	sum := sha256.Sum256([]byte(normalized))
	return ProjectID(hex.EncodeToString(sum[:8]))
}

// DefaultName is the display name used when a source supplies none.
func DefaultName(normalized string) string {
	base := filepath.Base(normalized)
	if base == string(filepath.Separator) || base == "." {
		return normalized
	}
	return base
}
