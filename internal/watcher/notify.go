package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// treeDepth is how far below a root directories are watched:
// <project>/<session>/subagents.
const treeDepth = 3

// Notifier watches transcript roots and calls kick, debounced, when a
// transcript is written. It only shortens the time to the next poll; the
// poller's own interval still applies when notifications are missed.
type Notifier struct {
	roots    []string
	debounce time.Duration
	kick     func()
	logger   zerolog.Logger
}

// NewNotifier creates a Notifier for roots.
func NewNotifier(roots []string, debounce time.Duration, kick func(), logger zerolog.Logger) *Notifier {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Notifier{
		roots:    roots,
		debounce: debounce,
		kick:     kick,
		logger:   logger.With().Str("component", "notifier").Logger(),
	}
}

// Run watches until ctx is cancelled. Roots that do not exist are skipped.
func (n *Notifier) Run(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fs watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	for _, root := range n.roots {
		n.addTree(w, root, treeDepth)
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if n.handle(w, event) && pending == nil {
				pending = time.After(n.debounce)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			n.logger.Warn().Err(err).Msg("fs watcher error")

		case <-pending:
			pending = nil
			n.kick()
		}
	}
}

// handle reacts to one event and reports whether it warrants a poll.
func (n *Notifier) handle(w *fsnotify.Watcher, event fsnotify.Event) bool {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			n.addTree(w, event.Name, treeDepth-n.depthOf(event.Name))
			return true
		}
	}
	if !strings.HasSuffix(event.Name, ".jsonl") {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}

// addTree watches dir and its subdirectories down to depth levels.
func (n *Notifier) addTree(w *fsnotify.Watcher, dir string, depth int) {
	if depth < 0 {
		return
	}
	if err := w.Add(dir); err != nil {
		n.logger.Debug().Err(err).Str("dir", dir).Msg("not watching")
		return
	}
	if depth == 0 {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			n.addTree(w, filepath.Join(dir, e.Name()), depth-1)
		}
	}
}

// depthOf returns how many levels below its root path is, or treeDepth if
// it is not under any root.
func (n *Notifier) depthOf(path string) int {
	for _, root := range n.roots {
		rel, err := filepath.Rel(root, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		return len(strings.Split(rel, string(filepath.Separator)))
	}
	return treeDepth
}
