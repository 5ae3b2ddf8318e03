package gateway

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// watchSkipDirs are directories never worth watching for fs-change events.
var watchSkipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
}

// watcherSet runs one fsnotify watcher per variant workspace and forwards
// file events to the variant's room as fs-change events.
type watcherSet struct {
	logger *slog.Logger

	mu       sync.Mutex
	watchers map[roomKey]*fsnotify.Watcher
}

func newWatcherSet(logger *slog.Logger) *watcherSet {
	if logger == nil {
		logger = slog.Default()
	}
	return &watcherSet{
		logger:   logger,
		watchers: make(map[roomKey]*fsnotify.Watcher),
	}
}

// Watch starts a recursive watcher over the workspace. Failures are logged,
// not fatal: fs-change events are a UI nicety, not a correctness concern.
func (ws *watcherSet) Watch(taskID, variantID, workspace string, rooms *roomBroker) {
	key := roomKey{taskID, variantID}

	ws.mu.Lock()
	if _, ok := ws.watchers[key]; ok {
		ws.mu.Unlock()
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		ws.mu.Unlock()
		ws.logger.Warn("workspace watcher unavailable", "workspace", workspace, "error", err)
		return
	}
	ws.watchers[key] = watcher
	ws.mu.Unlock()

	if err := addRecursive(watcher, workspace); err != nil {
		ws.logger.Warn("workspace watch failed", "workspace", workspace, "error", err)
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				rel, err := filepath.Rel(workspace, ev.Name)
				if err != nil || strings.HasPrefix(rel, "..") {
					continue
				}
				// New directories join the watch so nested edits are seen.
				if ev.Op.Has(fsnotify.Create) {
					if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
						_ = addRecursive(watcher, ev.Name)
					}
				}
				rooms.Publish(taskID, variantID, "fs-change", map[string]string{
					"operation": opName(ev.Op),
					"filePath":  rel,
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				ws.logger.Debug("workspace watcher error", "workspace", workspace, "error", err)
			}
		}
	}()
}

// Close stops every watcher.
func (ws *watcherSet) Close() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for key, watcher := range ws.watchers {
		_ = watcher.Close()
		delete(ws.watchers, key)
	}
}

// addRecursive registers a directory tree with the watcher.
func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if watchSkipDirs[d.Name()] {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

func opName(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "create"
	case op.Has(fsnotify.Write):
		return "write"
	case op.Has(fsnotify.Remove):
		return "remove"
	case op.Has(fsnotify.Rename):
		return "rename"
	case op.Has(fsnotify.Chmod):
		return "chmod"
	default:
		return "unknown"
	}
}
