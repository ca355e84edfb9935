package trigger

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/corvid-labs/weft/pkg/schema"
)

// debounceWindow batches filesystem events so an editor's write burst fires
// the workflow once per path instead of once per syscall.
const debounceWindow = 1 * time.Second

// watchSource watches a directory tree via fsnotify and fires the workflow
// once per distinct changed path after the debounce window closes.
type watchSource struct {
	workflowID string
	cfg        schema.WatchTriggerConfig
	watcher    *fsnotify.Watcher
	manager    *Manager

	mu      sync.Mutex
	pending map[string]string // path → last event kind
	timer   *time.Timer

	done chan struct{}
	wg   sync.WaitGroup
}

// registerWatch installs a watch source, replacing any previous watch for the
// same workflow.
func (m *Manager) registerWatch(workflowID string, cfg schema.WatchTriggerConfig) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeTrigger, "watch trigger for %q: %v", workflowID, err)
	}

	source := &watchSource{
		workflowID: workflowID,
		cfg:        cfg,
		watcher:    watcher,
		manager:    m,
		pending:    make(map[string]string),
		done:       make(chan struct{}),
	}

	if err := source.addPaths(); err != nil {
		watcher.Close()
		return schema.NewErrorf(schema.ErrCodeTrigger, "watch trigger for %q: %v", workflowID, err)
	}

	m.mu.Lock()
	previous := m.watches[workflowID]
	m.watches[workflowID] = source
	m.mu.Unlock()
	if previous != nil {
		previous.stop()
	}

	source.wg.Add(1)
	go source.loop()

	m.logger.Info("registered watch trigger",
		"workflow_id", workflowID, "path", cfg.Path, "recursive", cfg.Recursive)
	return nil
}

// addPaths registers the root and, when recursive, every subdirectory.
func (w *watchSource) addPaths() error {
	if !w.cfg.Recursive {
		return w.watcher.Add(w.cfg.Path)
	}
	return filepath.WalkDir(w.cfg.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.watcher.Add(path)
		}
		return nil
	})
}

func (w *watchSource) loop() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.manager.logger.Warn("watch error", "workflow_id", w.workflowID, "error", err.Error())
		case <-w.done:
			return
		}
	}
}

func (w *watchSource) handleEvent(event fsnotify.Event) {
	// New directories under a recursive watch join the watch set.
	if w.cfg.Recursive && event.Op.Has(fsnotify.Create) && isDir(event.Name) {
		if err := w.watcher.Add(event.Name); err != nil {
			w.manager.logger.Warn("failed to watch new directory",
				"workflow_id", w.workflowID, "path", event.Name, "error", err.Error())
		}
		return
	}

	if !w.matches(event.Name) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[event.Name] = eventKind(event.Op)
	if w.timer == nil {
		w.timer = time.AfterFunc(debounceWindow, w.flush)
	}
}

// matches applies the configured glob patterns to the changed file's base
// name. No patterns means every path matches.
func (w *watchSource) matches(path string) bool {
	if len(w.cfg.Patterns) == 0 {
		return true
	}
	base := filepath.Base(path)
	for _, pattern := range w.cfg.Patterns {
		if ok, err := filepath.Match(pattern, base); err == nil && ok {
			return true
		}
	}
	return false
}

// flush fires once per distinct path accumulated during the debounce window.
func (w *watchSource) flush() {
	w.mu.Lock()
	batch := w.pending
	w.pending = make(map[string]string)
	w.timer = nil
	w.mu.Unlock()

	select {
	case <-w.done:
		return
	default:
	}

	for path, kind := range batch {
		input := schema.NewDataMessage(map[string]any{
			"path":  path,
			"event": kind,
		})
		input.Metadata = map[string]string{"trigger": "watch"}
		w.manager.fire(w.workflowID, schema.TriggerTypeWatch, input)
	}
}

func (w *watchSource) stop() {
	w.watcher.Close()
	close(w.done)
	w.wg.Wait()

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
}

func eventKind(op fsnotify.Op) string {
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
		return strings.ToLower(op.String())
	}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
