// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

// Package watch notices on-disk changes to hot-reloadable plugins and
// reports them to the manager, debounced so an unpacking tarball
// triggers one reload instead of fifty.
package watch

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dynaplug/dynaplug/pkg/plugerr"
)

// debounceWindow coalesces change bursts per plugin.
const debounceWindow = 500 * time.Millisecond

// ChangeFunc is called once per settled change burst.
type ChangeFunc func(pluginID, dir string)

// Watcher maps watched plugin directories to reload callbacks.
type Watcher struct {
	fs       *fsnotify.Watcher
	logger   *slog.Logger
	onChange ChangeFunc

	mu      sync.Mutex
	byDir   map[string]string // dir -> plugin id
	byID    map[string]string // plugin id -> dir
	pending map[string]*time.Timer
	closed  bool

	wg sync.WaitGroup
}

// New creates a watcher that calls onChange for settled changes.
func New(onChange ChangeFunc, logger *slog.Logger) (*Watcher, error) {
	if onChange == nil {
		return nil, plugerr.New(plugerr.CodeInvalidParameters, "nil change callback")
	}
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, plugerr.Wrap(plugerr.CodeFileSystemError, err)
	}
	w := &Watcher{
		fs:       fsw,
		logger:   logger,
		onChange: onChange,
		byDir:    make(map[string]string),
		byID:     make(map[string]string),
		pending:  make(map[string]*time.Timer),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Watch starts watching a plugin's directory.
func (w *Watcher) Watch(pluginID, dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return plugerr.New(plugerr.CodeInvalidOperation, "watcher closed")
	}
	if prev, ok := w.byID[pluginID]; ok && prev != dir {
		return plugerr.WithPlugin(plugerr.CodeAlreadyExists, pluginID,
			"already watching %s", prev)
	}
	if err := w.fs.Add(dir); err != nil {
		return plugerr.WrapPlugin(plugerr.CodeFileSystemError, pluginID, err)
	}
	w.byDir[dir] = pluginID
	w.byID[pluginID] = dir
	return nil
}

// Unwatch stops watching a plugin. Unknown ids are ignored.
func (w *Watcher) Unwatch(pluginID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	dir, ok := w.byID[pluginID]
	if !ok {
		return
	}
	delete(w.byID, pluginID)
	delete(w.byDir, dir)
	if timer, ok := w.pending[pluginID]; ok {
		timer.Stop()
		delete(w.pending, pluginID)
	}
	if err := w.fs.Remove(dir); err != nil {
		w.logger.Warn("failed to remove watch",
			slog.String("plugin_id", pluginID), slog.Any("error", err))
	}
}

// Watched reports whether the plugin is currently watched.
func (w *Watcher) Watched(pluginID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.byID[pluginID]
	return ok
}

// Close stops the watcher. Pending debounce timers are discarded.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for id, timer := range w.pending {
		timer.Stop()
		delete(w.pending, id)
	}
	w.mu.Unlock()

	err := w.fs.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.schedule(event)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", slog.Any("error", err))
		}
	}
}

// schedule arms (or re-arms) the debounce timer for the plugin owning
// the changed path.
func (w *Watcher) schedule(event fsnotify.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	dir := event.Name
	id, ok := w.byDir[dir]
	if !ok {
		// Event on a file inside a watched dir.
		for watched, owner := range w.byDir {
			if len(dir) > len(watched) && dir[:len(watched)] == watched && dir[len(watched)] == filepath.Separator {
				id, ok = owner, true
				break
			}
		}
	}
	if !ok {
		return
	}

	if timer, armed := w.pending[id]; armed {
		timer.Reset(debounceWindow)
		return
	}
	pluginDir := w.byID[id]
	w.pending[id] = time.AfterFunc(debounceWindow, func() {
		w.mu.Lock()
		delete(w.pending, id)
		stillWatched := w.byID[id] == pluginDir && !w.closed
		w.mu.Unlock()
		if stillWatched {
			w.onChange(id, pluginDir)
		}
	})
}
