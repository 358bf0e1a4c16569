package manifest

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// WatchTargets holds callbacks that fire when the manifest file or the
// module base directory changes on disk, one callback per watched kind.
type WatchTargets struct {
	// OnManifestChange fires when the manifest JSON file is written,
	// created, removed, or renamed.
	OnManifestChange func()

	// OnModuleChange fires when any file in the base directory is
	// written, created, removed, or renamed.
	OnModuleChange func()
}

// Watcher monitors the manifest file and the app module base directory
// using fsnotify, dispatching WatchTargets callbacks on change. A
// PauseWatch flag lets the owner elide self-induced reloads while it is
// itself writing the manifest.
type Watcher struct {
	fsWatcher    *fsnotify.Watcher
	manifestName string
	done         chan struct{}
	paused       atomic.Bool
}

// NewWatcher watches manifestPath's containing directory and baseDir
// for changes, dispatching targets' callbacks. Both directories may be
// the same.
func NewWatcher(manifestPath, baseDir string, targets WatchTargets) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("manifest: create watcher: %w", err)
	}

	manifestDir := filepath.Dir(manifestPath)
	if err := fw.Add(manifestDir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("manifest: watch %s: %w", manifestDir, err)
	}
	if baseDir != manifestDir {
		if err := fw.Add(baseDir); err != nil {
			fw.Close()
			return nil, fmt.Errorf("manifest: watch %s: %w", baseDir, err)
		}
	}

	w := &Watcher{
		fsWatcher:    fw,
		manifestName: filepath.Base(manifestPath),
		done:         make(chan struct{}),
	}
	go w.processEvents(targets, baseDir)

	slog.Info("manifest watcher started", "manifest_dir", manifestDir, "base_dir", baseDir)
	return w, nil
}

// PauseWatch suppresses callback dispatch for as long as paused is
// true. The owner sets this to true immediately before writing the
// manifest itself, and false again afterward, so its own Save call
// does not trigger a redundant reload.
func (w *Watcher) PauseWatch(paused bool) {
	w.paused.Store(paused)
}

func (w *Watcher) processEvents(targets WatchTargets, baseDir string) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if w.paused.Load() {
				continue
			}

			dir := filepath.Dir(event.Name)
			switch {
			case filepath.Base(event.Name) == w.manifestName:
				slog.Info("manifest file changed, triggering reload", "path", event.Name)
				if targets.OnManifestChange != nil {
					targets.OnManifestChange()
				}
			case dir == baseDir:
				slog.Info("app module changed, triggering reload", "path", event.Name)
				if targets.OnModuleChange != nil {
					targets.OnModuleChange()
				}
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("manifest watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher goroutine and releases the underlying
// fsnotify watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
