// Package control implements the service-manager handshake: two notify
// files next to the configured base path signal stop and reload requests,
// and reload completion is acknowledged by writing DONE into the reload
// file before removing it.
package control

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

type Watcher struct {
	stopFile   string
	reloadFile string
	logger     *slog.Logger

	fsw    *fsnotify.Watcher
	stop   atomic.Bool
	reload atomic.Bool
}

// New builds a watcher for <base>.notify.stop and <base>.notify.reload.
// Files that already exist at startup are honored.
func New(logger *slog.Logger, base string) (*Watcher, error) {
	w := &Watcher{
		stopFile:   base + ".notify.stop",
		reloadFile: base + ".notify.reload",
		logger:     logger.With(slog.String("component", "control")),
	}
	if fileExists(w.stopFile) {
		w.stop.Store(true)
	}
	if pendingReload(w.reloadFile) {
		w.reload.Store(true)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(w.stopFile)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	w.fsw = fsw
	return w, nil
}

// Watch consumes filesystem events until the watcher is closed. Run it on
// its own goroutine.
func (w *Watcher) Watch() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			switch ev.Name {
			case w.stopFile:
				w.logger.Info("stop notify file detected")
				w.stop.Store(true)
			case w.reloadFile:
				if pendingReload(w.reloadFile) {
					w.logger.Info("reload notify file detected")
					w.reload.Store(true)
				}
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", slog.Any("error", err))
		}
	}
}

func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// StopRequested reports whether a stop has been signaled. The stat fallback
// covers events that raced the watcher setup.
func (w *Watcher) StopRequested() bool {
	if w.stop.Load() {
		return true
	}
	if fileExists(w.stopFile) {
		w.stop.Store(true)
		return true
	}
	return false
}

// ReloadRequested reports whether a reload is pending. A reload file with
// content is one we already acknowledged and is ignored.
func (w *Watcher) ReloadRequested() bool {
	if w.reload.Load() {
		return true
	}
	if pendingReload(w.reloadFile) {
		w.reload.Store(true)
		return true
	}
	return false
}

// AckReload acknowledges a completed reload: the service manager reads the
// DONE marker, then the file is removed so the next touch signals again.
func (w *Watcher) AckReload() error {
	w.reload.Store(false)
	if err := os.WriteFile(w.reloadFile, []byte("DONE"), 0o644); err != nil {
		return err
	}
	return os.Remove(w.reloadFile)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// pendingReload reports whether the reload file exists and is empty; the
// manager creates it empty and we fill it on acknowledgement.
func pendingReload(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Size() == 0
}
