package bridge

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ResetFileName is the marker file an operator touches to clear the
// assistant's unavailable state. The bridge consumes and removes it.
const ResetFileName = "reset"

// ResetWatcher watches a directory for the reset marker file and invokes
// onReset when it appears.
type ResetWatcher struct {
	dir     string
	watcher *fsnotify.Watcher
	onReset func()
}

// NewResetWatcher creates a watcher over dir. Call Run to begin watching.
func NewResetWatcher(dir string, onReset func()) (*ResetWatcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &ResetWatcher{dir: dir, watcher: watcher, onReset: onReset}, nil
}

// Run watches until ctx is cancelled. A reset file already present at
// startup is honored too.
func (w *ResetWatcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}

	resetPath := filepath.Join(w.dir, ResetFileName)
	if _, err := os.Stat(resetPath); err == nil {
		w.fire(resetPath)
	}

	// Debounce timer: coalesce rapid file events
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != ResetFileName {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, func() {
				w.fire(resetPath)
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			bridgeLog.Warn("reset_watcher_error", slog.String("error", err.Error()))
		}
	}
}

func (w *ResetWatcher) fire(resetPath string) {
	_ = os.Remove(resetPath)
	bridgeLog.Info("reset_requested", slog.String("path", resetPath))
	w.onReset()
}
