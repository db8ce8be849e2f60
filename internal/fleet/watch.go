package fleet

import (
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/marcus/foreman/internal/config"
	"github.com/marcus/foreman/internal/state"
)

// Watch reports writes to this repo's state file so the UI can reload when
// another instance saves. The watcher runs until stop is closed; onChange is
// called from the watcher goroutine.
func Watch(store *state.Store, cfg *config.Resolved, logger *slog.Logger, stop <-chan struct{}, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	statePath := store.Path(cfg)
	if err := watcher.Add(filepath.Dir(statePath)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		base := filepath.Base(statePath)
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				onChange()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("state watcher error", "error", err)
			}
		}
	}()
	return nil
}
