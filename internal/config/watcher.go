package config

import (
	"context"

	"github.com/fsnotify/fsnotify"

	"rhythmchamber/internal/logging"
)

// ReloadEvent signals that the config file changed on disk.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher watches the config file and emits reload events. Consumers re-Load
// and re-apply the sections they care about; the logging package additionally
// re-reads its own section via logging.ReloadConfig.
type Watcher struct {
	path   string
	events chan ReloadEvent
}

// NewWatcher creates a watcher for the given config path.
func NewWatcher(path string) *Watcher {
	return &Watcher{
		path:   path,
		events: make(chan ReloadEvent, 16),
	}
}

// Events returns the reload event stream. The channel closes when the
// watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start begins watching until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// The file may not exist yet; watching is best-effort until it does.
	_ = fsw.Add(w.path)

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
					// A pending event already covers this change.
				}
				logging.Config("config file changed (%s)", ev.Op)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				logging.ConfigDebug("config watcher error: %v", err)
			}
		}
	}()
	return nil
}
