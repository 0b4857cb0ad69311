package watchdog

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"git.unix.lgbt/diamondburned/watchdog/watchdog/logger"
)

// Watcher watches the start file while the supervisor runs. The fleet is
// fixed at startup, so changes are only journaled as a warning that they take
// effect on the next start.
type Watcher struct {
	w    *fsnotify.Watcher
	j    Journaler
	file string
}

// TryWatch attempts to watch the given file asynchronously, but it will log
// into the journaler if, for some reason, it fails to watch it.
func TryWatch(ctx context.Context, file string, j Journaler) *Watcher {
	w := newWatcher(file, j)

	go func() {
		if err := w.init(); err != nil {
			j.Write(&EventWarning{
				Component: logger.ComponentWatcher,
				Error:     fmt.Sprintf("not watching start file because: %v", err),
			})
			return
		}

		w.watch(ctx)
	}()

	return w
}

// NewWatcher watches the given file and logs events into the journaler. The
// watcher is stopped once the given context is canceled.
func NewWatcher(ctx context.Context, file string, j Journaler) (*Watcher, error) {
	w := newWatcher(file, j)
	if err := w.init(); err != nil {
		return nil, err
	}

	go w.watch(ctx)
	return w, nil
}

func newWatcher(file string, j Journaler) *Watcher {
	return &Watcher{
		j:    j,
		file: filepath.Clean(file),
	}
}

func (w *Watcher) init() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create watcher")
	}

	// The directory is watched so a replaced file is still seen.
	if err := watcher.Add(filepath.Dir(w.file)); err != nil {
		watcher.Close()
		return errors.Wrap(err, "failed to watch dir")
	}

	w.w = watcher
	return nil
}

func (w *Watcher) watch(ctx context.Context) {
	defer w.w.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			w.j.Write(&EventWarning{
				Component: logger.ComponentWatcher,
				Error:     "inotify error: " + err.Error(),
			})

		case evt, ok := <-w.w.Events:
			if !ok {
				return
			}

			event, ok := translateFsnotifyEvt(evt, w.file)
			if !ok {
				continue
			}

			w.j.Write(&event)
		}
	}
}

// translateFsnotifyEvt translates an fsnotify event on the watched file.
func translateFsnotifyEvt(evt fsnotify.Event, file string) (EventConfigFileModified, bool) {
	if filepath.Clean(evt.Name) != file {
		return EventConfigFileModified{}, false
	}

	var op string
	switch {
	case evt.Op&fsnotify.Write != 0:
		op = "update"
	case evt.Op&fsnotify.Create != 0:
		op = "add"
	case evt.Op&fsnotify.Rename != 0:
		// See https://github.com/fsnotify/fsnotify/issues/26.
		fallthrough
	case evt.Op&fsnotify.Remove != 0:
		op = "remove"
	default:
		return EventConfigFileModified{}, false
	}

	return EventConfigFileModified{File: file, Op: op}, true
}
