// Package watch reports files appearing in or leaving the shared directory.
package watch

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Op is the kind of change observed.
type Op string

const (
	Added   Op = "added"
	Removed Op = "removed"
	Changed Op = "changed"
)

// Event is one change to an entry of the watched directory.
type Event struct {
	Op   Op
	Name string
}

// Dir watches dir until ctx is done, calling fn for each change. It returns
// an error only if the watch cannot be set up.
func Dir(ctx context.Context, dir string, fn func(Event), onErr func(error)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if e, ok := translate(ev); ok {
					fn(e)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if onErr != nil {
					onErr(err)
				}
			}
		}
	}()
	return nil
}

func translate(ev fsnotify.Event) (Event, bool) {
	name := filepath.Base(ev.Name)
	switch {
	case ev.Has(fsnotify.Create):
		return Event{Op: Added, Name: name}, true
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		return Event{Op: Removed, Name: name}, true
	case ev.Has(fsnotify.Write):
		return Event{Op: Changed, Name: name}, true
	default:
		return Event{}, false
	}
}
