package plan

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/3cpo-dev/convoy/pkg/api"
)

// Event is a reloaded plan, or the error that stopped it from loading.
type Event struct {
	Path string
	Spec *api.PlanSpec
	Err  error
}

// Watcher reports changes to a plan file. The parent directory is watched so
// editors that replace the file on save are seen too.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	events   chan Event
	debounce time.Duration
}

func NewWatcher(path string, debounce time.Duration) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	return &Watcher{path: abs, watcher: fw, events: make(chan Event, 4), debounce: debounce}, nil
}

// Events is closed when the watcher stops.
func (w *Watcher) Events() <-chan Event { return w.events }

// Start watches until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		w.watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	go w.run(ctx)
	return nil
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.events)
	defer w.watcher.Close()

	var pending time.Time
	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.Now()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.send(ctx, Event{Path: w.path, Err: err})
		case <-ticker.C:
			if pending.IsZero() || time.Since(pending) < w.debounce {
				continue
			}
			pending = time.Time{}
			spec, err := Load(w.path)
			w.send(ctx, Event{Path: w.path, Spec: spec, Err: err})
		}
	}
}

func (w *Watcher) send(ctx context.Context, ev Event) {
	select {
	case w.events <- ev:
	case <-ctx.Done():
	}
}
