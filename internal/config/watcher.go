package config

import (
	"context"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 100 * time.Millisecond

// ReloadEvent reports that a watched file settled after one or more writes.
// Op is the union of the operations seen during the burst.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher reports edits to config.yaml and policy.yaml in the home
// directory. Editors often write a file several times in a row; events for
// one file within the debounce window collapse into a single ReloadEvent.
type Watcher struct {
	dir      string
	logger   *slog.Logger
	debounce time.Duration
	watched  map[string]bool
	out      chan ReloadEvent
}

type WatcherOption func(*Watcher)

// WithDebounce sets how long a file must stay quiet before it is reported.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

func NewWatcher(homeDir string, logger *slog.Logger, opts ...WatcherOption) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		dir:      homeDir,
		logger:   logger,
		debounce: defaultDebounce,
		watched: map[string]bool{
			filepath.Base(ConfigPath(homeDir)): true,
			filepath.Base(PolicyPath(homeDir)): true,
		},
		out: make(chan ReloadEvent, 8),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.out
}

// Start watches the directory rather than the files so that files created
// after startup, or replaced by rename, are still seen. Events is closed
// once ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		return err
	}
	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	defer close(w.out)

	pending := make(map[string]fsnotify.Op)
	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			pending[ev.Name] |= ev.Op
			if settle == nil {
				settle = time.After(w.debounce)
			}
		case <-settle:
			settle = nil
			for _, path := range slices.Sorted(maps.Keys(pending)) {
				w.emit(ReloadEvent{Path: path, Op: pending[path]})
			}
			clear(pending)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	return w.watched[filepath.Base(ev.Name)]
}

// emit never blocks; a reader that falls behind misses reloads, not the
// watcher loop.
func (w *Watcher) emit(ev ReloadEvent) {
	select {
	case w.out <- ev:
		w.logger.Debug("config file settled", "path", ev.Path, "op", ev.Op.String())
	default:
		w.logger.Warn("config reload event dropped; consumer is behind", "path", ev.Path)
	}
}
