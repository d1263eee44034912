package signal

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"flowboard/internal/logger"
)

// Handler is called once per new or rewritten decision file.
type Handler func(ctx context.Context, itemID string)

type watched struct {
	itemID  string
	modTime time.Time
	dirty   time.Time
}

// Watcher notices decision files through fsnotify and falls back to polling
// when notifications are unavailable or missed.
type Watcher struct {
	handler  Handler
	interval time.Duration
	debounce time.Duration
	log      logger.Logger

	mu    sync.Mutex
	files map[string]*watched
	dirs  map[string]int
	fs    *fsnotify.Watcher
}

func NewWatcher(handler Handler, pollInterval time.Duration, log logger.Logger) *Watcher {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Watcher{
		handler:  handler,
		interval: pollInterval,
		debounce: 200 * time.Millisecond,
		log:      log.WithComponent("signal"),
		files:    map[string]*watched{},
		dirs:     map[string]int{},
	}
}

// Watch registers the decision file of an item. A file already present is
// reported on the next poll.
func (w *Watcher) Watch(itemID, path string) {
	path = filepath.Clean(path)
	w.mu.Lock()
	defer w.mu.Unlock()
	if cur, ok := w.files[path]; ok {
		cur.itemID = itemID
		return
	}
	w.files[path] = &watched{itemID: itemID}
	dir := filepath.Dir(path)
	w.dirs[dir]++
	if w.fs != nil && w.dirs[dir] == 1 {
		w.addDir(dir)
	}
}

// Unwatch drops every file registered for itemID.
func (w *Watcher) Unwatch(itemID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, f := range w.files {
		if f.itemID != itemID {
			continue
		}
		delete(w.files, path)
		dir := filepath.Dir(path)
		if w.dirs[dir]--; w.dirs[dir] <= 0 {
			delete(w.dirs, dir)
			if w.fs != nil {
				_ = w.fs.Remove(dir)
			}
		}
	}
}

func (w *Watcher) addDir(dir string) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.log.Warn("create signal directory", logger.F("dir", dir), logger.Err(err))
		return
	}
	if err := w.fs.Add(dir); err != nil {
		w.log.Warn("watch signal directory, polling instead", logger.F("dir", dir), logger.Err(err))
	}
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn("file notifications unavailable, polling only", logger.Err(err))
	} else {
		w.mu.Lock()
		w.fs = fsw
		for dir := range w.dirs {
			w.addDir(dir)
		}
		w.mu.Unlock()
		defer func() {
			w.mu.Lock()
			w.fs = nil
			w.mu.Unlock()
			fsw.Close()
		}()
	}

	var (
		fsEvents <-chan fsnotify.Event
		fsErrors <-chan error
	)
	if fsw != nil {
		fsEvents, fsErrors = fsw.Events, fsw.Errors
	}
	poll := time.NewTicker(w.interval)
	defer poll.Stop()
	settle := time.NewTicker(w.debounce / 2)
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.markDirty(ev.Name)
			}
		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			w.log.Warn("file watcher error", logger.Err(err))
		case <-settle.C:
			w.fireSettled(ctx)
		case <-poll.C:
			w.pollAll(ctx)
		}
	}
}

func (w *Watcher) markDirty(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if f, ok := w.files[filepath.Clean(path)]; ok {
		f.dirty = time.Now()
	}
}

func (w *Watcher) fireSettled(ctx context.Context) {
	cutoff := time.Now().Add(-w.debounce)
	var due []string
	w.mu.Lock()
	for path, f := range w.files {
		if !f.dirty.IsZero() && f.dirty.Before(cutoff) {
			f.dirty = time.Time{}
			due = append(due, path)
		}
	}
	w.mu.Unlock()
	for _, path := range due {
		w.check(ctx, path)
	}
}

func (w *Watcher) pollAll(ctx context.Context) {
	w.mu.Lock()
	paths := make([]string, 0, len(w.files))
	for path := range w.files {
		paths = append(paths, path)
	}
	w.mu.Unlock()
	for _, path := range paths {
		w.check(ctx, path)
	}
}

// check hands the file to the handler if it changed since it was last handled.
func (w *Watcher) check(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || time.Since(info.ModTime()) < w.debounce {
		return
	}
	w.mu.Lock()
	f, ok := w.files[path]
	if !ok || !info.ModTime().After(f.modTime) {
		w.mu.Unlock()
		return
	}
	f.modTime = info.ModTime()
	itemID := f.itemID
	w.mu.Unlock()

	w.log.Debug("decision file changed", logger.F("item", itemID), logger.F("path", path))
	w.handler(ctx, itemID)
}
