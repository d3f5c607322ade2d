package realitycheck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce coalesces bursts of writes into one reload.
const DefaultWatchDebounce = 250 * time.Millisecond

// DirectoryWatcher reloads a tracker directory when one of its source files
// changes. Parent directories are watched so editors that replace files by
// rename are still seen.
type DirectoryWatcher struct {
	// Reload rebuilds the directory.
	Reload ReloadFunc

	// Debounce is the quiet period before a reload.
	Debounce time.Duration

	Logger *slog.Logger

	files   map[string]struct{}
	watcher *fsnotify.Watcher
	running atomic.Bool
	reloads atomic.Int64
	failed  atomic.Int64
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDirectoryWatcher creates a watcher that calls reload when any of files
// changes.
func NewDirectoryWatcher(reload ReloadFunc, files ...string) *DirectoryWatcher {
	w := &DirectoryWatcher{
		Reload:   reload,
		Debounce: DefaultWatchDebounce,
		Logger:   slog.Default(),
		files:    make(map[string]struct{}, len(files)),
	}
	for _, f := range files {
		if abs, err := filepath.Abs(f); err == nil {
			f = abs
		}
		w.files[filepath.Clean(f)] = struct{}{}
	}
	return w
}

// Start begins watching. It returns an error when there is nothing to watch
// or a parent directory cannot be watched.
func (w *DirectoryWatcher) Start(ctx context.Context) error {
	if len(w.files) == 0 {
		return errors.New("no files to watch")
	}
	if !w.running.CompareAndSwap(false, true) {
		return errors.New("watcher already running")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.running.Store(false)
		return fmt.Errorf("creating watcher: %w", err)
	}

	dirs := make(map[string]struct{})
	for f := range w.files {
		dirs[filepath.Dir(f)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			w.running.Store(false)
			return fmt.Errorf("watching %s: %w", dir, err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	w.watcher, w.cancel, w.done = watcher, cancel, make(chan struct{})
	go w.loop(ctx)
	return nil
}

func (w *DirectoryWatcher) loop(ctx context.Context) {
	defer close(w.done)

	debounce := w.Debounce
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if _, watched := w.files[filepath.Clean(ev.Name)]; !watched {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.Logger.Warn("directory watcher error", "error", err)

		case <-fire:
			fire = nil
			w.reloads.Add(1)
			if err := w.Reload(ctx); err != nil {
				w.failed.Add(1)
				w.Logger.Error("tracker directory reload failed", "error", err)
				continue
			}
			w.Logger.Info("tracker directory reloaded after file change")
		}
	}
}

// Stop stops watching and waits for the loop to exit.
func (w *DirectoryWatcher) Stop() error {
	if !w.running.CompareAndSwap(true, false) {
		return nil
	}
	w.cancel()
	<-w.done
	return w.watcher.Close()
}

// Reloads returns the number of reloads attempted and how many failed.
func (w *DirectoryWatcher) Reloads() (total, failed int64) {
	return w.reloads.Load(), w.failed.Load()
}
