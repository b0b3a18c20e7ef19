package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultWatchDebounce coalesces the burst of write events editors and
// atomic-rename saves produce into one reload.
const defaultWatchDebounce = 250 * time.Millisecond

// Watcher reloads the config file when it changes on disk and hands each
// successfully-parsed result to the registered callback. A file that
// fails to parse is logged and skipped; the previous config stays live.
type Watcher struct {
	log      *slog.Logger
	path     string
	debounce time.Duration
	onReload func(*Config)

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWatcher builds a Watcher for path. onReload is invoked from the
// watch goroutine; it must not block for long.
func NewWatcher(log *slog.Logger, path string, onReload func(*Config)) *Watcher {
	return &Watcher{
		log:      log.With("component", "config_watcher"),
		path:     path,
		debounce: defaultWatchDebounce,
		onReload: onReload,
	}
}

// Start begins watching. The parent directory is watched rather than the
// file itself, so atomic rename-into-place saves are still observed.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watcher != nil {
		w.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.watcher = watcher
	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		w.Close()
		return err
	}

	w.wg.Add(1)
	go w.watchLoop(watchCtx, watcher)
	return nil
}

// Close stops the watch goroutine and releases the notify handle.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	watcher := w.watcher
	w.watcher = nil
	w.mu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	w.wg.Wait()
	return nil
}

func (w *Watcher) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer w.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time
	target, _ := filepath.Abs(w.path)

	for {
		select {
		case evt, ok := <-watcher.Events:
			if !ok {
				return
			}
			abs, _ := filepath.Abs(evt.Name)
			if abs != target {
				continue
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watch error", "error", err)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Warn("config reload failed, keeping previous config", "path", w.path, "error", err)
		return
	}
	w.log.Info("config reloaded", "path", w.path)
	w.onReload(cfg)
}
