package replies

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher keeps the override folder in sync with the renderer until stopped.
type Watcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *Watcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

const reloadDebounce = 200 * time.Millisecond

// Watch loads the overrides once, then reloads them whenever a .tmpl file in
// dir changes. Reload failures keep the previous template set and are
// reported through the logger.
func (r *Renderer) Watch(ctx context.Context, dir string, logger *slog.Logger) (*Watcher, error) {
	if err := r.LoadOverrides(dir); err != nil {
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("replies: watch overrides: %w", err)
	}
	if err := fsWatcher.Add(dir); err != nil {
		_ = fsWatcher.Close()
		cancel()
		return nil, fmt.Errorf("replies: watch %q: %w", dir, err)
	}

	done := make(chan struct{})
	watcher := &Watcher{cancel: cancel, done: done}

	go func() {
		defer close(done)
		defer func() {
			if err := fsWatcher.Close(); err != nil && logger != nil {
				logger.Warn("override watcher close failed", slog.Any("error", err))
			}
		}()

		var debounce *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-watchCtx.Done():
				return
			case event, ok := <-fsWatcher.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(event.Name, ".tmpl") {
					continue
				}
				if debounce == nil {
					debounce = time.NewTimer(reloadDebounce)
					fire = debounce.C
				} else {
					debounce.Reset(reloadDebounce)
				}
			case err, ok := <-fsWatcher.Errors:
				if !ok {
					return
				}
				if logger != nil {
					logger.Warn("override watcher error", slog.Any("error", err))
				}
			case <-fire:
				debounce = nil
				fire = nil
				if err := r.LoadOverrides(dir); err != nil {
					if logger != nil {
						logger.Warn("override reload failed", slog.Any("error", err))
					}
					continue
				}
				if logger != nil {
					logger.Info("reply templates reloaded", slog.String("dir", dir))
				}
			}
		}
	}()

	return watcher, nil
}
