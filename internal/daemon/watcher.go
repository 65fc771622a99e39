package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"firestige.xyz/udprec/internal/log"
)

// reloadDebounce is the quiet period after the last write before reloading.
const reloadDebounce = 300 * time.Millisecond

type reloader interface {
	Reload() error
}

// configWatcher reloads the daemon when its config file changes. It watches
// the parent directory so editors that replace the file are still seen.
type configWatcher struct {
	watcher *fsnotify.Watcher
	path    string
	target  reloader
	delay   time.Duration
}

func newConfigWatcher(path string, target reloader) (*configWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", abs, err)
	}
	return &configWatcher{watcher: w, path: abs, target: target, delay: reloadDebounce}, nil
}

// Run blocks until ctx is cancelled.
func (c *configWatcher) Run(ctx context.Context) {
	defer c.watcher.Close()

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != c.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(c.delay, func() {
				if ctx.Err() != nil {
					return
				}
				if err := c.target.Reload(); err != nil {
					log.GetLogger().WithError(err).Error("config hot-reload failed")
				}
			})

		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			log.GetLogger().WithError(err).Warn("config watcher error")
		}
	}
}
