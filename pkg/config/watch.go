package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/openfroyo/resilience/pkg/telemetry"
)

// Watcher reloads a configuration file when it changes.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	debounce time.Duration
	log      *telemetry.Logger
	reload   func(*Config)

	mu    sync.Mutex
	timer *time.Timer

	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// WatchOption customises Watch.
type WatchOption func(*Watcher)

// WithDebounce sets how long writes must settle before a reload.
func WithDebounce(d time.Duration) WatchOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithLogger sets the watcher logger.
func WithLogger(l *telemetry.Logger) WatchOption {
	return func(w *Watcher) { w.log = l }
}

// Watch calls fn with the newly loaded configuration each time path is
// written. Files that fail to load or validate are logged and skipped, so
// fn only ever sees valid configurations. The parent directory is watched
// so editors that replace the file by rename are followed.
func Watch(ctx context.Context, path string, fn func(*Config), opts ...WatchOption) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		path:     abs,
		watcher:  fw,
		debounce: defaultDebounce,
		log:      telemetry.NewNopLogger(),
		reload:   fn,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.NewComponentLogger("config_watcher")

	ctx, w.cancel = context.WithCancel(ctx)
	go w.processEvents(ctx)

	w.log.WithField("path", abs).Info("watching configuration")
	return w, nil
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.done)
	defer func() { _ = w.watcher.Close() }()

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil && w.timer.Stop() {
				w.wg.Done()
			}
			w.mu.Unlock()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.log.WithField("op", event.Op.String()).Debug("configuration file changed")
			w.schedule(ctx)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("configuration watcher error")
		}
	}
}

func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil && w.timer.Stop() {
		w.wg.Done()
	}
	w.wg.Add(1)
	w.timer = time.AfterFunc(w.debounce, func() {
		defer w.wg.Done()
		if ctx.Err() != nil {
			return
		}
		w.load()
	})
}

func (w *Watcher) load() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.WithError(err).Error("configuration reload failed, keeping previous settings")
		return
	}
	w.log.Info("configuration reloaded")
	w.reload(cfg)
}

// Close stops watching and waits for any pending reload to finish.
func (w *Watcher) Close() error {
	w.cancel()
	<-w.done
	w.wg.Wait()
	return nil
}
