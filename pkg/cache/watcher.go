package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/openfroyo/pkgdeck/pkg/engine"
	"github.com/openfroyo/pkgdeck/pkg/telemetry"
)

// DefaultDebounce is how long the watcher waits for a burst of writes to
// settle before invalidating.
const DefaultDebounce = 250 * time.Millisecond

// manifestFiles are the project files whose change invalidates a local
// listing. Installs rewrite the lockfile even when the manifest is unchanged.
var manifestFiles = map[string]bool{
	"package.json":        true,
	"package-lock.json":   true,
	"npm-shrinkwrap.json": true,
	"yarn.lock":           true,
	"pnpm-lock.yaml":      true,
	"bun.lock":            true,
	"bun.lockb":           true,
	"pyproject.toml":      true,
	"requirements.txt":    true,
	"uv.lock":             true,
}

// Watcher invalidates local-scope entries when their project directory's
// manifest or lockfile changes outside pkgdeck.
type Watcher struct {
	store    engine.CacheStore
	fs       *fsnotify.Watcher
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	events   *telemetry.EventPublisher
	debounce time.Duration

	mu      sync.Mutex
	dirs    map[string]map[engine.CacheKey]struct{}
	pending map[string]*time.Timer
	closed  bool

	done chan struct{}
}

// NewWatcher starts a watcher invalidating entries of store. A nil tel
// disables instrumentation.
func NewWatcher(store engine.CacheStore, tel *telemetry.Telemetry) (*Watcher, error) {
	if tel == nil {
		tel = telemetry.Nop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	w := &Watcher{
		store:    store,
		fs:       fsw,
		logger:   tel.Logger.Component("cache"),
		metrics:  tel.Metrics,
		events:   tel.Events,
		debounce: DefaultDebounce,
		dirs:     make(map[string]map[engine.CacheKey]struct{}),
		pending:  make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// SetDebounce changes the settle delay. It must be called before Watch.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// Watch registers key for invalidation when scope's directory changes.
// Global scopes are ignored. Watching the same directory again only adds
// the key.
func (w *Watcher) Watch(key engine.CacheKey, scope engine.Scope) error {
	if scope.Kind != engine.ScopeLocal {
		return nil
	}
	dir := filepath.Clean(scope.Dir)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("watcher closed")
	}
	if keys, ok := w.dirs[dir]; ok {
		keys[key] = struct{}{}
		return nil
	}
	if err := w.fs.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.dirs[dir] = map[engine.CacheKey]struct{}{key: {}}
	w.logger.Debug().Str("dir", dir).Str("key", key.String()).Msg("watching project directory")
	return nil
}

// Unwatch stops watching dir.
func (w *Watcher) Unwatch(dir string) error {
	dir = filepath.Clean(dir)
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.dirs[dir]; !ok {
		return nil
	}
	delete(w.dirs, dir)
	if t, ok := w.pending[dir]; ok {
		t.Stop()
		delete(w.pending, dir)
	}
	return w.fs.Remove(dir)
}

// Dirs returns the watched directories.
func (w *Watcher) Dirs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	dirs := make([]string, 0, len(w.dirs))
	for dir := range w.dirs {
		dirs = append(dirs, dir)
	}
	return dirs
}

// Close stops the watcher and waits for its event loop to exit.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for dir, t := range w.pending {
		t.Stop()
		delete(w.pending, dir)
	}
	w.mu.Unlock()

	err := w.fs.Close()
	<-w.done
	return err
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !manifestFiles[filepath.Base(event.Name)] {
				continue
			}
			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("project file changed")
			w.schedule(filepath.Dir(event.Name))

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("watcher error")
		}
	}
}

// schedule debounces invalidation of dir.
func (w *Watcher) schedule(dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if _, ok := w.dirs[dir]; !ok {
		return
	}
	if t, ok := w.pending[dir]; ok {
		t.Stop()
	}
	w.pending[dir] = time.AfterFunc(w.debounce, func() {
		w.invalidate(dir)
	})
}

func (w *Watcher) invalidate(dir string) {
	w.mu.Lock()
	delete(w.pending, dir)
	keys := make([]engine.CacheKey, 0, len(w.dirs[dir]))
	for key := range w.dirs[dir] {
		keys = append(keys, key)
	}
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, key := range keys {
		if err := w.store.Invalidate(ctx, key); err != nil {
			w.logger.Warn().Err(err).Str("key", key.String()).Msg("failed to invalidate cache entry")
			continue
		}
		w.metrics.RecordCacheInvalidation(key.Backend, "watch")
		_ = w.events.Publish(telemetry.Event{
			Type:    telemetry.EventTypeCacheInvalidated,
			Source:  "cache",
			Backend: key.Backend,
			Message: fmt.Sprintf("%s changed on disk", dir),
			Data:    map[string]interface{}{"key": key.String(), "reason": "watch"},
		})
		w.logger.Info().Str("key", key.String()).Str("dir", dir).Msg("cache invalidated by file change")
	}
}
