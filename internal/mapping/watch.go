package mapping

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Provider hands out the currently active mapping configuration.
type Provider interface {
	Current() *Config
}

// Logger matches the subset of *log.Logger the watcher needs.
type Logger interface {
	Printf(format string, args ...any)
}

// Static is a Provider for a fixed configuration, used in tests and when
// hot reload is disabled.
type Static struct {
	Config *Config
}

func (s Static) Current() *Config {
	return s.Config
}

// Watcher keeps the mapping file loaded and swaps in new content when the
// file changes. A reload that fails to parse or validate is logged and
// discarded; the previous configuration stays active, so a bad edit can
// never take the sync engine down.
type Watcher struct {
	path    string
	logger  Logger
	fsw     *fsnotify.Watcher
	done    chan struct{}
	mu      sync.RWMutex
	current *Config
}

// Watch loads path and starts watching it for changes. The initial load
// must succeed; later reload failures only log.
func Watch(path string, logger Logger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("start mapping watcher: %w", err)
	}
	// Watch the directory, not the file: editors and config management
	// tools replace files by rename, which drops a direct file watch.
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch mapping dir: %w", err)
	}
	w := &Watcher{
		path:    filepath.Clean(path),
		logger:  logger,
		fsw:     fsw,
		done:    make(chan struct{}),
		current: cfg,
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logf("mapping watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logf("mapping reload rejected: %v", err)
		return
	}
	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()
	w.logf("mapping reloaded from %s (%d streams)", w.path, len(cfg.Streams))
}

func (w *Watcher) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}
