package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ChangeEvent describes one observed configuration change.
type ChangeEvent struct {
	File      string                 `json:"file"`
	Action    string                 `json:"action"` // create, modify, delete
	Config    map[string]interface{} `json:"config"`
	Timestamp time.Time              `json:"timestamp"`
}

// ChangeHandler is called when a watched file changes.
type ChangeHandler func(event ChangeEvent) error

// Watcher hot-reloads YAML configuration files. Handlers subscribe per
// filename; a changed file is re-parsed and every handler for it runs.
// Editors that replace files via rename are handled like writes.
type Watcher struct {
	dir     string
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	mu       sync.RWMutex
	handlers map[string][]ChangeHandler
	configs  map[string]map[string]interface{}
	started  bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWatcher watches YAML files under dir.
func NewWatcher(dir string, logger *zap.Logger) (*Watcher, error) {
	if dir == "" {
		return nil, fmt.Errorf("config directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Watcher{
		dir:      dir,
		watcher:  fw,
		logger:   logger,
		handlers: make(map[string][]ChangeHandler),
		configs:  make(map[string]map[string]interface{}),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// OnChange registers a handler for filename (base name, e.g.
// "sources.yaml").
func (w *Watcher) OnChange(filename string, handler ChangeHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[filename] = append(w.handlers[filename], handler)
	w.logger.Info("Configuration handler registered", zap.String("filename", filename))
}

// Current returns the last loaded content of filename.
func (w *Watcher) Current(filename string) (map[string]interface{}, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	cfg, ok := w.configs[filename]
	if !ok {
		return nil, false
	}
	out := make(map[string]interface{}, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	return out, true
}

// Start loads the watched files and begins dispatching changes.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = true
	w.mu.Unlock()

	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read config directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !isYAML(e.Name()) {
			continue
		}
		if loadErr := w.load(filepath.Join(w.dir, e.Name()), "initial_load"); loadErr != nil {
			w.logger.Warn("Failed to load config file",
				zap.String("file", e.Name()), zap.Error(loadErr))
		}
	}

	go w.loop(ctx)
	w.logger.Info("Configuration watcher started", zap.String("dir", w.dir))
	return nil
}

// Stop halts the watch loop.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	w.mu.Unlock()

	close(w.stopCh)
	_ = w.watcher.Close()
	<-w.doneCh
	w.logger.Info("Configuration watcher stopped")
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !isYAML(ev.Name) {
		return
	}
	filename := filepath.Base(ev.Name)

	switch {
	case ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0:
		// Editors often write in bursts; let the file settle.
		time.Sleep(50 * time.Millisecond)
		if _, err := os.Stat(ev.Name); err != nil {
			// Renamed away, treat as removal.
			w.dispatchRemoval(filename)
			return
		}
		action := "modify"
		if ev.Op&fsnotify.Create != 0 {
			action = "create"
		}
		if err := w.load(ev.Name, action); err != nil {
			w.logger.Error("Failed to reload config file",
				zap.String("file", filename), zap.Error(err))
		}
	case ev.Op&fsnotify.Remove != 0:
		w.dispatchRemoval(filename)
	}
}

func (w *Watcher) load(path, action string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}

	filename := filepath.Base(path)
	w.mu.Lock()
	w.configs[filename] = cfg
	handlers := append([]ChangeHandler(nil), w.handlers[filename]...)
	w.mu.Unlock()

	w.dispatch(handlers, ChangeEvent{
		File:      filename,
		Action:    action,
		Config:    cfg,
		Timestamp: time.Now(),
	})

	w.logger.Info("Configuration loaded",
		zap.String("filename", filename),
		zap.String("action", action),
		zap.Int("keys", len(cfg)),
	)
	return nil
}

func (w *Watcher) dispatchRemoval(filename string) {
	w.mu.Lock()
	last := w.configs[filename]
	delete(w.configs, filename)
	handlers := append([]ChangeHandler(nil), w.handlers[filename]...)
	w.mu.Unlock()

	w.dispatch(handlers, ChangeEvent{
		File:      filename,
		Action:    "delete",
		Config:    last,
		Timestamp: time.Now(),
	})
	w.logger.Info("Configuration file removed", zap.String("filename", filename))
}

func (w *Watcher) dispatch(handlers []ChangeHandler, ev ChangeEvent) {
	for _, h := range handlers {
		if err := h(ev); err != nil {
			w.logger.Error("Configuration handler error",
				zap.String("filename", ev.File),
				zap.String("action", ev.Action),
				zap.Error(err),
			)
		}
	}
}

func isYAML(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}
