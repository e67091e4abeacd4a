package alert

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// RuleWatcher hot reloads the alert rule directory into a running engine.
type RuleWatcher struct {
	dir       string
	hotReload bool
	debounce  time.Duration
	engine    *Engine
	logger    *slog.Logger

	watcher *fsnotify.Watcher
	stop    chan struct{}
}

// NewRuleWatcher creates a watcher over the given rule directory.
func NewRuleWatcher(dir string, hotReload bool, debounce time.Duration, engine *Engine, logger *slog.Logger) *RuleWatcher {
	return &RuleWatcher{
		dir:       dir,
		hotReload: hotReload,
		debounce:  debounce,
		engine:    engine,
		logger:    logger,
	}
}

// Start begins the fsnotify-backed reload loop, if enabled. A reload that
// fails to parse keeps the engine on its current rule set.
func (w *RuleWatcher) Start() error {
	if !w.hotReload || w.dir == "" {
		w.logger.Info("Rule hot reload disabled")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(w.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch rules dir: %w", err)
	}

	w.watcher = watcher
	w.stop = make(chan struct{})
	go w.watchLoop()

	w.logger.Info("Rule watcher started", "dir", w.dir)
	return nil
}

func (w *RuleWatcher) watchLoop() {
	var timer *time.Timer
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Rule watcher error", "error", err)
		case <-w.stop:
			return
		}
	}
}

func (w *RuleWatcher) reload() {
	rules, err := LoadRules(w.dir)
	if err != nil {
		w.logger.Error("Rule reload failed", "error", err)
		return
	}
	w.engine.ReplaceRules(rules)
	w.logger.Info("Alert rules reloaded", "count", len(rules))
}

// Close stops the watcher.
func (w *RuleWatcher) Close() {
	if w.watcher != nil {
		close(w.stop)
		w.watcher.Close()
		w.watcher = nil
	}
}
