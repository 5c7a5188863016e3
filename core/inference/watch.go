package inference

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"

	"github.com/adalundhe/threatlens/core/artifacts"
)

// DefaultDebounce coalesces the burst of events produced by one commit.
const DefaultDebounce = 150 * time.Millisecond

// WatchConfig configures artifact-root watching.
type WatchConfig struct {
	// Triggers are base-name patterns whose events schedule a reload.
	Triggers []string

	// Excludes are base-name patterns that never schedule a reload.
	Excludes []string

	Debounce time.Duration

	// OnReload, if set, is called after every reload attempt.
	OnReload func(error)
}

// DefaultWatchConfig reloads when the current link is swapped.
func DefaultWatchConfig() WatchConfig {
	return WatchConfig{
		Triggers: []string{artifacts.CurrentLink},
		Excludes: []string{".current_*", "*" + artifacts.PendingSuffix, ".lock"},
		Debounce: DefaultDebounce,
	}
}

// Watcher reloads an Engine when a new artifact set is committed.
type Watcher struct {
	engine   *Engine
	cfg      WatchConfig
	fs       *fsnotify.Watcher
	triggers []glob.Glob
	excludes []glob.Glob

	mu     sync.Mutex
	timer  *time.Timer
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// Watch starts watching root. Watching is established before Watch returns,
// so any commit after that point is observed.
func (e *Engine) Watch(ctx context.Context, root string, cfg WatchConfig) (*Watcher, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	triggers, err := compilePatterns(cfg.Triggers)
	if err != nil {
		return nil, err
	}
	excludes, err := compilePatterns(cfg.Excludes)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(root); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", root, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		engine:   e,
		cfg:      cfg,
		fs:       fw,
		triggers: triggers,
		excludes: excludes,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go w.loop(ctx)
	return w, nil
}

func compilePatterns(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	defer w.fs.Close()
	for w.processOnce(ctx) {
	}
}

// processOnce handles one event and reports whether the loop should continue.
func (w *Watcher) processOnce(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		w.stopTimer()
		return false
	case ev, ok := <-w.fs.Events:
		if !ok {
			return false
		}
		if w.relevant(ev) {
			w.schedule()
		}
		return true
	case err, ok := <-w.fs.Errors:
		if !ok {
			return false
		}
		w.engine.logger.Warn("artifact watcher error", "error", err)
		return true
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Write) {
		return false
	}
	return w.relevantName(filepath.Base(ev.Name))
}

func (w *Watcher) relevantName(name string) bool {
	for _, g := range w.excludes {
		if g.Match(name) {
			return false
		}
	}
	for _, g := range w.triggers {
		if g.Match(name) {
			return true
		}
	}
	return false
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.cfg.Debounce, w.reload)
}

func (w *Watcher) reload() {
	err := w.engine.Reload()
	if err != nil {
		w.engine.logger.Warn("artifact reload failed, keeping previous set", "error", err)
	}
	if w.cfg.OnReload != nil {
		w.cfg.OnReload(err)
	}
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
}

// Close stops watching and waits for the event loop to exit. A reload
// already in flight may still complete.
func (w *Watcher) Close() error {
	w.cancel()
	<-w.done
	return nil
}
