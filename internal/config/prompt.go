package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// PromptWatcher serves the orchestrator system prompt, reloading it when
// the backing file changes.
type PromptWatcher struct {
	path     string
	inline   string
	current  atomic.Value
	logger   *slog.Logger
	debounce time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPromptWatcher loads the prompt from path when set, otherwise serves
// inline unchanged.
func NewPromptWatcher(inline, path string, logger *slog.Logger) (*PromptWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w := &PromptWatcher{
		path:     strings.TrimSpace(path),
		inline:   inline,
		logger:   logger.With("component", "prompt-watcher"),
		debounce: 200 * time.Millisecond,
	}
	w.current.Store(inline)
	if w.path != "" {
		if err := w.reload(); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// Current returns the most recently loaded prompt.
func (w *PromptWatcher) Current() string {
	return w.current.Load().(string)
}

func (w *PromptWatcher) reload() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("failed to read system prompt file: %w", err)
	}
	w.current.Store(strings.TrimSpace(string(data)))
	return nil
}

// Start watches the prompt file's directory until ctx ends or Close is called.
// Watching the directory survives editors that replace files on save.
func (w *PromptWatcher) Start(ctx context.Context) error {
	if w.path == "" {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		return err
	}
	w.watcher = watcher
	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go w.loop(watchCtx, watcher)
	return nil
}

func (w *PromptWatcher) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer w.wg.Done()
	target := filepath.Clean(w.path)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				if err := w.reload(); err != nil {
					w.logger.Warn("system prompt reload failed", "error", err)
					return
				}
				w.logger.Info("system prompt reloaded", "path", w.path)
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("system prompt watch error", "error", err)
		}
	}
}

// Close stops the watcher.
func (w *PromptWatcher) Close() error {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	watcher := w.watcher
	w.watcher = nil
	w.mu.Unlock()

	var err error
	if watcher != nil {
		err = watcher.Close()
	}
	w.wg.Wait()
	return err
}
