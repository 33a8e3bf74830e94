package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

type ModelOpenFn func(ctx context.Context, path string) (*Model, error)

// ModelWatcher serves predictions from the current model and swaps in a new
// one when the artifact changes on disk. The old model is closed only after
// every prediction holding it has returned.
type ModelWatcher struct {
	path     string
	open     ModelOpenFn
	logger   *zap.Logger
	debounce time.Duration

	mu       sync.RWMutex
	current  *Model
	onReload []func(*Model)
}

func NewModelWatcher(model *Model, open ModelOpenFn, logger *zap.Logger) (*ModelWatcher, error) {
	if model == nil {
		return nil, fmt.Errorf("model watcher needs a loaded model")
	}
	if open == nil {
		return nil, fmt.Errorf("model watcher needs an open function")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelWatcher{
		path:     filepath.Clean(model.Path()),
		open:     open,
		logger:   logger,
		debounce: 500 * time.Millisecond,
		current:  model,
	}, nil
}

func (w *ModelWatcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// OnReload registers fn to run after a successful swap.
func (w *ModelWatcher) OnReload(fn func(*Model)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = append(w.onReload, fn)
}

func (w *ModelWatcher) Current() *Model {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

func (w *ModelWatcher) Name() string { return w.Current().Info().Backend }

func (w *ModelWatcher) Info() ModelInfo { return w.Current().Info() }

func (w *ModelWatcher) Score(ctx context.Context, records []Record) ([]float64, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return NewPredictor(w.current).Predict(ctx, records)
}

// Reload opens the artifact again. On failure the current model stays.
func (w *ModelWatcher) Reload(ctx context.Context) error {
	next, err := w.open(ctx, w.path)
	if err != nil {
		w.logger.Error("model_reload_failed", zap.String("path", w.path), zap.Error(err))
		return err
	}
	w.mu.Lock()
	previous := w.current
	w.current = next
	callbacks := append([]func(*Model){}, w.onReload...)
	w.mu.Unlock()

	if closeErr := previous.Close(); closeErr != nil {
		w.logger.Warn("model_close_failed", zap.String("path", w.path), zap.Error(closeErr))
	}
	for _, fn := range callbacks {
		fn(next)
	}
	w.logger.Info(
		"model_reloaded",
		zap.String("path", w.path),
		zap.Int("tree_count", next.TreeCount()),
	)
	return nil
}

// Run watches the artifact's directory until ctx is done.
func (w *ModelWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(w.path), err)
	}
	w.logger.Info("model_watch_started", zap.String("path", w.path))

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.logger.Debug("model_file_changed", zap.String("path", event.Name), zap.String("op", event.Op.String()))
			pending = time.After(w.debounce)
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("model_watch_error", zap.Error(watchErr))
		case <-pending:
			pending = nil
			_ = w.Reload(ctx)
		}
	}
}

// Close releases the current model.
func (w *ModelWatcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current.Close()
}
