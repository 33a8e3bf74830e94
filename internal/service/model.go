package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

const ModelPathEnv = "APPLY_MODEL_PATH"

// Options holds Open options.
type Options struct {
	opener Opener
	logger *zap.Logger
}

// Option is a configuration function.
type Option func(*Options)

// WithOpener replaces the backend used to load the artifact.
func WithOpener(opener Opener) Option {
	return func(o *Options) {
		o.opener = opener
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		o.logger = logger
	}
}

// Model owns one loaded model handle. Predictions share the handle under a
// read lock; Close takes the write lock, so it waits for in-flight calls and
// releases the handle exactly once.
type Model struct {
	info   ModelInfo
	logger *zap.Logger

	mu        sync.RWMutex
	backend   Backend
	closeOnce sync.Once
	closeErr  error
}

// Open loads the model at path. An empty path falls back to APPLY_MODEL_PATH.
func Open(ctx context.Context, path string, opts ...Option) (*Model, error) {
	o := Options{opener: OpenCatBoost}
	for _, f := range opts {
		f(&o)
	}
	if o.opener == nil {
		return nil, fmt.Errorf("%w: no backend opener configured", ErrLoad)
	}
	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	resolvedPath, err := resolveModelPath(path, ModelPathEnv, "catboost model")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoad, err)
	}
	backend, err := o.opener(ctx, resolvedPath)
	if err != nil {
		if errors.Is(err, ErrLoad) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrLoad, err)
	}
	if backend == nil {
		return nil, fmt.Errorf("%w: backend returned nil handle", ErrLoad)
	}

	info := backend.Info()
	info.Path = resolvedPath
	info.Backend = backend.Name()
	logger.Info(
		"model_loaded",
		zap.String("path", info.Path),
		zap.String("backend", info.Backend),
		zap.Int("tree_count", info.TreeCount),
		zap.Int("float_features", info.FloatFeatures),
		zap.Int("cat_features", info.CatFeatures),
		zap.Int("dimensions", info.Dimensions),
	)
	return &Model{
		info:    info,
		logger:  logger,
		backend: backend,
	}, nil
}

func (m *Model) Info() ModelInfo { return m.info }

func (m *Model) Path() string { return m.info.Path }

func (m *Model) TreeCount() int { return m.info.TreeCount }

func (m *Model) FloatFeaturesCount() int { return m.info.FloatFeatures }

func (m *Model) CatFeaturesCount() int { return m.info.CatFeatures }

func (m *Model) DimensionsCount() int { return m.info.Dimensions }

// Closed reports whether Close has released the handle.
func (m *Model) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.backend == nil
}

func (m *Model) calc(ctx context.Context, batch *FeatureBatch) ([]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.backend == nil {
		return nil, fmt.Errorf("%w: %s", ErrModelClosed, m.info.Path)
	}
	if batch.Len() == 0 {
		return []float64{}, nil
	}
	return m.backend.Calc(ctx, batch)
}

// Close releases the native handle. Subsequent calls return the first result.
func (m *Model) Close() error {
	if m == nil {
		return errors.New("model is nil")
	}
	m.closeOnce.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.backend != nil {
			m.closeErr = m.backend.Close()
			m.backend = nil
		}
		m.logger.Info("model_closed", zap.String("path", m.info.Path))
	})
	return m.closeErr
}

func resolveModelPath(value string, envVar string, label string) (string, error) {
	candidate := value
	if candidate == "" {
		candidate = os.Getenv(envVar)
	}
	candidate = filepath.Clean(candidate)
	if candidate == "" || candidate == "." {
		return "", fmt.Errorf("%s path is required (flag or %s)", label, envVar)
	}
	absPath, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s path %q: %w", label, candidate, err)
	}
	return absPath, nil
}
