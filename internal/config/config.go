// Package config loads apply-model settings from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/apex-x/apply-model/internal/logging"
	"github.com/apex-x/apply-model/internal/service"
)

// Config holds all apply-model configuration.
type Config struct {
	Model    ModelConfig    `yaml:"model"`
	Decision DecisionConfig `yaml:"decision"`
	Schema   service.Schema `yaml:"schema"`
	Server   ServerConfig   `yaml:"server"`
	Logging  logging.Config `yaml:"logging"`
}

type ModelConfig struct {
	Path string `yaml:"path"`
}

// DecisionConfig configures the sigmoid-and-threshold step.
type DecisionConfig struct {
	Threshold     float64 `yaml:"threshold"`
	PositiveLabel string  `yaml:"positive_label"`
	NegativeLabel string  `yaml:"negative_label"`
}

type ServerConfig struct {
	Addr           string `yaml:"addr"`
	MaxBatchSize   int    `yaml:"max_batch_size"`
	BatchWindow    string `yaml:"batch_window"`
	QueueSize      int    `yaml:"queue_size"`
	PredictTimeout string `yaml:"predict_timeout"`
	CacheSize      int    `yaml:"cache_size"`
	WatchModel     bool   `yaml:"watch_model"`
}

func DefaultConfig() *Config {
	return &Config{
		Model: ModelConfig{
			Path: "adult.cbm",
		},
		Decision: DecisionConfig{
			Threshold:     service.DefaultThreshold,
			PositiveLabel: service.DefaultPositiveLabel,
			NegativeLabel: service.DefaultNegativeLabel,
		},
		Schema: service.DefaultAdultSchema(),
		Server: ServerConfig{
			Addr:           ":8080",
			MaxBatchSize:   64,
			BatchWindow:    "5ms",
			QueueSize:      256,
			PredictTimeout: "2s",
			CacheSize:      4096,
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load reads path over the defaults, then applies APPLY_MODEL_* overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func (c *Config) applyEnvOverrides() error {
	if v := strings.TrimSpace(os.Getenv(service.ModelPathEnv)); v != "" {
		c.Model.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("APPLY_MODEL_THRESHOLD")); v != "" {
		threshold, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("APPLY_MODEL_THRESHOLD: %w", err)
		}
		c.Decision.Threshold = threshold
	}
	if v := strings.TrimSpace(os.Getenv("APPLY_MODEL_LOG_LEVEL")); v != "" {
		c.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("APPLY_MODEL_LOG_FORMAT")); v != "" {
		c.Logging.Format = v
	}
	if v := strings.TrimSpace(os.Getenv("APPLY_MODEL_LOG_FILE")); v != "" {
		c.Logging.File = v
	}
	return nil
}

func (c *Config) Validate() error {
	if math.IsNaN(c.Decision.Threshold) || math.IsInf(c.Decision.Threshold, 0) {
		return fmt.Errorf("decision.threshold must be finite, got %v", c.Decision.Threshold)
	}
	if err := c.Schema.Check(); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	if c.Server.MaxBatchSize <= 0 {
		return errors.New("server.max_batch_size must be > 0")
	}
	if c.Server.QueueSize <= 0 {
		return errors.New("server.queue_size must be > 0")
	}
	if c.Server.CacheSize < 0 {
		return errors.New("server.cache_size must be >= 0")
	}
	window, err := parseDuration(c.Server.BatchWindow, 0)
	if err != nil {
		return fmt.Errorf("server.batch_window: %w", err)
	}
	if window <= 0 {
		return errors.New("server.batch_window must be > 0")
	}
	if _, err := parseDuration(c.Server.PredictTimeout, 0); err != nil {
		return fmt.Errorf("server.predict_timeout: %w", err)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

func (c *Config) Formatter() service.Formatter {
	return service.Formatter{
		Threshold:     c.Decision.Threshold,
		PositiveLabel: c.Decision.PositiveLabel,
		NegativeLabel: c.Decision.NegativeLabel,
	}
}

func (c *Config) GetBatchWindow() time.Duration {
	d, _ := parseDuration(c.Server.BatchWindow, 5*time.Millisecond)
	return d
}

// GetPredictTimeout returns 0 when no timeout is configured.
func (c *Config) GetPredictTimeout() time.Duration {
	d, _ := parseDuration(c.Server.PredictTimeout, 0)
	return d
}

func parseDuration(raw string, fallback time.Duration) (time.Duration, error) {
	clean := strings.TrimSpace(raw)
	if clean == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(clean)
	if err != nil {
		return fallback, err
	}
	return d, nil
}
