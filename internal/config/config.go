// Package config holds all configuration types and loading logic for epochbus.
// Config structure never shrinks: fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/snehjoshi/epochbus/internal/queue"
)

// Config is the root configuration for an epochbus instance. It describes the
// ambient settings and the set of queues and topics to create at start-up.
type Config struct {
	Log       LogConfig      `yaml:"log"`
	Metrics   MetricsConfig  `yaml:"metrics"`
	Defaults  EntityConfig   `yaml:"defaults"`
	Producers ProducerConfig `yaml:"producers"`
	Archive   ArchiveConfig  `yaml:"archive"`
	Queues    []QueueSpec    `yaml:"queues"`
	Topics    []TopicSpec    `yaml:"topics"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics endpoint. An empty Addr
// disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// EntityConfig is the per-queue tuning block. Durations are Go duration
// strings ("30s", "168h"). Empty or zero fields inherit from the enclosing
// level: an entity inherits from defaults, defaults from the engine.
type EntityConfig struct {
	LockDuration        string `yaml:"lock_duration"`
	MaxDeliveryAttempts int    `yaml:"max_delivery_attempts"`
	MaxTimeToLive       string `yaml:"max_time_to_live"`
}

// ProducerConfig sets rate limiting applied per sender.
type ProducerConfig struct {
	// MaxRate is messages per second per sender. 0 disables throttling.
	MaxRate int `yaml:"max_rate"`
	// Burst allows temporary spikes above MaxRate.
	Burst int `yaml:"burst"`
}

// ArchiveConfig controls the on-disk dead-letter journal.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// QueueSpec declares a queue to create at start-up.
type QueueSpec struct {
	Name         string `yaml:"name"`
	EntityConfig `yaml:",inline"`
}

// TopicSpec declares a topic and its subscriptions.
type TopicSpec struct {
	Name          string      `yaml:"name"`
	EntityConfig  `yaml:",inline"`
	Subscriptions []QueueSpec `yaml:"subscriptions"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Addr: "",
		},
		Defaults: EntityConfig{
			LockDuration:        "30s",
			MaxDeliveryAttempts: 10,
			MaxTimeToLive:       "168h",
		},
		Producers: ProducerConfig{
			MaxRate: 0,
			Burst:   0,
		},
		Archive: ArchiveConfig{
			Enabled: false,
			Path:    "./deadletters.db",
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run epochbus with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	EPOCHBUS_LOG_LEVEL     sets log.level
//	EPOCHBUS_METRICS_ADDR  sets metrics.addr
//	EPOCHBUS_ARCHIVE_PATH  sets archive.path and enables the archive
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("EPOCHBUS_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("EPOCHBUS_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("EPOCHBUS_ARCHIVE_PATH"); v != "" {
		cfg.Archive.Path = v
		cfg.Archive.Enabled = true
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return errors.New(`log.format must be "text" or "json"`)
	}
	if err := c.Defaults.validate("defaults"); err != nil {
		return err
	}
	if c.Producers.MaxRate < 0 {
		return errors.New("producers.max_rate must be >= 0")
	}
	if c.Producers.Burst < 0 {
		return errors.New("producers.burst must be >= 0")
	}
	if c.Archive.Enabled && c.Archive.Path == "" {
		return errors.New("archive.path must not be empty when the archive is enabled")
	}

	seen := make(map[string]bool)
	for i, q := range c.Queues {
		where := fmt.Sprintf("queues[%d]", i)
		if q.Name == "" {
			return fmt.Errorf("%s.name must not be empty", where)
		}
		if seen[q.Name] {
			return fmt.Errorf("%s: duplicate entity name %q", where, q.Name)
		}
		seen[q.Name] = true
		if err := q.validate(where); err != nil {
			return err
		}
	}
	for i, t := range c.Topics {
		where := fmt.Sprintf("topics[%d]", i)
		if t.Name == "" {
			return fmt.Errorf("%s.name must not be empty", where)
		}
		if seen[t.Name] {
			return fmt.Errorf("%s: duplicate entity name %q", where, t.Name)
		}
		seen[t.Name] = true
		if err := t.validate(where); err != nil {
			return err
		}
		subs := make(map[string]bool)
		for j, s := range t.Subscriptions {
			sw := fmt.Sprintf("%s.subscriptions[%d]", where, j)
			if s.Name == "" {
				return fmt.Errorf("%s.name must not be empty", sw)
			}
			if subs[s.Name] {
				return fmt.Errorf("%s: duplicate subscription %q", sw, s.Name)
			}
			subs[s.Name] = true
			if err := s.validate(sw); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e EntityConfig) validate(where string) error {
	if _, err := parseDuration(e.LockDuration); err != nil {
		return fmt.Errorf("%s.lock_duration: %w", where, err)
	}
	if _, err := parseDuration(e.MaxTimeToLive); err != nil {
		return fmt.Errorf("%s.max_time_to_live: %w", where, err)
	}
	if e.MaxDeliveryAttempts < 0 {
		return fmt.Errorf("%s.max_delivery_attempts must be >= 0", where)
	}
	return nil
}

// parseDuration accepts "" as zero and rejects negative values.
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q must not be negative", s)
	}
	return d, nil
}

// QueueConfig converts e into a queue.Config. Zero fields are left zero so
// queue.New applies its own defaults. e must have passed Validate.
func (e EntityConfig) QueueConfig() queue.Config {
	lock, _ := parseDuration(e.LockDuration)
	ttl, _ := parseDuration(e.MaxTimeToLive)
	return queue.Config{
		LockDuration:        lock,
		MaxDeliveryAttempts: e.MaxDeliveryAttempts,
		MaxTimeToLive:       ttl,
	}
}

// Merge returns e with its empty fields filled from parent.
func (e EntityConfig) Merge(parent EntityConfig) EntityConfig {
	if e.LockDuration == "" {
		e.LockDuration = parent.LockDuration
	}
	if e.MaxDeliveryAttempts == 0 {
		e.MaxDeliveryAttempts = parent.MaxDeliveryAttempts
	}
	if e.MaxTimeToLive == "" {
		e.MaxTimeToLive = parent.MaxTimeToLive
	}
	return e
}

// ParseLevel maps a log.level string to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("log.level %q must be one of debug, info, warn, error", s)
}

// NewLogger builds the process logger described by c.
func (c LogConfig) NewLogger() *slog.Logger {
	level, err := ParseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
