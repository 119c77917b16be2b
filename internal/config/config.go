// Package config provides configuration management for the FireWatch service
package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config represents the main service configuration
type Config struct {
	System SystemConfig `yaml:"system"`
	Server ServerConfig `yaml:"server"`
	Poller PollerConfig `yaml:"poller"`
	Stream StreamConfig `yaml:"stream"`
	Proxy  ProxyConfig  `yaml:"proxy"`

	// Internal fields
	mu       sync.RWMutex    `yaml:"-"`
	path     string          `yaml:"-"`
	watchers []func(*Config) `yaml:"-"`
}

// SystemConfig holds system-wide settings
type SystemConfig struct {
	Name     string        `yaml:"name" env:"FIREWATCH_NAME"`
	DataPath string        `yaml:"data_path" env:"FIREWATCH_DATA_PATH"`
	Logging  LoggingConfig `yaml:"logging"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level" env:"FIREWATCH_LOG_LEVEL"`
	Format string `yaml:"format" env:"FIREWATCH_LOG_FORMAT"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host         string        `yaml:"host" env:"FIREWATCH_HOST"`
	Port         int           `yaml:"port" env:"FIREWATCH_PORT"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// PollerConfig holds fleet poller settings
type PollerConfig struct {
	Interval     time.Duration `yaml:"interval" env:"FIREWATCH_POLL_INTERVAL"`
	ProbeTimeout time.Duration `yaml:"probe_timeout" env:"FIREWATCH_PROBE_TIMEOUT"`
	Concurrency  int           `yaml:"concurrency" env:"FIREWATCH_POLL_CONCURRENCY"`
}

// StreamConfig holds HLS session settings
type StreamConfig struct {
	FFmpegPath     string        `yaml:"ffmpeg_path" env:"FIREWATCH_FFMPEG_PATH"`
	SegmentSeconds int           `yaml:"segment_seconds"`
	ListSize       int           `yaml:"list_size"`
	Staleness      time.Duration `yaml:"staleness"`
	ReadyTimeout   time.Duration `yaml:"ready_timeout"`
	ManifestGrace  time.Duration `yaml:"manifest_grace"`
}

// ProxyConfig holds live proxy settings
type ProxyConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	Candidates []string      `yaml:"candidates"`
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		System: SystemConfig{
			Name:     "firewatch",
			DataPath: "./data",
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
		},
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8080,
			ReadTimeout: 15 * time.Second,
			// WriteTimeout stays zero: live proxy responses are unbounded
			IdleTimeout: 60 * time.Second,
		},
		Poller: PollerConfig{
			Interval:     3 * time.Second,
			ProbeTimeout: 5 * time.Second,
			Concurrency:  8,
		},
		Stream: StreamConfig{
			FFmpegPath:     "ffmpeg",
			SegmentSeconds: 2,
			ListSize:       6,
			Staleness:      30 * time.Second,
			ReadyTimeout:   15 * time.Second,
			ManifestGrace:  2 * time.Second,
		},
		Proxy: ProxyConfig{
			Timeout: 10 * time.Second,
			Candidates: []string{
				"/video",
				"/stream",
				"/mjpg/video.mjpg",
				"/videostream.cgi",
			},
		},
	}
}

// Load reads the configuration from a YAML file, creating it with defaults
// if it does not exist, then applies FIREWATCH_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := cfg.Save(); err != nil {
			slog.Warn("Failed to write default config", "path", path, "error", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	cfg.normalize()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	for _, target := range []interface{}{
		&c.System, &c.System.Logging, &c.Server, &c.Poller, &c.Stream,
	} {
		if err := env.Parse(target); err != nil {
			return fmt.Errorf("failed to apply env overrides: %w", err)
		}
	}
	return nil
}

// normalize clamps invalid values back to defaults
func (c *Config) normalize() {
	def := Default()
	if c.Poller.Interval <= 0 {
		c.Poller.Interval = def.Poller.Interval
	}
	if c.Poller.ProbeTimeout <= 0 {
		c.Poller.ProbeTimeout = def.Poller.ProbeTimeout
	}
	if c.Poller.Concurrency <= 0 {
		c.Poller.Concurrency = def.Poller.Concurrency
	}
	if c.Stream.SegmentSeconds <= 0 {
		c.Stream.SegmentSeconds = def.Stream.SegmentSeconds
	}
	if c.Stream.ListSize <= 0 {
		c.Stream.ListSize = def.Stream.ListSize
	}
	if c.Stream.Staleness <= 0 {
		c.Stream.Staleness = def.Stream.Staleness
	}
	if c.Stream.ReadyTimeout <= 0 {
		c.Stream.ReadyTimeout = def.Stream.ReadyTimeout
	}
	if c.Stream.ManifestGrace <= 0 {
		c.Stream.ManifestGrace = def.Stream.ManifestGrace
	}
	if c.Stream.FFmpegPath == "" {
		c.Stream.FFmpegPath = def.Stream.FFmpegPath
	}
	if c.Proxy.Timeout <= 0 {
		c.Proxy.Timeout = def.Proxy.Timeout
	}
	if len(c.Proxy.Candidates) == 0 {
		c.Proxy.Candidates = def.Proxy.Candidates
	}
}

// Save writes the configuration back to its file
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(c.path, data, 0644)
}

// Path returns the config file path
func (c *Config) Path() string {
	return c.path
}

// OnChange registers a callback invoked after the config file is reloaded
func (c *Config) OnChange(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

// Watch reloads the configuration when the file changes on disk.
// It returns a stop function.
func (c *Config) Watch() (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := watcher.Add(c.path); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch config: %w", err)
	}

	logger := slog.Default().With("component", "config")
	done := make(chan struct{})

	go func() {
		// Editors emit bursts of write events; debounce them.
		var pending <-chan time.Time
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					pending = time.After(250 * time.Millisecond)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("Config watcher error", "error", err)
			case <-pending:
				pending = nil
				if err := c.reload(); err != nil {
					logger.Error("Failed to reload config", "error", err)
					continue
				}
				logger.Info("Configuration reloaded", "path", c.path)
			}
		}
	}()

	return func() {
		close(done)
		_ = watcher.Close()
	}, nil
}

// reload re-reads the file in place and notifies watchers
func (c *Config) reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return err
	}

	next := Default()
	if err := yaml.Unmarshal(data, next); err != nil {
		return err
	}
	if err := next.applyEnv(); err != nil {
		return err
	}
	next.normalize()

	c.mu.Lock()
	c.System = next.System
	c.Server = next.Server
	c.Poller = next.Poller
	c.Stream = next.Stream
	c.Proxy = next.Proxy
	watchers := make([]func(*Config), len(c.watchers))
	copy(watchers, c.watchers)
	c.mu.Unlock()

	for _, fn := range watchers {
		fn(c)
	}
	return nil
}

// LogLevel parses the configured log level
func (c *Config) LogLevel() slog.Level {
	switch c.System.Logging.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Snapshot returns a copy of the tunable sections for concurrent readers
func (c *Config) Snapshot() (PollerConfig, StreamConfig, ProxyConfig) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Poller, c.Stream, c.Proxy
}
