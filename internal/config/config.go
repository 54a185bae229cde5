// Package config holds the backend's tunable options. Most runs use the
// defaults; a yaml file can override the pin count, queue depth and log
// level for boards that need them. Command-line flags win over file values.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// EnvWorkDir names the environment variable pointing at the working
// directory where uml.txt, control.txt and opslog.txt live.
const EnvWorkDir = "ROADTEST_WORK_DIR"

// Config is the backend's configuration.
type Config struct {
	// NGpio is the emulated GPIO controller's pin count.
	NGpio int `yaml:"ngpio"`
	// QueueMaxSize caps negotiated virtqueue sizes.
	QueueMaxSize uint16 `yaml:"queue_max_size"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		NGpio:        64,
		QueueMaxSize: 1024,
		LogLevel:     "info",
	}
}

// Load reads a yaml config file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration's invariants.
func (c *Config) Validate() error {
	if c.NGpio <= 0 || c.NGpio > 512 {
		return fmt.Errorf("ngpio %d out of range (1-512)", c.NGpio)
	}
	if c.QueueMaxSize == 0 || c.QueueMaxSize&(c.QueueMaxSize-1) != 0 {
		return fmt.Errorf("queue_max_size %d is not a power of two", c.QueueMaxSize)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel maps the configured log level onto slog.
func (c *Config) SlogLevel() (slog.Level, error) {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", c.LogLevel)
}

// WorkDir resolves the working directory from the environment.
func WorkDir() (string, error) {
	dir := os.Getenv(EnvWorkDir)
	if dir == "" {
		return "", fmt.Errorf("config: %s is not set", EnvWorkDir)
	}
	st, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("config: %s: %w", EnvWorkDir, err)
	}
	if !st.IsDir() {
		return "", fmt.Errorf("config: %s: %s is not a directory", EnvWorkDir, dir)
	}
	return dir, nil
}
