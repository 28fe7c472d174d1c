// Package config handles configuration loading and validation for inputd.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds the daemon configuration.
type Config struct {
	// SocketPath is the unix socket the control surface listens on.
	SocketPath string `toml:"socket_path" yaml:"socket_path"`

	// LogPath is the path to the daemon log file; empty logs to stderr.
	LogPath string `toml:"log_path" yaml:"log_path"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `toml:"log_level" yaml:"log_level"`

	// LogFormat is "text" or "json".
	LogFormat string `toml:"log_format" yaml:"log_format"`

	// MetricsAddr is the address of the Prometheus endpoint; empty
	// disables it.
	MetricsAddr string `toml:"metrics_addr" yaml:"metrics_addr"`

	// KeyRepeatTimeoutMs is the delay before the first synthesized key
	// repeat, in milliseconds.
	KeyRepeatTimeoutMs int `toml:"key_repeat_timeout_ms" yaml:"key_repeat_timeout_ms"`

	// KeyRepeatDelayMs is the interval between repeats, in milliseconds.
	KeyRepeatDelayMs int `toml:"key_repeat_delay_ms" yaml:"key_repeat_delay_ms"`

	// KeyRepeatEnabled gates synthesized key repeats entirely.
	KeyRepeatEnabled bool `toml:"key_repeat_enabled" yaml:"key_repeat_enabled"`

	// MaxEventsPerSecond throttles motion samples per device stream; zero
	// disables throttling.
	MaxEventsPerSecond int `toml:"max_events_per_second" yaml:"max_events_per_second"`

	// DefaultDispatchTimeoutMs is an ANR budget in milliseconds. It is
	// loaded and validated only; the dispatcher does not read it and uses
	// its built-in DefaultDispatchingTimeout for windows without their own.
	DefaultDispatchTimeoutMs int `toml:"default_dispatch_timeout_ms" yaml:"default_dispatch_timeout_ms"`

	// ChannelCapacity is a per-connection event ring depth. It is loaded and
	// validated only; the daemon creates no transport channels from it.
	ChannelCapacity int `toml:"channel_capacity" yaml:"channel_capacity"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SocketPath:               DefaultSocketPath(),
		LogLevel:                 "info",
		LogFormat:                "text",
		KeyRepeatTimeoutMs:       500,
		KeyRepeatDelayMs:         50,
		KeyRepeatEnabled:         true,
		MaxEventsPerSecond:       90,
		DefaultDispatchTimeoutMs: 5000,
		ChannelCapacity:          32,
	}
}

// DefaultSocketPath returns the per-user control socket path.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "inputd.sock")
	}
	return filepath.Join(os.TempDir(), "inputd.sock")
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".inputd", "config.toml")
}

// KeyRepeatTimeout returns the repeat timeout as a duration.
func (c *Config) KeyRepeatTimeout() time.Duration {
	return time.Duration(c.KeyRepeatTimeoutMs) * time.Millisecond
}

// KeyRepeatDelay returns the repeat delay as a duration.
func (c *Config) KeyRepeatDelay() time.Duration {
	return time.Duration(c.KeyRepeatDelayMs) * time.Millisecond
}

// DefaultDispatchTimeout returns the default ANR budget as a duration.
func (c *Config) DefaultDispatchTimeout() time.Duration {
	return time.Duration(c.DefaultDispatchTimeoutMs) * time.Millisecond
}

// ApplyEnvOverrides overlays INPUTD_* environment variables on the config.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("INPUTD_SOCKET"); v != "" {
		c.SocketPath = v
	}
	if v := os.Getenv("INPUTD_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("INPUTD_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("INPUTD_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv("INPUTD_MAX_EVENTS_PER_SECOND"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxEventsPerSecond = n
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.SocketPath == "" {
		return errors.New("config: socket_path is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("config: log_level must be one of debug, info, warn, error")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return errors.New("config: log_format must be text or json")
	}
	if c.KeyRepeatTimeoutMs < 1 {
		return errors.New("config: key_repeat_timeout_ms must be at least 1")
	}
	if c.KeyRepeatDelayMs < 1 {
		return errors.New("config: key_repeat_delay_ms must be at least 1")
	}
	if c.MaxEventsPerSecond < 0 {
		return errors.New("config: max_events_per_second must not be negative")
	}
	if c.DefaultDispatchTimeoutMs < 1 {
		return errors.New("config: default_dispatch_timeout_ms must be at least 1")
	}
	if c.ChannelCapacity < 1 {
		return errors.New("config: channel_capacity must be at least 1")
	}
	return nil
}

// EnsureDirectories creates the directories the daemon writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.SocketPath),
	}
	if c.LogPath != "" {
		dirs = append(dirs, filepath.Dir(c.LogPath))
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}
	return nil
}
