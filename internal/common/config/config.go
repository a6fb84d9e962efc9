// Package config provides configuration management for the Hi-Boss daemon.
// It supports loading configuration from environment variables, an optional
// config file in the data root, and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hiboss/hiboss/internal/common/logger"
)

// InternalDirName is the hidden subdirectory of the data root that holds the
// store, socket, pid/lock files and logs.
const InternalDirName = ".hiboss"

// Config holds all configuration sections for the daemon.
type Config struct {
	Home      string               `mapstructure:"home"`
	Logging   logger.LoggingConfig `mapstructure:"logging"`
	Adapter   AdapterConfig        `mapstructure:"adapter"`
	Scheduler SchedulerConfig      `mapstructure:"scheduler"`
	Provider  ProviderConfig       `mapstructure:"provider"`
}

// AdapterConfig holds settings shared by all channel adapters.
type AdapterConfig struct {
	CallTimeout time.Duration `mapstructure:"call_timeout"` // per outbound adapter call
}

// SchedulerConfig holds delivery scheduler settings.
type SchedulerConfig struct {
	SafetyTick time.Duration `mapstructure:"safety_tick"` // periodic recompute interval
}

// ProviderConfig holds provider driver settings.
type ProviderConfig struct {
	ClaudeBin string `mapstructure:"claude_bin"` // claude CLI path or name
	CodexBin  string `mapstructure:"codex_bin"`  // codex CLI path or name
}

// Load reads configuration from defaults, <home>/config.yaml if present, and
// HIBOSS_* environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("home", defaultHome())
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("adapter.call_timeout", 15*time.Second)
	v.SetDefault("scheduler.safety_tick", 60*time.Second)
	v.SetDefault("provider.claude_bin", "claude")
	v.SetDefault("provider.codex_bin", "codex")

	v.SetEnvPrefix("HIBOSS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	home := v.GetString("home")
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(home)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Logging.OutputPath == "" {
		cfg.Logging.OutputPath = filepath.Join(cfg.Home, InternalDirName, "hiboss.log")
	}
	return &cfg, nil
}

func defaultHome() string {
	if env := os.Getenv("HIBOSS_HOME"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "hiboss"
	}
	return filepath.Join(home, "hiboss")
}

// InternalDir returns the hidden internal directory under the data root.
func (c *Config) InternalDir() string {
	return filepath.Join(c.Home, InternalDirName)
}

// DatabasePath returns the sqlite database path.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.InternalDir(), "hiboss.db")
}

// SocketPath returns the RPC stream socket path.
func (c *Config) SocketPath() string {
	return filepath.Join(c.InternalDir(), "hiboss.sock")
}

// PIDFilePath returns the pid file path; the daemon holds an exclusive
// advisory lock on it while running.
func (c *Config) PIDFilePath() string {
	return filepath.Join(c.InternalDir(), "hiboss.pid")
}

// MediaDir returns the directory for downloaded attachments.
func (c *Config) MediaDir() string {
	return filepath.Join(c.Home, "media")
}

// AgentDir returns the operator-visible directory for one agent.
func (c *Config) AgentDir(name string) string {
	return filepath.Join(c.Home, "agents", name)
}

// AgentMemoryDir returns the agent's private memory directory.
func (c *Config) AgentMemoryDir(name string) string {
	return filepath.Join(c.AgentDir(name), "internal_space")
}
