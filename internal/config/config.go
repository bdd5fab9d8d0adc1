// Package config loads taskdock configuration from file, environment, and
// defaults, and builds the application logger.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the full application configuration.
type Config struct {
	// DataDir holds the SQLite store, lock file, and netstate marker.
	DataDir string `mapstructure:"data_dir"`

	Remote RemoteConfig `mapstructure:"remote"`
	Sync   SyncConfig   `mapstructure:"sync"`
	Log    LogConfig    `mapstructure:"log"`
}

// RemoteConfig configures the record API gateway.
type RemoteConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Token       string        `mapstructure:"token"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MinInterval time.Duration `mapstructure:"min_interval"`
}

// SyncConfig configures reconciliation behavior.
type SyncConfig struct {
	// StuckThreshold is the attempt count above which a queue item is
	// reported as stuck.
	StuckThreshold int `mapstructure:"stuck_threshold"`
	// Debounce is how long a regained connection must hold before
	// reconciliation triggers.
	Debounce time.Duration `mapstructure:"debounce"`
}

// LogConfig configures the zerolog output.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// Load reads configuration from the given file (optional), TASKDOCK_*
// environment variables, and defaults, in that precedence order.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TASKDOCK")
	v.AutomaticEnv()

	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.timeout", 15*time.Second)
	v.SetDefault("remote.min_interval", 200*time.Millisecond)
	v.SetDefault("sync.stuck_threshold", 5)
	v.SetDefault("sync.debounce", 250*time.Millisecond)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(defaultDataDir())
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	// Environment aliases for the nested keys.
	_ = v.BindEnv("remote.token", "TASKDOCK_TOKEN")
	_ = v.BindEnv("remote.base_url", "TASKDOCK_BASE_URL")
	_ = v.BindEnv("data_dir", "TASKDOCK_DIR")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".taskdock"
	}
	return filepath.Join(home, ".taskdock")
}
