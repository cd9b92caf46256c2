// Package config loads finch configuration from the config file,
// environment, and flags via viper, and wires up daemon logging.
package config

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

// Config is the resolved finch configuration.
type Config struct {
	// DataDir holds the local database and the enqueue spool.
	DataDir string

	// ServerURL is the base URL of the remote finance API.
	ServerURL string

	// AuthToken is the bearer token for the API. Usually supplied via
	// FINCH_AUTH_TOKEN rather than the config file.
	AuthToken string

	// DebounceInterval collapses bursts of mutations into one cycle.
	DebounceInterval time.Duration

	// ProbeInterval is how often the network monitor checks
	// reachability.
	ProbeInterval time.Duration

	// TombstoneRetention is how long deleted records are kept before
	// physical removal.
	TombstoneRetention time.Duration

	// DashboardPort is the WebSocket status feed port; 0 disables the
	// dashboard.
	DashboardPort int

	// LogFile, when set, routes daemon logs through a rotating file.
	LogFile string
}

// DefaultDataDir returns ~/.finch, falling back to .finch in the
// working directory when the home directory is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".finch"
	}
	return filepath.Join(home, ".finch")
}

// setDefaults registers defaults on the given viper instance.
func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("server_url", "http://localhost:8080")
	v.SetDefault("debounce_interval", 2*time.Second)
	v.SetDefault("probe_interval", 15*time.Second)
	v.SetDefault("tombstone_retention", 30*24*time.Hour)
	v.SetDefault("dashboard_port", 0)
}

// Load reads configuration from the config file (if present) and the
// FINCH_* environment.
//
// The config file is searched at configFile when non-empty, otherwise
// at <data dir>/config.yaml.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FINCH")
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(DefaultDataDir())
	}

	if err := v.ReadInConfig(); err != nil {
		if configFile != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Missing file is fine; defaults and environment apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		DataDir:            v.GetString("data_dir"),
		ServerURL:          v.GetString("server_url"),
		AuthToken:          v.GetString("auth_token"),
		DebounceInterval:   v.GetDuration("debounce_interval"),
		ProbeInterval:      v.GetDuration("probe_interval"),
		TombstoneRetention: v.GetDuration("tombstone_retention"),
		DashboardPort:      v.GetInt("dashboard_port"),
		LogFile:            v.GetString("log_file"),
	}

	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server_url must be configured")
	}

	return cfg, nil
}

// DatabasePath returns the SQLite database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "finch.db")
}

// SpoolDir returns the enqueue wakeup spool location.
func (c *Config) SpoolDir() string {
	return filepath.Join(c.DataDir, "spool")
}

// fileConfig mirrors Config with durations as strings, so the written
// YAML reads "2s" rather than nanosecond integers.
type fileConfig struct {
	DataDir            string `yaml:"data_dir"`
	ServerURL          string `yaml:"server_url"`
	DebounceInterval   string `yaml:"debounce_interval"`
	ProbeInterval      string `yaml:"probe_interval"`
	TombstoneRetention string `yaml:"tombstone_retention"`
	DashboardPort      int    `yaml:"dashboard_port"`
}

// WriteDefault writes a starter config file at path. Refuses to
// overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}

	cfg := fileConfig{
		DataDir:            DefaultDataDir(),
		ServerURL:          "http://localhost:8080",
		DebounceInterval:   (2 * time.Second).String(),
		ProbeInterval:      (15 * time.Second).String(),
		TombstoneRetention: (30 * 24 * time.Hour).String(),
		DashboardPort:      0,
	}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("failed to encode default config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// NewLogger builds a prefixed logger. When logFile is non-empty the
// output goes through a rotating file writer; otherwise stderr.
func NewLogger(prefix, logFile string) *log.Logger {
	var out io.Writer = os.Stderr
	if logFile != "" {
		out = &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
	}
	return log.New(out, prefix, log.LstdFlags)
}
