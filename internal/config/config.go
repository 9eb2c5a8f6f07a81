// Package config loads the daemon configuration from a TOML file with
// sane defaults for every key, so a missing file yields a fully working
// setup under the user's config directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Agent describes one launchable agent kind.
type Agent struct {
	Command    []string `mapstructure:"command"`
	ResumeFlag string   `mapstructure:"resume_flag"`
}

// Daemon holds the [daemon] section.
type Daemon struct {
	Port              int           `mapstructure:"port"`
	DataDir           string        `mapstructure:"data_dir"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	LockStaleAfter    time.Duration `mapstructure:"lock_stale_after"`
	LockAttempts      int           `mapstructure:"lock_attempts"`
	LockBackoff       time.Duration `mapstructure:"lock_backoff"`
	ShutdownWatchdog  time.Duration `mapstructure:"shutdown_watchdog"`
	InhibitSleep      bool          `mapstructure:"inhibit_sleep"`
}

// Sessions holds the [sessions] section.
type Sessions struct {
	DefaultAgent  string           `mapstructure:"default_agent"`
	ReportTimeout time.Duration    `mapstructure:"report_timeout"`
	StopGrace     time.Duration    `mapstructure:"stop_grace"`
	LogDir        string           `mapstructure:"log_dir"`
	Agents        map[string]Agent `mapstructure:"agents"`
}

// Log holds the [log] section.
type Log struct {
	Dir        string `mapstructure:"dir"`
	Level      string `mapstructure:"level"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Metrics holds the [metrics] section.
type Metrics struct {
	Enabled bool `mapstructure:"enabled"`
}

// Config is the full daemon configuration.
type Config struct {
	Daemon   Daemon   `mapstructure:"daemon"`
	Sessions Sessions `mapstructure:"sessions"`
	Log      Log      `mapstructure:"log"`
	Metrics  Metrics  `mapstructure:"metrics"`
}

// DefaultDataDir resolves the per-user state directory.
func DefaultDataDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "sessiond")
}

// Load reads the TOML file at path. An empty path or a missing file is not
// an error; defaults apply either way.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	v.SetDefault("daemon.port", 7070)
	v.SetDefault("daemon.data_dir", DefaultDataDir())
	v.SetDefault("daemon.heartbeat_interval", "30s")
	v.SetDefault("daemon.lock_stale_after", "60s")
	v.SetDefault("daemon.lock_attempts", 5)
	v.SetDefault("daemon.lock_backoff", "200ms")
	v.SetDefault("daemon.shutdown_watchdog", "15s")
	v.SetDefault("daemon.inhibit_sleep", false)
	v.SetDefault("sessions.default_agent", "claude")
	v.SetDefault("sessions.report_timeout", "10s")
	v.SetDefault("sessions.stop_grace", "5s")
	v.SetDefault("log.level", "info")
	v.SetDefault("metrics.enabled", true)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Log.Dir == "" {
		cfg.Log.Dir = filepath.Join(cfg.Daemon.DataDir, "logs")
	}
	if cfg.Sessions.LogDir == "" {
		cfg.Sessions.LogDir = filepath.Join(cfg.Daemon.DataDir, "session-logs")
	}
	if cfg.Sessions.Agents == nil {
		cfg.Sessions.Agents = map[string]Agent{}
	}
	if _, ok := cfg.Sessions.Agents["claude"]; !ok {
		cfg.Sessions.Agents["claude"] = Agent{
			Command:    []string{"claude"},
			ResumeFlag: "--resume",
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	// Port 0 asks the kernel for an ephemeral port.
	if c.Daemon.Port < 0 || c.Daemon.Port > 65535 {
		return fmt.Errorf("daemon.port %d out of range", c.Daemon.Port)
	}
	if c.Daemon.HeartbeatInterval < time.Second {
		return fmt.Errorf("daemon.heartbeat_interval %s too short", c.Daemon.HeartbeatInterval)
	}
	if _, ok := c.Sessions.Agents[c.Sessions.DefaultAgent]; !ok {
		return fmt.Errorf("sessions.default_agent %q has no agent definition", c.Sessions.DefaultAgent)
	}
	for name, a := range c.Sessions.Agents {
		if len(a.Command) == 0 {
			return fmt.Errorf("agent %q has an empty command", name)
		}
	}
	return nil
}

// LockPath returns the instance lock location under the data dir.
func (c *Config) LockPath() string { return filepath.Join(c.Daemon.DataDir, "daemon.lock") }

// StatePath returns the daemon record location under the data dir.
func (c *Config) StatePath() string { return filepath.Join(c.Daemon.DataDir, "daemon.json") }

// TokenPath returns the control-API token location under the data dir.
func (c *Config) TokenPath() string { return filepath.Join(c.Daemon.DataDir, "auth-token") }
