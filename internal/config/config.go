// Package config loads runtime settings from TOML files, overlaying a
// project-local .qd/config.toml on top of ~/.qd/config.toml on top of
// built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultListenAddr         = "127.0.0.1:7411"
	defaultDatabasePath       = "" // resolved relative to ~/.qd at load time
	defaultLockTimeout        = 15 * time.Second
	defaultReconcileInterval  = 60 * time.Second
	defaultReconcileSoftLimit = 10 * time.Second
	defaultReconcileCeiling   = 60 * time.Second
	defaultReaperInterval     = 5 * time.Minute
	defaultIdleThreshold      = 2 * time.Hour
	defaultWatchdogInterval   = 30 * time.Second
	defaultUsagePollInterval  = 60 * time.Second
	defaultRecentWindow       = 2 * time.Hour
	defaultConfidence         = 0.8
	defaultLogMaxSizeBytes    = 10 * 1024 * 1024
	defaultLogMaxFiles        = 5
)

// Config stores runtime settings loaded from TOML files.
type Config struct {
	ListenAddr   string
	DatabasePath string

	// AutoRegister permits creating agents for unknown sessions. Production
	// deployments typically leave this off and provision via qd register.
	AutoRegister bool
	RecentWindow time.Duration

	LockTimeout time.Duration

	ReconcileInterval  time.Duration
	ReconcileSoftLimit time.Duration
	ReconcileCeiling   time.Duration

	ReaperInterval    time.Duration
	IdleThreshold     time.Duration
	WatchdogInterval  time.Duration
	UsagePollInterval time.Duration

	TmuxEnabled         bool
	ConfidenceThreshold float64

	LogMaxSizeBytes int64
	LogMaxFiles     int
}

type fileConfig struct {
	ListenAddr          *string  `toml:"listen_addr"`
	DatabasePath        *string  `toml:"database_path"`
	AutoRegister        *bool    `toml:"auto_register"`
	RecentWindow        *string  `toml:"recent_window"`
	LockTimeout         *string  `toml:"lock_timeout"`
	ReconcileInterval   *string  `toml:"reconcile_interval"`
	ReconcileSoftLimit  *string  `toml:"reconcile_soft_limit"`
	ReconcileCeiling    *string  `toml:"reconcile_ceiling"`
	ReaperInterval      *string  `toml:"reaper_interval"`
	IdleThreshold       *string  `toml:"idle_threshold"`
	WatchdogInterval    *string  `toml:"watchdog_interval"`
	UsagePollInterval   *string  `toml:"usage_poll_interval"`
	TmuxEnabled         *bool    `toml:"tmux_enabled"`
	ConfidenceThreshold *float64 `toml:"confidence_threshold"`
	LogMaxSizeMB        *int     `toml:"log_max_size_mb"`
	LogMaxFiles         *int     `toml:"log_max_files"`
}

// Load reads config from ~/.qd/config.toml and overlays a project-local
// .qd/config.toml.
func Load() (*Config, error) {
	cfg := defaults()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	paths := []string{
		filepath.Join(homeDir, ".qd", "config.toml"),
		filepath.Join(workingDir, ".qd", "config.toml"),
	}

	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(homeDir, ".qd", "qd.db")
	}

	return &cfg, nil
}

func defaults() Config {
	return Config{
		ListenAddr:          defaultListenAddr,
		DatabasePath:        defaultDatabasePath,
		AutoRegister:        true,
		RecentWindow:        defaultRecentWindow,
		LockTimeout:         defaultLockTimeout,
		ReconcileInterval:   defaultReconcileInterval,
		ReconcileSoftLimit:  defaultReconcileSoftLimit,
		ReconcileCeiling:    defaultReconcileCeiling,
		ReaperInterval:      defaultReaperInterval,
		IdleThreshold:       defaultIdleThreshold,
		WatchdogInterval:    defaultWatchdogInterval,
		UsagePollInterval:   defaultUsagePollInterval,
		TmuxEnabled:         true,
		ConfidenceThreshold: defaultConfidence,
		LogMaxSizeBytes:     defaultLogMaxSizeBytes,
		LogMaxFiles:         defaultLogMaxFiles,
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	if _, err := toml.DecodeFile(path, &decoded); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}

	applyScalarOverrides(cfg, decoded)
	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}
	return applyLogOverrides(cfg, decoded, path)
}

func applyScalarOverrides(cfg *Config, decoded fileConfig) {
	if decoded.ListenAddr != nil {
		cfg.ListenAddr = *decoded.ListenAddr
	}
	if decoded.DatabasePath != nil {
		cfg.DatabasePath = *decoded.DatabasePath
	}
	if decoded.AutoRegister != nil {
		cfg.AutoRegister = *decoded.AutoRegister
	}
	if decoded.TmuxEnabled != nil {
		cfg.TmuxEnabled = *decoded.TmuxEnabled
	}
	if decoded.ConfidenceThreshold != nil {
		cfg.ConfidenceThreshold = *decoded.ConfidenceThreshold
	}
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	entries := []struct {
		raw    *string
		key    string
		target *time.Duration
	}{
		{decoded.RecentWindow, "recent_window", &cfg.RecentWindow},
		{decoded.LockTimeout, "lock_timeout", &cfg.LockTimeout},
		{decoded.ReconcileInterval, "reconcile_interval", &cfg.ReconcileInterval},
		{decoded.ReconcileSoftLimit, "reconcile_soft_limit", &cfg.ReconcileSoftLimit},
		{decoded.ReconcileCeiling, "reconcile_ceiling", &cfg.ReconcileCeiling},
		{decoded.ReaperInterval, "reaper_interval", &cfg.ReaperInterval},
		{decoded.IdleThreshold, "idle_threshold", &cfg.IdleThreshold},
		{decoded.WatchdogInterval, "watchdog_interval", &cfg.WatchdogInterval},
		{decoded.UsagePollInterval, "usage_poll_interval", &cfg.UsagePollInterval},
	}
	for _, entry := range entries {
		if entry.raw == nil {
			continue
		}
		parsed, err := time.ParseDuration(*entry.raw)
		if err != nil {
			return fmt.Errorf("parse %s in %q: %w", entry.key, path, err)
		}
		if parsed <= 0 {
			return fmt.Errorf("parse %s in %q: must be > 0", entry.key, path)
		}
		*entry.target = parsed
	}
	return nil
}

func applyLogOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.LogMaxSizeMB != nil {
		if *decoded.LogMaxSizeMB <= 0 {
			return fmt.Errorf("parse log_max_size_mb in %q: must be > 0", path)
		}
		cfg.LogMaxSizeBytes = int64(*decoded.LogMaxSizeMB) * 1024 * 1024
	}
	if decoded.LogMaxFiles != nil {
		if *decoded.LogMaxFiles <= 0 {
			return fmt.Errorf("parse log_max_files in %q: must be > 0", path)
		}
		cfg.LogMaxFiles = *decoded.LogMaxFiles
	}
	return nil
}
