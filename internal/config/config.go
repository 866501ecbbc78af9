package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	DefaultConfigDir  = ".ctrlscan-cache"
	DefaultConfigFile = "config.json"
	DefaultBinDir     = ".ctrlscan-cache/bin"
	DefaultDBFile     = ".ctrlscan-cache/scans.db"
	DefaultPort       = 6081
)

// Load reads the config file and returns a populated Config. A .env file in
// the working directory is loaded first so its variables can override keys
// (e.g. SCAN_BEST_EFFORT=true). The configPath flag may override the default
// location; a missing file yields defaults.
func Load(configPath string) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("cannot determine home directory: %w", err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Ignoring unreadable .env file", "error", err)
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(filepath.Join(home, DefaultConfigDir))
	}

	setDefaults(v, home)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isNotExist(err) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	expandPaths(&cfg, home)
	return &cfg, nil
}

// Save writes the config to disk as JSON.
func Save(cfg *Config, configPath string) error {
	if configPath == "" {
		p, err := ConfigPath("")
		if err != nil {
			return fmt.Errorf("cannot determine home directory: %w", err)
		}
		configPath = p
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("serialising config: %w", err)
	}

	return os.WriteFile(configPath, data, 0o600)
}

// ConfigPath returns the effective config file path.
func ConfigPath(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, DefaultConfigDir, DefaultConfigFile), nil
}

// EnsureDir creates ~/.ctrlscan-cache and its bin directory if they don't exist.
func EnsureDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	dirs := []string{
		filepath.Join(home, DefaultConfigDir),
		filepath.Join(home, DefaultBinDir),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}
	return nil
}

// Duration parses raw as a Go duration, returning def when raw is empty or
// malformed.
func Duration(raw string, def time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		slog.Warn("Invalid duration in config, using default", "value", raw, "default", def)
		return def
	}
	return d
}

func setDefaults(v *viper.Viper, home string) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", filepath.Join(home, DefaultDBFile))
	v.SetDefault("database.dsn", "")

	v.SetDefault("providers.health_timeout", "5s")
	v.SetDefault("providers.requests_per_second", 10)

	v.SetDefault("scan.scanners", []string{"opengrep", "gitleaks"})
	v.SetDefault("scan.scanner_timeout", "10m")
	v.SetDefault("scan.best_effort", false)
	v.SetDefault("scan.reject_concurrent", false)
	v.SetDefault("scan.context_lines", 3)

	v.SetDefault("tools.bin_dir", filepath.Join(home, DefaultBinDir))
	v.SetDefault("tools.prefer_docker", false)

	v.SetDefault("store.backend", "sql")
	v.SetDefault("store.history_limit", 50)

	v.SetDefault("notify.timeout", "10s")
	v.SetDefault("notify.kafka.client_id", "ctrlscan-cache")

	v.SetDefault("gateway.port", DefaultPort)

	v.SetDefault("schedule.rescan_cron", "")
	v.SetDefault("schedule.max_age", "24h")

	v.SetDefault("telemetry.service_name", "ctrlscan-cache")
}

// expandPaths resolves ~ in configured paths.
func expandPaths(cfg *Config, home string) {
	cfg.Database.Path = expandHome(cfg.Database.Path, home)
	cfg.Tools.BinDir = expandHome(cfg.Tools.BinDir, home)
}

func expandHome(path, home string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

func isNotExist(err error) bool {
	return os.IsNotExist(err) || strings.Contains(err.Error(), "no such file")
}
