package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.courier/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Storage ConfigStorage `toml:"storage"`
	Queue   ConfigQueue   `toml:"queue"`
	Stats   ConfigStats   `toml:"stats"`
	Log     ConfigLog     `toml:"log"`
	Tracing ConfigTracing `toml:"tracing"`
	Webhook ConfigWebhook `toml:"webhook"`
}

// ConfigDefault holds the backend connection settings.
type ConfigDefault struct {
	APIKey      string `toml:"api_key"`
	BaseURL     string `toml:"base_url"`
	UserID      string `toml:"user_id"`
	Backend     string `toml:"backend"`
	DatabaseURL string `toml:"database_url"`
}

// ConfigStorage locates the local SQLite database.
type ConfigStorage struct {
	Path string `toml:"path"`
}

// ConfigQueue holds queue timings as Go duration strings.
type ConfigQueue struct {
	FlushInterval  string `toml:"flush_interval"`
	AttemptTimeout string `toml:"attempt_timeout"`
}

// ConfigStats holds reconciler timings as Go duration strings.
type ConfigStats struct {
	RefreshInterval string `toml:"refresh_interval"`
	MinInterval     string `toml:"min_interval"`
}

// ConfigLog selects log level and format (json or text).
type ConfigLog struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// ConfigTracing enables the OTLP/HTTP exporter when Endpoint is set.
type ConfigTracing struct {
	Endpoint string `toml:"endpoint"`
	Insecure bool   `toml:"insecure"`
}

// ConfigWebhook enables the signed change webhook receiver in 'courier run'.
type ConfigWebhook struct {
	Listen string `toml:"listen"`
	Secret string `toml:"secret"`
}

const (
	backendHTTP     = "http"
	backendPostgres = "postgres"
)

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.courier, creating it if needed.
func configDir() (string, error) {
	if dir := os.Getenv("COURIER_HOME"); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", fmt.Errorf("cannot create config directory: %w", err)
		}
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".courier")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	return loadConfigFile(path)
}

func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.api_key").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.api_key)")
	}
	section, field := parts[0], parts[1]

	var target *string
	switch section {
	case "default":
		switch field {
		case "api_key":
			target = &cfg.Default.APIKey
		case "base_url":
			target = &cfg.Default.BaseURL
		case "user_id":
			target = &cfg.Default.UserID
		case "backend":
			if value != backendHTTP && value != backendPostgres {
				return fmt.Errorf("backend must be %q or %q", backendHTTP, backendPostgres)
			}
			target = &cfg.Default.Backend
		case "database_url":
			target = &cfg.Default.DatabaseURL
		}
	case "storage":
		if field == "path" {
			target = &cfg.Storage.Path
		}
	case "queue":
		switch field {
		case "flush_interval":
			target = &cfg.Queue.FlushInterval
		case "attempt_timeout":
			target = &cfg.Queue.AttemptTimeout
		}
	case "stats":
		switch field {
		case "refresh_interval":
			target = &cfg.Stats.RefreshInterval
		case "min_interval":
			target = &cfg.Stats.MinInterval
		}
	case "log":
		switch field {
		case "level":
			if _, err := parseLevel(value); err != nil {
				return err
			}
			target = &cfg.Log.Level
		case "format":
			if value != "json" && value != "text" {
				return fmt.Errorf("log format must be json or text")
			}
			target = &cfg.Log.Format
		}
	case "tracing":
		switch field {
		case "endpoint":
			target = &cfg.Tracing.Endpoint
		case "insecure":
			cfg.Tracing.Insecure = value == "true" || value == "1"
			return nil
		}
	case "webhook":
		switch field {
		case "listen":
			target = &cfg.Webhook.Listen
		case "secret":
			target = &cfg.Webhook.Secret
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, storage, queue, stats, log, tracing, webhook)", section)
	}
	if target == nil {
		return fmt.Errorf("unknown field %q in section [%s]", field, section)
	}
	if strings.HasSuffix(field, "_interval") || strings.HasSuffix(field, "_timeout") {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	*target = value
	return nil
}

// duration parses a configured duration; empty means zero (library default).
func duration(key, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("config %s: %w", key, err)
	}
	return d, nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:           "courier",
	Short:         "Offline delivery queue and message stats",
	Long:          "Command-line interface for courier.\nQueue messages while offline, deliver them when the backend is reachable, and inspect reconciled message counters.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
