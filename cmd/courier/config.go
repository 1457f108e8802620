package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/courierhq/courier"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print the config file as written")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage courier configuration",
	Long:  "View or modify the courier configuration stored in ~/.courier/config.toml.",
}

var configShowRaw bool

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long:  "Show the effective configuration with defaults filled in and secrets masked. Use --raw to print the file as written.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if configShowRaw {
			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("No configuration file found. Run 'courier init <api-key>' to create one.")
					return nil
				}
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}
		cfg, err := loadConfigFile(path)
		if err != nil {
			return err
		}
		fmt.Print(formatConfig(cfg, path))
		return nil
	},
}

// formatConfig renders cfg section by section with defaults and masked secrets.
func formatConfig(cfg *Config, path string) string {
	var b strings.Builder
	row := func(key, val string) { fmt.Fprintf(&b, "  %-17s %s\n", key, val) }
	secret := func(v string) string {
		if v == "" {
			return "(not set)"
		}
		return maskKey(v)
	}

	fmt.Fprintf(&b, "Config: %s\n\n", path)

	b.WriteString("[default]\n")
	backend := valueOrDefault(cfg.Default.Backend, backendHTTP)
	row("backend", backend)
	row("user_id", valueOrDefault(cfg.Default.UserID, "(not set)"))
	if backend == backendPostgres {
		row("database_url", secret(cfg.Default.DatabaseURL))
	} else {
		row("base_url", valueOrDefault(cfg.Default.BaseURL, courier.DefaultBaseURL))
		row("api_key", secret(cfg.Default.APIKey))
	}

	b.WriteString("\n[storage]\n")
	store := cfg.Storage.Path
	if store == "" {
		store = filepath.Join(filepath.Dir(path), "courier.db")
	}
	row("path", store)

	b.WriteString("\n[queue]\n")
	row("flush_interval", valueOrDefault(cfg.Queue.FlushInterval, "30s"))
	row("attempt_timeout", valueOrDefault(cfg.Queue.AttemptTimeout, "30s"))

	b.WriteString("\n[stats]\n")
	row("refresh_interval", valueOrDefault(cfg.Stats.RefreshInterval, "15s"))
	row("min_interval", valueOrDefault(cfg.Stats.MinInterval, "500ms"))

	b.WriteString("\n[log]\n")
	row("level", valueOrDefault(cfg.Log.Level, "info"))
	row("format", valueOrDefault(cfg.Log.Format, "text"))

	b.WriteString("\n[tracing]\n")
	if cfg.Tracing.Endpoint == "" {
		row("endpoint", "(disabled)")
	} else {
		row("endpoint", cfg.Tracing.Endpoint)
		row("insecure", fmt.Sprint(cfg.Tracing.Insecure))
	}

	b.WriteString("\n[webhook]\n")
	if cfg.Webhook.Secret == "" {
		row("secret", "(disabled)")
	} else {
		row("listen", valueOrDefault(cfg.Webhook.Listen, "(not served)"))
		row("secret", secret(cfg.Webhook.Secret))
	}
	return b.String()
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: courier config set queue.flush_interval 15s",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
