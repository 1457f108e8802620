package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initBaseURL string
	initUserID  string
)

func init() {
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "backend base URL")
	initCmd.Flags().StringVar(&initUserID, "user", "", "id of the signed-in user")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <api-key>",
	Short: "Store API key in ~/.courier/config.toml",
	Long:  "Initialize courier by storing your API key, and optionally the backend URL and user id, in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.APIKey = args[0]
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if initUserID != "" {
			cfg.Default.UserID = initUserID
		}
		if cfg.Default.Backend == "" {
			cfg.Default.Backend = backendHTTP
		}
		if cfg.Log.Level == "" {
			cfg.Log.Level = "info"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("API key saved to %s\n", path)
		return nil
	},
}
