package main

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

// tokenStatus describes the expiry of a JWT API key. The signature is not
// verified; only the server can do that.
func tokenStatus(token string, now time.Time) string {
	if token == "" {
		return "none"
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "present (not a JWT)"
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return "present (no expiry)"
	}
	if now.Before(exp.Time) {
		return fmt.Sprintf("valid (expires %s)", exp.Time.Format(time.RFC3339))
	}
	return fmt.Sprintf("EXPIRED (expired %s)", exp.Time.Format(time.RFC3339))
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, token expiry, reachability and queue state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Backend:     %s\n", valueOrDefault(cfg.Default.Backend, backendHTTP))
		if cfg.Default.BaseURL != "" {
			fmt.Printf("  Base URL:    %s\n", cfg.Default.BaseURL)
		}
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Default.UserID, "(not set)"))
		if cfg.Default.APIKey != "" {
			fmt.Printf("  API Key:     %s\n", maskKey(cfg.Default.APIKey))
		} else {
			fmt.Println("  API Key:     (not set)")
		}
		fmt.Printf("  Token:       %s\n", tokenStatus(cfg.Default.APIKey, time.Now()))
		path, _ := storagePath(cfg)
		fmt.Printf("  Storage:     %s\n", path)

		if cfg.Default.UserID == "" {
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s, err := openSession(ctx, cfg, cliLogger(cfg))
		if err != nil {
			fmt.Printf("\n  Error opening session: %v\n", err)
			return nil
		}
		defer s.Close()

		fmt.Println()
		fmt.Println("Live status:")
		if s.courier.Network().CurrentStatus().Online() {
			fmt.Println("  Backend:     reachable")
		} else {
			fmt.Println("  Backend:     UNREACHABLE")
		}
		st := s.courier.Queue.Stats()
		fmt.Printf("  Queue:       %d total, %d pending, %d retrying, %d failed\n", st.Total, st.Pending, st.Retrying, st.Failed)
		if at, ok := s.courier.Queue.LastSyncAt(); ok {
			fmt.Printf("  Last sync:   %s\n", at.Local().Format(time.RFC3339))
		} else {
			fmt.Println("  Last sync:   never")
		}
		return nil
	},
}
