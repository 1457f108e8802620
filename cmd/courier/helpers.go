package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/courierhq/courier"
)

// session is one opened courier instance plus the resources backing it.
type session struct {
	cfg     *Config
	logger  *slog.Logger
	courier *courier.Courier
	client  *courier.Client
	webhook *courier.ChangeWebhook
	closers []func()
}

// mustConfig loads the config and exits with a hint if the basics are missing.
func mustConfig() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.UserID == "" {
		fmt.Fprintln(os.Stderr, "No user id. Run 'courier config set default.user_id <id>' first.")
		os.Exit(1)
	}
	return cfg
}

func storagePath(cfg *Config) (string, error) {
	if cfg.Storage.Path != "" {
		return cfg.Storage.Path, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "courier.db"), nil
}

// newClient builds the HTTP client for the configured backend.
func newClient(cfg *Config, logger *slog.Logger) (*courier.Client, error) {
	if cfg.Default.APIKey == "" {
		return nil, errors.New("no API key, run 'courier init <api-key>' first")
	}
	opts := []courier.ClientOption{courier.WithLogger(logger)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, courier.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Tracing.Endpoint != "" {
		opts = append(opts, courier.WithTracing())
	}
	return courier.NewClient(cfg.Default.APIKey, opts...), nil
}

// openSession opens storage and the gateway and constructs the courier.
// Nothing is started. For one-shot commands the network is probed once so
// the composer and queue see a real status.
func openSession(ctx context.Context, cfg *Config, logger *slog.Logger) (*session, error) {
	s := &session{cfg: cfg, logger: logger}

	path, err := storagePath(cfg)
	if err != nil {
		return nil, err
	}
	store, err := courier.OpenSQLiteStore(path)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	s.closers = append(s.closers, func() { store.Close() })

	var (
		gateway courier.Gateway
		network courier.NetworkMonitor
	)
	switch cfg.Default.Backend {
	case backendPostgres:
		if cfg.Default.DatabaseURL == "" {
			s.Close()
			return nil, errors.New("backend is postgres but default.database_url is empty")
		}
		pg, err := courier.OpenPostgresGateway(ctx, cfg.Default.DatabaseURL, logger)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, pg.Close)
		gateway = pg
		network = courier.NewManualMonitor(true)
	case "", backendHTTP:
		client, err := newClient(cfg, logger)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.client = client
		gateway = courier.NewHTTPGateway(client, &courier.RealtimeConfig{AutoReconnect: true, Logger: logger})
		probe := courier.NewProbeMonitor(client.HealthURL())
		probe.Logger = logger
		probe.Probe(ctx)
		network = probe
	default:
		s.Close()
		return nil, fmt.Errorf("unknown backend %q", cfg.Default.Backend)
	}

	if cfg.Webhook.Secret != "" {
		hook, err := courier.NewChangeWebhook(cfg.Webhook.Secret, logger)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.webhook = hook
		gateway = courier.WithChangeWebhook(gateway, hook)
	}

	qopts := courier.QueueOptions{Logger: logger}
	if qopts.FlushInterval, err = duration("queue.flush_interval", cfg.Queue.FlushInterval); err != nil {
		s.Close()
		return nil, err
	}
	if qopts.AttemptTimeout, err = duration("queue.attempt_timeout", cfg.Queue.AttemptTimeout); err != nil {
		s.Close()
		return nil, err
	}
	sopts := courier.ReconcilerOptions{Logger: logger}
	if sopts.RefreshInterval, err = duration("stats.refresh_interval", cfg.Stats.RefreshInterval); err != nil {
		s.Close()
		return nil, err
	}
	if sopts.MinInterval, err = duration("stats.min_interval", cfg.Stats.MinInterval); err != nil {
		s.Close()
		return nil, err
	}

	c, err := courier.New(courier.Options{
		UserID:  cfg.Default.UserID,
		Store:   store,
		Gateway: gateway,
		Network: network,
		Logger:  logger,
		Queue:   qopts,
		Stats:   sopts,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	s.courier = c
	return s, nil
}

// Close waits for background sweeps and releases resources in reverse order.
func (s *session) Close() {
	if s.courier != nil {
		s.courier.Queue.Stop()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// cliLogger is the logger for one-shot commands: warnings and above on stderr
// unless the config asks for more.
func cliLogger(cfg *Config) *slog.Logger {
	lc := cfg.Log
	if lc.Level == "" || lc.Level == "info" {
		lc.Level = "warn"
	}
	logger, _, err := newLogger(os.Stderr, lc)
	if err != nil {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}
	return logger
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// maskKey shows the first and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
