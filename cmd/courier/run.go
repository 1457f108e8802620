package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/courierhq/courier"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the queue, reconciler and change feed until interrupted",
	Long:  "Run courier in the foreground. Queued messages are delivered when the backend becomes reachable, and every reconciled snapshot is logged. Changes to log.level in the config file apply without restart.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		logger, levelVar, err := newLogger(os.Stderr, cfg.Log)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		shutdownTracing, err := initTracing(ctx, cfg.Tracing, logger)
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(sctx)
		}()

		s, err := openSession(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer s.Close()

		unsub := s.courier.Reconciler.Subscribe(func(snap courier.Snapshot) {
			c := snap.Counters
			logger.Info("stats_snapshot",
				slog.Int("pending", c.Pending),
				slog.Int("sent", c.Sent),
				slog.Int("failed", c.Failed),
				slog.Int("delivered", c.Delivered),
				slog.Int("read", c.Read),
				slog.Int("inbound", c.Inbound),
				slog.Int("queued", snap.Queue.Total),
				slog.Bool("remote_ok", snap.RemoteOK),
			)
		})
		defer unsub()

		if path, err := configPath(); err == nil {
			go watchConfig(ctx, path, levelVar, logger)
		}

		if s.webhook != nil && cfg.Webhook.Listen != "" {
			srv := &http.Server{Addr: cfg.Webhook.Listen, Handler: s.webhook, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				logger.Info("webhook_listening", slog.String("addr", cfg.Webhook.Listen))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("webhook_server_failed", slog.Any("err", err))
				}
			}()
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(sctx)
			}()
		}

		s.courier.Start(ctx)
		<-ctx.Done()
		logger.Info("shutdown_requested")
		s.courier.Stop()
		return nil
	},
}

// watchConfig applies log.level edits to levelVar. Events are debounced to
// coalesce editor and atomic-rename writes.
func watchConfig(ctx context.Context, path string, levelVar *slog.LevelVar, logger *slog.Logger) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("watch_disabled", slog.Any("err", err))
		return
	}
	defer w.Close()

	dir, base := filepath.Dir(path), filepath.Base(path)
	if err := w.Add(dir); err != nil {
		logger.Warn("watch_disabled", slog.Any("err", err))
		return
	}
	logger.Debug("watching_config", slog.String("path", path))

	var timer *time.Timer
	var timerCh <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(200 * time.Millisecond)
			} else {
				timer.Reset(200 * time.Millisecond)
			}
			timerCh = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Warn("watch_error", slog.Any("err", err))
		case <-timerCh:
			timerCh = nil
			reloadLogLevel(path, levelVar, logger)
		}
	}
}

func reloadLogLevel(path string, levelVar *slog.LevelVar, logger *slog.Logger) {
	cfg, err := loadConfigFile(path)
	if err != nil {
		logger.Error("config_reload_failed", slog.Any("err", err))
		return
	}
	lvl, err := parseLevel(cfg.Log.Level)
	if err != nil {
		logger.Error("config_reload_failed", slog.Any("err", err))
		return
	}
	if lvl == levelVar.Level() {
		return
	}
	levelVar.Set(lvl)
	logger.Info("log_level_changed", slog.String("level", lvl.String()))
}
