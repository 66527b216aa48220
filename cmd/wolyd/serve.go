package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/woly-net/woly/pkg/bus"
	"github.com/woly-net/woly/pkg/command"
	"github.com/woly-net/woly/pkg/config"
	"github.com/woly-net/woly/pkg/hosts"
	"github.com/woly-net/woly/pkg/observability"
	"github.com/woly-net/woly/pkg/push"
	"github.com/woly-net/woly/pkg/registry"
	"github.com/woly-net/woly/pkg/retention"
	"github.com/woly-net/woly/pkg/router"
	"github.com/woly-net/woly/pkg/webhook"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the command plane server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			if flagDebug {
				cfg.LogLevel = "debug"
			}
			return runServer(cfg)
		},
	}
}

func newServerLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func runServer(cfg *config.Config) error {
	logger := newServerLogger(cfg)
	logger.Info("wolyd starting", "version", version, "listen", cfg.Listen)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// --- Stores ---
	commandStore, err := command.NewStore(command.StoreConfig{
		Backend:    cfg.Store.Backend,
		DataDir:    cfg.DataDir,
		SQLitePath: cfg.Store.SQLitePath,
		Postgres: &command.PostgresConfig{
			Host:     cfg.Store.PGHost,
			Port:     cfg.Store.PGPort,
			User:     cfg.Store.PGUser,
			Password: cfg.Store.PGPassword,
			Database: cfg.Store.PGDatabase,
			SSLMode:  cfg.Store.PGSSLMode,
		},
	}, logger)
	if err != nil {
		return fmt.Errorf("open command store: %w", err)
	}
	defer commandStore.Close()

	hostStore, err := hosts.NewSQLiteStore(filepath.Join(cfg.DataDir, "hosts.db"))
	if err != nil {
		return fmt.Errorf("open host store: %w", err)
	}
	defer hostStore.Close()

	webhookStore, err := webhook.NewSQLiteStore(filepath.Join(cfg.DataDir, "webhooks.db"))
	if err != nil {
		return fmt.Errorf("open webhook store: %w", err)
	}
	defer webhookStore.Close()

	// Commands stuck in "sent" across a restart can never resolve; fail
	// them before accepting new work.
	if n, err := commandStore.ReconcileStaleInFlight(context.Background(), cfg.Command.Timeout); err != nil {
		logger.Error("stale in-flight reconciliation failed", "error", err)
	} else if n > 0 {
		logger.Info("reconciled stale in-flight commands", "count", n)
	}

	// --- Core stack ---
	central := bus.New(logger)
	hostEvents := bus.New(logger)
	nodeEvents := bus.New(logger)

	aggregator := hosts.NewAggregator(hostStore, hostEvents, logger)
	reg := registry.New(registry.Config{
		AuthToken:         cfg.Node.AuthToken,
		HeartbeatInterval: cfg.Node.HeartbeatInterval,
		NodeTimeout:       cfg.Node.Timeout,
		MaxNodes:          cfg.Node.MaxNodes,
	}, aggregator, nodeEvents, logger)

	cmdRouter := router.New(router.Config{
		CommandTimeout:    cfg.Command.Timeout,
		MaxRetries:        cfg.Command.MaxRetries,
		RetryBaseDelay:    cfg.Command.RetryBaseDelay,
		OfflineCommandTTL: cfg.Command.OfflineTTL,
	}, commandStore, aggregator, reg, nodeEvents, central, logger)
	cmdRouter.Start()
	defer cmdRouter.Shutdown()

	bridge := bus.NewBridge(hostEvents, nodeEvents, central, logger)
	bridge.Start()
	defer bridge.Shutdown()

	// --- Plugins ---
	webhookDispatcher := webhook.NewDispatcher(webhook.Config{
		DeliveryTimeout: cfg.Webhook.DeliveryTimeout,
		RetryBaseDelay:  cfg.Webhook.RetryBaseDelay,
	}, webhookStore, logger)
	webhookDispatcher.Start(central)
	defer webhookDispatcher.Shutdown()

	if cfg.Push.Enabled {
		pushStore, err := push.NewSQLiteStore(filepath.Join(cfg.DataDir, "push.db"))
		if err != nil {
			return fmt.Errorf("open push store: %w", err)
		}
		defer pushStore.Close()

		var fcm, apns push.Provider
		if cfg.Push.FCMServerKey != "" {
			fcm = push.NewFCMProvider(cfg.Push.FCMServerKey)
		}
		if cfg.Push.APNSBearerToken != "" {
			apns = push.NewAPNSProvider(cfg.Push.APNSBearerToken, cfg.Push.APNSTopic, cfg.Push.APNSHost)
		}
		pushDispatcher := push.NewDispatcher(pushStore, fcm, apns, logger)
		pushDispatcher.Start(central)
		defer pushDispatcher.Shutdown()
	}

	// --- Background workers ---
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pruner, err := retention.NewWorker(cfg.Command.RetentionSchedule, cfg.Command.RetentionDays, commandStore, aggregator, logger)
	if err != nil {
		return err
	}
	go pruner.Run(ctx)

	go trackConnectedNodes(ctx, reg)

	// --- HTTP ---
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/node", reg.Handler())
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":          "ok",
			"connectedNodes":  len(reg.GetConnectedNodes()),
			"pendingCommands": cmdRouter.PendingCount(),
			"timestamp":       time.Now().UTC(),
		})
	})

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	logger.Info("wolyd ready", "listen", cfg.Listen)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	reg.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	logger.Info("wolyd stopped")
	return nil
}

// trackConnectedNodes keeps the connected-nodes gauge current.
func trackConnectedNodes(ctx context.Context, reg *registry.Registry) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			observability.ConnectedNodes.Set(float64(len(reg.GetConnectedNodes())))
		}
	}
}
