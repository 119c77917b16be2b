// Package main provides the FireWatch camera monitoring service entry point
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/firewatch-io/firewatch/internal/api"
	"github.com/firewatch-io/firewatch/internal/camera"
	"github.com/firewatch-io/firewatch/internal/config"
	"github.com/firewatch-io/firewatch/internal/core"
	"github.com/firewatch-io/firewatch/internal/database"
	"github.com/firewatch-io/firewatch/internal/detection"
	"github.com/firewatch-io/firewatch/internal/incident"
	"github.com/firewatch-io/firewatch/internal/poller"
	"github.com/firewatch-io/firewatch/internal/probe"
	"github.com/firewatch-io/firewatch/internal/proxy"
	"github.com/firewatch-io/firewatch/internal/stream"
)

const version = "0.1.0"

func main() {
	configPath := firstEnv("FIREWATCH_CONFIG", "./config.yaml")
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", configPath, "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel()}))
	slog.SetDefault(logger)

	slog.Info("Starting FireWatch",
		"version", version,
		"config_path", configPath,
		"data_path", cfg.System.DataPath,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dataPath := cfg.System.DataPath
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		slog.Error("Failed to create data directory", "path", dataPath, "error", err)
		os.Exit(1)
	}

	// Database and migrations
	db, err := database.Open(database.DefaultConfig(dataPath))
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := database.NewMigrator(db).Run(ctx); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Embedded NATS event bus
	eventBus, err := core.NewEventBus(core.DefaultEventBusConfig(), logger)
	if err != nil {
		slog.Error("Failed to create event bus", "error", err)
		os.Exit(1)
	}
	defer eventBus.Stop()

	// Stores and services
	cameras := camera.NewStore(db)
	incidents := incident.NewStore(db)
	detections := detection.NewService(cameras, incidents, eventBus, logger)

	pollerCfg, streamCfg, _ := cfg.Snapshot()

	prober := probe.New(pollerCfg.ProbeTimeout)
	fleetPoller := poller.New(cameras, prober, eventBus,
		func() config.PollerConfig { p, _, _ := cfg.Snapshot(); return p }, logger)

	streams := stream.NewManager(
		stream.NewFFmpegLauncher(streamCfg.FFmpegPath, logger),
		filepath.Join(dataPath, "hls"),
		func() config.StreamConfig { _, s, _ := cfg.Snapshot(); return s },
		logger,
	)
	defer streams.Shutdown()

	liveProxy := proxy.New(
		func() config.ProxyConfig { _, _, p := cfg.Snapshot(); return p },
		logger,
	)

	// WebSocket hub bridged to the event bus
	hub := api.NewHub()
	go hub.Run()
	if err := hub.AttachBus(eventBus); err != nil {
		slog.Error("Failed to attach hub to event bus", "error", err)
		os.Exit(1)
	}

	// Reload tunables when the config file changes on disk
	cfg.OnChange(func(c *config.Config) {
		p, _, _ := c.Snapshot()
		slog.Info("Applying reloaded configuration", "poll_interval", p.Interval)
	})
	stopWatch, err := cfg.Watch()
	if err != nil {
		slog.Warn("Config watching disabled", "error", err)
	} else {
		defer stopWatch()
	}

	// Monitoring starts with the service; operators can stop it via the API
	if err := fleetPoller.Start(); err != nil {
		slog.Error("Failed to start fleet poller", "error", err)
		os.Exit(1)
	}
	defer fleetPoller.Stop()

	handlers := api.NewHandlers(db, cameras, incidents, detections,
		fleetPoller, prober, streams, liveProxy, hub, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      handlers.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("Server starting", "address", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server error", "error", err)
			cancel()
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	slog.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown error", "error", err)
	}

	slog.Info("Server stopped")
}

func firstEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
