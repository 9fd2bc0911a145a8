// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/mqttbridge/bridge"
	"github.com/absmach/mqttbridge/config"
	"github.com/absmach/mqttbridge/internal/wiring"
	"github.com/absmach/mqttbridge/server/health"
	"github.com/absmach/mqttbridge/server/otel"
	"github.com/google/uuid"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	instanceID := uuid.NewString()
	slog.Info("Starting MQTT bridge", "instance_id", instanceID)
	slog.Info("Configuration loaded",
		"remote", cfg.Remote.Type,
		"private_path", cfg.Remote.PrivatePath,
		"codec", cfg.Codec.Name,
		"compression", cfg.Codec.Compression,
		"bridges", len(cfg.Bridges),
		"health_enabled", cfg.Health.Enabled,
		"telemetry_enabled", cfg.Telemetry.Enabled,
		"log_level", cfg.Log.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var otelShutdown otel.ShutdownFunc
	var metrics *otel.Metrics
	var instruments bridge.Instruments = bridge.NopInstruments{}
	if cfg.Telemetry.Enabled {
		shutdown, err := otel.InitProvider(ctx, cfg.Telemetry, instanceID)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown

		if cfg.Telemetry.MetricsEnabled {
			m, err := otel.NewMetrics(nil)
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				shutdownTelemetry(otelShutdown)
				os.Exit(1)
			}
			metrics = m
			instruments = m
		}
		slog.Info("OpenTelemetry initialized",
			"endpoint", cfg.Telemetry.Endpoint,
			"metrics", cfg.Telemetry.MetricsEnabled,
			"traces", cfg.Telemetry.TracesEnabled)
	}

	app, err := wiring.Build(ctx, cfg, logger, wiring.WithInstruments(instruments))
	if err != nil {
		slog.Error("Failed to start bridges", "error", err)
		cancel()
		shutdownTelemetry(otelShutdown)
		os.Exit(1)
	}
	if metrics != nil {
		if err := metrics.ObservePublishBudget(app.Limits); err != nil {
			slog.Warn("Publish budget metric unavailable", "error", err)
		}
	}

	var wg sync.WaitGroup
	serverErr := make(chan error, 1)

	if cfg.Health.Enabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Health.Addr,
			ShutdownTimeout: cfg.Health.ShutdownTimeout,
		}, app.Bridges, app.Remote, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("MQTT bridge started", "bridges", app.Bridges.Len())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}
	cancel()
	wg.Wait()

	if err := app.Close(); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}

	shutdownTelemetry(otelShutdown)

	slog.Info("MQTT bridge stopped")
}

// shutdownTelemetry flushes pending telemetry. A nil shutdown is a no-op.
func shutdownTelemetry(shutdown otel.ShutdownFunc) {
	if shutdown == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		return
	}
	slog.Info("OpenTelemetry shutdown complete")
}
