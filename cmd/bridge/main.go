// Package main implements the entry point for the HyperStudy bridge, the
// local daemon that exposes lab devices over a WebSocket control surface.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/ljchang/hyperstudy-bridge-sub001/bridge"
	"github.com/ljchang/hyperstudy-bridge-sub001/config"
	"github.com/ljchang/hyperstudy-bridge-sub001/device"
	"github.com/ljchang/hyperstudy-bridge-sub001/factory"
	"github.com/ljchang/hyperstudy-bridge-sub001/metric"
	"github.com/ljchang/hyperstudy-bridge-sub001/natsclient"
	"github.com/ljchang/hyperstudy-bridge-sub001/perf"
)

const (
	Version = "0.1.0"
	appName = "hyperstudy-bridge"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\n%s\n", r, buf[:n])
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("bridge failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()

	if cliCfg.ShowVersion {
		fmt.Printf("%s %s\n", appName, Version)
		return nil
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return err
	}
	if cliCfg.LogLevel != "" {
		cfg.LogLevel = cliCfg.LogLevel
	}
	if cliCfg.Validate {
		fmt.Println("configuration is valid")
		return nil
	}

	logger := setupLogger(cfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)
	logger.Info("starting", "config", cliCfg.ConfigPath, "listen", cfg.ListenAddr)

	// Metrics are optional: no metrics_addr means no exposition endpoint,
	// but the in-process performance monitor always runs.
	var metricsRegistry *metric.Registry
	var metricsServer *metric.Server
	if cfg.MetricsAddr != "" {
		metricsRegistry = metric.NewRegistry()
		metricsServer = metric.NewServer(cfg.MetricsAddr, "/metrics", metricsRegistry)
		go func() {
			if err := metricsServer.Start(); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() { _ = metricsServer.Stop() }()
		logger.Info("metrics listening", "addr", cfg.MetricsAddr)
	}
	mon := perf.NewMonitor(metricsRegistry)

	// The bus is optional too; without it the LSL driver cannot be enabled
	// and config validation already said so.
	var bus device.Bus
	if cfg.NATS.URL != "" {
		client := natsclient.New(cfg.NATS.URL, natsclient.WithLogger(logger))
		if err := client.Connect(); err != nil {
			return err
		}
		defer func() { _ = client.Close() }()
		bus = client
	}

	registry := device.NewRegistry(logger)
	defer registry.Close()

	srvCfg := bridge.ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		Path:           cfg.Path,
		CommandTimeout: cfg.CommandTimeout(),
	}
	var metrics *metric.Metrics
	if metricsRegistry != nil {
		metrics = metricsRegistry.Metrics
	}
	server := bridge.NewServer(srvCfg, registry, mon, metrics, logger)
	if err := server.Initialize(); err != nil {
		return err
	}

	deps := factory.Deps{Sink: server.Sink(), Bus: bus, Mon: mon, Log: logger}
	if err := factory.Populate(registry, cfg.Devices, deps); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx); err != nil {
		return err
	}
	logger.Info("bridge ready", "addr", server.Addr(), "devices", len(registry.List()))

	<-ctx.Done()
	logger.Info("shutting down", "timeout", cliCfg.ShutdownTimeout)

	if err := server.Stop(cliCfg.ShutdownTimeout); err != nil {
		logger.Warn("server stop", "error", err)
	}
	start := time.Now()
	registry.Close()
	logger.Info("shutdown complete", "device_teardown", time.Since(start))
	return nil
}
