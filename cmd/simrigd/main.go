// Command simrigd serves engine sessions to remote tooling over WebSocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"simrig/engine"
	"simrig/gateway"
	"simrig/registry"
)

func main() {
	var (
		bind      = flag.String("bind", "127.0.0.1:7788", "address to serve the websocket endpoint on")
		advertise = flag.String("advertise", "", "address to publish in the registry (default: the bound address)")
		etcd      = flag.String("etcd", "", "etcd endpoints for self-registration (comma-separated)")
		install   = flag.String("engine-install", "", "engine installation root (default $SIMRIG_ENGINE_PATH)")
		opsPerSec = flag.Float64("ops-per-second", 0, "op admission rate across all connections (0 = unlimited)")
		debug     = flag.Bool("debug", false, "development logging; keep engine workdirs on failure")
	)
	flag.Parse()

	logger := newLogger(*debug)
	defer logger.Sync()

	cfg := gateway.Config{
		Engine: engine.Config{
			InstallDir: *install,
			Debug:      *debug,
			Logger:     logger.Named("engine"),
		},
		Advertise:    *advertise,
		OpsPerSecond: *opsPerSec,
		Logger:       logger,
	}
	if *etcd != "" {
		reg, err := registry.NewEtcd(strings.Split(*etcd, ","))
		if err != nil {
			logger.Fatal("connect etcd", zap.Error(err))
		}
		defer reg.Close()
		cfg.Registry = reg
	}

	g := gateway.New(cfg)
	if err := g.Start(*bind); err != nil {
		logger.Fatal("start gateway", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("signal received, shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := g.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(debug bool) *zap.Logger {
	build := zap.NewProduction
	if debug {
		build = zap.NewDevelopment
	}
	logger, err := build()
	if err != nil {
		fmt.Fprintln(os.Stderr, "build logger:", err)
		os.Exit(1)
	}
	return logger
}
