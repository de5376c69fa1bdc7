package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sitepulse/sitepulse/pkg/config"
	"github.com/sitepulse/sitepulse/pkg/service"
)

func main() {
	configPath := flag.String("config", "/etc/sitepulse/config.yaml", "Path to config file (empty for built-in defaults)")
	addr := flag.String("addr", "", "API listen address (overrides config)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			slog.Error("failed to load config", "path", *configPath, "error", err)
			os.Exit(1)
		}
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	svc, err := service.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to start sitepulse", "error", err)
		os.Exit(1)
	}
	svc.RegisterHealthChecks()

	slog.Info("sitepulse collector starting",
		"addr", cfg.Server.Addr,
		"sinks", len(cfg.Sinks),
		"geo", cfg.Geo.GeoEnabled(),
		"capacity", cfg.Storage.Capacity)

	runErr := svc.Run(ctx)

	// Drain in-flight enrichment and delivery before exiting.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer drainCancel()
	if err := svc.Close(drainCtx); err != nil {
		slog.Warn("shutdown incomplete", "error", err)
	}

	if runErr != nil {
		slog.Error("api server error", "error", runErr)
		os.Exit(1)
	}
	slog.Info("sitepulse stopped cleanly")
}
