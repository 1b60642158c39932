// Command server runs the credits generator HTTP service.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"credits-generator/internal/observability/logging"
	"credits-generator/internal/observability/metrics"
	"credits-generator/internal/serverutil"
)

func main() {
	_ = godotenv.Load()

	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "credits server: %v\n", err)
		os.Exit(2)
	}

	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	recorder := metrics.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, cfg, logger, recorder)
	if err != nil {
		logger.Error("failed to initialise service", "error", err)
		os.Exit(1)
	}
	defer app.close(logger)

	logger.Info("credits generator listening", startupSummary(cfg)...)
	logger.Info("metrics endpoint available", "path", "/metrics")

	err = serverutil.Run(ctx, serverutil.Config{
		Server:          app.server.HTTPServer(),
		TLS:             cfg.TLS,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Workers:         app.workers,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server error", "error", err)
		app.close(logger)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
