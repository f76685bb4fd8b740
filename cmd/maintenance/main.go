// Command maintenance runs the Scheduled Maintenance reaper (C15): the
// cron-driven sweep for sagas stuck IN_PROGRESS past the configured
// threshold (spec §4.12).
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/basket/nodeforge/internal/config"
	"github.com/basket/nodeforge/internal/maintenance"
	"github.com/basket/nodeforge/internal/saga"
	"github.com/basket/nodeforge/internal/telemetry"
)

const serviceName = "maintenance"

func main() {
	if err := run(); err != nil {
		slog.Error("maintenance exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, serviceName, cfg.LogLevel, false)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sagas, err := saga.Open(ctx, cfg.StorageDSN("saga"))
	if err != nil {
		return err
	}
	defer sagas.Close()

	reaper := maintenance.New(maintenance.Config{
		Sagas:              sagas,
		Logger:             logger,
		Schedule:           cfg.Maintenance.Schedule,
		StuckSagaThreshold: cfg.Maintenance.StuckSagaThreshold,
	})

	logger.Info("maintenance running", "schedule", cfg.Maintenance.Schedule)
	return reaper.Run(ctx)
}
