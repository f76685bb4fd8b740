// Command sagafinalizer runs the two choreographed Saga Orchestrators
// (C6): one internal/sagaorch.Finalizer per saga type, driving the
// user-deletion and project-deletion sagas to their terminal hard-delete
// the moment every confirming service has reported in (spec §4.4).
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/basket/nodeforge/internal/bus"
	"github.com/basket/nodeforge/internal/config"
	"github.com/basket/nodeforge/internal/projects"
	"github.com/basket/nodeforge/internal/saga"
	"github.com/basket/nodeforge/internal/sagaorch"
	"github.com/basket/nodeforge/internal/telemetry"
	"github.com/basket/nodeforge/internal/users"
)

const serviceName = "sagafinalizer"

func main() {
	if err := run(); err != nil {
		slog.Error("sagafinalizer exited", "error", err)
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

	broker := bus.NewBroker(cfg.Bus.URL, logger)
	defer broker.Close()

	userPool, err := pgxpool.New(ctx, cfg.StorageDSN("users"))
	if err != nil {
		return err
	}
	defer userPool.Close()
	userSvc := &users.Service{Store: users.NewStore(userPool), Sagas: sagas, Bus: broker}

	projectPool, err := pgxpool.New(ctx, cfg.StorageDSN("projects"))
	if err != nil {
		return err
	}
	defer projectPool.Close()
	projectSvc := &projects.Service{Store: projects.NewStore(projectPool), Sagas: sagas, Bus: broker, Logger: logger, ServiceName: "ProjectService"}

	userFinalizer := &sagaorch.Finalizer{
		Type:        saga.TypeUserDeletion,
		Store:       sagas,
		Bus:         broker,
		Queue:       "sagafinalizer.user_deletion",
		Exchange:    bus.ExchangeUserEvents,
		Bindings:    []string{bus.ResourceForUserDeletedKey("*"), bus.RKAllProjectsForUserDeleted},
		Deleter:     userSvc,
		Logger:      logger,
		ExtractStep: sagaorch.UserDeletionConfirmation("ProjectService"),
	}
	projectFinalizer := &sagaorch.Finalizer{
		Type:        saga.TypeProjectDeletion,
		Store:       sagas,
		Bus:         broker,
		Queue:       "sagafinalizer.project_deletion",
		Exchange:    bus.ExchangeProjectEvents,
		Bindings:    []string{bus.ResourceForProjectDeletedKey("*")},
		Deleter:     projectSvc,
		Logger:      logger,
		ExtractStep: sagaorch.PerServiceConfirmation("project_id"),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return userFinalizer.Run(gctx) })
	g.Go(func() error { return projectFinalizer.Run(gctx) })
	logger.Info("sagafinalizer running")

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
