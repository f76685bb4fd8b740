// Command executor runs the Inference Executor (C9): the per-job pipeline
// that builds prompt context from the Data, Model, Memory and Tool
// services, drives the provider completion or agent loop, and streams or
// delivers the result over the Event Bus (spec §4.7, §4.8, §5).
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/basket/nodeforge/internal/bus"
	"github.com/basket/nodeforge/internal/config"
	"github.com/basket/nodeforge/internal/executor"
	"github.com/basket/nodeforge/internal/rpcclient"
	"github.com/basket/nodeforge/internal/telemetry"
)

const serviceName = "executor"

func main() {
	if err := run(); err != nil {
		slog.Error("executor exited", "error", err)
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

	broker := bus.NewBroker(cfg.Bus.URL, logger)
	defer broker.Close()

	dataRPC, err := dial("FILESERVICE_RPC_ADDR", "localhost:9105")
	if err != nil {
		return err
	}
	defer dataRPC.Close()
	toolRPC, err := dial("TOOLSERVICE_RPC_ADDR", "localhost:9103")
	if err != nil {
		return err
	}
	defer toolRPC.Close()
	memoryRPC, err := dial("MEMORYSERVICE_RPC_ADDR", "localhost:9104")
	if err != nil {
		return err
	}
	defer memoryRPC.Close()

	svc := &executor.Service{
		Bus:         broker,
		Data:        dataRPC,
		Tool:        &executor.RPCToolInvoker{RPC: toolRPC},
		Memory:      memoryRPC,
		Concurrency: cfg.InferenceExecutorConcurrency,
		Logger:      logger,
	}

	logger.Info("executor running", "concurrency", cfg.InferenceExecutorConcurrency)
	return svc.Run(ctx)
}

func dial(envVar, fallback string) (*rpcclient.Client, error) {
	addr := os.Getenv(envVar)
	if addr == "" {
		addr = fallback
	}
	return rpcclient.Dial(addr)
}
