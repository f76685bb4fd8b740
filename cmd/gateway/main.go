// Command gateway runs the externally-facing job-result surface: the
// Result Delivery Gateway (C10)'s ticketed WebSocket endpoint and the
// Cancellation Broadcaster (C11)'s DELETE /jobs/{job_id} handler. Both
// terminate at the same HTTP listener a client holds a job against, so they
// ship as one binary (spec §4.8).
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basket/nodeforge/internal/apperr"
	"github.com/basket/nodeforge/internal/bus"
	"github.com/basket/nodeforge/internal/cancel"
	"github.com/basket/nodeforge/internal/config"
	"github.com/basket/nodeforge/internal/delivery"
	"github.com/basket/nodeforge/internal/httpx"
	"github.com/basket/nodeforge/internal/identity"
	"github.com/basket/nodeforge/internal/kv"
	"github.com/basket/nodeforge/internal/telemetry"
)

const serviceName = "gateway"

func main() {
	if err := run(); err != nil {
		slog.Error("gateway exited", "error", err)
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

	kvOpts, err := kv.ParseURL(cfg.KV.URL)
	if err != nil {
		return err
	}
	kvClient := kv.NewClient(kvOpts, logger)
	defer kvClient.Close()
	if err := kvClient.EnsureConnection(ctx); err != nil {
		return err
	}

	delivery := &delivery.Service{KV: kvClient, Bus: broker, AllowOrigins: cfg.AllowOrigins, Logger: logger}
	cancellation := &cancel.Service{KV: kvClient, Bus: broker}

	go func() {
		if err := delivery.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("gateway: delivery consumer stopped", "error", err)
		}
	}()

	verifier := identity.NewVerifier([]byte(cfg.JWT.Secret), cfg.JWT.Issuer, cfg.JWT.ClockSkew)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/results/", delivery.HandleWebSocket)
	h := &handlers{cancel: cancellation}
	mux.Handle("DELETE /jobs/{job_id}", verifier.Middleware(http.HandlerFunc(h.cancelJob)))

	server := &http.Server{Addr: cfg.BindAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	logger.Info("gateway listening", "addr", cfg.BindAddr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancelFn := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelFn()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type handlers struct {
	cancel *cancel.Service
}

func (h *handlers) cancelJob(w http.ResponseWriter, r *http.Request) {
	p, ok := identity.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, apperr.PermissionDeniedf("no authenticated principal"))
		return
	}
	if err := h.cancel.Cancel(r.Context(), r.PathValue("job_id"), p.UserID); err != nil {
		httpx.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
