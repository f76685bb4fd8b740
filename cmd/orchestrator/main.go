// Command orchestrator runs the Inference Orchestrator (C8): the
// synchronous HTTP front door for POST /nodes/{id}/infer, dialing the
// Node, Model, Data, Tool and Memory services' RPC Adapters and handing
// assembled jobs to the Inference Executor (C9) over the bus (spec §4.6).
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
	"github.com/basket/nodeforge/internal/config"
	"github.com/basket/nodeforge/internal/httpx"
	"github.com/basket/nodeforge/internal/identity"
	"github.com/basket/nodeforge/internal/kv"
	"github.com/basket/nodeforge/internal/orchestrator"
	"github.com/basket/nodeforge/internal/rpcclient"
	"github.com/basket/nodeforge/internal/telemetry"
)

const serviceName = "orchestrator"

func main() {
	if err := run(); err != nil {
		slog.Error("orchestrator exited", "error", err)
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

	nodeRPC, err := dial("NODESERVICE_RPC_ADDR", "localhost:9101")
	if err != nil {
		return err
	}
	defer nodeRPC.Close()
	modelRPC, err := dial("MODELSERVICE_RPC_ADDR", "localhost:9102")
	if err != nil {
		return err
	}
	defer modelRPC.Close()
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
	dataRPC, err := dial("FILESERVICE_RPC_ADDR", "localhost:9105")
	if err != nil {
		return err
	}
	defer dataRPC.Close()

	verifier := identity.NewVerifier([]byte(cfg.JWT.Secret), cfg.JWT.Issuer, cfg.JWT.ClockSkew)
	svc := &orchestrator.Service{
		Node: nodeRPC, Model: modelRPC, Data: dataRPC, Tool: toolRPC, Memory: memoryRPC,
		KV: kvClient, Bus: broker,
		OwnershipTTL: cfg.JWT.OwnershipTTL, TicketTTL: cfg.JWT.TicketTTL,
	}

	mux := http.NewServeMux()
	h := &handlers{svc: svc}
	mux.Handle("POST /nodes/{id}/infer", verifier.Middleware(http.HandlerFunc(h.infer)))

	server := &http.Server{Addr: cfg.BindAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	logger.Info("orchestrator listening", "addr", cfg.BindAddr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func dial(envVar, fallback string) (*rpcclient.Client, error) {
	addr := os.Getenv(envVar)
	if addr == "" {
		addr = fallback
	}
	return rpcclient.Dial(addr)
}

type handlers struct {
	svc *orchestrator.Service
}

func (h *handlers) infer(w http.ResponseWriter, r *http.Request) {
	p, ok := identity.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, apperr.PermissionDeniedf("no authenticated principal"))
		return
	}
	var req orchestrator.Request
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	resp, err := h.svc.Infer(r.Context(), r.PathValue("id"), p.UserID, req)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, resp)
}
