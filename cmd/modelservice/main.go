// Command modelservice runs the Model resource service (C5): the AIModel
// catalog, the model.deleted / model.capabilities.updated publishers the
// Node Dependency Healer (C7) consumes, and the GetModelConfiguration RPC
// the Inference Orchestrator (C8) dials into (spec §3, §4.6, §6).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/basket/nodeforge/internal/apperr"
	"github.com/basket/nodeforge/internal/audit"
	"github.com/basket/nodeforge/internal/bus"
	"github.com/basket/nodeforge/internal/config"
	"github.com/basket/nodeforge/internal/httpx"
	"github.com/basket/nodeforge/internal/identity"
	"github.com/basket/nodeforge/internal/models"
	"github.com/basket/nodeforge/internal/rpcclient"
	"github.com/basket/nodeforge/internal/telemetry"
)

const serviceName = "models"

func main() {
	if err := run(); err != nil {
		slog.Error("modelservice exited", "error", err)
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
	if err := audit.Init(cfg.HomeDir); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.StorageDSN(serviceName))
	if err != nil {
		return err
	}
	defer pool.Close()
	store := models.NewStore(pool)
	if err := store.InitSchema(ctx); err != nil {
		return err
	}

	broker := bus.NewBroker(cfg.Bus.URL, logger)
	defer broker.Close()

	verifier := identity.NewVerifier([]byte(cfg.JWT.Secret), cfg.JWT.Issuer, cfg.JWT.ClockSkew)
	svc := &models.Service{Store: store, Bus: broker}

	go func() {
		if err := svc.ConsumeUserDeletionInitiated(ctx); err != nil && ctx.Err() == nil {
			logger.Error("models: user-deletion consumer stopped", "error", err)
		}
	}()

	rpcAddr := os.Getenv("MODELSERVICE_RPC_ADDR")
	if rpcAddr == "" {
		rpcAddr = ":9102"
	}
	lis, err := net.Listen("tcp", rpcAddr)
	if err != nil {
		return err
	}
	rpcSrv := rpcclient.NewServer("nodeforge.models.ModelService")
	rpcSrv.RegisterUnary("/nodeforge.models.ModelService/GetModelConfiguration", func(ctx context.Context, req json.RawMessage) (any, error) {
		var in struct {
			ModelID string `json:"model_id"`
		}
		if err := json.Unmarshal(req, &in); err != nil {
			return nil, apperr.InvalidArgumentf("decode GetModelConfiguration request: %v", err)
		}
		m, err := store.Get(ctx, in.ModelID)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"id":            m.ID,
			"configuration": string(m.Configuration),
			"capabilities":  m.Capabilities,
		}, nil
	})
	go func() {
		if err := rpcSrv.Serve(lis); err != nil {
			logger.Error("modelservice: rpc server stopped", "error", err)
		}
	}()
	logger.Info("modelservice rpc listening", "addr", rpcAddr)

	mux := http.NewServeMux()
	h := &handlers{svc: svc}
	mux.Handle("DELETE /models/{id}", verifier.Middleware(http.HandlerFunc(h.delete)))

	server := &http.Server{Addr: cfg.BindAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	logger.Info("modelservice listening", "addr", cfg.BindAddr)

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

type handlers struct {
	svc *models.Service
}

func (h *handlers) delete(w http.ResponseWriter, r *http.Request) {
	p, ok := identity.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, apperr.PermissionDeniedf("no authenticated principal"))
		return
	}
	if err := h.svc.Delete(r.Context(), r.PathValue("id"), p.UserID, p.IsStaff); err != nil {
		httpx.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
